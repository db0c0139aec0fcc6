package main

import (
	"fmt"
	"log"
	"os"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
)

func main() {
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := config.InitLogger(&cfg.Log)

	// InitDB 内部执行 AutoMigrate，建表即完成迁移
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	sqlDB, _ := db.DB()
	sqlDB.Close()

	fmt.Println("✓ Migration completed successfully")
}
