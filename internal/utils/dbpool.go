package utils

import (
	"gorm.io/gorm"
)

// PoolStats 读取底层连接池状态，供指标上报
// 连接池参数在建库时设置，这里只做观测
func PoolStats(db *gorm.DB) (open, idle, inUse int) {
	sqlDB, err := db.DB()
	if err != nil {
		return 0, 0, 0
	}

	stats := sqlDB.Stats()
	return stats.OpenConnections, stats.Idle, stats.InUse
}
