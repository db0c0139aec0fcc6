package watcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/service"
)

// maxListLines 单个清单文件的 URL 上限，超出部分忽略
const maxListLines = 10000

// NewURLListHandler 返回把 URL 清单文件转为访问任务的处理函数
// 清单格式: 每行一个 URL，# 开头为注释行
// 任务归属: 以文件名（去扩展名）作为 user_id，如 customer-42.txt -> customer-42
func NewURLListHandler(taskService service.TaskService, logger *logrus.Logger) FileHandler {
	return func(ctx context.Context, filePath string) error {
		urls, err := readURLList(filePath)
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return fmt.Errorf("清单文件没有有效 URL: %s", filePath)
		}

		fileName := filepath.Base(filePath)
		userID := strings.TrimSuffix(fileName, filepath.Ext(fileName))

		task, err := taskService.CreateTask(ctx, &service.CreateTaskRequest{
			UserID:     userID,
			URLs:       urls,
			CycleCount: 1,
		})
		if err != nil {
			return fmt.Errorf("创建任务失败: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"file":    fileName,
			"urls":    len(urls),
		}).Info("✅ URL list file converted to task")

		// 处理完就移走，避免重启后重复投递
		if err := os.Remove(filePath); err != nil {
			logger.WithError(err).WithField("file", filePath).Warn("Failed to remove processed list file")
		}

		return nil
	}
}

func readURLList(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
		if len(urls) >= maxListLines {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file: %w", err)
	}

	return urls, nil
}
