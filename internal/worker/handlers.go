package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/executor"
	"github.com/traffic-boost/traffic-boost-go/internal/queue"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/risk"
)

// NewTaskHandler 构造访问任务消息处理函数
// 从数据库加载任务、交给执行引擎跑完，执行结束后记录用户行为
// 并旁路投递一次风险检测
func NewTaskHandler(
	taskRepo repository.TaskRepository,
	engine *executor.Engine,
	riskEngine *risk.Engine,
	producer *queue.Producer,
	logger *logrus.Logger,
) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		var msg queue.TaskMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("unmarshal task message: %w", err)
		}

		task, err := taskRepo.FindByID(ctx, msg.TaskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", msg.TaskID, err)
		}

		// 消息在队列里滞留期间任务可能已被终止或删除
		if task.Status.IsTerminal() {
			logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"status":  task.Status,
			}).Info("Skipping task already in terminal state")
			return nil
		}

		result, execErr := engine.Execute(ctx, task)

		// 执行结束即记录行为，无论成败
		if task.UserID != "" {
			activity := &domain.UserActivity{
				UserID:    task.UserID,
				Action:    "task_executed",
				Resource:  task.ID,
				BatchSize: len(task.URLs()),
				Success:   execErr == nil,
			}
			if result != nil {
				activity.SetMetadata(map[string]interface{}{
					"completed": result.Completed,
					"failed":    result.Failed,
					"status":    result.Status,
				})
			}
			riskEngine.RecordActivity(ctx, activity)

			producer.PublishDetection(ctx, &queue.DetectionMessage{
				UserID:  task.UserID,
				Trigger: "task_finished",
			})
		}

		return execErr
	}
}

// NewDetectionHandler 构造风险检测消息处理函数
// 检测是幂等的聚合计算，失败由消费者 Nack 丢弃即可
func NewDetectionHandler(riskEngine *risk.Engine, logger *logrus.Logger) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		var msg queue.DetectionMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("unmarshal detection message: %w", err)
		}

		profile, err := riskEngine.Detect(ctx, msg.UserID)
		if err != nil {
			return fmt.Errorf("risk detection for %s: %w", msg.UserID, err)
		}

		logger.WithFields(logrus.Fields{
			"user_id": msg.UserID,
			"trigger": msg.Trigger,
			"score":   profile.Score,
			"level":   profile.Level,
		}).Debug("Risk detection completed")

		return nil
	}
}
