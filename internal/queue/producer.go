package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
)

// TaskMessage 访问任务消息
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DetectionMessage 风险检测消息
// 检测是幂等的，重复投递无副作用
type DetectionMessage struct {
	UserID    string    `json:"user_id"`
	Trigger   string    `json:"trigger"` // task_created / task_finished / event
	CreatedAt time.Time `json:"created_at"`
}

// Producer 消息生产者
type Producer struct {
	client *Client
	cfg    *config.RabbitMQConfig
	logger *logrus.Logger
}

func NewProducer(client *Client, cfg *config.RabbitMQConfig, logger *logrus.Logger) *Producer {
	return &Producer{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// PublishTask 投递访问任务
func (p *Producer) PublishTask(ctx context.Context, msg *TaskMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.cfg.TaskQueue, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task message")
		return err
	}

	p.logger.WithField("task_id", msg.TaskID).Info("📤 Task message published")
	return nil
}

// PublishDetection 投递风险检测（fire-and-forget）
// 投递失败只记日志: 检测是旁路，不能让任务提交跟着失败
func (p *Producer) PublishDetection(ctx context.Context, msg *DetectionMessage) {
	if msg.UserID == "" {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return
	}

	if err := p.client.Publish(ctx, p.cfg.DetectionQueue, body); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": msg.UserID,
			"trigger": msg.Trigger,
		}).Warn("Failed to publish detection message")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"user_id": msg.UserID,
		"trigger": msg.Trigger,
	}).Debug("Detection message published")
}
