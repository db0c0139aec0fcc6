package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

// progressTTL 进度快照在 KV 中的保留时间
const progressTTL = 24 * time.Hour

// Observer 进度订阅回调（WebSocket 推送等）
type Observer func(p *domain.TaskProgress)

// Tracker 任务进度跟踪器
// 快照写 KV 供轮询方低成本读取，计数列同步回数据库
//
// 写入规则:
//   - 终态快照落下之后，迟到的非终态写入一律丢弃
//   - 同一状态下进度百分比只增不减
//   - 有任何已完成访问时百分比至少为 1，避免前端显示卡在 0
type Tracker struct {
	kv     storage.KVStore
	repo   repository.TaskRepository
	logger *logrus.Logger

	mu        sync.Mutex
	observers []Observer
}

func NewTracker(kv storage.KVStore, repo repository.TaskRepository, logger *logrus.Logger) *Tracker {
	return &Tracker{
		kv:     kv,
		repo:   repo,
		logger: logger,
	}
}

// Subscribe 注册进度订阅者
func (t *Tracker) Subscribe(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

func progressKey(taskID string) string {
	return "progress:" + taskID
}

// Publish 发布一次进度快照
func (t *Tracker) Publish(ctx context.Context, p *domain.TaskProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev := t.snapshot(ctx, p.TaskID); prev != nil {
		// 终态之后丢弃迟到的非终态写入
		if prev.Status.IsTerminal() && !p.Status.IsTerminal() {
			t.logger.WithFields(logrus.Fields{
				"task_id":     p.TaskID,
				"late_status": p.Status,
			}).Debug("Dropping stale progress write after terminal state")
			return
		}
		// 百分比只增不减
		if p.Progress < prev.Progress && !p.Status.IsTerminal() {
			p.Progress = prev.Progress
		}
	}

	// 起步下限: 有进展就显示至少 1%
	if p.Progress < 1 && p.SuccessCount+p.FailCount > 0 {
		p.Progress = 1
	}
	if p.Progress > 100 {
		p.Progress = 100
	}
	p.UpdatedAt = time.Now().UTC()

	data, _ := json.Marshal(p)
	if err := t.kv.SetWithTTL(ctx, progressKey(p.TaskID), data, progressTTL); err != nil {
		t.logger.WithError(err).WithField("task_id", p.TaskID).Warn("Failed to persist progress snapshot")
	}

	// 非终态时同步计数列（终态由引擎走 MarkCompleted / MarkTerminated）
	if !p.Status.IsTerminal() {
		if err := t.repo.UpdateProgress(ctx, p.TaskID, p.Progress, p.Message,
			int64(p.SuccessCount), int64(p.FailCount)); err != nil {
			t.logger.WithError(err).WithField("task_id", p.TaskID).Warn("Failed to sync progress to database")
		}
	}

	for _, obs := range t.observers {
		obs(p)
	}
}

// Get 读取任务进度，优先 KV 快照，缺失时回落数据库
func (t *Tracker) Get(ctx context.Context, taskID string) (*domain.TaskProgress, error) {
	if p := t.snapshot(ctx, taskID); p != nil {
		return p, nil
	}

	task, err := t.repo.FindByID(ctx, taskID)
	if err == gorm.ErrRecordNotFound {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	return &domain.TaskProgress{
		TaskID:       task.ID,
		Status:       task.Status,
		Progress:     task.ProgressPercent,
		Total:        task.TotalVisits(),
		SuccessCount: task.CompletedCount,
		FailCount:    task.FailedCount,
		Message:      task.Message,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (t *Tracker) snapshot(ctx context.Context, taskID string) *domain.TaskProgress {
	data, err := t.kv.Get(ctx, progressKey(taskID))
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			t.logger.WithError(err).WithField("task_id", taskID).Debug("Progress snapshot read failed")
		}
		return nil
	}

	var p domain.TaskProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}
