package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

func newTestTracker(repo *fakeTaskRepo) *Tracker {
	return NewTracker(storage.NewMemoryStore(), repo, testLogger())
}

// TestTracker_PublishAndGet 测试快照写入后可读回
func TestTracker_PublishAndGet(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(newFakeTaskRepo())

	tracker.Publish(ctx, &domain.TaskProgress{
		TaskID:       "t1",
		Status:       domain.TaskStatusRunning,
		Progress:     40,
		Total:        10,
		SuccessCount: 4,
	})

	p, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 40, p.Progress)
	assert.Equal(t, domain.TaskStatusRunning, p.Status)
	assert.False(t, p.UpdatedAt.IsZero())
}

// TestTracker_MonotoneProgress 测试百分比只增不减
func TestTracker_MonotoneProgress(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(newFakeTaskRepo())

	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 50})
	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 30})

	p, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50, p.Progress, "Out-of-order write must not move progress backwards")
}

// TestTracker_FloorAtOnePercent 测试有进展时至少显示 1%
func TestTracker_FloorAtOnePercent(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(newFakeTaskRepo())

	tracker.Publish(ctx, &domain.TaskProgress{
		TaskID:       "t1",
		Status:       domain.TaskStatusRunning,
		Progress:     0,
		Total:        1000,
		SuccessCount: 1,
	})

	p, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Progress)
}

// TestTracker_TerminalSuppressesLateWrites 测试终态之后丢弃迟到的非终态写入
func TestTracker_TerminalSuppressesLateWrites(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(newFakeTaskRepo())

	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusCompleted, Progress: 100})
	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 80})

	p, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, p.Status)
	assert.Equal(t, 100, p.Progress)
}

// TestTracker_SyncsDatabaseForNonTerminal 测试非终态写入同步数据库计数列
func TestTracker_SyncsDatabaseForNonTerminal(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTaskRepo()
	tracker := newTestTracker(repo)

	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 20})
	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusCompleted, Progress: 100})

	assert.Equal(t, []int{20}, repo.progresses, "Terminal snapshot goes through MarkCompleted, not UpdateProgress")
}

// TestTracker_GetFallsBackToDatabase 测试无快照时回落数据库行
func TestTracker_GetFallsBackToDatabase(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTaskRepo()
	tracker := newTestTracker(repo)

	task := makeTask("t1", 2, 3)
	task.Status = domain.TaskStatusRunning
	task.ProgressPercent = 33
	task.CompletedCount = 2
	require.NoError(t, repo.Create(ctx, task))

	p, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 33, p.Progress)
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 2, p.SuccessCount)
}

// TestTracker_GetUnknownTask 测试任务不存在时返回 ErrRecordNotFound
func TestTracker_GetUnknownTask(t *testing.T) {
	tracker := newTestTracker(newFakeTaskRepo())

	_, err := tracker.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestTracker_NotifiesObservers 测试订阅者收到每次有效发布
func TestTracker_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	tracker := newTestTracker(newFakeTaskRepo())

	var seen []int
	tracker.Subscribe(func(p *domain.TaskProgress) {
		seen = append(seen, p.Progress)
	})

	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 10})
	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusCompleted, Progress: 100})
	// 终态之后的迟到写入不应触发回调
	tracker.Publish(ctx, &domain.TaskProgress{TaskID: "t1", Status: domain.TaskStatusRunning, Progress: 50})

	assert.Equal(t, []int{10, 100}, seen)
}
