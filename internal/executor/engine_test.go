package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/proxy"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
	"github.com/traffic-boost/traffic-boost-go/internal/visitor"
)

// fakeTaskRepo 内存任务仓库桩
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task

	stopFlags  map[string]bool
	terminated map[string]string
	completed  map[string]bool
	failures   map[string]string
	savedErrs  map[string]string
	progresses []int
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		tasks:      make(map[string]*domain.Task),
		stopFlags:  make(map[string]bool),
		terminated: make(map[string]string),
		completed:  make(map[string]bool),
		failures:   make(map[string]string),
		savedErrs:  make(map[string]string),
	}
}

func (f *fakeTaskRepo) Create(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeTaskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return task, nil
}

func (f *fakeTaskRepo) ListWithPagination(ctx context.Context, page, pageSize int, statusFilter, userID string) ([]*domain.Task, int64, error) {
	return nil, 0, nil
}

func (f *fakeTaskRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.Status = status
	}
	return nil
}

func (f *fakeTaskRepo) UpdateProgress(ctx context.Context, id string, percent int, message string, completed, failed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progresses = append(f.progresses, percent)
	if task, ok := f.tasks[id]; ok {
		task.ProgressPercent = percent
		task.CompletedCount = int(completed)
		task.FailedCount = int(failed)
	}
	return nil
}

func (f *fakeTaskRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopFlags[id], nil
}

func (f *fakeTaskRepo) MarkShouldStop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopFlags[id] = true
	return nil
}

func (f *fakeTaskRepo) MarkCompleted(ctx context.Context, id string, completed, failed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = true
	if task, ok := f.tasks[id]; ok {
		task.Status = domain.TaskStatusCompleted
		task.CompletedCount = int(completed)
		task.FailedCount = int(failed)
	}
	return nil
}

func (f *fakeTaskRepo) MarkTerminated(ctx context.Context, id string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[id] = message
	if task, ok := f.tasks[id]; ok {
		task.Status = domain.TaskStatusTerminated
	}
	return nil
}

func (f *fakeTaskRepo) UpdateFailure(ctx context.Context, id string, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = errorMessage
	if task, ok := f.tasks[id]; ok {
		task.Status = domain.TaskStatusFailed
	}
	return nil
}

func (f *fakeTaskRepo) IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int64) error {
	return nil
}

func (f *fakeTaskRepo) SaveErrors(ctx context.Context, id string, errorsJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedErrs[id] = errorsJSON
	return nil
}

func (f *fakeTaskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return nil, 0, nil
}

func (f *fakeTaskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	return nil, nil
}

func (f *fakeTaskRepo) FailStuckRunningTasks(ctx context.Context, message string) (int64, error) {
	return 0, nil
}

// countingVisitor 记录访问次数，按 failEvery 周期性返回失败
type countingVisitor struct {
	visits    atomic.Int64
	failEvery int64
}

func (v *countingVisitor) Visit(ctx context.Context, req visitor.Request) visitor.Outcome {
	n := v.visits.Add(1)
	if v.failEvery > 0 && n%v.failEvery == 0 {
		return visitor.Outcome{Success: false, Error: "simulated failure"}
	}
	return visitor.Outcome{Success: true, LoadTime: time.Millisecond}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testExecutorConfig() *config.ExecutorConfig {
	return &config.ExecutorConfig{
		MaxConcurrentRounds: 3,
		MaxConcurrentURLs:   5,
		Adaptive: config.AdaptiveConfig{
			Enabled:        false,
			ShrinkFactor:   0.8,
			GrowFactor:     1.1,
			MinBatchSize:   3,
			MaxBatchSize:   15,
			ErrorThreshold: 0.3,
		},
	}
}

func newTestEngine(repo *fakeTaskRepo, v visitor.Visitor) *Engine {
	logger := testLogger()
	tracker := NewTracker(storage.NewMemoryStore(), repo, logger)
	proxies := proxy.NewManager("lines", time.Minute, time.Second, "", logger)
	return NewEngine(testExecutorConfig(), repo, proxies, v, tracker, logger)
}

func makeTask(id string, urls int, cycles int) *domain.Task {
	task := &domain.Task{ID: id, CycleCount: cycles, Status: domain.TaskStatusQueued}
	list := make([]string, urls)
	for i := range list {
		list[i] = "https://example.com/page"
	}
	task.SetURLs(list)
	return task
}

// TestExecute_SerialCompletes 测试串行执行访问全部 URL × 轮次
func TestExecute_SerialCompletes(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 5, 2)
	require.NoError(t, repo.Create(context.Background(), task))

	result, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, result.Status)
	assert.Equal(t, int64(10), result.Completed)
	assert.Equal(t, int64(0), result.Failed)
	assert.Equal(t, int64(10), v.visits.Load())
	assert.True(t, repo.completed["t1"])
}

// TestExecute_ConcurrentCountsMatchSerial 测试并发模式访问总数与串行一致
func TestExecute_ConcurrentCountsMatchSerial(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 4, 3)
	task.RoundConcurrency = true
	task.URLConcurrency = true
	require.NoError(t, repo.Create(context.Background(), task))

	result, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, result.Status)
	assert.Equal(t, int64(12), result.Completed+result.Failed)
	assert.Equal(t, int64(12), v.visits.Load())
}

// TestExecute_FailuresCounted 测试失败访问计入 Failed 并记录错误文本
func TestExecute_FailuresCounted(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{failEvery: 2} // 每第 2 次访问失败
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 10, 1)
	require.NoError(t, repo.Create(context.Background(), task))

	result, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.Completed)
	assert.Equal(t, int64(5), result.Failed)
	assert.Len(t, result.Errors, 5)
	assert.NotEmpty(t, repo.savedErrs["t1"])

	// 错误文本带轮次与 URL，排查时可直接定位
	for _, msg := range result.Errors {
		assert.Contains(t, msg, "round 1, ")
		assert.Contains(t, msg, "https://example.com/page")
	}
}

// TestExecute_ProgressPerVisit 测试每次访问后都上报进度而非每轮一次
func TestExecute_ProgressPerVisit(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 10, 1)
	require.NoError(t, repo.Create(context.Background(), task))

	_, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	repo.mu.Lock()
	progresses := append([]int(nil), repo.progresses...)
	repo.mu.Unlock()

	assert.GreaterOrEqual(t, len(progresses), 10, "One progress write per visit")
	assert.Contains(t, progresses, 50, "Intermediate percentages are visible")

	for i := 1; i < len(progresses); i++ {
		assert.GreaterOrEqual(t, progresses[i], progresses[i-1], "Percent never decreases")
	}
}

// TestExecute_ConcurrentBatchesKeepInterval 测试并发批次之间遵守访问间隔
func TestExecute_ConcurrentBatchesKeepInterval(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 4, 1)
	task.URLConcurrency = true
	task.MaxConcurrentURLs = 2 // 4 个 URL 分两批
	task.VisitIntervalMs = 30
	require.NoError(t, repo.Create(context.Background(), task))

	begin := time.Now()
	result, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.Completed)
	assert.GreaterOrEqual(t, time.Since(begin), 30*time.Millisecond, "Interval between batches is honored")
}

// TestExecute_StopBeforeStart 测试预置停止标志时任务被终止
func TestExecute_StopBeforeStart(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 5, 3)
	require.NoError(t, repo.Create(context.Background(), task))
	require.NoError(t, repo.MarkShouldStop(context.Background(), "t1"))

	result, err := engine.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusTerminated, result.Status)
	assert.Equal(t, int64(0), v.visits.Load(), "No visits after stop flag")
	assert.NotEmpty(t, repo.terminated["t1"])
	assert.False(t, repo.completed["t1"], "Terminated task is not marked completed")
}

// TestExecute_EmptyURLsFails 测试空 URL 列表直接失败
func TestExecute_EmptyURLsFails(t *testing.T) {
	repo := newFakeTaskRepo()
	engine := newTestEngine(repo, &countingVisitor{})

	task := &domain.Task{ID: "t1", CycleCount: 1}
	require.NoError(t, repo.Create(context.Background(), task))

	_, err := engine.Execute(context.Background(), task)
	require.Error(t, err)
	assert.NotEmpty(t, repo.failures["t1"])
}

// TestExecute_ProxyFetchFailureFailsTask 测试代理抓取失败时任务失败而非直连降级
func TestExecute_ProxyFetchFailureFailsTask(t *testing.T) {
	repo := newFakeTaskRepo()
	v := &countingVisitor{}
	engine := newTestEngine(repo, v)

	task := makeTask("t1", 3, 1)
	// 不可解析的提供商地址，抓取必然失败
	task.ProxySourceURL = "http://127.0.0.1:1/api?count=1"
	task.ProxyCount = 1
	require.NoError(t, repo.Create(context.Background(), task))

	result, err := engine.Execute(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, domain.TaskStatusFailed, result.Status)
	assert.Equal(t, int64(0), v.visits.Load(), "No direct-connection fallback")
	assert.NotEmpty(t, repo.failures["t1"])
}

// TestExecute_PanicBecomesFailure 测试执行 panic 被兜住转为任务失败
func TestExecute_PanicBecomesFailure(t *testing.T) {
	repo := newFakeTaskRepo()
	engine := newTestEngine(repo, panicVisitor{})

	task := makeTask("t1", 2, 1)
	require.NoError(t, repo.Create(context.Background(), task))

	result, err := engine.Execute(context.Background(), task)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.TaskStatusFailed, result.Status)
	assert.Contains(t, repo.failures["t1"], "internal error")
}

type panicVisitor struct{}

func (panicVisitor) Visit(ctx context.Context, req visitor.Request) visitor.Outcome {
	panic(errors.New("visitor exploded"))
}
