package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/proxy"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/visitor"
)

// maxStoredErrors 任务记录的错误条数上限，超出部分只计数不存文本
const maxStoredErrors = 50

// Engine 批量访问执行引擎
// 一个任务同一时刻只被一个引擎实例执行，进度写入都经过 Tracker
type Engine struct {
	cfg     *config.ExecutorConfig
	repo    repository.TaskRepository
	proxies *proxy.Manager
	visitor visitor.Visitor
	tracker *Tracker
	limiter *rate.Limiter // 全局访问速率上限，nil 不限制
	logger  *logrus.Logger
}

func NewEngine(
	cfg *config.ExecutorConfig,
	repo repository.TaskRepository,
	proxies *proxy.Manager,
	v visitor.Visitor,
	tracker *Tracker,
	logger *logrus.Logger,
) *Engine {
	var limiter *rate.Limiter
	if cfg.GlobalRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRateLimit), cfg.GlobalRateLimit)
	}

	return &Engine{
		cfg:     cfg,
		repo:    repo,
		proxies: proxies,
		visitor: v,
		tracker: tracker,
		limiter: limiter,
		logger:  logger,
	}
}

// runState 单次执行的共享计数器，并发轮次共用
type runState struct {
	completed atomic.Int64
	failed    atomic.Int64
	visitIdx  atomic.Int64 // 全局访问序号，代理轮询分配用
	stopped   atomic.Bool

	errsMu sync.Mutex
	errs   []string
}

func (st *runState) recordError(msg string) {
	st.errsMu.Lock()
	defer st.errsMu.Unlock()
	if len(st.errs) < maxStoredErrors {
		st.errs = append(st.errs, msg)
	}
}

// Execute 同步执行一个任务直到完成、终止或失败
// 执行期内的 panic 被兜住并转为任务失败，不会带垮 worker
func (e *Engine) Execute(ctx context.Context, task *domain.Task) (result *ExecutionResult, err error) {
	start := time.Now()
	urls := task.URLs()
	total := task.TotalVisits()
	st := &runState{}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"panic":   r,
			}).Error("❌ Task execution panicked")

			msg := fmt.Sprintf("internal error: %v", r)
			_ = e.repo.UpdateFailure(ctx, task.ID, msg)
			e.publishProgress(ctx, task, st, total, domain.TaskStatusFailed, msg)
			result = e.buildResult(task, st, total, domain.TaskStatusFailed, start)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if len(urls) == 0 {
		_ = e.repo.UpdateFailure(ctx, task.ID, "no urls to visit")
		return nil, fmt.Errorf("task %s has no urls", task.ID)
	}

	if err := e.repo.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"task_id":           task.ID,
		"urls":              len(urls),
		"cycles":            task.CycleCount,
		"total_visits":      total,
		"round_concurrency": task.RoundConcurrency,
		"url_concurrency":   task.URLConcurrency,
	}).Info("🚀 Task execution started")

	// 代理池: 配置了代理源才抓取，抓取失败任务直接失败
	// （用户明确要求走代理时不能静默降级为直连）
	var pool *domain.ProxyPool
	if task.ProxySourceURL != "" {
		var fetchErr error
		pool, fetchErr = e.proxies.Fetch(ctx, task.ProxySourceURL, task.ProxyCount, true)
		if fetchErr != nil {
			msg := "proxy pool fetch failed: " + fetchErr.Error()
			_ = e.repo.UpdateFailure(ctx, task.ID, msg)
			e.publishProgress(ctx, task, st, total, domain.TaskStatusFailed, msg)
			return e.buildResult(task, st, total, domain.TaskStatusFailed, start), fetchErr
		}
	}

	e.publishProgress(ctx, task, st, total, domain.TaskStatusRunning, "执行中")

	if task.RoundConcurrency {
		e.runRoundsConcurrent(ctx, task, urls, pool, st, total)
	} else {
		e.runRoundsSerial(ctx, task, urls, pool, st, total)
	}

	// 收尾: 终止优先于完成
	errsJSON := marshalErrors(st)
	if errsJSON != "" {
		_ = e.repo.SaveErrors(ctx, task.ID, errsJSON)
	}

	finalStatus := domain.TaskStatusCompleted
	if st.stopped.Load() {
		finalStatus = domain.TaskStatusTerminated
		_ = e.repo.MarkTerminated(ctx, task.ID, "任务被用户终止")
	} else {
		_ = e.repo.MarkCompleted(ctx, task.ID, st.completed.Load(), st.failed.Load())
	}
	e.publishProgress(ctx, task, st, total, finalStatus, "")

	res := e.buildResult(task, st, total, finalStatus, start)
	e.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"status":    finalStatus,
		"completed": res.Completed,
		"failed":    res.Failed,
		"duration":  res.Performance.TotalDuration.String(),
	}).Info("✅ Task execution finished")

	return res, nil
}

// Stop 请求停止任务
// 只设置协作停止标志，执行协程在下一个检查点自行退出
func (e *Engine) Stop(ctx context.Context, taskID string) error {
	if err := e.repo.MarkShouldStop(ctx, taskID); err != nil {
		return err
	}

	e.logger.WithField("task_id", taskID).Info("🛑 Stop requested")
	return nil
}

// Progress 读取任务进度
func (e *Engine) Progress(ctx context.Context, taskID string) (*domain.TaskProgress, error) {
	return e.tracker.Get(ctx, taskID)
}

// runRoundsSerial 轮次串行执行
func (e *Engine) runRoundsSerial(ctx context.Context, task *domain.Task, urls []string, pool *domain.ProxyPool, st *runState, total int) {
	for round := 0; round < task.CycleCount; round++ {
		if e.checkStop(ctx, task.ID, st) {
			return
		}

		e.runRound(ctx, task, urls, pool, st, total, round)

		if round < task.CycleCount-1 && task.RoundIntervalMs > 0 {
			if !sleepCtx(ctx, time.Duration(task.RoundIntervalMs)*time.Millisecond) {
				return
			}
		}
	}
}

// runRoundsConcurrent 轮次并发执行
// 最多 maxRounds 个轮次同时在跑，先完成的腾出名额给后续轮次
func (e *Engine) runRoundsConcurrent(ctx context.Context, task *domain.Task, urls []string, pool *domain.ProxyPool, st *runState, total int) {
	maxRounds := task.MaxConcurrentRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.MaxConcurrentRounds
	}

	sem := make(chan struct{}, maxRounds)
	var wg sync.WaitGroup

	for round := 0; round < task.CycleCount; round++ {
		if e.checkStop(ctx, task.ID, st) {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(round int) {
			defer wg.Done()
			defer func() { <-sem }()

			e.runRound(ctx, task, urls, pool, st, total, round)
		}(round)
	}

	wg.Wait()
}

// runRound 执行一轮: 按任务配置串行或并发访问全部 URL
func (e *Engine) runRound(ctx context.Context, task *domain.Task, urls []string, pool *domain.ProxyPool, st *runState, total, round int) {
	if task.URLConcurrency {
		e.visitConcurrent(ctx, task, urls, pool, st, total, round)
	} else {
		e.visitSerial(ctx, task, urls, pool, st, total, round)
	}

	e.publishProgress(ctx, task, st, total, domain.TaskStatusRunning,
		fmt.Sprintf("第 %d/%d 轮完成", round+1, task.CycleCount))
}

// visitSerial URL 串行访问，访问之间按配置间隔停顿
func (e *Engine) visitSerial(ctx context.Context, task *domain.Task, urls []string, pool *domain.ProxyPool, st *runState, total, round int) {
	for _, u := range urls {
		if st.stopped.Load() || e.checkStop(ctx, task.ID, st) {
			return
		}

		e.visitOne(ctx, task, u, pool, st, total, round)

		if task.VisitIntervalMs > 0 {
			if !sleepCtx(ctx, time.Duration(task.VisitIntervalMs)*time.Millisecond) {
				return
			}
		}
	}
}

// visitConcurrent URL 分批并发访问
// 每批大小由自适应控制器决定，批内全部结束后再开下一批，
// 单个 URL 的失败不影响同批其他 URL
func (e *Engine) visitConcurrent(ctx context.Context, task *domain.Task, urls []string, pool *domain.ProxyPool, st *runState, total, round int) {
	maxURLs := task.MaxConcurrentURLs
	if maxURLs <= 0 {
		maxURLs = e.cfg.MaxConcurrentURLs
	}
	sizer := newBatchSizer(e.cfg.Adaptive, maxURLs)

	for offset := 0; offset < len(urls); {
		if st.stopped.Load() || e.checkStop(ctx, task.ID, st) {
			return
		}

		batch := maxURLs
		if e.cfg.Adaptive.Enabled {
			batch = sizer.current()
			if batch > maxURLs {
				batch = maxURLs
			}
		}
		end := offset + batch
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[offset:end]

		failedBefore := st.failed.Load()

		var wg sync.WaitGroup
		for _, u := range chunk {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				e.visitOne(ctx, task, u, pool, st, total, round)
			}(u)
		}
		wg.Wait()

		sizer.observe(len(chunk), int(st.failed.Load()-failedBefore))
		offset = end

		// 批与批之间也遵守访问间隔
		if offset < len(urls) && task.VisitIntervalMs > 0 {
			if !sleepCtx(ctx, time.Duration(task.VisitIntervalMs)*time.Millisecond) {
				return
			}
		}
	}
}

// visitOne 执行单次访问，更新计数并上报一次进度
func (e *Engine) visitOne(ctx context.Context, task *domain.Task, url string, pool *domain.ProxyPool, st *runState, total, round int) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	idx := st.visitIdx.Add(1) - 1

	var ep *domain.ProxyEndpoint
	if pool != nil {
		ep = pool.Assign(int(idx))
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	req := visitor.Request{
		URL:       url,
		Proxy:     ep,
		Referer:   visitor.SelectReferer(task.RefererMode, task.RefererValue),
		UserAgent: visitor.RandomUserAgent(),
		Timeout:   timeout,
	}

	outcome := e.visitor.Visit(ctx, req)
	if outcome.Success {
		st.completed.Add(1)
	} else {
		st.failed.Add(1)
		st.recordError(fmt.Sprintf("round %d, %s: %s", round+1, url, outcome.Error))
	}

	e.publishProgress(ctx, task, st, total, domain.TaskStatusRunning, "")

	e.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"url":       url,
		"success":   outcome.Success,
		"load_time": outcome.LoadTime.Milliseconds(),
		"proxy":     outcome.ProxyUsed,
	}).Debug("Visit finished")
}

// checkStop 轮询协作停止标志
// 数据库读失败时按未停止处理，任务继续跑
func (e *Engine) checkStop(ctx context.Context, taskID string, st *runState) bool {
	if st.stopped.Load() {
		return true
	}

	stop, err := e.repo.ShouldStop(ctx, taskID)
	if err != nil {
		e.logger.WithError(err).WithField("task_id", taskID).Debug("Stop flag check failed")
		return false
	}
	if stop {
		st.stopped.Store(true)
	}
	return stop
}

func (e *Engine) publishProgress(ctx context.Context, task *domain.Task, st *runState, total int, status domain.TaskStatus, message string) {
	done := int(st.completed.Load() + st.failed.Load())
	percent := 0
	if total > 0 {
		percent = done * 100 / total
	}
	if status == domain.TaskStatusCompleted {
		percent = 100
	}

	e.tracker.Publish(ctx, &domain.TaskProgress{
		TaskID:       task.ID,
		Status:       status,
		Progress:     percent,
		Total:        total,
		SuccessCount: int(st.completed.Load()),
		FailCount:    int(st.failed.Load()),
		Message:      message,
	})
}

func (e *Engine) buildResult(task *domain.Task, st *runState, total int, status domain.TaskStatus, start time.Time) *ExecutionResult {
	duration := time.Since(start)
	done := st.completed.Load() + st.failed.Load()

	perf := Performance{
		TotalDuration:    duration,
		RoundConcurrency: task.RoundConcurrency,
		URLConcurrency:   task.URLConcurrency,
	}
	if done > 0 && duration > 0 {
		perf.AvgLoadTimeMs = duration.Milliseconds() / done
		perf.VisitsPerSecond = float64(done) / duration.Seconds()
	}

	st.errsMu.Lock()
	errs := append([]string(nil), st.errs...)
	st.errsMu.Unlock()

	return &ExecutionResult{
		TaskID:      task.ID,
		Status:      status,
		Completed:   st.completed.Load(),
		Failed:      st.failed.Load(),
		Total:       total,
		Errors:      errs,
		Performance: perf,
	}
}

// sleepCtx 可中断的停顿，context 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func marshalErrors(st *runState) string {
	st.errsMu.Lock()
	defer st.errsMu.Unlock()

	if len(st.errs) == 0 {
		return ""
	}

	b, err := json.Marshal(st.errs)
	if err != nil {
		return ""
	}
	return string(b)
}
