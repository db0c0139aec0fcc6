package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/executor"
	"github.com/traffic-boost/traffic-boost-go/internal/queue"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
)

// CreateTaskRequest 创建任务请求
type CreateTaskRequest struct {
	UserID     string   `json:"user_id"`
	URLs       []string `json:"urls" binding:"required"`
	CycleCount int      `json:"cycle_count"`

	RoundConcurrency    bool `json:"round_concurrency"`
	MaxConcurrentRounds int  `json:"max_concurrent_rounds"`
	URLConcurrency      bool `json:"url_concurrency"`
	MaxConcurrentURLs   int  `json:"max_concurrent_urls"`

	VisitIntervalMs int `json:"visit_interval_ms"`
	RoundIntervalMs int `json:"round_interval_ms"`
	TimeoutMs       int `json:"timeout_ms"`

	RefererMode    string `json:"referer_mode"`
	RefererValue   string `json:"referer_value"`
	ProxySourceURL string `json:"proxy_source_url"`
	ProxyCount     int    `json:"proxy_count"`
}

// TaskService 任务服务接口
type TaskService interface {
	// 创建任务并投递到执行队列
	CreateTask(ctx context.Context, req *CreateTaskRequest) (*domain.Task, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表（分页，支持状态与用户过滤）
	ListTasks(ctx context.Context, page int, pageSize int, status string, userID string) ([]*domain.Task, int64, error)

	// 请求停止任务（协作式，不中断执行中的单次访问）
	StopTask(ctx context.Context, taskID string) error

	// 删除任务（仅允许删除终态任务）
	DeleteTask(ctx context.Context, taskID string) error

	// 读取任务进度快照
	GetProgress(ctx context.Context, taskID string) (*domain.TaskProgress, error)

	// 获取任务状态统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)

	// 重新投递排队中的任务（服务重启后调用）
	RepublishQueuedTasks(ctx context.Context) (int, error)
}

type taskService struct {
	taskRepo repository.TaskRepository
	producer *queue.Producer
	tracker  *executor.Tracker
	logger   *logrus.Logger
}

// NewTaskService 创建任务服务实例
func NewTaskService(
	taskRepo repository.TaskRepository,
	producer *queue.Producer,
	tracker *executor.Tracker,
	logger *logrus.Logger,
) TaskService {
	return &taskService{
		taskRepo: taskRepo,
		producer: producer,
		tracker:  tracker,
		logger:   logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, req *CreateTaskRequest) (*domain.Task, error) {
	urls, err := normalizeURLs(req.URLs)
	if err != nil {
		return nil, err
	}

	cycles := req.CycleCount
	if cycles <= 0 {
		cycles = 1
	}

	task := &domain.Task{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		CycleCount: cycles,
		Status:     domain.TaskStatusQueued,

		RoundConcurrency:    req.RoundConcurrency,
		MaxConcurrentRounds: req.MaxConcurrentRounds,
		URLConcurrency:      req.URLConcurrency,
		MaxConcurrentURLs:   req.MaxConcurrentURLs,

		VisitIntervalMs: req.VisitIntervalMs,
		RoundIntervalMs: req.RoundIntervalMs,
		TimeoutMs:       req.TimeoutMs,

		RefererMode:    domain.RefererMode(req.RefererMode),
		RefererValue:   req.RefererValue,
		ProxySourceURL: req.ProxySourceURL,
		ProxyCount:     req.ProxyCount,

		Message:   "任务已创建",
		CreatedAt: time.Now().UTC(),
	}
	task.SetURLs(urls)

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	if err := s.producer.PublishTask(ctx, &queue.TaskMessage{
		TaskID: task.ID,
		UserID: task.UserID,
	}); err != nil {
		// 投递失败回滚为 created，等待重新投递
		_ = s.taskRepo.UpdateStatus(ctx, task.ID, domain.TaskStatusCreated)
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	// 旁路触发一次风险检测
	s.producer.PublishDetection(ctx, &queue.DetectionMessage{
		UserID:  task.UserID,
		Trigger: "task_created",
	})

	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"user_id": task.UserID,
		"urls":    len(urls),
		"cycles":  cycles,
	}).Info("✅ Task created and queued")

	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, page int, pageSize int, status string, userID string) ([]*domain.Task, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	tasks, total, err := s.taskRepo.ListWithPagination(ctx, page, pageSize, status, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) StopTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("获取任务失败: %w", err)
	}

	if task.Status.IsTerminal() {
		return fmt.Errorf("任务已结束，无法停止")
	}

	if err := s.taskRepo.MarkShouldStop(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to stop task")
		return fmt.Errorf("停止任务失败: %w", err)
	}

	// 还没被 worker 领走的任务直接标记终止
	if task.Status == domain.TaskStatusQueued || task.Status == domain.TaskStatusCreated {
		_ = s.taskRepo.MarkTerminated(ctx, taskID, "任务在排队中被终止")
	}

	s.logger.WithField("task_id", taskID).Info("Task marked for stopping")
	return nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("获取任务失败: %w", err)
	}

	if !task.Status.IsTerminal() {
		return fmt.Errorf("任务尚未结束，请先停止")
	}

	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("删除任务失败: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

func (s *taskService) GetProgress(ctx context.Context, taskID string) (*domain.TaskProgress, error) {
	return s.tracker.Get(ctx, taskID)
}

func (s *taskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.taskRepo.GetStatusCounts(ctx)
}

// RepublishQueuedTasks 把数据库里排队中的任务重新投递到队列
// 服务重启后队列可能已被清空，数据库是唯一可信状态源
func (s *taskService) RepublishQueuedTasks(ctx context.Context) (int, error) {
	tasks, err := s.taskRepo.ListQueuedTasks(ctx)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, task := range tasks {
		if err := s.producer.PublishTask(ctx, &queue.TaskMessage{
			TaskID: task.ID,
			UserID: task.UserID,
		}); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to republish queued task")
			continue
		}
		published++
	}

	if published > 0 {
		s.logger.WithField("count", published).Info("🔄 Queued tasks republished")
	}

	return published, nil
}

// normalizeURLs 校验并规整 URL 列表
// 空白行忽略，无协议前缀的补 https://，非法 URL 直接拒绝
func normalizeURLs(raw []string) ([]string, error) {
	var urls []string
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			u = "https://" + u
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("非法 URL: %q", u)
		}
		urls = append(urls, u)
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("URL 列表为空")
	}

	return urls, nil
}
