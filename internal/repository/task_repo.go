package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	ListWithPagination(ctx context.Context, page int, pageSize int, statusFilter string, userID string) ([]*domain.Task, int64, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	// 原子更新执行进度（避免并发轮次互相覆盖）
	UpdateProgress(ctx context.Context, id string, percent int, message string, completed int64, failed int64) error
	ShouldStop(ctx context.Context, id string) (bool, error)
	MarkShouldStop(ctx context.Context, id string) error
	// 标记任务完成（进度 100%，记录完成时间）
	MarkCompleted(ctx context.Context, id string, completed int64, failed int64) error
	// 标记任务终止（保留已完成的计数）
	MarkTerminated(ctx context.Context, id string, message string) error
	// 标记任务失败并记录错误信息
	UpdateFailure(ctx context.Context, id string, errorMessage string) error
	// 增加完成/失败计数（访问级别的原子累加）
	IncrementCounters(ctx context.Context, id string, completedDelta int64, failedDelta int64) error
	SaveErrors(ctx context.Context, id string, errorsJSON string) error
	// 获取各状态任务数量统计（数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取所有排队中的任务（不分页，服务重启后重新入队用）
	ListQueuedTasks(ctx context.Context) ([]*domain.Task, error)
	// 将卡在 running 状态的任务标记为失败（服务重启后的清理）
	FailStuckRunningTasks(ctx context.Context, message string) (int64, error)
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	task.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		First(&task, "id = ?", id).Error

	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (r *taskRepo) ListWithPagination(ctx context.Context, page int, pageSize int, statusFilter string, userID string) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	// 构建基础查询
	baseQuery := r.db.WithContext(ctx).Model(&domain.Task{})
	if statusFilter != "" {
		baseQuery = baseQuery.Where("status = ?", statusFilter)
	}
	if userID != "" {
		baseQuery = baseQuery.Where("user_id = ?", userID)
	}

	// 先统计总数
	if err := baseQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize

	// 查询当前页数据（运行中的任务排在前面）
	query := r.db.WithContext(ctx)
	if statusFilter != "" {
		query = query.Where("status = ?", statusFilter)
	}
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	err := query.
		Order("CASE status WHEN 'running' THEN 1 WHEN 'queued' THEN 2 ELSE 3 END, created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Task{}, "id = ?", id).Error
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	updates := map[string]interface{}{
		"status": status,
	}

	if status == domain.TaskStatusRunning {
		now := time.Now().UTC()
		updates["started_at"] = &now
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}

	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateProgress 原子更新执行进度
// 终止态之后不再接受进度写入，避免迟到的轮次回调覆盖最终状态
func (r *taskRepo) UpdateProgress(ctx context.Context, id string, percent int, message string, completed int64, failed int64) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", id,
			[]string{string(domain.TaskStatusCompleted), string(domain.TaskStatusTerminated), string(domain.TaskStatusFailed)}).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"message":          message,
			"completed_count":  completed,
			"failed_count":     failed,
			"last_progress_at": time.Now().UTC(),
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to update task progress")
		return result.Error
	}

	return nil
}

func (r *taskRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Select("should_stop").
		First(&task, "id = ?", id).Error

	if err != nil {
		return false, err
	}

	return task.ShouldStop, nil
}

func (r *taskRepo) MarkShouldStop(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Update("should_stop", true).Error
}

// MarkCompleted 标记任务完成（进度 100%，记录完成时间）
func (r *taskRepo) MarkCompleted(ctx context.Context, id string, completed int64, failed int64) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusCompleted,
			"progress_percent": 100,
			"message":          "任务完成",
			"completed_count":  completed,
			"failed_count":     failed,
			"completed_at":     &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to mark task completed")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("✅ Task marked as completed (100%)")
	return nil
}

// MarkTerminated 标记任务被用户终止，保留已完成的计数
func (r *taskRepo) MarkTerminated(ctx context.Context, id string, message string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusTerminated,
			"message":      message,
			"completed_at": &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to mark task terminated")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("🛑 Task marked as terminated")
	return nil
}

// UpdateFailure 标记任务失败并记录错误信息
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusFailed,
			"message":      errorMessage,
			"completed_at": &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to update task failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id": id,
		"error":   errorMessage,
	}).Warn("❌ Task marked as failed")

	return nil
}

// IncrementCounters 原子累加完成/失败计数
// 并发轮次同时写入时用 SQL 表达式避免丢失更新
func (r *taskRepo) IncrementCounters(ctx context.Context, id string, completedDelta int64, failedDelta int64) error {
	if completedDelta == 0 && failedDelta == 0 {
		return nil
	}

	updates := map[string]interface{}{}
	if completedDelta != 0 {
		updates["completed_count"] = gorm.Expr("completed_count + ?", completedDelta)
	}
	if failedDelta != 0 {
		updates["failed_count"] = gorm.Expr("failed_count + ?", failedDelta)
	}

	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) SaveErrors(ctx context.Context, id string, errorsJSON string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Update("errors_json", errorsJSON).Error
}

// GetStatusCounts 获取各状态任务数量统计（数据库聚合查询）
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		"created":    0,
		"queued":     0,
		"running":    0,
		"completed":  0,
		"terminated": 0,
		"failed":     0,
	}

	var total int64
	for _, row := range results {
		statusCounts[row.Status] = row.Count
		total += row.Count
	}

	return statusCounts, total, nil
}

// ListQueuedTasks 获取所有排队中的任务（不分页）
func (r *taskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusQueued).
		Order("created_at ASC"). // 先进先出
		Find(&tasks).Error

	return tasks, err
}

// FailStuckRunningTasks 清理卡在 running 状态的任务
// 服务重启后，之前正在运行的任务已经没有执行协程，直接标记失败
func (r *taskRepo) FailStuckRunningTasks(ctx context.Context, message string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("status = ?", domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusFailed,
			"message":      message,
			"completed_at": &now,
		})

	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).Warn("⚠️ Cleaned up stuck running tasks")
	}

	return result.RowsAffected, nil
}
