package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/middleware"
	"github.com/traffic-boost/traffic-boost-go/internal/service"
)

// TaskHandler 任务处理器
type TaskHandler struct {
	taskService service.TaskService
	metrics     *middleware.PrometheusMetrics
	logger      *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例
func NewTaskHandler(taskService service.TaskService, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		metrics:     metrics,
		logger:      logger,
	}
}

// CreateTask 创建批量访问任务
// POST /api/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "请求格式错误: " + err.Error(),
		})
		return
	}

	// 身份以中间件解析结果为准，不信任请求体
	if userID := c.GetString(middleware.ContextKeyUserID); userID != "" {
		req.UserID = userID
	}

	// 批量规模写回上下文，供防护层记入行为流水
	c.Set(middleware.ContextKeyBatchSize, len(req.URLs))

	task, err := h.taskService.CreateTask(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	h.metrics.RecordTaskCreated()

	c.JSON(http.StatusCreated, gin.H{
		"status": "success",
		"data":   task,
	})
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=running
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	status := c.Query("status")
	userID := c.GetString(middleware.ContextKeyUserID)

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, status, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "获取任务列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"tasks":     tasks,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		},
	})
}

// GetTask 获取任务详情
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.taskService.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "任务不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   task,
	})
}

// GetProgress 获取任务进度快照
// GET /api/tasks/:id/progress
func (h *TaskHandler) GetProgress(c *gin.Context) {
	progress, err := h.taskService.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "任务不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   progress,
	})
}

// StopTask 请求停止任务
// POST /api/tasks/:id/stop
func (h *TaskHandler) StopTask(c *gin.Context) {
	if err := h.taskService.StopTask(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "停止请求已提交，任务将在当前访问完成后退出",
	})
}

// DeleteTask 删除任务
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.taskService.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "任务已删除",
	})
}

// GetStats 获取任务状态统计
// GET /api/tasks/stats
func (h *TaskHandler) GetStats(c *gin.Context) {
	counts, total, err := h.taskService.GetStatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "获取统计失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"counts": counts,
			"total":  total,
		},
	})
}
