package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/api/handlers"
	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/middleware"
)

// Deps 路由依赖集合
type Deps struct {
	TaskHandler     *handlers.TaskHandler
	RiskHandler     *handlers.RiskHandler
	AdminHandler    *handlers.AdminHandler
	ProgressHandler *handlers.ProgressHandler
	Guard           *middleware.AccessGuard
	MemMonitor      *middleware.MemoryMonitor
	PromMetrics     *middleware.PrometheusMetrics
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps *Deps) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.PromMetrics != nil {
		r.Use(deps.PromMetrics.HTTPMiddleware())
	}

	// 内存监控与 Prometheus 指标端点
	r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	if deps.PromMetrics != nil {
		r.GET("/metrics/prometheus", deps.PromMetrics.Handler())
	}

	// 进度 WebSocket（推送前已建立连接，防护层不拦截读取）
	r.GET("/ws/progress/:task_id", deps.ProgressHandler.HandleWebSocket)

	// API
	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": "1.0.0",
			})
		})

		// 业务接口: 身份解析 → 访问防护 → 内容检查
		guarded := v1.Group("")
		guarded.Use(middleware.IdentityMiddleware())
		guarded.Use(deps.Guard.Handler())
		guarded.Use(deps.Guard.ContentInspection())
		{
			// 任务管理
			guarded.GET("/tasks", deps.TaskHandler.ListTasks)
			guarded.POST("/tasks", deps.TaskHandler.CreateTask)
			guarded.GET("/tasks/stats", deps.TaskHandler.GetStats) // stats 必须在 :id 之前
			guarded.GET("/tasks/:id", deps.TaskHandler.GetTask)
			guarded.GET("/tasks/:id/progress", deps.TaskHandler.GetProgress)
			guarded.POST("/tasks/:id/stop", deps.TaskHandler.StopTask)
			guarded.DELETE("/tasks/:id", deps.TaskHandler.DeleteTask)
		}

		// 管理接口: 需要认证，不走访问防护（封禁了管理员就没人解封了）
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware())
		{
			admin.POST("/bans", deps.AdminHandler.BanIdentity)
			admin.GET("/bans/:identity", deps.AdminHandler.GetBan)
			admin.DELETE("/bans/:identity", deps.AdminHandler.UnbanIdentity)

			admin.POST("/restrictions", deps.AdminHandler.CreateRestriction)
			admin.DELETE("/restrictions/:user_id", deps.AdminHandler.LiftRestriction)

			admin.POST("/proxy/validate", deps.AdminHandler.ValidateProxySource)
			admin.POST("/proxy/cache/clear", deps.AdminHandler.ClearProxyCache)

			admin.POST("/ratelimit/:identity/reset", deps.AdminHandler.ResetRateLimit)

			// 风险管理
			admin.GET("/risk/users", deps.RiskHandler.ListHighRiskUsers)
			admin.GET("/risk/users/:user_id", deps.RiskHandler.GetUserRisk)
			admin.GET("/risk/users/:user_id/events", deps.RiskHandler.ListUserEvents)
			admin.POST("/risk/users/:user_id/detect", deps.RiskHandler.DetectUser)
			admin.POST("/risk/users/:user_id/reset", deps.RiskHandler.ResetUserRisk)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
