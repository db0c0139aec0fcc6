package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	tasksTotal      *prometheus.CounterVec
	tasksInProgress prometheus.Gauge
	taskDuration    *prometheus.HistogramVec

	// 访问指标
	visitsTotal        *prometheus.CounterVec
	visitLoadTime      prometheus.Histogram
	proxyFetchTotal    *prometheus.CounterVec
	proxyPoolEndpoints prometheus.Gauge

	// 防护指标
	rateLimitDenied prometheus.Counter
	bansImposed     *prometheus.CounterVec
	riskDetections  *prometheus.CounterVec
	guardRejections *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker / 队列指标
	queueMessages prometheus.Gauge
	activeWorkers prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "traffic_boost"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		tasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of visit tasks by status",
			},
			[]string{"status"}, // queued, running, completed, terminated, failed
		),
		tasksInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of tasks currently executing",
			},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),

		visitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "visits_total",
				Help:      "Total number of page visits",
			},
			[]string{"result"}, // success, failure
		),
		visitLoadTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "visit_load_time_seconds",
				Help:      "Page load time per visit in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		proxyFetchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_fetch_total",
				Help:      "Total number of proxy pool fetches",
			},
			[]string{"result"}, // success, failure, cache_hit
		),
		proxyPoolEndpoints: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_pool_endpoints",
				Help:      "Number of cached proxy endpoints",
			},
		),

		rateLimitDenied: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denied_total",
				Help:      "Total number of requests denied by the rate limiter",
			},
		),
		bansImposed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bans_imposed_total",
				Help:      "Total number of bans imposed by level",
			},
			[]string{"level"},
		),
		riskDetections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_detections_total",
				Help:      "Total number of risk detections by resulting level",
			},
			[]string{"level"}, // normal, suspicious, dangerous
		),
		guardRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_rejections_total",
				Help:      "Total number of requests rejected by the access guard",
			},
			[]string{"reason"}, // restriction, ban, rate_limit, risk_score
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		queueMessages: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_messages",
				Help:      "Number of messages waiting in the task queue",
			},
		),
		activeWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Number of workers currently processing messages",
			},
		),

		dbConnectionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTaskCreated 记录任务创建
func (pm *PrometheusMetrics) RecordTaskCreated() {
	pm.tasksTotal.WithLabelValues("queued").Inc()
}

// RecordTaskStarted 记录任务开始
func (pm *PrometheusMetrics) RecordTaskStarted() {
	pm.tasksTotal.WithLabelValues("running").Inc()
	pm.tasksInProgress.Inc()
}

// RecordTaskFinished 记录任务结束
func (pm *PrometheusMetrics) RecordTaskFinished(status string, duration time.Duration) {
	pm.tasksTotal.WithLabelValues(status).Inc()
	pm.tasksInProgress.Dec()
	pm.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordVisit 记录单次访问
func (pm *PrometheusMetrics) RecordVisit(success bool, loadTime time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	pm.visitsTotal.WithLabelValues(result).Inc()
	pm.visitLoadTime.Observe(loadTime.Seconds())
}

// RecordProxyFetch 记录代理池抓取
func (pm *PrometheusMetrics) RecordProxyFetch(result string) {
	pm.proxyFetchTotal.WithLabelValues(result).Inc()
}

// UpdateProxyPoolSize 更新代理池端点数量
func (pm *PrometheusMetrics) UpdateProxyPoolSize(count int) {
	pm.proxyPoolEndpoints.Set(float64(count))
}

// RecordRateLimitDenied 记录限流拒绝
func (pm *PrometheusMetrics) RecordRateLimitDenied() {
	pm.rateLimitDenied.Inc()
}

// RecordBanImposed 记录封禁
func (pm *PrometheusMetrics) RecordBanImposed(level int) {
	pm.bansImposed.WithLabelValues(strconv.Itoa(level)).Inc()
}

// RecordRiskDetection 记录风险检测结果
func (pm *PrometheusMetrics) RecordRiskDetection(level string) {
	pm.riskDetections.WithLabelValues(level).Inc()
}

// RecordGuardRejection 记录访问防护拒绝
func (pm *PrometheusMetrics) RecordGuardRejection(reason string) {
	pm.guardRejections.WithLabelValues(reason).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateQueueStats 更新队列统计
func (pm *PrometheusMetrics) UpdateQueueStats(messages, workers int) {
	pm.queueMessages.Set(float64(messages))
	pm.activeWorkers.Set(float64(workers))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
