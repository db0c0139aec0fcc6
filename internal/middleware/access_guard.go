package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/ratelimit"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/risk"
)

// maxInspectBytes 内容检查读取的请求体上限
const maxInspectBytes = 64 << 10

// AccessGuard 访问防护中间件
// 判定顺序固定: 人工限制 → 封禁 → 滑动窗口限流 → 风险分数
// 任何内部判定失败都放行，防护层不能成为单点故障
type AccessGuard struct {
	limiter    *ratelimit.Store
	bans       *ratelimit.BanList
	riskEngine *risk.Engine
	riskRepo   repository.RiskRepository
	metrics    *PrometheusMetrics
	denyScore  int
	logger     *logrus.Logger
}

func NewAccessGuard(
	limiter *ratelimit.Store,
	bans *ratelimit.BanList,
	riskEngine *risk.Engine,
	riskRepo repository.RiskRepository,
	metrics *PrometheusMetrics,
	denyScore int,
	logger *logrus.Logger,
) *AccessGuard {
	if denyScore <= 0 {
		denyScore = 80
	}
	return &AccessGuard{
		limiter:    limiter,
		bans:       bans,
		riskEngine: riskEngine,
		riskRepo:   riskRepo,
		metrics:    metrics,
		denyScore:  denyScore,
		logger:     logger,
	}
}

// Handler 返回防护中间件
func (g *AccessGuard) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		identity := c.GetString(ContextKeyIdentity)
		if identity == "" {
			identity = "ip:" + c.ClientIP()
		}
		userID := c.GetString(ContextKeyUserID)

		// 1. 人工限制（仅对已登录用户）
		if userID != "" {
			restriction, err := g.riskRepo.ActiveRestriction(ctx, userID, time.Now().UTC())
			if err != nil {
				g.logger.WithError(err).WithField("user_id", userID).Warn("Restriction check failed, allowing request")
			} else if restriction != nil {
				g.metrics.RecordGuardRejection("restriction")
				c.JSON(http.StatusForbidden, gin.H{
					"status":  "error",
					"message": "账号已被限制使用",
					"reason":  restriction.Reason,
				})
				c.Abort()
				return
			}
		}

		// 2+3. 封禁与滑动窗口限流（Check 内部先查封禁）
		decision := g.limiter.Check(ctx, identity, c.FullPath())
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))

		if !decision.Allowed {
			if decision.Ban != nil {
				g.metrics.RecordGuardRejection("ban")
				c.JSON(http.StatusForbidden, gin.H{
					"status":     "error",
					"message":    "访问已被封禁",
					"ban_level":  decision.Ban.Level,
					"expires_at": decision.Ban.ExpiresAt,
				})
			} else {
				g.metrics.RecordGuardRejection("rate_limit")
				g.metrics.RecordRateLimitDenied()
				retryAfter := int(time.Until(decision.ResetTime).Seconds()) + 1
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"status":  "error",
					"message": "请求过于频繁，请稍后再试",
				})
			}
			c.Abort()
			return
		}

		// 4. 风险分数
		if userID != "" {
			profile, err := g.riskEngine.GetUserRisk(ctx, userID)
			if err != nil {
				g.logger.WithError(err).WithField("user_id", userID).Warn("Risk lookup failed, allowing request")
			} else if profile.Score >= g.denyScore {
				g.metrics.RecordGuardRejection("risk_score")
				g.logger.WithFields(logrus.Fields{
					"user_id": userID,
					"score":   profile.Score,
				}).Warn("🚫 Request denied by risk score")
				c.JSON(http.StatusForbidden, gin.H{
					"status":  "error",
					"message": "账号风险等级过高，已暂停服务",
				})
				c.Abort()
				return
			}
		}

		start := time.Now()
		c.Next()

		// 请求结束后的旁路处理: 非法请求计数与行为记录
		g.afterRequest(c, identity, userID, start)
	}
}

// afterRequest 请求结束后的计数与记录，不影响响应
func (g *AccessGuard) afterRequest(c *gin.Context, identity, userID string, start time.Time) {
	ctx := c.Request.Context()
	status := c.Writer.Status()

	// 格式非法的请求计入触发器，10 分钟内超阈值自动封禁
	if status == http.StatusBadRequest {
		if ban, err := g.bans.RecordInvalidRequest(ctx, identity); err == nil && ban != nil {
			g.metrics.RecordBanImposed(ban.Level)
		}
	}

	if userID != "" {
		activity := &domain.UserActivity{
			UserID:     userID,
			Action:     c.Request.Method + " " + c.FullPath(),
			Resource:   c.Request.URL.Path,
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			BatchSize:  c.GetInt(ContextKeyBatchSize),
			Success:    status < 400,
			ResponseMs: time.Since(start).Milliseconds(),
		}
		g.riskEngine.RecordActivity(ctx, activity)
	}
}

// ContentInspection 请求体可疑内容检查中间件
// 只检查带 body 的写操作，命中规则立即封禁并拒绝
func (g *AccessGuard) ContentInspection() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInspectBytes))
		if err != nil {
			c.Next()
			return
		}
		// body 还给后续 handler
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		identity := c.GetString(ContextKeyIdentity)
		if identity == "" {
			identity = "ip:" + c.ClientIP()
		}

		rule, ban, err := g.bans.InspectContent(c.Request.Context(), identity, string(body))
		if err != nil {
			g.logger.WithError(err).Warn("Content inspection failed, allowing request")
			c.Next()
			return
		}
		if rule != "" {
			if ban != nil {
				g.metrics.RecordBanImposed(ban.Level)
			}
			// 已登录用户同时记一条高危事件
			if userID := c.GetString(ContextKeyUserID); userID != "" {
				_ = g.riskEngine.RecordSuspiciousEvent(c.Request.Context(), &domain.SuspiciousEvent{
					UserID:    userID,
					EventType: "suspicious_content",
					Severity:  domain.SeverityHigh,
					Message:   "pattern matched: " + rule,
				})
			}

			c.JSON(http.StatusForbidden, gin.H{
				"status":  "error",
				"message": "请求内容被拒绝",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
