package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/middleware"
	"github.com/traffic-boost/traffic-boost-go/internal/proxy"
	"github.com/traffic-boost/traffic-boost-go/internal/ratelimit"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
)

// AdminHandler 运营管理处理器
// 封禁、人工限制、代理源校验等后台操作
type AdminHandler struct {
	bans     *ratelimit.BanList
	limiter  *ratelimit.Store
	riskRepo repository.RiskRepository
	proxies  *proxy.Manager
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger
}

// NewAdminHandler 创建管理处理器实例
func NewAdminHandler(
	bans *ratelimit.BanList,
	limiter *ratelimit.Store,
	riskRepo repository.RiskRepository,
	proxies *proxy.Manager,
	metrics *middleware.PrometheusMetrics,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		bans:     bans,
		limiter:  limiter,
		riskRepo: riskRepo,
		proxies:  proxies,
		metrics:  metrics,
		logger:   logger,
	}
}

type banRequest struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason"`
}

// BanIdentity 手动封禁身份
// POST /api/admin/bans
func (h *AdminHandler) BanIdentity(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "请求格式错误: " + err.Error(),
		})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual ban"
	}

	ban, err := h.bans.Impose(c.Request.Context(), req.Identity, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "封禁失败",
		})
		return
	}

	h.metrics.RecordBanImposed(ban.Level)

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   ban,
	})
}

// GetBan 查询身份封禁状态
// GET /api/admin/bans/:identity
func (h *AdminHandler) GetBan(c *gin.Context) {
	ban, err := h.bans.Get(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "查询封禁状态失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"banned": ban != nil,
			"ban":    ban,
		},
	})
}

// UnbanIdentity 解除封禁
// DELETE /api/admin/bans/:identity
func (h *AdminHandler) UnbanIdentity(c *gin.Context) {
	if err := h.bans.Unban(c.Request.Context(), c.Param("identity")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "解除封禁失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "封禁已解除",
	})
}

type restrictionRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Reason    string `json:"reason"`
	ExpiresIn int    `json:"expires_in"` // 小时，0 表示永久
}

// CreateRestriction 对用户施加人工限制
// POST /api/admin/restrictions
func (h *AdminHandler) CreateRestriction(c *gin.Context) {
	var req restrictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "请求格式错误: " + err.Error(),
		})
		return
	}

	restriction := &domain.ManualRestriction{
		UserID:    req.UserID,
		Reason:    req.Reason,
		CreatedBy: c.GetString(middleware.ContextKeyUserID),
		Active:    true,
	}
	if req.ExpiresIn > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Hour)
		restriction.ExpiresAt = &expires
	}

	if err := h.riskRepo.CreateRestriction(c.Request.Context(), restriction); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "创建限制失败",
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"reason":  req.Reason,
	}).Warn("Manual restriction created")

	c.JSON(http.StatusCreated, gin.H{
		"status": "success",
		"data":   restriction,
	})
}

// LiftRestriction 解除用户的人工限制
// DELETE /api/admin/restrictions/:user_id
func (h *AdminHandler) LiftRestriction(c *gin.Context) {
	count, err := h.riskRepo.DeactivateRestrictions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "解除限制失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "限制已解除",
		"lifted":  count,
	})
}

type validateProxyRequest struct {
	SourceURL string `json:"source_url" binding:"required"`
	TestFetch bool   `json:"test_fetch"` // 是否实际抓取并验证连通性
}

// ValidateProxySource 校验代理提供商 URL
// POST /api/admin/proxy/validate
func (h *AdminHandler) ValidateProxySource(c *gin.Context) {
	var req validateProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "请求格式错误: " + err.Error(),
		})
		return
	}

	// 语法校验
	if err := proxy.ValidateFormat(req.SourceURL); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"data": gin.H{
				"valid":  false,
				"reason": err.Error(),
			},
		})
		return
	}

	if !req.TestFetch {
		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"data":   gin.H{"valid": true},
		})
		return
	}

	// 实际抓取一个代理并验证连通性
	pool, err := h.proxies.Fetch(c.Request.Context(), req.SourceURL, 1, false)
	if err != nil {
		h.metrics.RecordProxyFetch("failure")
		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"data": gin.H{
				"valid":  false,
				"reason": err.Error(),
			},
		})
		return
	}
	h.metrics.RecordProxyFetch("success")
	h.metrics.UpdateProxyPoolSize(pool.Size())

	if err := h.proxies.ValidateConnectivity(c.Request.Context(), pool.Assign(0)); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"data": gin.H{
				"valid":     true,
				"reachable": false,
				"reason":    err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"valid":     true,
			"reachable": true,
			"endpoints": pool.Size(),
		},
	})
}

// ClearProxyCache 清空代理池缓存
// POST /api/admin/proxy/cache/clear
func (h *AdminHandler) ClearProxyCache(c *gin.Context) {
	h.proxies.ClearCache()
	h.metrics.UpdateProxyPoolSize(0)

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "代理缓存已清空",
	})
}

// ResetRateLimit 清空某身份的限流窗口
// POST /api/admin/ratelimit/:identity/reset
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	endpoint := c.Query("endpoint")

	if err := h.limiter.Reset(c.Request.Context(), c.Param("identity"), endpoint); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "限流窗口重置失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "限流窗口已重置",
	})
}
