package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/risk"
)

// RiskHandler 风险查询与管理处理器
type RiskHandler struct {
	engine   *risk.Engine
	riskRepo repository.RiskRepository
	logger   *logrus.Logger
}

// NewRiskHandler 创建风险处理器实例
func NewRiskHandler(engine *risk.Engine, riskRepo repository.RiskRepository, logger *logrus.Logger) *RiskHandler {
	return &RiskHandler{
		engine:   engine,
		riskRepo: riskRepo,
		logger:   logger,
	}
}

// GetUserRisk 查询用户风险画像
// GET /api/risk/users/:user_id
func (h *RiskHandler) GetUserRisk(c *gin.Context) {
	userID := c.Param("user_id")

	profile, err := h.engine.GetUserRisk(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to get user risk")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "查询风险画像失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"user_id": profile.UserID,
			"score":   profile.Score,
			"level":   profile.Level,
			"factors": profile.Factors(),
		},
	})
}

// ListHighRiskUsers 列出高风险用户
// GET /api/risk/users
func (h *RiskHandler) ListHighRiskUsers(c *gin.Context) {
	profiles, err := h.engine.GetHighRiskUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "查询高风险用户失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   profiles,
	})
}

// DetectUser 立即对用户执行一次风险检测
// POST /api/risk/users/:user_id/detect
func (h *RiskHandler) DetectUser(c *gin.Context) {
	userID := c.Param("user_id")

	profile, err := h.engine.Detect(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("On-demand risk detection failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "风险检测失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   profile,
	})
}

// ResetUserRisk 人工清零用户风险分
// POST /api/risk/users/:user_id/reset
func (h *RiskHandler) ResetUserRisk(c *gin.Context) {
	userID := c.Param("user_id")
	operator := c.GetString("user_id")
	if operator == "" {
		operator = "admin"
	}

	if err := h.engine.ResetUserRisk(c.Request.Context(), userID, operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "风险分清零失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "风险分已清零",
	})
}

// ListUserEvents 查询用户可疑事件
// GET /api/risk/users/:user_id/events
func (h *RiskHandler) ListUserEvents(c *gin.Context) {
	userID := c.Param("user_id")

	events, err := h.riskRepo.ListEvents(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "查询可疑事件失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   events,
	})
}
