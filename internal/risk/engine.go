package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
)

// 风险因子分值
// 因子独立累加，总分截断到 [0, 100]
const (
	scoreElevatedVolume  = 20 // 小时请求量超过正常阈值
	scoreExtremeVolume   = 30 // 小时请求量超过危险阈值
	scoreOversizedBatch  = 25 // 单次批量操作超限
	scoreHighErrorRate   = 30 // 失败比例超过阈值
	scoreNightActivity   = 15 // 低流量时段高频活动
	scoreManyDistinctIPs = 35 // 24 小时内源 IP 过多
	scoreHighSeverity    = 40 // 近期存在高危事件
)

// 低流量时段（本地时间小时数，含头不含尾）
const (
	nightHourStart = 2
	nightHourEnd   = 6
)

// Engine 风险评分引擎
// 评分是幂等的纯聚合计算: 同样的活动数据算出同样的分数，
// 检测任务重复投递不会导致分数漂移
type Engine struct {
	cfg    *config.RiskConfig
	repo   repository.RiskRepository
	logger *logrus.Logger
}

func NewEngine(cfg *config.RiskConfig, repo repository.RiskRepository, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
	}
}

// RecordActivity 记录一条用户行为
// 落库失败只记日志不向上抛: 行为记录是旁路，不能阻塞业务请求
func (e *Engine) RecordActivity(ctx context.Context, activity *domain.UserActivity) {
	if err := e.repo.AppendActivity(ctx, activity); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": activity.UserID,
			"action":  activity.Action,
		}).Error("Failed to record user activity")
	}
}

// RecordSuspiciousEvent 记录可疑事件并立即重算风险分
func (e *Engine) RecordSuspiciousEvent(ctx context.Context, event *domain.SuspiciousEvent) error {
	if err := e.repo.AppendEvent(ctx, event); err != nil {
		return err
	}

	if _, err := e.Detect(ctx, event.UserID); err != nil {
		e.logger.WithError(err).WithField("user_id", event.UserID).Error("Risk detection after event failed")
	}

	return nil
}

// Detect 对用户执行一次完整的风险检测，更新并返回画像
func (e *Engine) Detect(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	now := time.Now().UTC()
	hourAgo := now.Add(-1 * time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	score := 0
	var factors []string

	// 因子 1: 请求量
	hourlyCount, err := e.repo.CountActivities(ctx, userID, hourAgo)
	if err != nil {
		return nil, fmt.Errorf("count activities: %w", err)
	}
	if hourlyCount > int64(e.cfg.DangerousHourlyRequests) {
		score += scoreExtremeVolume
		factors = append(factors, fmt.Sprintf("extreme request volume: %d/hour", hourlyCount))
	} else if hourlyCount > int64(e.cfg.NormalHourlyRequests) {
		score += scoreElevatedVolume
		factors = append(factors, fmt.Sprintf("elevated request volume: %d/hour", hourlyCount))
	}

	// 因子 2: 批量操作规模
	maxBatch, err := e.repo.MaxBatchSize(ctx, userID, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("max batch size: %w", err)
	}
	if maxBatch > e.cfg.MaxBatchSize {
		score += scoreOversizedBatch
		factors = append(factors, fmt.Sprintf("oversized batch operation: %d items", maxBatch))
	}

	// 因子 3: 失败比例（窗口内有足够样本才计算）
	if hourlyCount >= 10 {
		failedCount, err := e.repo.CountFailedActivities(ctx, userID, hourAgo)
		if err != nil {
			return nil, fmt.Errorf("count failed activities: %w", err)
		}
		errorRate := float64(failedCount) / float64(hourlyCount)
		if errorRate > e.cfg.ErrorRateThreshold {
			score += scoreHighErrorRate
			factors = append(factors, fmt.Sprintf("high error rate: %.0f%%", errorRate*100))
		}
	}

	// 因子 4: 低流量时段活动
	// 统计过去 24 小时落在凌晨时段的活动，检测跑在什么时刻不影响结果
	nightCount, err := e.repo.CountNightActivities(ctx, userID, dayAgo, nightHourStart, nightHourEnd)
	if err != nil {
		return nil, fmt.Errorf("count night activities: %w", err)
	}
	if nightCount > int64(e.cfg.NightActivityThreshold) {
		score += scoreNightActivity
		factors = append(factors, fmt.Sprintf("night-hours activity: %d requests", nightCount))
	}

	// 因子 5: 源 IP 分散度
	distinctIPs, err := e.repo.CountDistinctIPs(ctx, userID, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("count distinct ips: %w", err)
	}
	if distinctIPs > int64(e.cfg.MaxDistinctIPs) {
		score += scoreManyDistinctIPs
		factors = append(factors, fmt.Sprintf("requests from %d distinct IPs in 24h", distinctIPs))
	}

	// 因子 6: 高危事件
	hasHighSeverity, err := e.repo.HasHighSeverityEvent(ctx, userID, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("check high severity events: %w", err)
	}
	if hasHighSeverity {
		score += scoreHighSeverity
		factors = append(factors, "high-severity event in last 24h")
	}

	score = ClampScore(score)

	// 升级前的等级，用于判断是否需要落等级变化事件
	prevLevel := domain.RiskLevelNormal
	if prev, err := e.repo.GetProfile(ctx, userID); err == nil && prev != nil {
		prevLevel = prev.Level
	}

	profile := &domain.RiskProfile{
		UserID: userID,
		Score:  score,
		Level:  domain.RiskLevelForScore(score),
	}
	profile.SetFactors(factors)

	if err := e.repo.UpsertProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("upsert risk profile: %w", err)
	}

	// 从正常升到可疑/危险时落一条等级变化事件，供审计追溯
	if prevLevel == domain.RiskLevelNormal && profile.Level != domain.RiskLevelNormal {
		severity := domain.SeverityMedium
		if profile.Level == domain.RiskLevelDangerous {
			severity = domain.SeverityHigh
		}
		change := &domain.SuspiciousEvent{
			UserID:    userID,
			EventType: "risk_level_change",
			Severity:  severity,
			Message:   fmt.Sprintf("risk level changed from %s to %s (score %d)", prevLevel, profile.Level, score),
		}
		if err := e.repo.AppendEvent(ctx, change); err != nil {
			e.logger.WithError(err).WithField("user_id", userID).Warn("Failed to record risk level change event")
		}
	}

	logEntry := e.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"score":   score,
		"level":   profile.Level,
		"factors": len(factors),
	})
	if profile.Level == domain.RiskLevelDangerous {
		logEntry.Warn("🚨 Dangerous risk level detected")
	} else if profile.Level == domain.RiskLevelSuspicious {
		logEntry.Warn("⚠️ Suspicious risk level detected")
	} else {
		logEntry.Debug("Risk detection completed")
	}

	return profile, nil
}

// GetUserRisk 查询用户画像，从未检测过的用户返回零分画像
func (e *Engine) GetUserRisk(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	profile, err := e.repo.GetProfile(ctx, userID)
	if err == gorm.ErrRecordNotFound {
		return &domain.RiskProfile{
			UserID: userID,
			Score:  0,
			Level:  domain.RiskLevelNormal,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return profile, nil
}

// GetHighRiskUsers 列出可疑及以上等级的用户
func (e *Engine) GetHighRiskUsers(ctx context.Context) ([]*domain.RiskProfile, error) {
	return e.repo.ListHighRiskProfiles(ctx, 30)
}

// ResetUserRisk 人工复核后清零用户风险分，留下审计事件
func (e *Engine) ResetUserRisk(ctx context.Context, userID, operator string) error {
	if err := e.repo.ResetProfile(ctx, userID); err != nil {
		return err
	}

	audit := &domain.SuspiciousEvent{
		UserID:    userID,
		EventType: "risk_reset",
		Severity:  domain.SeverityLow,
		Message:   "risk score manually reset by " + operator,
	}
	if err := e.repo.AppendEvent(ctx, audit); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("Failed to record risk reset audit event")
	}

	return nil
}

// StartRetentionSweep 启动每日保留期清理协程
// 删除超过保留期的活动流水和可疑事件
func (e *Engine) StartRetentionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()

	e.logger.WithField("retention_days", e.cfg.RetentionDays).Info("Risk data retention sweep started")
}

func (e *Engine) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)

	activities, err := e.repo.DeleteActivitiesBefore(ctx, cutoff)
	if err != nil {
		e.logger.WithError(err).Error("Activity retention sweep failed")
	}

	events, err := e.repo.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		e.logger.WithError(err).Error("Event retention sweep failed")
	}

	if activities > 0 || events > 0 {
		e.logger.WithFields(logrus.Fields{
			"activities_deleted": activities,
			"events_deleted":     events,
			"cutoff":             cutoff.Format(time.RFC3339),
		}).Info("🧹 Risk data retention sweep completed")
	}
}

// ClampScore 把分数截断到 [0, 100]
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
