package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// RiskRepository 风险数据访问层
// 活动流水、可疑事件、风险画像、人工限制共用一个仓库，
// 风险引擎的每个因子都落在这里的聚合查询上
type RiskRepository interface {
	// 活动流水
	AppendActivity(ctx context.Context, activity *domain.UserActivity) error
	CountActivities(ctx context.Context, userID string, since time.Time) (int64, error)
	CountFailedActivities(ctx context.Context, userID string, since time.Time) (int64, error)
	MaxBatchSize(ctx context.Context, userID string, since time.Time) (int, error)
	CountDistinctIPs(ctx context.Context, userID string, since time.Time) (int64, error)
	CountNightActivities(ctx context.Context, userID string, since time.Time, fromHour, toHour int) (int64, error)
	ListRecentActivities(ctx context.Context, userID string, limit int) ([]*domain.UserActivity, error)

	// 可疑事件
	AppendEvent(ctx context.Context, event *domain.SuspiciousEvent) error
	HasHighSeverityEvent(ctx context.Context, userID string, since time.Time) (bool, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]*domain.SuspiciousEvent, error)

	// 风险画像
	UpsertProfile(ctx context.Context, profile *domain.RiskProfile) error
	GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error)
	ListHighRiskProfiles(ctx context.Context, minScore int) ([]*domain.RiskProfile, error)
	ResetProfile(ctx context.Context, userID string) error

	// 人工限制
	CreateRestriction(ctx context.Context, restriction *domain.ManualRestriction) error
	ActiveRestriction(ctx context.Context, userID string, now time.Time) (*domain.ManualRestriction, error)
	DeactivateRestrictions(ctx context.Context, userID string) (int64, error)

	// 保留期清理
	DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type riskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRiskRepository(db *gorm.DB, logger *logrus.Logger) RiskRepository {
	return &riskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *riskRepo) AppendActivity(ctx context.Context, activity *domain.UserActivity) error {
	activity.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(activity).Error
}

func (r *riskRepo) CountActivities(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.UserActivity{}).
		Where("user_id = ? AND created_at > ?", userID, since).
		Count(&count).Error

	return count, err
}

func (r *riskRepo) CountFailedActivities(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.UserActivity{}).
		Where("user_id = ? AND created_at > ? AND success = ?", userID, since, false).
		Count(&count).Error

	return count, err
}

func (r *riskRepo) MaxBatchSize(ctx context.Context, userID string, since time.Time) (int, error) {
	// COALESCE 兜底: 窗口内无记录时返回 0 而不是 NULL 扫描错误
	var max int
	err := r.db.WithContext(ctx).
		Model(&domain.UserActivity{}).
		Select("COALESCE(MAX(batch_size), 0)").
		Where("user_id = ? AND created_at > ?", userID, since).
		Scan(&max).Error

	return max, err
}

func (r *riskRepo) CountDistinctIPs(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.UserActivity{}).
		Select("COUNT(DISTINCT ip)").
		Where("user_id = ? AND created_at > ? AND ip != ''", userID, since).
		Scan(&count).Error

	return count, err
}

// CountNightActivities 统计落在 [fromHour, toHour) 时段内的活动数
// 时段判断放在 Go 侧做: MySQL 与 SQLite 的小时函数语法不同，
// 拉回时间戳再过滤可以同时兼容两种后端
func (r *riskRepo) CountNightActivities(ctx context.Context, userID string, since time.Time, fromHour, toHour int) (int64, error) {
	var stamps []time.Time
	err := r.db.WithContext(ctx).
		Model(&domain.UserActivity{}).
		Where("user_id = ? AND created_at > ?", userID, since).
		Pluck("created_at", &stamps).Error
	if err != nil {
		return 0, err
	}

	var count int64
	for _, ts := range stamps {
		if hour := ts.Local().Hour(); hour >= fromHour && hour < toHour {
			count++
		}
	}
	return count, nil
}

func (r *riskRepo) ListRecentActivities(ctx context.Context, userID string, limit int) ([]*domain.UserActivity, error) {
	var activities []*domain.UserActivity
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&activities).Error

	return activities, err
}

func (r *riskRepo) AppendEvent(ctx context.Context, event *domain.SuspiciousEvent) error {
	event.CreatedAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    event.UserID,
			"event_type": event.EventType,
		}).Error("Failed to record suspicious event")
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"user_id":    event.UserID,
		"event_type": event.EventType,
		"severity":   event.Severity,
	}).Warn("⚠️ Suspicious event recorded")

	return nil
}

func (r *riskRepo) HasHighSeverityEvent(ctx context.Context, userID string, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.SuspiciousEvent{}).
		Where("user_id = ? AND created_at > ? AND severity = ?", userID, since, domain.SeverityHigh).
		Count(&count).Error

	return count > 0, err
}

func (r *riskRepo) ListEvents(ctx context.Context, userID string, limit int) ([]*domain.SuspiciousEvent, error) {
	var events []*domain.SuspiciousEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error

	return events, err
}

// UpsertProfile 按 user_id 插入或更新风险画像
func (r *riskRepo) UpsertProfile(ctx context.Context, profile *domain.RiskProfile) error {
	profile.UpdatedAt = time.Now().UTC()

	var existing domain.RiskProfile
	err := r.db.WithContext(ctx).
		Where("user_id = ?", profile.UserID).
		First(&existing).Error

	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(profile).Error
	} else if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Save(profile).Error
}

func (r *riskRepo) GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	var profile domain.RiskProfile
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&profile).Error

	if err != nil {
		return nil, err
	}

	return &profile, nil
}

func (r *riskRepo) ListHighRiskProfiles(ctx context.Context, minScore int) ([]*domain.RiskProfile, error) {
	var profiles []*domain.RiskProfile
	err := r.db.WithContext(ctx).
		Where("score >= ?", minScore).
		Order("score DESC").
		Find(&profiles).Error

	return profiles, err
}

// ResetProfile 把画像分数清零（人工复核后调用）
func (r *riskRepo) ResetProfile(ctx context.Context, userID string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RiskProfile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"score":        0,
			"level":        domain.RiskLevelNormal,
			"factors_json": "[]",
			"updated_at":   time.Now().UTC(),
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("user_id", userID).Error("Failed to reset risk profile")
		return result.Error
	}

	r.logger.WithField("user_id", userID).Info("✅ Risk profile reset")
	return nil
}

func (r *riskRepo) CreateRestriction(ctx context.Context, restriction *domain.ManualRestriction) error {
	restriction.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(restriction).Error
}

func (r *riskRepo) ActiveRestriction(ctx context.Context, userID string, now time.Time) (*domain.ManualRestriction, error) {
	var restriction domain.ManualRestriction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ? AND (expires_at IS NULL OR expires_at > ?)", userID, true, now).
		Order("created_at DESC").
		First(&restriction).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &restriction, nil
}

func (r *riskRepo) DeactivateRestrictions(ctx context.Context, userID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.ManualRestriction{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("active", false)

	return result.RowsAffected, result.Error
}

func (r *riskRepo) DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.UserActivity{})

	return result.RowsAffected, result.Error
}

func (r *riskRepo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.SuspiciousEvent{})

	return result.RowsAffected, result.Error
}
