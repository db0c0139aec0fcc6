package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/ratelimit"
	"github.com/traffic-boost/traffic-boost-go/internal/risk"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

// guardRiskRepo 内存桩，只记录行为流水与限制配置
type guardRiskRepo struct {
	mu          sync.Mutex
	activities  []*domain.UserActivity
	events      []*domain.SuspiciousEvent
	profiles    map[string]*domain.RiskProfile
	restriction *domain.ManualRestriction
}

func newGuardRiskRepo() *guardRiskRepo {
	return &guardRiskRepo{profiles: make(map[string]*domain.RiskProfile)}
}

func (f *guardRiskRepo) AppendActivity(ctx context.Context, a *domain.UserActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return nil
}

func (f *guardRiskRepo) CountActivities(ctx context.Context, userID string, since time.Time) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) CountFailedActivities(ctx context.Context, userID string, since time.Time) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) MaxBatchSize(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}

func (f *guardRiskRepo) CountDistinctIPs(ctx context.Context, userID string, since time.Time) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) CountNightActivities(ctx context.Context, userID string, since time.Time, fromHour, toHour int) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) ListRecentActivities(ctx context.Context, userID string, limit int) ([]*domain.UserActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activities, nil
}

func (f *guardRiskRepo) AppendEvent(ctx context.Context, e *domain.SuspiciousEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *guardRiskRepo) HasHighSeverityEvent(ctx context.Context, userID string, since time.Time) (bool, error) {
	return false, nil
}

func (f *guardRiskRepo) ListEvents(ctx context.Context, userID string, limit int) ([]*domain.SuspiciousEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events, nil
}

func (f *guardRiskRepo) UpsertProfile(ctx context.Context, p *domain.RiskProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
	return nil
}

func (f *guardRiskRepo) GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return p, nil
}

func (f *guardRiskRepo) ListHighRiskProfiles(ctx context.Context, minScore int) ([]*domain.RiskProfile, error) {
	return nil, nil
}

func (f *guardRiskRepo) ResetProfile(ctx context.Context, userID string) error {
	return nil
}

func (f *guardRiskRepo) CreateRestriction(ctx context.Context, r *domain.ManualRestriction) error {
	return nil
}

func (f *guardRiskRepo) ActiveRestriction(ctx context.Context, userID string, now time.Time) (*domain.ManualRestriction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restriction, nil
}

func (f *guardRiskRepo) DeactivateRestrictions(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *guardRiskRepo) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// 指标收集器注册在全局 registry 上，整个测试二进制只创建一次
var (
	guardMetricsOnce sync.Once
	guardMetrics     *PrometheusMetrics
)

func testGuardMetrics() *PrometheusMetrics {
	guardMetricsOnce.Do(func() {
		guardMetrics = NewPrometheusMetrics(guardTestLogger(), "traffic_boost_guard_test")
	})
	return guardMetrics
}

func guardTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestGuard(repo *guardRiskRepo) (*AccessGuard, *ratelimit.BanList) {
	logger := guardTestLogger()
	kv := storage.NewMemoryStore()
	bans := ratelimit.NewBanList(kv, 3, logger)
	limiter := ratelimit.NewStore(&config.RateLimitConfig{
		MaxRequests:      100,
		WindowMs:         60000,
		AutoBanThreshold: 3,
	}, kv, bans, logger)

	engine := risk.NewEngine(&config.RiskConfig{
		NormalHourlyRequests:    500,
		DangerousHourlyRequests: 2000,
		MaxBatchSize:            100,
		ErrorRateThreshold:      0.3,
		NightActivityThreshold:  50,
		MaxDistinctIPs:          5,
		DenyScore:               80,
		RetentionDays:           30,
	}, repo, logger)

	return NewAccessGuard(limiter, bans, engine, repo, testGuardMetrics(), 80, logger), bans
}

func guardRouter(guard *AccessGuard, userID string, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(ContextKeyUserID, userID)
			c.Set(ContextKeyIdentity, userID)
		}
		c.Next()
	})
	r.Use(guard.Handler())
	r.POST("/api/tasks", handler)
	return r
}

// TestAccessGuard_ActivityCarriesTimingAndBatchSize 测试行为流水带响应耗时与批量规模
func TestAccessGuard_ActivityCarriesTimingAndBatchSize(t *testing.T) {
	repo := newGuardRiskRepo()
	guard, _ := newTestGuard(repo)

	router := guardRouter(guard, "u1", func(c *gin.Context) {
		c.Set(ContextKeyBatchSize, 7)
		time.Sleep(5 * time.Millisecond)
		c.JSON(http.StatusCreated, gin.H{"status": "success"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.activities, 1)

	activity := repo.activities[0]
	assert.Equal(t, "u1", activity.UserID)
	assert.Equal(t, 7, activity.BatchSize)
	assert.True(t, activity.Success)
	assert.GreaterOrEqual(t, activity.ResponseMs, int64(5), "Handler latency is captured")
}

// TestAccessGuard_FailedRequestRecordedAsUnsuccessful 测试 4xx 响应计为失败行为
func TestAccessGuard_FailedRequestRecordedAsUnsuccessful(t *testing.T) {
	repo := newGuardRiskRepo()
	guard, _ := newTestGuard(repo)

	router := guardRouter(guard, "u1", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.activities, 1)
	assert.False(t, repo.activities[0].Success)
	assert.Zero(t, repo.activities[0].BatchSize, "Handler did not set a batch size")
}

// TestAccessGuard_BannedIdentityRejected 测试封禁身份直接 403
func TestAccessGuard_BannedIdentityRejected(t *testing.T) {
	repo := newGuardRiskRepo()
	guard, bans := newTestGuard(repo)

	_, err := bans.Impose(context.Background(), "u1", "manual")
	require.NoError(t, err)

	router := guardRouter(guard, "u1", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
