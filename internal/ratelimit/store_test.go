package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestStore(maxRequests, windowMs int) (*Store, *BanList) {
	kv := storage.NewMemoryStore()
	bans := NewBanList(kv, 3, quietLogger())
	return NewStore(&config.RateLimitConfig{
		MaxRequests:      maxRequests,
		WindowMs:         windowMs,
		AutoBanThreshold: 3,
	}, kv, bans, quietLogger()), bans
}

// TestStore_AllowWithinWindow 测试窗口内请求放行且余量递减
func TestStore_AllowWithinWindow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(3, 60000)

	for want := 2; want >= 0; want-- {
		d := store.Check(ctx, "user-1", "/api/tasks")
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}
}

// TestStore_DenyWhenFull 测试窗口满后拒绝，且被拒请求不记入窗口
func TestStore_DenyWhenFull(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(3, 60000)

	for i := 0; i < 3; i++ {
		store.Check(ctx, "user-1", "/api/tasks")
	}

	d := store.Check(ctx, "user-1", "/api/tasks")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 3, d.TotalRequests, "Denied request must not be recorded")
	assert.True(t, d.ResetTime.After(time.Now()), "Reset time is in the future")

	// 再次拒绝，计数仍然是 3
	d = store.Check(ctx, "user-1", "/api/tasks")
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.TotalRequests)
}

// TestStore_WindowSlides 测试旧时间戳滑出窗口后恢复放行
func TestStore_WindowSlides(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(2, 50) // 50ms 窗口

	assert.True(t, store.Check(ctx, "user-1", "/x").Allowed)
	assert.True(t, store.Check(ctx, "user-1", "/x").Allowed)
	assert.False(t, store.Check(ctx, "user-1", "/x").Allowed)

	time.Sleep(60 * time.Millisecond)

	assert.True(t, store.Check(ctx, "user-1", "/x").Allowed, "Stamps outside window are pruned")
}

// TestStore_IsolatedByIdentityAndEndpoint 测试窗口按身份+端点隔离
func TestStore_IsolatedByIdentityAndEndpoint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(1, 60000)

	assert.True(t, store.Check(ctx, "user-1", "/a").Allowed)
	assert.False(t, store.Check(ctx, "user-1", "/a").Allowed)

	assert.True(t, store.Check(ctx, "user-1", "/b").Allowed, "Different endpoint has its own window")
	assert.True(t, store.Check(ctx, "user-2", "/a").Allowed, "Different identity has its own window")
}

// TestStore_BanPrecedesWindow 测试封禁优先于窗口判定
func TestStore_BanPrecedesWindow(t *testing.T) {
	ctx := context.Background()
	store, bans := newTestStore(100, 60000)

	ban, err := bans.Impose(ctx, "user-1", "manual")
	require.NoError(t, err)

	d := store.Check(ctx, "user-1", "/api/tasks")
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Ban)
	assert.Equal(t, ban.Level, d.Ban.Level)
	assert.Equal(t, ban.ExpiresAt.Unix(), d.ResetTime.Unix())
}

// TestStore_DenialTriggersVolumeBan 测试持续撞限流达到小时请求量阈值后自动封禁
func TestStore_DenialTriggersVolumeBan(t *testing.T) {
	ctx := context.Background()
	store, bans := newTestStore(2, 60000)
	bans.SetVolumeTiers([]VolumeTier{
		{Threshold: 5, Level: 1, Duration: 1 * time.Hour},
	})

	var d Decision
	for i := 0; i < 5; i++ {
		d = store.Check(ctx, "flooder", "/api/tasks")
	}

	require.NotNil(t, d.Ban, "Fifth request crosses the hourly tier")
	assert.Equal(t, 1, d.Ban.Level)
	assert.Equal(t, d.Ban.ExpiresAt.Unix(), d.ResetTime.Unix())

	ban, err := bans.Get(ctx, "flooder")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, 1, ban.Level)

	// 后续请求直接走封禁短路
	d = store.Check(ctx, "flooder", "/api/tasks")
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Ban)
}

// TestStore_BanDecisionKeepsWindowCount 测试封禁短路时仍回报窗口内请求数
func TestStore_BanDecisionKeepsWindowCount(t *testing.T) {
	ctx := context.Background()
	store, bans := newTestStore(100, 60000)

	store.Check(ctx, "user-1", "/api/tasks")
	store.Check(ctx, "user-1", "/api/tasks")

	_, err := bans.Impose(ctx, "user-1", "manual")
	require.NoError(t, err)

	d := store.Check(ctx, "user-1", "/api/tasks")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.TotalRequests)
}

// TestStore_Reset 测试管理接口清空窗口
func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(1, 60000)

	assert.True(t, store.Check(ctx, "user-1", "/a").Allowed)
	assert.False(t, store.Check(ctx, "user-1", "/a").Allowed)

	require.NoError(t, store.Reset(ctx, "user-1", "/a"))
	assert.True(t, store.Check(ctx, "user-1", "/a").Allowed)
}
