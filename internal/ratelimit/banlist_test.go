package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

func newTestBanList(threshold int) *BanList {
	return NewBanList(storage.NewMemoryStore(), threshold, quietLogger())
}

// TestBanList_Escalation 测试封禁等级逐级加重且时长对应阶梯
func TestBanList_Escalation(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(3)

	expected := []struct {
		level    int
		duration time.Duration
	}{
		{1, 1 * time.Hour},
		{2, 6 * time.Hour},
		{3, 24 * time.Hour},
		{4, 7 * 24 * time.Hour},
		{5, 30 * 24 * time.Hour},
		{5, 30 * 24 * time.Hour}, // 封顶
	}

	for i, want := range expected {
		ban, err := bans.Impose(ctx, "abuser", "repeat offense")
		require.NoError(t, err)
		assert.Equal(t, want.level, ban.Level, "offense #%d", i+1)

		got := ban.ExpiresAt.Sub(ban.ImposedAt)
		assert.GreaterOrEqual(t, got, want.duration, "Expiry never shrinks below the tier duration")
	}
}

// TestBanList_MonotoneExpiry 测试再次封禁不缩短现有封禁
func TestBanList_MonotoneExpiry(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(3)

	first, err := bans.Impose(ctx, "u1", "first")
	require.NoError(t, err)

	second, err := bans.Impose(ctx, "u1", "second")
	require.NoError(t, err)

	assert.False(t, second.ExpiresAt.Before(first.ExpiresAt))
	assert.GreaterOrEqual(t, second.Level, first.Level)
}

// TestBanList_LevelSurvivesUnban 测试解封保留历史等级，再犯继续升级
func TestBanList_LevelSurvivesUnban(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(3)

	first, err := bans.Impose(ctx, "u1", "first")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Level)

	require.NoError(t, bans.Unban(ctx, "u1"))

	ban, err := bans.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, ban, "Unban removes the active ban")

	second, err := bans.Impose(ctx, "u1", "reoffense")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Level, "Level record outlives the ban itself")
}

// TestBanList_GetMissing 测试无封禁返回 nil 而非错误
func TestBanList_GetMissing(t *testing.T) {
	bans := newTestBanList(3)

	ban, err := bans.Get(context.Background(), "clean-user")
	require.NoError(t, err)
	assert.Nil(t, ban)
}

// TestBanList_InvalidRequestTrip 测试无效请求超过阈值触发自动封禁
func TestBanList_InvalidRequestTrip(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(2) // 超过 2 次触发

	for i := 0; i < 2; i++ {
		ban, err := bans.RecordInvalidRequest(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, ban, "Below threshold, no ban yet")
	}

	ban, err := bans.RecordInvalidRequest(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ban, "Third invalid request exceeds threshold")
	assert.Equal(t, 1, ban.Level)
}

// TestBanList_VolumeTierEscalation 测试小时请求量命中阶梯触发对应档位封禁
func TestBanList_VolumeTierEscalation(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(100)
	bans.SetVolumeTiers([]VolumeTier{
		{Threshold: 5, Level: 1, Duration: 1 * time.Hour},
		{Threshold: 10, Level: 3, Duration: 24 * time.Hour},
	})

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		bans.noteRequest(ctx, "flooder", now)
	}

	ban, err := bans.enforceVolumeTiers(ctx, "flooder")
	require.NoError(t, err)
	assert.Nil(t, ban, "Below the first threshold")

	bans.noteRequest(ctx, "flooder", now)
	ban, err = bans.enforceVolumeTiers(ctx, "flooder")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, 1, ban.Level)
	assert.GreaterOrEqual(t, ban.ExpiresAt.Sub(ban.ImposedAt), 1*time.Hour)

	// 继续冲到第二档，封禁升到对应等级
	for i := 0; i < 5; i++ {
		bans.noteRequest(ctx, "flooder", now)
	}
	ban, err = bans.enforceVolumeTiers(ctx, "flooder")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, 3, ban.Level)
	assert.GreaterOrEqual(t, ban.ExpiresAt.Sub(time.Now().UTC()), 23*time.Hour)
}

// TestBanList_VolumeTierKeepsHigherBan 测试低档位命中不降级现有封禁
func TestBanList_VolumeTierKeepsHigherBan(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(100)
	bans.SetVolumeTiers([]VolumeTier{
		{Threshold: 3, Level: 1, Duration: 1 * time.Hour},
	})

	existing, err := bans.imposeAt(ctx, "u1", "manual", 4, 7*24*time.Hour)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		bans.noteRequest(ctx, "u1", now)
	}

	ban, err := bans.enforceVolumeTiers(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, existing.Level, ban.Level, "Tier match never lowers an active ban")
	assert.Equal(t, existing.ExpiresAt.Unix(), ban.ExpiresAt.Unix())
}

// TestBanList_VolumeWindowPrunes 测试一小时前的分钟桶不计入请求量
func TestBanList_VolumeWindowPrunes(t *testing.T) {
	ctx := context.Background()
	bans := newTestBanList(100)
	bans.SetVolumeTiers([]VolumeTier{
		{Threshold: 2, Level: 1, Duration: 1 * time.Hour},
	})

	old := time.Now().UTC().Add(-2 * time.Hour)
	bans.noteRequest(ctx, "u1", old)
	bans.noteRequest(ctx, "u1", old)
	bans.noteRequest(ctx, "u1", time.Now().UTC())

	ban, err := bans.enforceVolumeTiers(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, ban, "Stale buckets fall out of the hourly window")
}

// TestBanList_InspectContent 测试可疑内容规则命中即封禁
func TestBanList_InspectContent(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		content string
		rule    string
	}{
		{`{"q":"1 union select password from users"}`, "sql_injection"},
		{`{"q":"x' OR 1=1 --"}`, "sql_injection"},
		{`<script>alert(1)</script>`, "script_injection"},
		{`{"img":"x onerror=alert(1)"}`, "script_injection"},
		{`{"path":"../../../etc/passwd"}`, "path_traversal"},
	}

	for _, tc := range cases {
		bans := newTestBanList(3)
		rule, ban, err := bans.InspectContent(ctx, "attacker", tc.content)
		require.NoError(t, err)
		assert.Equal(t, tc.rule, rule, "content: %s", tc.content)
		require.NotNil(t, ban)
	}

	bans := newTestBanList(3)
	rule, ban, err := bans.InspectContent(ctx, "normal", `{"urls":["https://example.com"]}`)
	require.NoError(t, err)
	assert.Empty(t, rule)
	assert.Nil(t, ban)
}
