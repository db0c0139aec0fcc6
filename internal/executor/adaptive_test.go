package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
)

func adaptiveConfig() config.AdaptiveConfig {
	return config.AdaptiveConfig{
		Enabled:        true,
		ShrinkFactor:   0.8,
		GrowFactor:     1.1,
		MinBatchSize:   3,
		MaxBatchSize:   15,
		ErrorThreshold: 0.3,
	}
}

// TestBatchSizer_InitialClamped 测试初始值被夹进区间
func TestBatchSizer_InitialClamped(t *testing.T) {
	cfg := adaptiveConfig()

	assert.Equal(t, 10, newBatchSizer(cfg, 10).current())
	assert.Equal(t, 3, newBatchSizer(cfg, 1).current(), "Below minimum snaps to minimum")
	assert.Equal(t, 15, newBatchSizer(cfg, 100).current(), "Above maximum snaps to maximum")
}

// TestBatchSizer_ShrinkOnErrors 测试失败率超阈值后缩减
func TestBatchSizer_ShrinkOnErrors(t *testing.T) {
	sizer := newBatchSizer(adaptiveConfig(), 10)

	sizer.observe(10, 5) // 50% > 30%
	assert.Equal(t, 8, sizer.current())

	sizer.observe(8, 8)
	assert.Equal(t, 6, sizer.current())
}

// TestBatchSizer_GrowOnCleanBatch 测试零失败的批次后增长
func TestBatchSizer_GrowOnCleanBatch(t *testing.T) {
	sizer := newBatchSizer(adaptiveConfig(), 10)

	sizer.observe(10, 0)
	assert.Equal(t, 11, sizer.current())
}

// TestBatchSizer_ModerateErrorsHold 测试低于阈值但非零的失败率保持不变
func TestBatchSizer_ModerateErrorsHold(t *testing.T) {
	sizer := newBatchSizer(adaptiveConfig(), 10)

	sizer.observe(10, 2) // 20% <= 30%
	assert.Equal(t, 10, sizer.current())
}

// TestBatchSizer_StaysWithinBounds 测试连续调整不越界
func TestBatchSizer_StaysWithinBounds(t *testing.T) {
	sizer := newBatchSizer(adaptiveConfig(), 10)

	for i := 0; i < 20; i++ {
		sizer.observe(10, 10)
	}
	assert.Equal(t, 3, sizer.current(), "Shrink bottoms out at the minimum")

	for i := 0; i < 50; i++ {
		sizer.observe(10, 0)
	}
	assert.Equal(t, 15, sizer.current(), "Growth caps at the maximum")
}

// TestBatchSizer_DisabledNoop 测试未启用时不调整
func TestBatchSizer_DisabledNoop(t *testing.T) {
	cfg := adaptiveConfig()
	cfg.Enabled = false
	sizer := newBatchSizer(cfg, 10)

	sizer.observe(10, 10)
	assert.Equal(t, 10, sizer.current())
}
