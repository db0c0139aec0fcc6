package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

// TestDo_Success 测试第一次就成功的情况
func TestDo_Success(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts, "Should succeed on first attempt")
}

// TestDo_SuccessAfterRetries 测试重试后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts, "Should succeed on third attempt")
}

// TestDo_MaxAttemptsReached 测试达到最大尝试次数
func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts, "Should attempt exactly max times")
	assert.Contains(t, err.Error(), "max attempts")
}

// TestDo_NonRetryableStopsImmediately 测试不可重试错误立即放弃
func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("bad request")

	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(cause)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "Should not retry a non-retryable error")
	assert.ErrorIs(t, err, cause)
}

// TestDo_ContextCanceled 测试上下文取消
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	cfg := quietConfig(10)
	cfg.InitialInterval = 50 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("keep failing")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Less(t, attempts, 10, "Should stop before max attempts")
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0

	result, err := DoWithResult(context.Background(), quietConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}

// TestIsRetryable 测试错误重试语义判定
func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(NewNonRetryableError(errors.New("fatal"))))
	assert.True(t, IsRetryable(NewRetryableError(errors.New("transient"))))
	assert.True(t, IsRetryable(errors.New("unknown")), "Unmarked errors default to retryable")
}

// TestNextInterval 测试三种退避策略
func TestNextInterval(t *testing.T) {
	cfg := &Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}

	cfg.Strategy = StrategyFixed
	assert.Equal(t, 100*time.Millisecond, nextInterval(cfg, 3))

	cfg.Strategy = StrategyLinear
	assert.Equal(t, 300*time.Millisecond, nextInterval(cfg, 3))

	cfg.Strategy = StrategyExponential
	assert.Equal(t, 400*time.Millisecond, nextInterval(cfg, 3))
	assert.Equal(t, time.Second, nextInterval(cfg, 10), "Interval capped at MaxInterval")
}
