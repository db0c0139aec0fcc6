package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 间隔上限
	Strategy        Strategy
	Timeout         time.Duration // 整个重试过程的总超时，0 不限制
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置: 3 次指数退避
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logrus.New(),
	}
}

// RetryableError 带重试语义的错误
type RetryableError interface {
	error
	IsRetryable() bool
}

type markedError struct {
	error
	retryable bool
}

func (e *markedError) IsRetryable() bool {
	return e.retryable
}

func (e *markedError) Unwrap() error {
	return e.error
}

// NewRetryableError 标记错误为可重试
func NewRetryableError(err error) error {
	return &markedError{error: err, retryable: true}
}

// NewNonRetryableError 标记错误为不可重试，Do 遇到后立即放弃
func NewNonRetryableError(err error) error {
	return &markedError{error: err, retryable: false}
}

// IsRetryable 判断错误是否值得重试
// 未标记的错误默认可重试，上下文取消和超时除外
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 按配置执行带重试的操作
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		cfg.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     cfg.MaxAttempts,
			"error":   err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := nextInterval(cfg, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult 带返回值的重试
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := Do(ctx, cfg, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	return result, err
}

// nextInterval 计算第 attempt 次失败后的等待时间
func nextInterval(cfg *Config, attempt int) time.Duration {
	var next time.Duration

	switch cfg.Strategy {
	case StrategyLinear:
		next = cfg.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		next = cfg.InitialInterval * time.Duration(1<<(attempt-1))
	default:
		next = cfg.InitialInterval
	}

	if cfg.MaxInterval > 0 && next > cfg.MaxInterval {
		next = cfg.MaxInterval
	}
	return next
}
