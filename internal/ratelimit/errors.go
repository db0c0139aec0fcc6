package ratelimit

import (
	"fmt"
	"time"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// DeniedError 限流拒绝
// 携带窗口重置时间，HTTP 层转成 429 + Retry-After
type DeniedError struct {
	Identity  string
	Endpoint  string
	ResetTime time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s, resets at %s",
		e.Identity, e.Endpoint, e.ResetTime.Format(time.RFC3339))
}

// BanActiveError 身份处于封禁期
type BanActiveError struct {
	Ban *domain.BanRecord
}

func (e *BanActiveError) Error() string {
	return fmt.Sprintf("identity %s banned (level %d) until %s: %s",
		e.Ban.Identity, e.Ban.Level, e.Ban.ExpiresAt.Format(time.RFC3339), e.Ban.Reason)
}
