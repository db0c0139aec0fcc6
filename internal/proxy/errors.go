package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// FetchErrorKind 抓取失败原因分类
type FetchErrorKind string

const (
	FetchErrTimeout FetchErrorKind = "timeout"
	FetchErrDNS     FetchErrorKind = "dns"
	FetchErrRefused FetchErrorKind = "refused"
	FetchErrHTTP    FetchErrorKind = "http"
	FetchErrParse   FetchErrorKind = "parse"
)

// FetchError 代理抓取错误，携带可操作的处理建议
type FetchError struct {
	Kind     FetchErrorKind
	Attempts int
	Hint     string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("proxy fetch failed (%s, %d attempts): %s", e.Kind, e.Attempts, e.Hint)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// classifyFetchError 将网络错误映射为分类和用户可读建议
func classifyFetchError(err error, attempts int) *FetchError {
	fe := &FetchError{Attempts: attempts, Err: err}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		fe.Kind = FetchErrTimeout
		fe.Hint = "代理提供商响应超时，请检查网络或稍后重试"
	case errors.As(err, &dnsErr):
		fe.Kind = FetchErrDNS
		fe.Hint = "代理提供商域名解析失败，请检查 source_url 配置"
	case errors.Is(err, syscall.ECONNREFUSED):
		fe.Kind = FetchErrRefused
		fe.Hint = "代理提供商拒绝连接，请确认服务地址和端口"
	default:
		fe.Kind = FetchErrHTTP
		fe.Hint = "代理提供商请求失败: " + err.Error()
	}

	return fe
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

// ValidationKind 校验失败类型: 格式 vs 连通性
type ValidationKind string

const (
	ValidationFormat       ValidationKind = "format"
	ValidationConnectivity ValidationKind = "connectivity"
)

// ValidationError 代理校验错误
type ValidationError struct {
	Kind   ValidationKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proxy validation failed (%s): %s", e.Kind, e.Reason)
}
