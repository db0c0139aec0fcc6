package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// ValidateFormat 对提供商 URL 做纯语法校验，不发起任何网络请求
// 区分"缺少参数"和"参数值非法"两种失败
func ValidateFormat(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Kind: ValidationFormat, Reason: "URL 无法解析或缺少协议/主机"}
	}

	q := u.Query()
	countStr := q.Get("count")
	if countStr == "" {
		countStr = q.Get("num")
	}
	if countStr == "" {
		return &ValidationError{Kind: ValidationFormat, Reason: "缺少 count/num 数量参数"}
	}

	n, err := strconv.Atoi(countStr)
	if err != nil || n <= 0 {
		return &ValidationError{Kind: ValidationFormat, Reason: fmt.Sprintf("数量参数非法: %q（需要正整数）", countStr)}
	}

	return nil
}

// ValidateConnectivity 通过候选代理向回显端点发一次真实请求
// 成功标准: HTTP 200 且响应体可读取
func (m *Manager) ValidateConnectivity(ctx context.Context, ep *domain.ProxyEndpoint) error {
	if ep == nil {
		return &ValidationError{Kind: ValidationConnectivity, Reason: "代理端点为空"}
	}

	transport, err := transportFor(ep)
	if err != nil {
		return &ValidationError{Kind: ValidationConnectivity, Reason: err.Error()}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   m.baseTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.echoURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return &ValidationError{Kind: ValidationConnectivity, Reason: connectivityCause(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ValidationError{Kind: ValidationConnectivity, Reason: statusCause(resp.StatusCode)}
	}

	if _, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err != nil {
		return &ValidationError{Kind: ValidationConnectivity, Reason: "响应体读取失败: " + err.Error()}
	}

	m.logger.WithField("proxy", ep.Addr()).Debug("Proxy connectivity verified")
	return nil
}

// transportFor 按代理协议构造 HTTP Transport
// http/https 走 Transport.Proxy，socks5 走 x/net/proxy 拨号器
func transportFor(ep *domain.ProxyEndpoint) (*http.Transport, error) {
	// x/net/proxy 只有 SOCKS5 实现，socks4 代理在校验阶段直接判不可用
	if ep.Protocol == domain.ProxyProtocolSOCKS4 {
		return nil, fmt.Errorf("socks4 协议不支持: %s", ep.Addr())
	}

	if ep.IsSOCKS() {
		var auth *xproxy.Auth
		if ep.Username != "" {
			auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", ep.Addr(), auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks 拨号器创建失败: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
			TLSHandshakeTimeout: 10 * time.Second,
		}, nil
	}

	return &http.Transport{
		Proxy:               http.ProxyURL(ep.URL()),
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// statusCause 把常见代理失败状态码映射为可读原因
func statusCause(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Sprintf("HTTP %d: 代理拒绝访问，可能需要白名单授权", code)
	case code == http.StatusProxyAuthRequired:
		return "HTTP 407: 代理要求认证，请检查用户名和密码"
	case code == http.StatusServiceUnavailable:
		return "HTTP 503: 代理服务暂时不可用，可能已过载"
	case code >= 500:
		return fmt.Sprintf("HTTP %d: 代理服务端错误", code)
	default:
		return fmt.Sprintf("HTTP %d: 非预期响应", code)
	}
}

// connectivityCause 把连接层错误映射为可读原因
func connectivityCause(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "连接被拒绝: 代理端口未开放或已下线"
	case isTimeout(err):
		return "连接超时: 代理响应过慢或不可达"
	case strings.Contains(err.Error(), "no such host"):
		return "域名解析失败: 代理主机名无效"
	default:
		return "连接失败: " + err.Error()
	}
}
