package visitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPVisitor 轻量 HTTP 访问策略
// 每次访问按需构造 client，代理、超时、头部都来自请求本身
type HTTPVisitor struct {
	maxBodyBytes int64
	logger       *logrus.Logger
}

// NewHTTPVisitor 创建 HTTP 访问器
func NewHTTPVisitor(maxBodyBytes int64, logger *logrus.Logger) *HTTPVisitor {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 2 << 20
	}
	return &HTTPVisitor{
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Visit 执行一次访问
// 网络失败一律转成 Outcome，不向上抛出
func (v *HTTPVisitor) Visit(ctx context.Context, req Request) Outcome {
	start := time.Now()

	out := Outcome{}
	if req.Proxy != nil {
		out.ProxyUsed = req.Proxy.Addr()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := v.buildClient(req.Proxy, timeout)
	if err != nil {
		out.Error = err.Error()
		out.LoadTime = time.Since(start)
		return out
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		out.Error = "invalid url: " + err.Error()
		out.LoadTime = time.Since(start)
		return out
	}

	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, val := range req.Headers {
		httpReq.Header.Set(k, val)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		out.Error = err.Error()
		out.LoadTime = time.Since(start)
		return out
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, v.maxBodyBytes))
	out.LoadTime = time.Since(start)
	out.FinalURL = resp.Request.URL.String()
	out.BodyBytes = int64(len(body))

	if resp.StatusCode >= 400 {
		out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return out
	}
	if readErr != nil {
		out.Error = "body read: " + readErr.Error()
		return out
	}

	if m := titleRe.FindSubmatch(body); m != nil {
		out.Title = string(m[1])
	}

	out.Success = true
	return out
}

// buildClient 按代理协议构造 http.Client
func (v *HTTPVisitor) buildClient(ep *domain.ProxyEndpoint, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true, // 访问之间不复用连接，保持每次访问独立
	}

	if ep != nil {
		// x/net/proxy 只实现了 SOCKS5，socks4 代理明确拒绝而不是按 SOCKS5 握手
		if ep.Protocol == domain.ProxyProtocolSOCKS4 {
			return nil, fmt.Errorf("socks4 proxy %s is not supported", ep.Addr())
		}
		if ep.IsSOCKS() {
			var auth *xproxy.Auth
			if ep.Username != "" {
				auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
			}
			dialer, err := xproxy.SOCKS5("tcp", ep.Addr(), auth, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		} else {
			transport.Proxy = http.ProxyURL(ep.URL())
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
