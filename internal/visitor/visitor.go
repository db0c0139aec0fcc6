package visitor

import (
	"context"
	"time"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// Request 单次访问请求
type Request struct {
	URL       string
	Proxy     *domain.ProxyEndpoint // nil 表示直连
	Referer   string
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
}

// Outcome 单次访问结果
// 普通网络/HTTP 失败通过 Success=false + Error 表达，访问器不对外抛错
type Outcome struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	LoadTime  time.Duration `json:"load_time"`
	FinalURL  string        `json:"final_url,omitempty"`
	Title     string        `json:"title,omitempty"`
	BodyBytes int64         `json:"body_bytes"`
	ProxyUsed string        `json:"proxy_used,omitempty"`
}

// Visitor 页面访问器契约
// 两种可互换策略: 轻量 HTTP（本仓库实现）和完整浏览器（外部服务承担），
// 执行引擎对具体策略无感知
type Visitor interface {
	Visit(ctx context.Context, req Request) Outcome
}
