package domain

import (
	"fmt"
	"net/url"
	"time"
)

// ProxyProtocol 代理协议类型
type ProxyProtocol string

const (
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
	ProxyProtocolSOCKS4 ProxyProtocol = "socks4"
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyEndpoint 单个代理端点，解析完成后不可变
// 所有权归解析它的代理池，执行引擎只借用引用
type ProxyEndpoint struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Protocol  ProxyProtocol `json:"protocol"`
	Username  string        `json:"username,omitempty"`
	Password  string        `json:"password,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// Addr 返回 host:port 形式的地址
func (e *ProxyEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL 返回可直接用于 http.Transport 的代理 URL
func (e *ProxyEndpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: string(e.Protocol),
		Host:   e.Addr(),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// IsSOCKS 是否为 SOCKS 协议端点
func (e *ProxyEndpoint) IsSOCKS() bool {
	return e.Protocol == ProxyProtocolSOCKS4 || e.Protocol == ProxyProtocolSOCKS5
}

// ProxyPool 有序代理端点集合，构造后只读，可被任意并发读取
type ProxyPool struct {
	Endpoints []*ProxyEndpoint
	CacheKey  string
	FetchedAt time.Time
}

// Size 代理池大小
func (p *ProxyPool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Endpoints)
}

// Assign 纯轮询分配: pool[index mod len]
// 空池返回 nil 表示直连，永远不报错
func (p *ProxyPool) Assign(index int) *ProxyEndpoint {
	if p == nil || len(p.Endpoints) == 0 {
		return nil
	}
	if index < 0 {
		index = -index
	}
	return p.Endpoints[index%len(p.Endpoints)]
}
