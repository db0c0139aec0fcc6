package proxy

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// Parser 提供商响应解析策略
// 解析不到任何端点时返回空切片，由调用方决定是否降级到通用解析
type Parser interface {
	Name() string
	Parse(body []byte) []*domain.ProxyEndpoint
}

// ParserFor 按提供商标签选择解析策略，未知标签返回通用解析
func ParserFor(provider string) Parser {
	switch provider {
	case "single":
		return &singleLineParser{provider: provider}
	case "lines":
		return &multiLineParser{provider: provider}
	case "json":
		return &jsonParser{provider: provider}
	default:
		return &genericParser{provider: provider}
	}
}

// singleLineParser 单端点文本格式：整个响应体就是一行 host:port[:user:pass]
type singleLineParser struct {
	provider string
}

func (p *singleLineParser) Name() string { return "single" }

func (p *singleLineParser) Parse(body []byte) []*domain.ProxyEndpoint {
	line := strings.TrimSpace(string(body))
	if line == "" {
		return nil
	}
	ep := parseEndpointLine(line, p.provider)
	if ep == nil {
		return nil
	}
	return []*domain.ProxyEndpoint{ep}
}

// multiLineParser 多端点文本格式：每行一个端点，支持注释行
type multiLineParser struct {
	provider string
}

func (p *multiLineParser) Name() string { return "lines" }

func (p *multiLineParser) Parse(body []byte) []*domain.ProxyEndpoint {
	var out []*domain.ProxyEndpoint
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ep := parseEndpointLine(line, p.provider); ep != nil {
			out = append(out, ep)
		}
	}
	return out
}

// jsonEndpoint 常见 JSON 提供商的端点字段
type jsonEndpoint struct {
	IP       string `json:"ip"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Session  string `json:"session"`
}

// jsonParser JSON 格式：顶层数组，或 {data: {proxies: [...]}} 包装对象
type jsonParser struct {
	provider string
}

func (p *jsonParser) Name() string { return "json" }

func (p *jsonParser) Parse(body []byte) []*domain.ProxyEndpoint {
	var list []jsonEndpoint
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			Data struct {
				Proxies []jsonEndpoint `json:"proxies"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil
		}
		list = wrapped.Data.Proxies
	}

	var out []*domain.ProxyEndpoint
	for _, je := range list {
		host := je.Host
		if host == "" {
			host = je.IP
		}
		if host == "" || je.Port <= 0 || je.Port > 65535 {
			continue
		}
		proto := je.Protocol
		if proto == "" {
			proto = je.Type
		}
		out = append(out, &domain.ProxyEndpoint{
			Host:      host,
			Port:      je.Port,
			Protocol:  normalizeProtocol(proto),
			Username:  je.Username,
			Password:  je.Password,
			Provider:  p.provider,
			SessionID: je.Session,
		})
	}
	return out
}

// genericParser 通用降级解析：先试 JSON，再按多行文本解析
type genericParser struct {
	provider string
}

func (p *genericParser) Name() string { return "generic" }

func (p *genericParser) Parse(body []byte) []*domain.ProxyEndpoint {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		jp := &jsonParser{provider: p.provider}
		if eps := jp.Parse(body); len(eps) > 0 {
			return eps
		}
	}
	mp := &multiLineParser{provider: p.provider}
	return mp.Parse(body)
}

// parseEndpointLine 解析单行端点文本
// 支持格式:
//
//	host:port
//	host:port:user:pass
//	user:pass@host:port
//	protocol://[user:pass@]host:port
func parseEndpointLine(line, provider string) *domain.ProxyEndpoint {
	proto := domain.ProxyProtocolHTTP
	if idx := strings.Index(line, "://"); idx > 0 {
		proto = normalizeProtocol(line[:idx])
		line = line[idx+3:]
	}

	var user, pass string
	if at := strings.LastIndex(line, "@"); at > 0 {
		auth := line[:at]
		line = line[at+1:]
		if c := strings.Index(auth, ":"); c > 0 {
			user, pass = auth[:c], auth[c+1:]
		}
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		// host:port
	case 4:
		// host:port:user:pass
		user, pass = parts[2], parts[3]
	default:
		return nil
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return nil
	}

	return &domain.ProxyEndpoint{
		Host:     parts[0],
		Port:     port,
		Protocol: proto,
		Username: user,
		Password: pass,
		Provider: provider,
	}
}

func normalizeProtocol(s string) domain.ProxyProtocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "https":
		return domain.ProxyProtocolHTTPS
	case "socks4":
		return domain.ProxyProtocolSOCKS4
	case "socks5", "socks":
		return domain.ProxyProtocolSOCKS5
	default:
		return domain.ProxyProtocolHTTP
	}
}
