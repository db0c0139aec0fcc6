package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/retry"
)

const (
	maxFetchAttempts = 3
	maxBodyBytes     = 4 << 20
)

// Manager 代理池管理器
// 按 (sourceURL, count) 缓存代理池，TTL 过期后重新抓取
// 显式构造并注入，不使用包级单例，便于测试时替换 TTL 和 HTTP 客户端
type Manager struct {
	provider    string
	cacheTTL    time.Duration
	baseTimeout time.Duration
	echoURL     string
	logger      *logrus.Logger

	mu    sync.RWMutex
	cache map[string]*domain.ProxyPool
}

// NewManager 创建代理池管理器
func NewManager(provider string, cacheTTL, baseTimeout time.Duration, echoURL string, logger *logrus.Logger) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if baseTimeout <= 0 {
		baseTimeout = 10 * time.Second
	}

	return &Manager{
		provider:    provider,
		cacheTTL:    cacheTTL,
		baseTimeout: baseTimeout,
		echoURL:     echoURL,
		logger:      logger,
		cache:       make(map[string]*domain.ProxyPool),
	}
}

// Fetch 抓取代理池
// 先把请求数量改写进 source URL，再查缓存；未命中时发起最多 3 次 HTTP 抓取，
// 每次超时为 base×attempt，重试间隔线性递增 min(2000×attempt, 10000)ms
func (m *Manager) Fetch(ctx context.Context, sourceURL string, count int, allowCache bool) (*domain.ProxyPool, error) {
	fetchURL, err := rewriteCountParam(sourceURL, count)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s|%d", sourceURL, count)

	if allowCache {
		if pool := m.cached(cacheKey); pool != nil {
			m.logger.WithFields(logrus.Fields{
				"cache_key": cacheKey,
				"size":      pool.Size(),
			}).Debug("Proxy pool cache hit")
			return pool, nil
		}
	}

	endpoints, err := m.fetchEndpoints(ctx, fetchURL)
	if err != nil {
		return nil, err
	}

	pool := &domain.ProxyPool{
		Endpoints: endpoints,
		CacheKey:  cacheKey,
		FetchedAt: time.Now(),
	}

	m.mu.Lock()
	m.cache[cacheKey] = pool
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"cache_key": cacheKey,
		"size":      pool.Size(),
		"provider":  m.provider,
	}).Info("✅ Proxy pool fetched and cached")

	return pool, nil
}

// cached 返回未过期的缓存池
func (m *Manager) cached(key string) *domain.ProxyPool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.cache[key]
	if !ok {
		return nil
	}
	if time.Since(pool.FetchedAt) > m.cacheTTL {
		return nil
	}
	return pool
}

// fetchEndpoints 带重试地请求提供商并解析响应
func (m *Manager) fetchEndpoints(ctx context.Context, fetchURL string) ([]*domain.ProxyEndpoint, error) {
	retryCfg := &retry.Config{
		MaxAttempts:     maxFetchAttempts,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Strategy:        retry.StrategyLinear,
		Logger:          m.logger,
	}

	var endpoints []*domain.ProxyEndpoint
	attempt := 0

	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		attempt++

		// 超时随尝试次数放宽，慢速提供商在后续尝试中有机会成功
		timeout := m.baseTimeout * time.Duration(attempt)
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := m.httpGet(reqCtx, fetchURL, timeout)
		if err != nil {
			return err
		}

		endpoints = m.parse(body)
		if len(endpoints) == 0 {
			return fmt.Errorf("provider returned no parseable endpoints")
		}
		return nil
	})

	if err != nil {
		fe := classifyFetchError(err, attempt)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"url":      fetchURL,
			"attempts": attempt,
			"kind":     fe.Kind,
		}).Error("❌ Proxy fetch failed after all attempts")
		return nil, fe
	}

	return endpoints, nil
}

func (m *Manager) httpGet(ctx context.Context, fetchURL string, timeout time.Duration) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
		// 4xx 是请求本身的问题，重试也不会变好
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.NewNonRetryableError(err)
		}
		return nil, err
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// parse 先用提供商专属策略，零结果时降级到通用解析再试一次
func (m *Manager) parse(body []byte) []*domain.ProxyEndpoint {
	parser := ParserFor(m.provider)
	endpoints := parser.Parse(body)

	if len(endpoints) == 0 && parser.Name() != "generic" {
		m.logger.WithField("parser", parser.Name()).Warn("Provider parser yielded no endpoints, trying generic fallback")
		endpoints = (&genericParser{provider: m.provider}).Parse(body)
	}

	return endpoints
}

// ClearCache 清空代理池缓存
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]*domain.ProxyPool)
	m.mu.Unlock()
	m.logger.Info("Proxy pool cache cleared")
}

// CacheStats 缓存统计，供监控端点使用
func (m *Manager) CacheStats() (pools int, endpoints int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.cache {
		pools++
		endpoints += p.Size()
	}
	return pools, endpoints
}

// rewriteCountParam 把请求数量写入 source URL 的 count/num 参数
func rewriteCountParam(sourceURL string, count int) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", &ValidationError{Kind: ValidationFormat, Reason: "source URL 无法解析: " + err.Error()}
	}

	q := u.Query()
	// 兼容 count 和 num 两种参数名，优先覆盖已存在的那个
	if q.Has("num") && !q.Has("count") {
		q.Set("num", strconv.Itoa(count))
	} else {
		q.Set("count", strconv.Itoa(count))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
