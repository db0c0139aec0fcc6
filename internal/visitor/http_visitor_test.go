package visitor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// TestVisit_SOCKS4ProxyRejected 测试 socks4 代理访问直接失败而非按 SOCKS5 握手
func TestVisit_SOCKS4ProxyRejected(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	v := NewHTTPVisitor(0, logger)

	out := v.Visit(context.Background(), Request{
		URL: "https://example.com",
		Proxy: &domain.ProxyEndpoint{
			Host:     "10.0.0.1",
			Port:     1080,
			Protocol: domain.ProxyProtocolSOCKS4,
		},
		Timeout: 2 * time.Second,
	})

	assert.False(t, out.Success)
	require.NotEmpty(t, out.Error)
	assert.Contains(t, out.Error, "socks4")
	assert.Equal(t, "10.0.0.1:1080", out.ProxyUsed)
}
