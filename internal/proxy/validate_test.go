package proxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// TestValidateFormat 测试提供商 URL 的纯语法校验
func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat("https://provider.example/api?count=10&key=abc"))
	assert.NoError(t, ValidateFormat("http://provider.example/api?num=5"))

	cases := []struct {
		name string
		url  string
	}{
		{"缺少协议", "provider.example/api?count=10"},
		{"缺少数量参数", "https://provider.example/api?key=abc"},
		{"数量参数非数字", "https://provider.example/api?count=abc"},
		{"数量参数为零", "https://provider.example/api?count=0"},
		{"数量参数为负", "https://provider.example/api?num=-3"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFormat(tc.url)
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, ValidationFormat, ve.Kind)
		})
	}
}

// TestTransportFor_SOCKS4Unsupported 测试 socks4 代理直接拒绝而非按 SOCKS5 握手
func TestTransportFor_SOCKS4Unsupported(t *testing.T) {
	ep := &domain.ProxyEndpoint{
		Host:     "10.0.0.1",
		Port:     1080,
		Protocol: domain.ProxyProtocolSOCKS4,
	}

	_, err := transportFor(ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socks4")

	// socks5 仍然正常构造
	ep.Protocol = domain.ProxyProtocolSOCKS5
	transport, err := transportFor(ep)
	require.NoError(t, err)
	assert.NotNil(t, transport.DialContext)
}
