package visitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// TestSelectReferer_Custom 测试自定义来源原样透传
func TestSelectReferer_Custom(t *testing.T) {
	got := SelectReferer(domain.RefererModeCustom, "https://blog.example.com/post")
	assert.Equal(t, "https://blog.example.com/post", got)
}

// TestSelectReferer_None 测试未设置模式时不带来源
func TestSelectReferer_None(t *testing.T) {
	assert.Empty(t, SelectReferer(domain.RefererModeNone, ""))
	assert.Empty(t, SelectReferer(domain.RefererMode("unknown"), "ignored"))
}

// TestSelectReferer_Fixed 测试指定社交网络映射到固定地址
func TestSelectReferer_Fixed(t *testing.T) {
	assert.Equal(t, "https://twitter.com/", SelectReferer(domain.RefererModeFixed, "twitter"))
	assert.Equal(t, "https://twitter.com/", SelectReferer(domain.RefererModeFixed, "Twitter"), "Lookup is case-insensitive")

	// 未知名称回退到轮换表里的某一个
	got := SelectReferer(domain.RefererModeFixed, "myspace")
	assert.Contains(t, socialReferers, refererName(t, got))
}

// TestSelectReferer_Social 测试社交轮换只产出表内地址
func TestSelectReferer_Social(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := SelectReferer(domain.RefererModeSocial, "")
		assert.Contains(t, socialReferers, refererName(t, got))
	}
}

// refererName 从地址反查轮换表键名
func refererName(t *testing.T, ref string) string {
	t.Helper()
	for name, addr := range socialReferers {
		if addr == ref {
			return name
		}
	}
	t.Fatalf("referer %q not in rotation table", ref)
	return ""
}

// TestRandomUserAgent 测试 UA 池产出非空且形如浏览器标识
func TestRandomUserAgent(t *testing.T) {
	for i := 0; i < 20; i++ {
		ua := RandomUserAgent()
		assert.NotEmpty(t, ua)
		assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0"))
	}
}
