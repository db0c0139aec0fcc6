package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeURLs_TrimAndPrefix 测试去空白并补全协议前缀
func TestNormalizeURLs_TrimAndPrefix(t *testing.T) {
	urls, err := normalizeURLs([]string{
		"  https://example.com/a  ",
		"example.com/b",
		"http://example.com/c",
		"",
		"   ",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
		"http://example.com/c",
	}, urls)
}

// TestNormalizeURLs_RejectInvalid 测试无主机名的 URL 被拒绝
func TestNormalizeURLs_RejectInvalid(t *testing.T) {
	_, err := normalizeURLs([]string{"https://"})
	assert.Error(t, err)

	_, err = normalizeURLs([]string{"https://example.com", "http://%zz"})
	assert.Error(t, err, "One bad URL rejects the whole batch")
}

// TestNormalizeURLs_EmptyList 测试空列表报错
func TestNormalizeURLs_EmptyList(t *testing.T) {
	_, err := normalizeURLs(nil)
	assert.Error(t, err)

	_, err = normalizeURLs([]string{"", "   "})
	assert.Error(t, err, "Whitespace-only entries leave nothing to visit")
}
