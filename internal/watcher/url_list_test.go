package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeListFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestReadURLList 测试跳过空行与注释行
func TestReadURLList(t *testing.T) {
	path := writeListFile(t, "customer-42.txt", `
# 九月投放清单
https://example.com/landing

  https://example.com/promo
# 下面这行是空的

https://example.com/pricing
`)

	urls, err := readURLList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/landing",
		"https://example.com/promo",
		"https://example.com/pricing",
	}, urls)
}

// TestReadURLList_Empty 测试只有注释的文件返回空列表
func TestReadURLList_Empty(t *testing.T) {
	path := writeListFile(t, "empty.txt", "# nothing here\n\n")

	urls, err := readURLList(path)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

// TestReadURLList_LineLimit 测试超出上限的行被截断
func TestReadURLList_LineLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxListLines+100; i++ {
		b.WriteString("https://example.com/page\n")
	}
	path := writeListFile(t, "huge.txt", b.String())

	urls, err := readURLList(path)
	require.NoError(t, err)
	assert.Len(t, urls, maxListLines)
}

// TestReadURLList_MissingFile 测试文件不存在时报错
func TestReadURLList_MissingFile(t *testing.T) {
	_, err := readURLList(filepath.Join(t.TempDir(), "gone.txt"))
	assert.Error(t, err)
}

// TestMatchPattern 测试文件名模式匹配
func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*.txt", "list.txt", true},
		{"*.txt", "list.csv", false},
		{"*", "anything.bin", true},
		{"exact.txt", "exact.txt", true},
		{"exact.txt", "other.txt", false},
	}

	for _, tc := range cases {
		fw := &FileWatcher{pattern: tc.pattern}
		assert.Equal(t, tc.want, fw.matchPattern(tc.name), "pattern=%s name=%s", tc.pattern, tc.name)
	}
}
