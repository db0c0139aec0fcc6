package visitor

import (
	"math/rand"
	"strings"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// socialReferers 社交网络来源轮换表
var socialReferers = map[string]string{
	"facebook":  "https://www.facebook.com/",
	"twitter":   "https://twitter.com/",
	"instagram": "https://www.instagram.com/",
	"linkedin":  "https://www.linkedin.com/",
	"reddit":    "https://www.reddit.com/",
	"pinterest": "https://www.pinterest.com/",
	"youtube":   "https://www.youtube.com/",
}

var socialNames = []string{"facebook", "twitter", "instagram", "linkedin", "reddit", "pinterest", "youtube"}

// userAgents 常见桌面/移动 UA 池
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
}

// SelectReferer 按任务配置选择访问来源
//   - social: 从社交网络表中随机轮换
//   - fixed:  指定某个社交网络（未知名称时回退到随机轮换）
//   - custom: 自定义字符串原样使用
func SelectReferer(mode domain.RefererMode, value string) string {
	switch mode {
	case domain.RefererModeSocial:
		return socialReferers[socialNames[rand.Intn(len(socialNames))]]
	case domain.RefererModeFixed:
		if ref, ok := socialReferers[strings.ToLower(value)]; ok {
			return ref
		}
		return socialReferers[socialNames[rand.Intn(len(socialNames))]]
	case domain.RefererModeCustom:
		return value
	default:
		return ""
	}
}

// RandomUserAgent 从 UA 池随机取一个
func RandomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}
