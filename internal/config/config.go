package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Visitor   VisitorConfig   `mapstructure:"visitor"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	VHost          string `mapstructure:"vhost"`
	TaskQueue      string `mapstructure:"task_queue"`
	DetectionQueue string `mapstructure:"detection_queue"`
}

// ProxyConfig 代理池配置
type ProxyConfig struct {
	SourceURL      string `mapstructure:"source_url"`       // 代理提供商 API 地址
	Provider       string `mapstructure:"provider"`         // 提供商解析策略: single / lines / json
	CacheTTL       int    `mapstructure:"cache_ttl"`        // 代理池缓存 TTL（秒），默认 300
	FetchTimeout   int    `mapstructure:"fetch_timeout"`    // 基础抓取超时（秒），按尝试次数递增
	EchoURL        string `mapstructure:"echo_url"`         // 连通性验证使用的回显端点
	ValidateOnLoad bool   `mapstructure:"validate_on_load"` // 抓取后是否抽样验证连通性
}

// VisitorConfig 页面访问器配置
type VisitorConfig struct {
	Strategy       string `mapstructure:"strategy"`        // http / browser（browser 由外部服务承担）
	DefaultTimeout int    `mapstructure:"default_timeout"` // 单次访问超时（秒）
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`  // 响应体读取上限
}

// ExecutorConfig 批量执行引擎配置
type ExecutorConfig struct {
	MaxConcurrentRounds int `mapstructure:"max_concurrent_rounds"` // 并发轮次上限
	MaxConcurrentURLs   int `mapstructure:"max_concurrent_urls"`   // 单轮并发 URL 上限
	VisitIntervalMs     int `mapstructure:"visit_interval_ms"`     // 访问间隔（毫秒）
	RoundIntervalMs     int `mapstructure:"round_interval_ms"`     // 轮次间隔（毫秒）
	GlobalRateLimit     int `mapstructure:"global_rate_limit"`     // 全局访问速率上限（次/秒），0 不限制

	Adaptive AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig 自适应批量大小参数
// 系数为线上调参经验值，作为配置暴露，不是硬性约束
type AdaptiveConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ShrinkFactor   float64 `mapstructure:"shrink_factor"`   // 出错时缩减系数，默认 0.8
	GrowFactor     float64 `mapstructure:"grow_factor"`     // 成功时增长系数，默认 1.1
	MinBatchSize   int     `mapstructure:"min_batch_size"`  // 默认 3
	MaxBatchSize   int     `mapstructure:"max_batch_size"`  // 默认 15
	ErrorThreshold float64 `mapstructure:"error_threshold"` // 判定为"真实错误"的失败率阈值
}

// RateLimitConfig 限流与封禁配置
type RateLimitConfig struct {
	MaxRequests      int `mapstructure:"max_requests"`       // 窗口内最大请求数
	WindowMs         int `mapstructure:"window_ms"`          // 滑动窗口长度（毫秒）
	AutoBanThreshold int `mapstructure:"auto_ban_threshold"` // 10 分钟内无效请求数上限，超过立即封禁
}

// RiskConfig 风险评分配置
type RiskConfig struct {
	NormalHourlyRequests    int     `mapstructure:"normal_hourly_requests"`    // 正常小时请求数阈值，默认 500
	DangerousHourlyRequests int     `mapstructure:"dangerous_hourly_requests"` // 危险小时请求数阈值，默认 2000
	MaxBatchSize            int     `mapstructure:"max_batch_size"`            // 单次批量操作条目上限
	ErrorRateThreshold      float64 `mapstructure:"error_rate_threshold"`      // 错误率阈值，默认 0.3
	NightActivityThreshold  int     `mapstructure:"night_activity_threshold"`  // 低流量时段活动数阈值
	MaxDistinctIPs          int     `mapstructure:"max_distinct_ips"`          // 24 小时内允许的源 IP 数
	DenyScore               int     `mapstructure:"deny_score"`                // 拒绝访问的分数阈值，默认 80
	RetentionDays           int     `mapstructure:"retention_days"`            // 活动/事件保留天数，默认 30
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig URL 列表文件监控配置
type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`     // URL 列表投递目录
	Pattern string `mapstructure:"pattern"` // 文件匹配模式，默认 *.txt
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 留空输出到 stdout
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASS")

	// Database
	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	// 代理提供商
	viper.BindEnv("proxy.source_url", "PROXY_SOURCE_URL")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults 填充缺省值，保证最小配置也能启动
func (c *Config) applyDefaults() {
	if c.Proxy.CacheTTL <= 0 {
		c.Proxy.CacheTTL = 300
	}
	if c.Proxy.FetchTimeout <= 0 {
		c.Proxy.FetchTimeout = 10
	}
	if c.Proxy.EchoURL == "" {
		c.Proxy.EchoURL = "https://httpbin.org/get"
	}
	if c.Visitor.DefaultTimeout <= 0 {
		c.Visitor.DefaultTimeout = 30
	}
	if c.Visitor.MaxBodyBytes <= 0 {
		c.Visitor.MaxBodyBytes = 2 << 20
	}
	if c.Executor.MaxConcurrentRounds <= 0 {
		c.Executor.MaxConcurrentRounds = 3
	}
	if c.Executor.MaxConcurrentURLs <= 0 {
		c.Executor.MaxConcurrentURLs = 5
	}
	if c.Executor.Adaptive.ShrinkFactor <= 0 {
		c.Executor.Adaptive.ShrinkFactor = 0.8
	}
	if c.Executor.Adaptive.GrowFactor <= 0 {
		c.Executor.Adaptive.GrowFactor = 1.1
	}
	if c.Executor.Adaptive.MinBatchSize <= 0 {
		c.Executor.Adaptive.MinBatchSize = 3
	}
	if c.Executor.Adaptive.MaxBatchSize <= 0 {
		c.Executor.Adaptive.MaxBatchSize = 15
	}
	if c.Executor.Adaptive.ErrorThreshold <= 0 {
		c.Executor.Adaptive.ErrorThreshold = 0.3
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = 60000
	}
	if c.RateLimit.AutoBanThreshold <= 0 {
		c.RateLimit.AutoBanThreshold = 10
	}
	if c.Risk.NormalHourlyRequests <= 0 {
		c.Risk.NormalHourlyRequests = 500
	}
	if c.Risk.DangerousHourlyRequests <= 0 {
		c.Risk.DangerousHourlyRequests = 2000
	}
	if c.Risk.MaxBatchSize <= 0 {
		c.Risk.MaxBatchSize = 100
	}
	if c.Risk.ErrorRateThreshold <= 0 {
		c.Risk.ErrorRateThreshold = 0.3
	}
	if c.Risk.NightActivityThreshold <= 0 {
		c.Risk.NightActivityThreshold = 50
	}
	if c.Risk.MaxDistinctIPs <= 0 {
		c.Risk.MaxDistinctIPs = 5
	}
	if c.Risk.DenyScore <= 0 {
		c.Risk.DenyScore = 80
	}
	if c.Risk.RetentionDays <= 0 {
		c.Risk.RetentionDays = 30
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 2
	}
	if c.Watcher.Pattern == "" {
		c.Watcher.Pattern = "*.txt"
	}
	if c.RabbitMQ.TaskQueue == "" {
		c.RabbitMQ.TaskQueue = "visit_tasks"
	}
	if c.RabbitMQ.DetectionQueue == "" {
		c.RabbitMQ.DetectionQueue = "risk_detection"
	}
}
