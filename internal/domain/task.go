package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusTerminated TaskStatus = "terminated"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal 判断任务状态是否为终态
// terminated 只能由显式停止到达
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusTerminated || s == TaskStatusFailed
}

// RefererMode 访问来源选择策略
type RefererMode string

const (
	RefererModeSocial RefererMode = "social" // 社交网络轮换
	RefererModeFixed  RefererMode = "fixed"  // 指定某个社交网络
	RefererModeCustom RefererMode = "custom" // 自定义来源字符串
	RefererModeNone   RefererMode = ""       // 不携带 Referer
)

// Task 批量访问任务主表
// 执行期间只有持有该任务的引擎实例写入，进度轮询方只读
type Task struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID     string     `gorm:"type:varchar(36);index:idx_user_id" json:"user_id"`
	URLsJSON   string     `gorm:"type:text;not null" json:"-"`
	CycleCount int        `gorm:"type:int;not null;default:1" json:"cycle_count"`
	Status     TaskStatus `gorm:"type:varchar(20);not null;default:'created'" json:"status"`
	ShouldStop bool       `gorm:"default:false" json:"should_stop"`

	// 并发开关与上限
	RoundConcurrency    bool `gorm:"default:false" json:"round_concurrency"`
	MaxConcurrentRounds int  `gorm:"type:int;default:0" json:"max_concurrent_rounds"`
	URLConcurrency      bool `gorm:"default:false" json:"url_concurrency"`
	MaxConcurrentURLs   int  `gorm:"type:int;default:0" json:"max_concurrent_urls"`

	// 节奏参数（毫秒）
	VisitIntervalMs int `gorm:"type:int;default:0" json:"visit_interval_ms"`
	RoundIntervalMs int `gorm:"type:int;default:0" json:"round_interval_ms"`
	TimeoutMs       int `gorm:"type:int;default:0" json:"timeout_ms"`

	// 来源与代理
	RefererMode    RefererMode `gorm:"type:varchar(20);default:''" json:"referer_mode"`
	RefererValue   string      `gorm:"type:varchar(500)" json:"referer_value,omitempty"`
	ProxySourceURL string      `gorm:"type:varchar(1000)" json:"proxy_source_url,omitempty"`
	ProxyCount     int         `gorm:"type:int;default:0" json:"proxy_count"`

	// 运行计数
	CompletedCount  int    `gorm:"type:int;default:0" json:"completed_count"`
	FailedCount     int    `gorm:"type:int;default:0" json:"failed_count"`
	ProgressPercent int    `gorm:"type:tinyint;default:0" json:"progress_percent"`
	Message         string `gorm:"type:varchar(500)" json:"message,omitempty"`
	ErrorsJSON      string `gorm:"type:text" json:"-"`

	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
}

func (Task) TableName() string {
	return "visit_tasks"
}

// URLs 反序列化目标 URL 列表
func (t *Task) URLs() []string {
	var urls []string
	if t.URLsJSON == "" {
		return urls
	}
	_ = json.Unmarshal([]byte(t.URLsJSON), &urls)
	return urls
}

// SetURLs 序列化目标 URL 列表
func (t *Task) SetURLs(urls []string) {
	b, _ := json.Marshal(urls)
	t.URLsJSON = string(b)
}

// Errors 反序列化错误列表
func (t *Task) Errors() []string {
	var errs []string
	if t.ErrorsJSON == "" {
		return errs
	}
	_ = json.Unmarshal([]byte(t.ErrorsJSON), &errs)
	return errs
}

// TotalVisits 任务计划内的总访问次数
func (t *Task) TotalVisits() int {
	return len(t.URLs()) * t.CycleCount
}

// TaskProgress 任务进度快照，写入任务存储供轮询方读取
type TaskProgress struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	Total        int        `json:"total"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	Message      string     `json:"message,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
