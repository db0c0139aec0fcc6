package domain

import (
	"encoding/json"
	"time"
)

// RiskLevel 用户风险等级，由分数阈值派生
type RiskLevel string

const (
	RiskLevelNormal     RiskLevel = "normal"
	RiskLevelSuspicious RiskLevel = "suspicious" // score >= 30
	RiskLevelDangerous  RiskLevel = "dangerous"  // score >= 80
)

// RiskLevelForScore 按阈值 30/80 派生风险等级
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelDangerous
	case score >= 30:
		return RiskLevelSuspicious
	default:
		return RiskLevelNormal
	}
}

// EventSeverity 可疑事件严重程度
type EventSeverity string

const (
	SeverityLow    EventSeverity = "low"
	SeverityMedium EventSeverity = "medium"
	SeverityHigh   EventSeverity = "high"
)

// UserActivity 用户行为记录，只追加，由保留期清理任务定期删除
type UserActivity struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"type:varchar(36);index:idx_user_time,priority:1;not null" json:"user_id"`
	Action       string    `gorm:"type:varchar(100);not null" json:"action"`
	Resource     string    `gorm:"type:varchar(255)" json:"resource,omitempty"`
	IP           string    `gorm:"type:varchar(45)" json:"ip,omitempty"`
	UserAgent    string    `gorm:"type:varchar(500)" json:"user_agent,omitempty"`
	BatchSize    int       `gorm:"type:int;default:0" json:"batch_size"`
	Success      bool      `gorm:"default:true" json:"success"`
	ResponseMs   int64     `gorm:"type:bigint;default:0" json:"response_ms"`
	MetadataJSON string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `gorm:"index:idx_user_time,priority:2;not null" json:"created_at"`
}

func (UserActivity) TableName() string {
	return "user_activities"
}

// SetMetadata 序列化附加元数据
func (a *UserActivity) SetMetadata(md map[string]interface{}) {
	if len(md) == 0 {
		return
	}
	b, _ := json.Marshal(md)
	a.MetadataJSON = string(b)
}

// SuspiciousEvent 可疑事件日志，只追加
type SuspiciousEvent struct {
	ID           uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string        `gorm:"type:varchar(36);index:idx_event_user;not null" json:"user_id"`
	EventType    string        `gorm:"type:varchar(50);not null" json:"event_type"`
	Severity     EventSeverity `gorm:"type:varchar(10);not null;default:'low'" json:"severity"`
	Message      string        `gorm:"type:varchar(500)" json:"message,omitempty"`
	MetadataJSON string        `gorm:"type:text" json:"-"`
	CreatedAt    time.Time     `gorm:"index;not null" json:"created_at"`
}

func (SuspiciousEvent) TableName() string {
	return "suspicious_events"
}

// RiskProfile 用户风险画像，每次检测后整体覆盖更新
type RiskProfile struct {
	UserID      string    `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	Score       int       `gorm:"type:int;not null;default:0" json:"score"` // 0-100
	Level       RiskLevel `gorm:"type:varchar(15);not null;default:'normal';index:idx_level" json:"level"`
	FactorsJSON string    `gorm:"type:text" json:"-"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (RiskProfile) TableName() string {
	return "risk_profiles"
}

// Factors 反序列化风险因子描述列表
func (p *RiskProfile) Factors() []string {
	var fs []string
	if p.FactorsJSON == "" {
		return fs
	}
	_ = json.Unmarshal([]byte(p.FactorsJSON), &fs)
	return fs
}

// SetFactors 序列化风险因子描述列表
func (p *RiskProfile) SetFactors(fs []string) {
	b, _ := json.Marshal(fs)
	p.FactorsJSON = string(b)
}

// ManualRestriction 运营手工限制记录，存在未过期记录即拒绝访问
type ManualRestriction struct {
	ID        uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string     `gorm:"type:varchar(36);index:idx_restrict_user;not null" json:"user_id"`
	Reason    string     `gorm:"type:varchar(500)" json:"reason,omitempty"`
	CreatedBy string     `gorm:"type:varchar(100);default:'system'" json:"created_by"`
	Active    bool       `gorm:"default:true" json:"active"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil 表示永久
}

func (ManualRestriction) TableName() string {
	return "manual_restrictions"
}

// Effective 判断限制当前是否生效（未被解除且未过期）
func (r *ManualRestriction) Effective(now time.Time) bool {
	return r.Active && (r.ExpiresAt == nil || r.ExpiresAt.After(now))
}

// BanRecord 封禁记录，存入 KV 存储，过期视为不存在
// 同一身份的封禁等级在有效期内只升不降
type BanRecord struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	Level     int       `json:"level"` // 1-5
	ImposedAt time.Time `json:"imposed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired 判断封禁是否已过期
func (b *BanRecord) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}
