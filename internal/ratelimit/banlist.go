package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

// banDurations 封禁时长阶梯，按累计封禁次数逐级加重
// 等级 1-5: 1小时 / 6小时 / 24小时 / 7天 / 30天
var banDurations = []time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// VolumeTier 小时请求量阈值档位
type VolumeTier struct {
	Threshold int
	Level     int
	Duration  time.Duration
}

// defaultVolumeTiers 频率自动封禁阶梯，阈值升序
// 每次限流拒绝后重算小时请求量，命中多档取最高档
var defaultVolumeTiers = []VolumeTier{
	{Threshold: 1000, Level: 1, Duration: 1 * time.Hour},
	{Threshold: 2000, Level: 2, Duration: 6 * time.Hour},
	{Threshold: 5000, Level: 3, Duration: 24 * time.Hour},
	{Threshold: 10000, Level: 4, Duration: 7 * 24 * time.Hour},
	{Threshold: 20000, Level: 5, Duration: 30 * 24 * time.Hour},
}

// volumeWindow 请求量统计窗口
const volumeWindow = time.Hour

// PatternRule 可疑内容规则
type PatternRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// defaultPatternRules 默认注入类内容规则
var defaultPatternRules = []PatternRule{
	{Name: "sql_injection", Pattern: regexp.MustCompile(`(?i)(union\s+select|or\s+1\s*=\s*1|;\s*drop\s+table)`)},
	{Name: "script_injection", Pattern: regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=)`)},
	{Name: "path_traversal", Pattern: regexp.MustCompile(`\.\./\.\./`)},
}

// banLevelRecord 存储身份的历史封禁等级
// 与封禁本身分开存储: 封禁过期后等级仍保留一段时间，
// 再犯时从上次等级继续往上升而不是从头开始
type banLevelRecord struct {
	Level    int       `json:"level"`
	LastSeen time.Time `json:"last_seen"`
}

// BanList 封禁名单与自动封禁触发器
type BanList struct {
	kv               storage.KVStore
	autoBanThreshold int
	tripWindow       time.Duration
	rules            []PatternRule
	tiers            []VolumeTier
	logger           *logrus.Logger
}

func NewBanList(kv storage.KVStore, autoBanThreshold int, logger *logrus.Logger) *BanList {
	return &BanList{
		kv:               kv,
		autoBanThreshold: autoBanThreshold,
		tripWindow:       10 * time.Minute,
		rules:            defaultPatternRules,
		tiers:            defaultVolumeTiers,
		logger:           logger,
	}
}

// AddRule 追加可疑内容规则
func (b *BanList) AddRule(rule PatternRule) {
	b.rules = append(b.rules, rule)
}

// SetVolumeTiers 替换频率封禁阶梯表，阈值需升序排列
func (b *BanList) SetVolumeTiers(tiers []VolumeTier) {
	b.tiers = tiers
}

func banKey(identity string) string {
	return "ban:" + identity
}

func levelKey(identity string) string {
	return "ban_level:" + identity
}

func tripKey(identity string) string {
	return "invalid:" + identity
}

func volumeKey(identity string) string {
	return "volume:" + identity
}

// Get 返回身份当前生效的封禁记录，无封禁或已过期返回 nil
func (b *BanList) Get(ctx context.Context, identity string) (*domain.BanRecord, error) {
	data, err := b.kv.Get(ctx, banKey(identity))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ban domain.BanRecord
	if err := json.Unmarshal(data, &ban); err != nil {
		return nil, err
	}

	// TTL 失效前的兜底判断
	if ban.Expired(time.Now().UTC()) {
		return nil, nil
	}

	return &ban, nil
}

// Impose 对身份施加封禁，等级按历史记录单调递增
func (b *BanList) Impose(ctx context.Context, identity, reason string) (*domain.BanRecord, error) {
	level := b.nextLevel(ctx, identity)
	return b.imposeAt(ctx, identity, reason, level, banDurations[level-1])
}

// imposeAt 以指定等级和时长施加封禁
// 已在封禁期内再次触发时只升级不缩短: 新封禁的到期时间
// 不会早于现有封禁
func (b *BanList) imposeAt(ctx context.Context, identity, reason string, level int, duration time.Duration) (*domain.BanRecord, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(duration)

	// 单调性: 不缩短现有封禁
	if existing, err := b.Get(ctx, identity); err == nil && existing != nil {
		if existing.ExpiresAt.After(expiresAt) {
			expiresAt = existing.ExpiresAt
		}
		if existing.Level > level {
			level = existing.Level
		}
	}

	ban := &domain.BanRecord{
		Identity:  identity,
		Reason:    reason,
		Level:     level,
		ImposedAt: now,
		ExpiresAt: expiresAt,
	}

	banBytes, _ := json.Marshal(ban)
	if err := b.kv.SetWithTTL(ctx, banKey(identity), banBytes, expiresAt.Sub(now)); err != nil {
		return nil, err
	}

	// 等级记录保留 90 天，期间再犯继续升级
	// 记录只升不降: 低档位封禁不回退已有的历史等级
	recordLevel := level
	if data, err := b.kv.Get(ctx, levelKey(identity)); err == nil {
		var rec banLevelRecord
		if json.Unmarshal(data, &rec) == nil && rec.Level > recordLevel {
			recordLevel = rec.Level
		}
	}
	lvlBytes, _ := json.Marshal(banLevelRecord{Level: recordLevel, LastSeen: now})
	if err := b.kv.SetWithTTL(ctx, levelKey(identity), lvlBytes, 90*24*time.Hour); err != nil {
		b.logger.WithError(err).WithField("identity", identity).Warn("Failed to persist ban level record")
	}

	b.logger.WithFields(logrus.Fields{
		"identity":   identity,
		"level":      level,
		"duration":   duration.String(),
		"expires_at": expiresAt.Format(time.RFC3339),
		"reason":     reason,
	}).Warn("🚫 Ban imposed")

	return ban, nil
}

// nextLevel 计算下一次封禁等级，封顶 5 级
func (b *BanList) nextLevel(ctx context.Context, identity string) int {
	data, err := b.kv.Get(ctx, levelKey(identity))
	if err != nil {
		return 1
	}

	var rec banLevelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 1
	}

	next := rec.Level + 1
	if next > len(banDurations) {
		next = len(banDurations)
	}
	return next
}

// noteRequest 把一次请求计入身份的小时请求量，按分钟分桶存储
func (b *BanList) noteRequest(ctx context.Context, identity string, now time.Time) {
	buckets := b.loadVolume(ctx, identity, now)
	buckets[now.Unix()/60]++

	data, _ := json.Marshal(buckets)
	if err := b.kv.SetWithTTL(ctx, volumeKey(identity), data, volumeWindow+time.Minute); err != nil {
		b.logger.WithError(err).WithField("identity", identity).Warn("Failed to persist request volume counter")
	}
}

// loadVolume 读取分钟桶并剪掉窗口外的旧桶
func (b *BanList) loadVolume(ctx context.Context, identity string, now time.Time) map[int64]int {
	buckets := map[int64]int{}
	if data, err := b.kv.Get(ctx, volumeKey(identity)); err == nil {
		_ = json.Unmarshal(data, &buckets)
	}

	floor := now.Add(-volumeWindow).Unix() / 60
	for minute := range buckets {
		if minute < floor {
			delete(buckets, minute)
		}
	}
	return buckets
}

// enforceVolumeTiers 按小时请求量重算封禁档位
// 命中多档取最高档，档位等级不高于当前封禁时维持现状
func (b *BanList) enforceVolumeTiers(ctx context.Context, identity string) (*domain.BanRecord, error) {
	now := time.Now().UTC()

	total := 0
	for _, n := range b.loadVolume(ctx, identity, now) {
		total += n
	}

	var matched *VolumeTier
	for i := range b.tiers {
		if total >= b.tiers[i].Threshold {
			matched = &b.tiers[i]
		}
	}
	if matched == nil {
		return nil, nil
	}

	if existing, err := b.Get(ctx, identity); err == nil && existing != nil && existing.Level >= matched.Level {
		return existing, nil
	}

	reason := fmt.Sprintf("request volume %d/h exceeded threshold %d", total, matched.Threshold)
	return b.imposeAt(ctx, identity, reason, matched.Level, matched.Duration)
}

// Unban 解除封禁（管理接口用），历史等级保留
func (b *BanList) Unban(ctx context.Context, identity string) error {
	if err := b.kv.Delete(ctx, banKey(identity)); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	b.logger.WithField("identity", identity).Info("✅ Ban lifted")
	return nil
}

// RecordInvalidRequest 记录一次格式非法的请求
// 10 分钟窗口内超过阈值触发自动封禁，返回生效的封禁记录
func (b *BanList) RecordInvalidRequest(ctx context.Context, identity string) (*domain.BanRecord, error) {
	now := time.Now().UTC()
	key := tripKey(identity)

	var stamps []time.Time
	if data, err := b.kv.Get(ctx, key); err == nil {
		_ = json.Unmarshal(data, &stamps)
	}

	cutoff := now.Add(-b.tripWindow)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	stamps = append(kept, now)

	data, _ := json.Marshal(stamps)
	if err := b.kv.SetWithTTL(ctx, key, data, b.tripWindow); err != nil {
		b.logger.WithError(err).WithField("identity", identity).Warn("Failed to persist invalid request counter")
	}

	if len(stamps) > b.autoBanThreshold {
		return b.Impose(ctx, identity, "too many malformed requests")
	}

	// 未触发格式阈值时仍重算请求量档位
	return b.enforceVolumeTiers(ctx, identity)
}

// InspectContent 对请求内容做可疑模式匹配
// 命中任意规则立即封禁，返回命中的规则名和封禁记录
func (b *BanList) InspectContent(ctx context.Context, identity, content string) (string, *domain.BanRecord, error) {
	for _, rule := range b.rules {
		if rule.Pattern.MatchString(content) {
			b.logger.WithFields(logrus.Fields{
				"identity": identity,
				"rule":     rule.Name,
			}).Warn("🚨 Suspicious content pattern matched")

			ban, err := b.Impose(ctx, identity, "suspicious content: "+rule.Name)
			return rule.Name, ban, err
		}
	}

	return "", nil, nil
}
