package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/domain"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
)

// Decision 单次限流判定结果
type Decision struct {
	Allowed       bool              `json:"allowed"`
	Remaining     int               `json:"remaining"`
	ResetTime     time.Time         `json:"reset_time"`
	TotalRequests int               `json:"total_requests"`
	Ban           *domain.BanRecord `json:"ban,omitempty"`
}

// Store 滑动窗口限流器
// 每个 身份+端点 维护一个时间戳列表，存入 KV 存储
// KV 只保证单键原子性，读-改-写序列用分片互斥锁保护
type Store struct {
	maxRequests int
	window      time.Duration
	kv          storage.KVStore
	bans        *BanList
	logger      *logrus.Logger

	// 按身份分片的互斥锁，避免全局锁热点
	locks [64]sync.Mutex
}

func NewStore(cfg *config.RateLimitConfig, kv storage.KVStore, bans *BanList, logger *logrus.Logger) *Store {
	return &Store{
		maxRequests: cfg.MaxRequests,
		window:      time.Duration(cfg.WindowMs) * time.Millisecond,
		kv:          kv,
		bans:        bans,
		logger:      logger,
	}
}

func (s *Store) lockFor(identity string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(identity); i++ {
		h ^= uint32(identity[i])
		h *= 16777619
	}
	return &s.locks[h%uint32(len(s.locks))]
}

func windowKey(identity, endpoint string) string {
	return "rl:" + identity + ":" + endpoint
}

// Check 判定一次请求是否放行，并把放行的请求记入窗口
//
// 顺序固定: 先查封禁，再查窗口。被拒绝的请求不记入窗口，
// 拒绝本身不会把身份推向更严格的拒绝
//
// 存储内部故障时放行（fail-open）: 限流是保护层不是账本，
// 宁可漏限也不能因为存储抖动拒绝正常用户
func (s *Store) Check(ctx context.Context, identity, endpoint string) Decision {
	// 封禁优先于窗口判定
	if ban, err := s.bans.Get(ctx, identity); err == nil && ban != nil {
		return Decision{
			Allowed:       false,
			Remaining:     0,
			ResetTime:     ban.ExpiresAt,
			TotalRequests: s.windowCount(ctx, identity, endpoint),
			Ban:           ban,
		}
	}

	mu := s.lockFor(identity)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	key := windowKey(identity, endpoint)

	// 请求量计入小时计数器，被拒绝的请求也算
	s.bans.noteRequest(ctx, identity, now)

	var stamps []time.Time
	data, err := s.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		s.logger.WithError(err).WithField("identity", identity).Warn("⚠️ Rate limit store read failed, allowing request")
		return Decision{Allowed: true, Remaining: s.maxRequests, ResetTime: now.Add(s.window)}
	}
	if err == nil {
		if err := json.Unmarshal(data, &stamps); err != nil {
			// 损坏的窗口数据直接丢弃重建
			stamps = nil
		}
	}

	// 惰性剪枝: 只保留窗口内的时间戳
	cutoff := now.Add(-s.window)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	stamps = kept

	if len(stamps) >= s.maxRequests {
		// 窗口已满: 重置时间 = 倒数第 maxRequests 条存活记录 + 窗口长度
		reset := stamps[len(stamps)-s.maxRequests].Add(s.window)
		d := Decision{
			Allowed:       false,
			Remaining:     0,
			ResetTime:     reset,
			TotalRequests: len(stamps),
		}

		// 拒绝后重算小时请求量档位，命中则本次判定直接带上封禁
		if ban, err := s.bans.enforceVolumeTiers(ctx, identity); err == nil && ban != nil {
			d.Ban = ban
			d.ResetTime = ban.ExpiresAt
		}
		return d
	}

	stamps = append(stamps, now)
	b, _ := json.Marshal(stamps)
	if err := s.kv.SetWithTTL(ctx, key, b, s.window); err != nil {
		s.logger.WithError(err).WithField("identity", identity).Warn("⚠️ Rate limit store write failed, allowing request")
	}

	remaining := s.maxRequests - len(stamps)
	reset := stamps[0].Add(s.window)
	if len(stamps) >= s.maxRequests {
		reset = stamps[len(stamps)-s.maxRequests].Add(s.window)
	}

	return Decision{
		Allowed:       true,
		Remaining:     remaining,
		ResetTime:     reset,
		TotalRequests: len(stamps),
	}
}

// windowCount 只读统计窗口内的存活请求数，不写回剪枝结果
func (s *Store) windowCount(ctx context.Context, identity, endpoint string) int {
	data, err := s.kv.Get(ctx, windowKey(identity, endpoint))
	if err != nil {
		return 0
	}

	var stamps []time.Time
	if err := json.Unmarshal(data, &stamps); err != nil {
		return 0
	}

	cutoff := time.Now().UTC().Add(-s.window)
	count := 0
	for _, ts := range stamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Reset 清空某个身份在指定端点上的窗口（管理接口用）
func (s *Store) Reset(ctx context.Context, identity, endpoint string) error {
	mu := s.lockFor(identity)
	mu.Lock()
	defer mu.Unlock()

	return s.kv.Delete(ctx, windowKey(identity, endpoint))
}
