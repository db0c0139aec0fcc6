package executor

import (
	"sync"

	"github.com/traffic-boost/traffic-boost-go/internal/config"
)

// batchSizer 自适应并发批量控制
// 每批结束后按失败率调整下一批的大小: 出错缩减、顺利增长，
// 大小始终落在 [MinBatchSize, MaxBatchSize] 区间内
type batchSizer struct {
	cfg  config.AdaptiveConfig
	mu   sync.Mutex
	size float64
}

func newBatchSizer(cfg config.AdaptiveConfig, initial int) *batchSizer {
	size := float64(initial)
	if size < float64(cfg.MinBatchSize) {
		size = float64(cfg.MinBatchSize)
	}
	if size > float64(cfg.MaxBatchSize) {
		size = float64(cfg.MaxBatchSize)
	}
	return &batchSizer{cfg: cfg, size: size}
}

// current 当前批量大小
func (s *batchSizer) current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.size)
}

// observe 根据一批的执行结果调整大小
func (s *batchSizer) observe(total, failed int) {
	if !s.cfg.Enabled || total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	errorRate := float64(failed) / float64(total)
	if errorRate > s.cfg.ErrorThreshold {
		s.size *= s.cfg.ShrinkFactor
	} else if failed == 0 {
		s.size *= s.cfg.GrowFactor
	}

	if s.size < float64(s.cfg.MinBatchSize) {
		s.size = float64(s.cfg.MinBatchSize)
	}
	if s.size > float64(s.cfg.MaxBatchSize) {
		s.size = float64(s.cfg.MaxBatchSize)
	}
}
