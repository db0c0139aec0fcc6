package executor

import (
	"time"

	"github.com/traffic-boost/traffic-boost-go/internal/domain"
)

// Performance 单次任务执行的性能汇总，上游据此调整并发参数
type Performance struct {
	TotalDuration    time.Duration `json:"total_duration"`
	AvgLoadTimeMs    int64         `json:"avg_load_time_ms"`
	VisitsPerSecond  float64       `json:"visits_per_second"`
	RoundConcurrency bool          `json:"round_concurrency"`
	URLConcurrency   bool          `json:"url_concurrency"`
}

// ExecutionResult 任务执行的最终结果
type ExecutionResult struct {
	TaskID      string            `json:"task_id"`
	Status      domain.TaskStatus `json:"status"`
	Completed   int64             `json:"completed"`
	Failed      int64             `json:"failed"`
	Total       int               `json:"total"`
	Errors      []string          `json:"errors,omitempty"`
	Performance Performance       `json:"performance"`
}
