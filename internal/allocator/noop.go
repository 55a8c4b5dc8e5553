package allocator

import (
	"time"

	"github.com/oriys/poolsched/internal/poolinfo"
	"github.com/oriys/poolsched/internal/stats"
)

func init() {
	Register(doNothingStrategy{computeStats: false})
	Register(doNothingStrategy{computeStats: true})
}

// doNothingStrategy never proposes a move. Grounded on the original's
// two DoNothing schedules: one that also skips the statistics pass
// entirely (used to isolate orchestrator-sequencing tests from the
// stats engine), and one that runs real statistics but still proposes
// no allocation (used to check that "stats ran, nothing moved" cycles
// are handled cleanly).
type doNothingStrategy struct {
	computeStats bool
}

func (s doNothingStrategy) Name() string {
	if s.computeStats {
		return "noop-stats-only"
	}
	return "noop-bare"
}

func (s doNothingStrategy) ComputeStats(records []stats.QueryRecord, start, end time.Time) map[string]stats.PoolStat {
	if !s.computeStats {
		return map[string]stats.PoolStat{}
	}
	return stats.Compute(records, stats.Window{StartMillis: start.UnixMilli(), EndMillis: end.UnixMilli()})
}

func (doNothingStrategy) ComputeAllocations(Options, map[string]poolinfo.PoolInfo) map[string]float64 {
	return map[string]float64{}
}
