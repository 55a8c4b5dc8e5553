// Package poolinfo assembles, for each pool the scheduler is configured
// to manage, the aggregate view the reallocation algorithm needs: its
// current memory and weight (from the engine's pool tree), its
// configured bounds (from the scheduler config), and its statistics
// for the current window.
package poolinfo

import (
	"fmt"

	"github.com/oriys/poolsched/internal/poolconfig"
	"github.com/oriys/poolsched/internal/stats"
)

// Bounds is the configured [min_mem, max_mem] for one managed pool.
type Bounds struct {
	MinMem float64
	MaxMem float64
}

// PoolInfo aggregates one pool's configuration and statistics for one
// cycle. It is rebuilt from scratch every cycle and never persisted.
type PoolInfo struct {
	PoolName   string
	CurrentMem float64
	Weight     float64
	MinMem     float64
	MaxMem     float64
	Stat       stats.PoolStat
}

// Build constructs a PoolInfo for every pool named in bounds, looking up
// each pool's current memory and weight from the parsed engine config
// and filling in its stats (or a zero-valued PoolStat if the pool saw
// no queries in the window). A pool named in bounds that does not exist
// in the engine's pool tree is a configuration error.
func Build(cfg *poolconfig.ScheduledAllocations, bounds map[string]Bounds, poolStats map[string]stats.PoolStat) (map[string]PoolInfo, error) {
	out := make(map[string]PoolInfo, len(bounds))
	for name, b := range bounds {
		mem, ok := cfg.PoolMemory(name)
		if !ok {
			return nil, fmt.Errorf("managed pool %q does not exist in engine configuration", name)
		}
		weight, _ := cfg.PoolWeight(name)

		stat := poolStats[name]
		if stat.PoolName == "" {
			stat.PoolName = name
		}

		out[name] = PoolInfo{
			PoolName:   name,
			CurrentMem: mem,
			Weight:     weight,
			MinMem:     b.MinMem,
			MaxMem:     b.MaxMem,
			Stat:       stat,
		}
	}
	return out, nil
}
