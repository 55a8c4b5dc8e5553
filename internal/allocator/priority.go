package allocator

import (
	"math"
	"time"

	"github.com/oriys/poolsched/internal/poolinfo"
	"github.com/oriys/poolsched/internal/stats"
)

// PriorityStrategyName is the config key selecting priorityStrategy.
const PriorityStrategyName = "priority"

func init() {
	Register(priorityStrategy{})
}

// priorityStrategy moves memory from idle, low-weight pools to busy,
// high-weight pools, quantised to a configured memory unit.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return PriorityStrategyName }

func (priorityStrategy) ComputeStats(records []stats.QueryRecord, start, end time.Time) map[string]stats.PoolStat {
	return stats.Compute(records, stats.Window{StartMillis: start.UnixMilli(), EndMillis: end.UnixMilli()})
}

func (priorityStrategy) ComputeAllocations(opts Options, pools map[string]poolinfo.PoolInfo) map[string]float64 {
	candidates := candidateMoves(opts, pools)
	if len(candidates) == 0 {
		return map[string]float64{}
	}
	sortCandidates(candidates)

	// Step C: abort conditions.
	if candidates[len(candidates)-1].delta >= 0 || candidates[0].delta <= 0 {
		return map[string]float64{}
	}

	return matchDonorsAndRecipients(pools, candidates)
}

// candidateMoves computes at most one candidate move per pool.
func candidateMoves(opts Options, pools map[string]poolinfo.PoolInfo) []candidate {
	var out []candidate
	for name, info := range pools {
		stat := info.Stat

		var delta float64
		matched := false

		if stat.WaitSecs >= opts.BusyThresholdSecs && stat.WaitMemAvg > 0 {
			wait := math.Min(float64(stat.WaitMemAvg), info.MaxMem-info.CurrentMem)
			delta = opts.MemoryUnitMB * math.Ceil(wait/opts.MemoryUnitMB)
			matched = true
		}

		if stat.WaitSecs == 0 {
			free := (info.CurrentMem - math.Max(float64(stat.UsedMemAvg), info.MinMem)) * opts.FreeRatio
			freeUnit := opts.MemoryUnitMB * math.Floor(free/opts.MemoryUnitMB)
			if freeUnit > 0 {
				delta = -freeUnit
				matched = true
			}
		}

		if !matched {
			continue
		}

		out = append(out, candidate{pool: name, delta: delta, isRecipient: delta > 0, weight: info.Weight})
	}
	return out
}

// matchDonorsAndRecipients walks the sorted candidates with two cursors:
// recipients from the front (highest weight, then largest demand) and
// donors from the back (lowest weight, then largest supply), whole-unit
// transfers only.
func matchDonorsAndRecipients(pools map[string]poolinfo.PoolInfo, candidates []candidate) map[string]float64 {
	target := make(map[string]float64)
	currentOf := func(pool string) float64 {
		if v, ok := target[pool]; ok {
			return v
		}
		return pools[pool].CurrentMem
	}

	i, j := 0, len(candidates)-1
	for i < j {
		if candidates[i].delta < 0 {
			i++
			continue
		}
		if candidates[j].delta > 0 {
			j--
			continue
		}

		recipient, need := candidates[i].pool, candidates[i].delta
		donor, supply := candidates[j].pool, -candidates[j].delta

		recipientCurrent := currentOf(recipient)
		donorCurrent := currentOf(donor)

		if need > supply {
			target[recipient] = recipientCurrent + supply
			target[donor] = donorCurrent - supply
			candidates[i].delta = need - supply
			j--
		} else {
			target[recipient] = recipientCurrent + need
			target[donor] = donorCurrent - need
			candidates[j].delta = -(supply - need)
			i++
		}
	}

	// Omit pools whose target equals their current memory (untouched).
	out := make(map[string]float64, len(target))
	for pool, mem := range target {
		if mem != pools[pool].CurrentMem {
			out[pool] = mem
		}
	}
	return out
}
