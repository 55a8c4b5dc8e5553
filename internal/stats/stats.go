// Package stats computes windowed per-pool admission statistics from a
// flat table of query records: time-weighted average wait/usage
// memory and union-of-intervals wall-clock run/wait seconds.
package stats

import (
	"sort"
)

// QueryRecord is one query observed in the sampling window.
type QueryRecord struct {
	QueryID         string
	Pool            string
	StartTimeMillis int64
	AdmissionWaitMs int64
	DurationMs      int64
	MemLimitMB      float64
	MaxHosts        int
}

// PoolStat is the per-pool, per-window set of metrics the reallocation
// algorithm consumes.
type PoolStat struct {
	PoolName       string
	QueryTotal     int
	WaitQueryTotal int
	RunSecs        float64
	WaitSecs       float64
	UsedMemAvg     int64
	WaitMemAvg     int64
}

// Window is the statistics window, in epoch milliseconds, inclusive of
// both ends.
type Window struct {
	StartMillis int64
	EndMillis   int64
}

// Compute groups records by pool, sorts each group ascending by start
// time, and folds the union-of-intervals accounting below.
// An empty input yields an empty map, never nil-vs-empty ambiguity
// issues downstream since callers range over the result either way.
func Compute(records []QueryRecord, w Window) map[string]PoolStat {
	byPool := make(map[string][]QueryRecord)
	for _, r := range records {
		byPool[r.Pool] = append(byPool[r.Pool], r)
	}

	out := make(map[string]PoolStat, len(byPool))
	for pool, group := range byPool {
		out[pool] = computePool(pool, group, w)
	}
	return out
}

func computePool(pool string, group []QueryRecord, w Window) PoolStat {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].StartTimeMillis < group[j].StartTimeMillis
	})

	var (
		queryTotal, waitQueryTotal int
		waitMemTotal, usedMemTotal float64
		waitMs, runMs              int64
		waitCursor, runCursor      int64
	)

	for _, r := range group {
		s := r.StartTimeMillis
		wait := r.AdmissionWaitMs
		dur := r.DurationMs
		mem := r.MemLimitMB * float64(r.MaxHosts)

		waitStart := max64(s, w.StartMillis)
		waitEnd := min64(s+wait, w.EndMillis)
		runStart := max64(s+wait, w.StartMillis)
		runEnd := min64(s+wait+dur, w.EndMillis)

		queryTotal++
		if wait > 0 {
			waitQueryTotal++
		}

		if waitEnd > waitStart {
			waitMemTotal += mem * float64(waitEnd-waitStart)
			if delta := waitEnd - max64(waitStart, waitCursor); delta > 0 {
				waitMs += delta
				waitCursor = waitEnd
			}
		}

		// A query entirely before the window would otherwise contribute
		// run_end < run_start (a query entirely before the window),
		// producing a spurious negative term. Clamp to zero here.
		if runContribution := runEnd - runStart; runContribution > 0 {
			usedMemTotal += mem * float64(runContribution)
		}
		if delta := runEnd - max64(runStart, runCursor); delta > 0 {
			runMs += delta
			runCursor = runEnd
		}
	}

	var waitMemAvg, usedMemAvg int64
	if waitMs != 0 {
		waitMemAvg = int64(waitMemTotal / float64(waitMs))
	}
	if runMs != 0 {
		usedMemAvg = int64(usedMemTotal / float64(runMs))
	}

	return PoolStat{
		PoolName:       pool,
		QueryTotal:     queryTotal,
		WaitQueryTotal: waitQueryTotal,
		RunSecs:        float64(runMs) / 1000,
		WaitSecs:       float64(waitMs) / 1000,
		UsedMemAvg:     usedMemAvg,
		WaitMemAvg:     waitMemAvg,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
