// Package allocator turns per-pool statistics and configuration into a
// target memory mapping. The scheduling strategy is a Strategy
// implementation resolved from a small static registry by a config key
// — no code is loaded at runtime.
package allocator

import (
	"fmt"
	"sort"
	"time"

	"github.com/oriys/poolsched/internal/poolinfo"
	"github.com/oriys/poolsched/internal/stats"
)

// Options carries the tunables the priority strategy needs; other
// strategies may ignore some or all of them.
type Options struct {
	BusyThresholdSecs float64
	FreeRatio         float64
	MemoryUnitMB      float64
}

// Strategy computes pool statistics from raw query records and, from
// those statistics plus pool configuration, a target memory mapping.
type Strategy interface {
	Name() string
	ComputeStats(records []stats.QueryRecord, start, end time.Time) map[string]stats.PoolStat
	ComputeAllocations(opts Options, pools map[string]poolinfo.PoolInfo) map[string]float64
}

var registry = map[string]Strategy{}

// Register adds a strategy to the static registry under its own Name().
// Called from each strategy implementation's init().
func Register(s Strategy) {
	registry[s.Name()] = s
}

// Lookup resolves a strategy by its configured key.
func Lookup(name string) (Strategy, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
	return s, nil
}

// sortCandidates orders candidates by the lexicographic key
// (is_recipient, weight, delta) descending.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.isRecipient != b.isRecipient {
			return a.isRecipient
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.delta > b.delta
	})
}

type candidate struct {
	pool        string
	delta       float64
	isRecipient bool
	weight      float64
}
