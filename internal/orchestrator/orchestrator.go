// Package orchestrator sequences one reallocation cycle: health check,
// fetch, stats, allocate, validate, apply, report. Config validation and
// the cluster health check run inline rather than being left to the
// caller, with a span, a metric, and a cycle report assembled around
// each step.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/poolsched/internal/allocator"
	"github.com/oriys/poolsched/internal/clustermanager"
	"github.com/oriys/poolsched/internal/config"
	"github.com/oriys/poolsched/internal/leaderlock"
	"github.com/oriys/poolsched/internal/logging"
	"github.com/oriys/poolsched/internal/metrics"
	"github.com/oriys/poolsched/internal/observability"
	"github.com/oriys/poolsched/internal/poolconfig"
	"github.com/oriys/poolsched/internal/poolinfo"
	"github.com/oriys/poolsched/internal/querydump"
	"github.com/oriys/poolsched/internal/queryinfo"
	"github.com/oriys/poolsched/internal/report"

	"go.opentelemetry.io/otel/attribute"
)

// Outcome classifies how one cycle ended, for metrics and logs.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeNoChange       Outcome = "no_change"
	OutcomeHealthSkip     Outcome = "health_skip"
	OutcomeConfigError    Outcome = "config_error"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeAllocationBug  Outcome = "allocation_bug"
	OutcomeLockNotHeld    Outcome = "lock_not_held"
)

const (
	typeImpalad     = "IMPALAD"
	typeStatestore  = "STATESTORE"
	healthSummaryOK = "GOOD"

	queryDumpExpiredDays = 1
)

// CycleReport is the per-cycle summary assembled as the orchestrator
// proceeds. Its outcome and duration feed the cycle metrics and it is
// returned to the caller; the schedule report is rendered from the pool
// information and targets, not from this value. Nothing about it is
// read back by a subsequent cycle.
type CycleReport struct {
	CycleID         string
	Outcome         Outcome
	Start           time.Time
	End             time.Time
	WindowStart     time.Time
	WindowEnd       time.Time
	PoolsConsidered int
	QueriesFetched  int
	Transfers       int
	MemoryMovedMB   float64
	Err             error
}

// Orchestrator owns the collaborators one cycle needs: the
// cluster-manager client, the scheduler configuration, and an optional
// distributed lock.
type Orchestrator struct {
	client *clustermanager.Client
	cfg    *config.Config
	lock   *leaderlock.Lock
}

// New builds an Orchestrator. lock may be a disabled Lock (see
// leaderlock.New) when single-replica deployment makes distributed
// coordination unnecessary.
func New(client *clustermanager.Client, cfg *config.Config, lock *leaderlock.Lock) *Orchestrator {
	return &Orchestrator{client: client, cfg: cfg, lock: lock}
}

// RunCycle executes one full cycle. It never returns an error
// that the trigger should treat as fatal to the process — every
// failure is recorded on the returned CycleReport and, where
// applicable, logged and optionally emailed as a monitor report; the
// daemon stays up regardless (see the failure-policy decision in
// DESIGN.md).
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	cr := CycleReport{CycleID: uuid.NewString(), Start: time.Now()}

	ctx, span := observability.StartSpan(ctx, "orchestrator.cycle",
		attribute.String(string(observability.AttrCycleID), cr.CycleID),
	)
	defer span.End()
	log := logging.Op().With("cycle_id", cr.CycleID)
	if sc := span.SpanContext(); sc.IsValid() {
		log = logging.WithTrace(sc.TraceID().String(), sc.SpanID().String()).With("cycle_id", cr.CycleID)
	}

	defer func() {
		if purgeErr := querydump.PurgeExpired(o.cfg.SchedulerHome+"/logs", queryDumpExpiredDays); purgeErr != nil {
			log.Warn("failed to purge expired query dumps", "error", purgeErr)
		}
		cr.End = time.Now()
		metrics.RecordCycle(string(cr.Outcome), cr.End.Sub(cr.Start))
		if cr.Err != nil {
			log.Error("cycle failed", "outcome", cr.Outcome, "error", cr.Err)
			if sendErr := report.SendMonitor(o.cfg, cr.Err.Error()); sendErr != nil {
				log.Warn("failed to send monitor report", "error", sendErr)
			}
			observability.SetSpanError(span, cr.Err)
		} else {
			observability.SetSpanOK(span)
		}
	}()

	if o.lock != nil {
		held, err := o.lock.TryAcquire(ctx)
		if err != nil {
			cr.Outcome = OutcomeTransportError
			cr.Err = fmt.Errorf("acquire leader lock: %w", err)
			return cr
		}
		if !held {
			cr.Outcome = OutcomeLockNotHeld
			metrics.RecordCycleSkip("lock_not_held")
			log.Info("another replica holds the cycle lock; skipping")
			return cr
		}
		stopRenew := make(chan struct{})
		go o.renewLockUntilStopped(ctx, stopRenew, log)
		defer func() {
			close(stopRenew)
			if relErr := o.lock.Release(ctx); relErr != nil {
				log.Warn("failed to release leader lock", "error", relErr)
			}
		}()
	}

	// Step 1: validate scheduler config shape/ranges.
	if err := config.Validate(o.cfg); err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = fmt.Errorf("config validation: %w", err)
		return cr
	}

	// Step 2: cluster health.
	healthy, err := o.checkHealth(ctx)
	if err != nil {
		cr.Outcome = OutcomeTransportError
		cr.Err = fmt.Errorf("health check: %w", err)
		return cr
	}
	if !healthy {
		cr.Outcome = OutcomeHealthSkip
		metrics.RecordCycleSkip("health")
		log.Warn("skipping cycle: cluster unhealthy")
		return cr
	}

	// Step 3: fetch and parse current engine config.
	rawConfig, err := o.client.GetConfig(ctx, "full")
	if err != nil {
		cr.Outcome = OutcomeTransportError
		cr.Err = fmt.Errorf("fetch engine config: %w", err)
		return cr
	}
	allocations, err := poolconfig.Parse(rawConfig)
	if err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = fmt.Errorf("parse engine config: %w", err)
		return cr
	}

	if err := config.ValidatePoolBounds(o.cfg, allocations); err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = fmt.Errorf("pool bounds validation: %w", err)
		return cr
	}

	// Step 4: fetch queries over the configured window.
	windowEnd := time.Now()
	windowStart := windowEnd.Add(-time.Duration(o.cfg.Schedule.FetchQueriesTimedeltaMinutes) * time.Minute)
	cr.WindowStart, cr.WindowEnd = windowStart, windowEnd

	loc, err := resolveLocation(o.cfg.Schedule.QueryTimezone)
	if err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = fmt.Errorf("resolve query timezone: %w", err)
		return cr
	}

	strategy, err := allocator.Lookup(o.cfg.Schedule.Strategy)
	if err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = err
		return cr
	}

	records, err := queryinfo.Fetch(ctx, o.client, windowStart, windowEnd, queryinfo.Options{
		FilterStr:         o.cfg.Schedule.FetchQueriesFilter,
		Location:          loc,
		DetailConcurrency: o.cfg.Schedule.DetailConcurrency,
	})
	if err != nil {
		cr.Outcome = OutcomeTransportError
		cr.Err = fmt.Errorf("fetch query history: %w", err)
		return cr
	}
	cr.QueriesFetched = len(records)
	metrics.RecordQueriesFetched(len(records))
	if dumpErr := querydump.Write(o.cfg.SchedulerHome+"/logs", o.cfg.Schedule.EnableFetchQueriesFile, records, windowEnd); dumpErr != nil {
		log.Warn("failed to write query dump file", "error", dumpErr)
	}

	// Step 5: compute per-pool statistics.
	poolStats := strategy.ComputeStats(records, windowStart, windowEnd)

	// Step 6: assemble PoolInfo for the scheduler's managed pools.
	bounds := make(map[string]poolinfo.Bounds, len(o.cfg.Pool))
	for name, b := range o.cfg.Pool {
		bounds[name] = poolinfo.Bounds{MinMem: b.MinMem, MaxMem: b.MaxMem}
	}
	pools, err := poolinfo.Build(allocations, bounds, poolStats)
	if err != nil {
		cr.Outcome = OutcomeConfigError
		cr.Err = fmt.Errorf("build pool info: %w", err)
		return cr
	}
	cr.PoolsConsidered = len(pools)
	metrics.SetPoolsManaged(len(pools))
	for name, p := range pools {
		metrics.SetPoolGauges(name, p.CurrentMem, p.Stat.WaitSecs, p.Stat.RunSecs,
			float64(p.Stat.WaitMemAvg), float64(p.Stat.UsedMemAvg))
	}

	// Step 7: compute target allocations.
	targets := strategy.ComputeAllocations(allocator.Options{
		BusyThresholdSecs: o.cfg.Schedule.BusyPoolThresholdSeconds,
		FreeRatio:         o.cfg.Schedule.FreeMemoryRatio,
		MemoryUnitMB:      o.cfg.Schedule.MemoryUnitMB,
	}, pools)

	// Step 8: validate targets against bounds (AllocationBug if violated).
	if err := validateAllocations(targets, pools); err != nil {
		cr.Outcome = OutcomeAllocationBug
		cr.Err = err
		return cr
	}
	if len(targets) == 0 {
		cr.Outcome = OutcomeNoChange
		log.Info("no reallocation needed this cycle")
		return cr
	}

	cr.Transfers = len(targets)
	for name, mem := range targets {
		delta := mem - pools[name].CurrentMem
		cr.MemoryMovedMB += abs(delta)
		metrics.RecordMove(name, delta)
	}

	// Step 9: apply — mutate, serialise, PUT, refresh.
	for name, mem := range targets {
		if err := allocations.UpdatePoolMemory(name, mem); err != nil {
			cr.Outcome = OutcomeAllocationBug
			cr.Err = fmt.Errorf("apply target to pool %q: %w", name, err)
			return cr
		}
	}
	serialised, err := allocations.Serialize()
	if err != nil {
		cr.Outcome = OutcomeAllocationBug
		cr.Err = fmt.Errorf("serialise pool tree: %w", err)
		return cr
	}
	if err := o.client.UpdateConfig(ctx, serialised); err != nil {
		cr.Outcome = OutcomeTransportError
		cr.Err = fmt.Errorf("write engine config: %w", err)
		return cr
	}
	if err := o.client.RefreshPools(ctx); err != nil {
		cr.Outcome = OutcomeTransportError
		cr.Err = fmt.Errorf("refresh pools: %w", err)
		return cr
	}

	// Step 10: optional schedule report.
	if err := report.SendSchedule(o.cfg, o.cfg.SchedulerHome+"/resources/schedule_report_templet.html",
		pools, targets, windowStart, windowEnd); err != nil {
		log.Warn("failed to send schedule report", "error", err)
	}

	cr.Outcome = OutcomeApplied
	log.Info("cycle applied", "transfers", cr.Transfers, "memory_moved_mb", cr.MemoryMovedMB)
	return cr
}

// renewLockUntilStopped extends the leader lock's TTL at half its
// period until stop is closed, for cycles (a large paged query fetch,
// say) that run longer than the configured TTL. A renewal failure is
// logged and never aborts the cycle — TryAcquire/Release still guard
// correctness; a missed renewal only risks losing the lock to another
// replica before this one finishes.
func (o *Orchestrator) renewLockUntilStopped(ctx context.Context, stop <-chan struct{}, log *slog.Logger) {
	interval := time.Duration(o.cfg.LeaderLock.TTL) / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.lock.Renew(ctx); err != nil {
				log.Warn("failed to renew leader lock", "error", err)
			}
		}
	}
}

// checkHealth requires at least one healthy STATESTORE,
// and more than schedule_available_impalad_threshold healthy IMPALADs.
func (o *Orchestrator) checkHealth(ctx context.Context) (bool, error) {
	roles, err := o.client.GetRoles(ctx)
	if err != nil {
		return false, err
	}

	var entries []struct {
		Type          string `json:"type"`
		HealthSummary string `json:"healthSummary"`
	}
	if err := json.Unmarshal(roles.Items, &entries); err != nil {
		return false, fmt.Errorf("decode roles: %w", err)
	}

	var healthyImpalad int
	var healthyStatestore bool
	for _, e := range entries {
		if e.HealthSummary != healthSummaryOK {
			continue
		}
		switch e.Type {
		case typeImpalad:
			healthyImpalad++
		case typeStatestore:
			healthyStatestore = true
		}
	}

	if !healthyStatestore {
		return false, nil
	}
	if healthyImpalad <= o.cfg.Schedule.AvailableImpaladThreshold {
		return false, nil
	}
	return true, nil
}

// validateAllocations checks the reallocation post-condition: every target is
// within its pool's bounds, and every targeted pool is known.
func validateAllocations(targets map[string]float64, pools map[string]poolinfo.PoolInfo) error {
	for name, mem := range targets {
		p, ok := pools[name]
		if !ok {
			return fmt.Errorf("allocation targets unknown pool %q", name)
		}
		if mem < p.MinMem || mem > p.MaxMem {
			return fmt.Errorf("allocation for pool %q (%g MB) violates bounds [%g, %g]", name, mem, p.MinMem, p.MaxMem)
		}
	}
	return nil
}

func resolveLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
