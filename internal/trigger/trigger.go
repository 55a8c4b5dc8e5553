// Package trigger drives the orchestrator's cycle on a cron schedule:
// exactly one recurring job, non-overlapping via cron.SkipIfStillRunning,
// since a cycle that runs past its own interval must never start a
// second cycle on top of itself.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/poolsched/internal/logging"
)

// Trigger runs CycleFunc on a fixed interval, skipping any firing that
// would overlap a cycle still in progress.
type Trigger struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	cycleFunc func(ctx context.Context)
}

// New builds a Trigger that calls cycleFunc every intervalMinutes
// minutes. It does not start running until Start is called.
func New(intervalMinutes int, cycleFunc func(ctx context.Context)) (*Trigger, error) {
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("trigger: interval must be > 0 minutes, got %d", intervalMinutes)
	}

	// The default parser (which accepts "@every ..." descriptors) is used
	// here rather than a custom field-only one, since this trigger only
	// ever schedules a single "@every Nm" entry.
	c := cron.New(
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	t := &Trigger{cron: c, cycleFunc: cycleFunc}

	spec := fmt.Sprintf("@every %dm", intervalMinutes)
	entryID, err := c.AddFunc(spec, func() {
		t.cycleFunc(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("trigger: register cron entry: %w", err)
	}
	t.entryID = entryID
	return t, nil
}

// Start begins firing cycles on the configured interval.
func (t *Trigger) Start() {
	t.cron.Start()
	logging.Op().Info("trigger started", "entry", t.entryID)
}

// Stop stops firing new cycles and returns at once. The returned
// context is done once any cycle the cron scheduler started has finished.
func (t *Trigger) Stop() context.Context {
	return t.cron.Stop()
}

// RunOnce invokes cycleFunc immediately, outside the cron schedule; the
// daemon uses it to run the first cycle at startup.
func (t *Trigger) RunOnce(ctx context.Context) {
	t.cycleFunc(ctx)
}

// NextRun reports when the next scheduled cycle will fire.
func (t *Trigger) NextRun() time.Time {
	for _, e := range t.cron.Entries() {
		if e.ID == t.entryID {
			return e.Next
		}
	}
	return time.Time{}
}
