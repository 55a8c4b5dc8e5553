package poolinfo

import (
	"encoding/json"
	"testing"

	"github.com/oriys/poolsched/internal/poolconfig"
	"github.com/oriys/poolsched/internal/stats"
)

func sampleEngineConfig(t *testing.T) *poolconfig.ScheduledAllocations {
	t.Helper()
	inner := map[string]any{
		"queues": []map[string]any{
			{
				"name": "root",
				"queues": []map[string]any{
					{
						"name":   "default",
						"queues": []any{},
						"schedulablePropertiesList": []map[string]any{
							{"impalaMaxMemory": 1000.0, "weight": 1.0, "impalaQueueTimeout": 0.0},
						},
					},
				},
			},
		},
	}
	innerBytes, err := json.Marshal(inner)
	if err != nil {
		t.Fatal(err)
	}
	valueStr, err := json.Marshal(string(innerBytes))
	if err != nil {
		t.Fatal(err)
	}
	full := map[string]any{
		"items": []map[string]any{
			{"name": "impala_scheduled_allocations", "value": json.RawMessage(valueStr)},
		},
	}
	fullBytes, err := json.Marshal(full)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := poolconfig.Parse(fullBytes)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuildAggregatesConfigBoundsAndStats(t *testing.T) {
	cfg := sampleEngineConfig(t)
	bounds := map[string]Bounds{"root.default": {MinMem: 100, MaxMem: 2000}}
	poolStats := map[string]stats.PoolStat{"root.default": {QueryTotal: 5}}

	out, err := Build(cfg, bounds, poolStats)
	if err != nil {
		t.Fatal(err)
	}
	info, ok := out["root.default"]
	if !ok {
		t.Fatal("expected root.default in output")
	}
	if info.CurrentMem != 1000 || info.Weight != 1.0 {
		t.Errorf("unexpected config fields: %+v", info)
	}
	if info.MinMem != 100 || info.MaxMem != 2000 {
		t.Errorf("unexpected bounds: %+v", info)
	}
	if info.Stat.QueryTotal != 5 {
		t.Errorf("unexpected stat: %+v", info.Stat)
	}
}

func TestBuildMissingPoolIsError(t *testing.T) {
	cfg := sampleEngineConfig(t)
	bounds := map[string]Bounds{"root.nonexistent": {MinMem: 1, MaxMem: 10}}

	_, err := Build(cfg, bounds, nil)
	if err == nil {
		t.Fatal("expected error for pool missing from engine config")
	}
}

func TestBuildMissingStatDefaultsToZeroValue(t *testing.T) {
	cfg := sampleEngineConfig(t)
	bounds := map[string]Bounds{"root.default": {MinMem: 100, MaxMem: 2000}}

	out, err := Build(cfg, bounds, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out["root.default"].Stat.QueryTotal != 0 {
		t.Errorf("expected zero-valued stat, got %+v", out["root.default"].Stat)
	}
}
