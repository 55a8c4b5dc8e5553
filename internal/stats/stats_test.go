package stats

import "testing"

func TestComputeEmptyInput(t *testing.T) {
	out := Compute(nil, Window{StartMillis: 0, EndMillis: 1000})
	if len(out) != 0 {
		t.Errorf("expected empty map, got %v", out)
	}
}

func TestComputeRecordEntirelyOutsideWindowContributesZero(t *testing.T) {
	records := []QueryRecord{
		{Pool: "root.default", StartTimeMillis: -10000, AdmissionWaitMs: 100, DurationMs: 100, MemLimitMB: 500, MaxHosts: 2},
	}
	out := Compute(records, Window{StartMillis: 0, EndMillis: 1000})
	s := out["root.default"]
	if s.RunSecs != 0 || s.WaitSecs != 0 || s.UsedMemAvg != 0 || s.WaitMemAvg != 0 {
		t.Errorf("expected zero contribution, got %+v", s)
	}
	if s.QueryTotal != 1 {
		t.Errorf("expected query_total=1, got %d", s.QueryTotal)
	}
}

func TestComputeStraddlingBoundaryClips(t *testing.T) {
	// A query that starts 500ms before the window and runs for 1000ms with
	// no wait: only the portion inside [0,1000) should count.
	records := []QueryRecord{
		{Pool: "root.default", StartTimeMillis: -500, AdmissionWaitMs: 0, DurationMs: 1000, MemLimitMB: 100, MaxHosts: 1},
	}
	out := Compute(records, Window{StartMillis: 0, EndMillis: 1000})
	s := out["root.default"]
	if s.RunSecs != 0.5 {
		t.Errorf("expected run_secs=0.5, got %v", s.RunSecs)
	}
	if s.UsedMemAvg != 100 {
		t.Errorf("expected used_mem_avg=100, got %v", s.UsedMemAvg)
	}
}

func TestComputeUsedMemZeroIffRunSecsZero(t *testing.T) {
	records := []QueryRecord{
		{Pool: "p", StartTimeMillis: 5000, AdmissionWaitMs: 0, DurationMs: 100, MemLimitMB: 10, MaxHosts: 1},
	}
	out := Compute(records, Window{StartMillis: 0, EndMillis: 1000})
	s := out["p"]
	if s.RunSecs != 0 {
		t.Fatalf("expected run_secs=0, got %v", s.RunSecs)
	}
	if s.UsedMemAvg != 0 {
		t.Errorf("invariant violated: used_mem_avg must be 0 when run_secs is 0, got %v", s.UsedMemAvg)
	}
}

func TestComputeDeterministic(t *testing.T) {
	records := []QueryRecord{
		{Pool: "p", StartTimeMillis: 200, AdmissionWaitMs: 50, DurationMs: 300, MemLimitMB: 20, MaxHosts: 2},
		{Pool: "p", StartTimeMillis: 600, AdmissionWaitMs: 0, DurationMs: 100, MemLimitMB: 5, MaxHosts: 1},
	}
	w := Window{StartMillis: 0, EndMillis: 1000}
	first := Compute(records, w)
	second := Compute(records, w)
	if first["p"] != second["p"] {
		t.Errorf("stats computation is not deterministic: %+v vs %+v", first["p"], second["p"])
	}
}

func TestComputeGroupsByPool(t *testing.T) {
	records := []QueryRecord{
		{Pool: "root.a", StartTimeMillis: 0, DurationMs: 100, MemLimitMB: 10, MaxHosts: 1},
		{Pool: "root.b", StartTimeMillis: 0, DurationMs: 100, MemLimitMB: 10, MaxHosts: 1},
	}
	out := Compute(records, Window{StartMillis: 0, EndMillis: 1000})
	if len(out) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(out))
	}
	if out["root.a"].QueryTotal != 1 || out["root.b"].QueryTotal != 1 {
		t.Errorf("unexpected per-pool counts: %+v", out)
	}
}
