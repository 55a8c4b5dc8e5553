package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oriys/poolsched/internal/clustermanager"
	"github.com/oriys/poolsched/internal/config"
	"github.com/oriys/poolsched/internal/observability"
)

func TestMain(m *testing.M) {
	if err := observability.Init(context.Background(), observability.Config{Enabled: false}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeCluster serves just enough of the cluster-manager API for one
// cycle: a healthy roles list, a two-pool engine config, and
// no-op handlers for the write operations.
type fakeCluster struct {
	t                 *testing.T
	healthyImpalad    int
	healthyStatestore bool
	queries           []clustermanager.QuerySummary
	queriesServed     bool
	updateCalled      bool
	refreshCalled     bool
}

func (f *fakeCluster) engineConfigJSON() []byte {
	inner := map[string]any{
		"queues": []map[string]any{
			{
				"name": "root",
				"queues": []map[string]any{
					{
						"name":   "p1",
						"queues": []any{},
						"schedulablePropertiesList": []map[string]any{
							{"impalaMaxMemory": 1000.0, "weight": 1.0, "impalaQueueTimeout": 0.0},
						},
					},
					{
						"name":   "p2",
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
		f.t.Fatal(err)
	}
	valueStr, err := json.Marshal(string(innerBytes))
	if err != nil {
		f.t.Fatal(err)
	}
	doc := map[string]any{
		"items": []map[string]any{
			{"name": "impala_scheduled_allocations", "value": json.RawMessage(valueStr)},
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		f.t.Fatal(err)
	}
	return out
}

func (f *fakeCluster) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v41/clusters/prod":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/services/impala/roles"):
			type role struct {
				Type          string `json:"type"`
				HealthSummary string `json:"healthSummary"`
			}
			var roles []role
			for i := 0; i < f.healthyImpalad; i++ {
				roles = append(roles, role{Type: "IMPALAD", HealthSummary: "GOOD"})
			}
			if f.healthyStatestore {
				roles = append(roles, role{Type: "STATESTORE", HealthSummary: "GOOD"})
			}
			items, _ := json.Marshal(roles)
			json.NewEncoder(w).Encode(map[string]json.RawMessage{"items": items})
		case strings.HasSuffix(r.URL.Path, "/services/impala/config"):
			if r.Method == http.MethodPut {
				f.updateCalled = true
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Write(f.engineConfigJSON())
		case strings.HasSuffix(r.URL.Path, "/services/impala/impalaQueries"):
			if f.queriesServed {
				json.NewEncoder(w).Encode(clustermanager.QueriesResponse{})
				return
			}
			f.queriesServed = true
			json.NewEncoder(w).Encode(clustermanager.QueriesResponse{Queries: f.queries})
		case strings.Contains(r.URL.Path, "/services/impala/impalaQueries/"):
			json.NewEncoder(w).Encode(clustermanager.QueryDetails{Details: "MEM_LIMIT=104857600 hosts=1"})
		case strings.HasSuffix(r.URL.Path, "/commands/poolsRefresh"):
			f.refreshCalled = true
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}
}

func testConfig(home string) *config.Config {
	cfg := config.Default()
	cfg.SchedulerHome = home
	cfg.CloudManager = config.CloudManagerConfig{
		ClusterName: "prod", ServerURL: "placeholder", APIVersion: "v41",
		Username: "admin", Password: "secret",
	}
	cfg.Schedule.Strategy = "noop-bare"
	cfg.Schedule.FetchQueriesTimedeltaMinutes = 30
	cfg.Pool = map[string]config.PoolBoundsConfig{
		"root.p1": {MinMem: 100, MaxMem: 2000},
		"root.p2": {MinMem: 100, MaxMem: 2000},
	}
	cfg.Report.EnableScheduleReport = false
	cfg.Report.EnableMonitorReport = false
	return cfg
}

func newOrchestrator(t *testing.T, cluster *fakeCluster) (*Orchestrator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(cluster.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig(t.TempDir())
	cfg.CloudManager.ServerURL = srv.URL

	client, err := clustermanager.New(context.Background(), clustermanager.Config{
		ServerURL: srv.URL, APIVersion: "v41", ClusterName: "prod",
		Username: "admin", Password: "secret",
	})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}

	return New(client, cfg, nil), srv
}

func TestRunCycleSkipsWhenStatestoreUnhealthy(t *testing.T) {
	cluster := &fakeCluster{t: t, healthyImpalad: 2, healthyStatestore: false}
	o, _ := newOrchestrator(t, cluster)

	cr := o.RunCycle(context.Background())
	if cr.Outcome != OutcomeHealthSkip {
		t.Fatalf("expected health_skip, got %s (err=%v)", cr.Outcome, cr.Err)
	}
	if cluster.updateCalled || cluster.refreshCalled {
		t.Errorf("no write operations should happen on a health skip")
	}
}

func TestRunCycleNoChangeWithNoopStrategy(t *testing.T) {
	cluster := &fakeCluster{t: t, healthyImpalad: 2, healthyStatestore: true}
	o, _ := newOrchestrator(t, cluster)

	cr := o.RunCycle(context.Background())
	if cr.Outcome != OutcomeNoChange {
		t.Fatalf("expected no_change, got %s (err=%v)", cr.Outcome, cr.Err)
	}
	if cluster.updateCalled || cluster.refreshCalled {
		t.Errorf("no write operations should happen when no targets are produced")
	}
	if cr.PoolsConsidered != 2 {
		t.Errorf("expected 2 pools considered, got %d", cr.PoolsConsidered)
	}
}

func TestRunCycleAppliesPriorityAllocation(t *testing.T) {
	now := time.Now()
	cluster := &fakeCluster{
		t: t, healthyImpalad: 2, healthyStatestore: true,
		queries: []clustermanager.QuerySummary{
			{
				QueryID: "waiter", StartTime: now.Add(-time.Minute).UTC().Format("2006-01-02T15:04:05.000Z"),
				DurationMillis: 1000,
				Attributes:     clustermanager.QueryAttributes{Pool: "root.p1", AdmissionWait: 120000},
			},
		},
	}
	o, _ := newOrchestrator(t, cluster)
	o.cfg.Schedule.Strategy = "priority"
	o.cfg.Schedule.BusyPoolThresholdSeconds = 1
	o.cfg.Schedule.MemoryUnitMB = 100
	o.cfg.Schedule.FreeMemoryRatio = 1.0

	cr := o.RunCycle(context.Background())
	if cr.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (err=%v)", cr.Outcome, cr.Err)
	}
	if !cluster.updateCalled || !cluster.refreshCalled {
		t.Errorf("expected config update and pool refresh to be called")
	}
	if cr.Transfers == 0 {
		t.Errorf("expected at least one transfer, got 0")
	}
}

func TestRunCycleFatalOnConfigError(t *testing.T) {
	cluster := &fakeCluster{t: t, healthyImpalad: 2, healthyStatestore: true}
	o, _ := newOrchestrator(t, cluster)
	o.cfg.Schedule.FreeMemoryRatio = 0 // out of (0,1]

	cr := o.RunCycle(context.Background())
	if cr.Outcome != OutcomeConfigError {
		t.Fatalf("expected config_error, got %s", cr.Outcome)
	}
}
