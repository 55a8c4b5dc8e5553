package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
cloudera_manager:
  cluster_name: prod
  server_url: http://cm.example.com:7180
  api_version: v41
  username: admin
  password: secret
schedule:
  schedule_available_impalad_threshold: 1
  schedule_interval_minutes: 10
  schedule_memory_unit: 512
  free_memory_schedule_ratio: 0.8
  busy_pool_threshold_seconds: 30
  fetch_queries_timedelta_minutes: 20
  strategy: priority
  fetch_queries_filter: ""
  enable_fetch_queries_file: true
pool:
  root.engineering.etl:
    min_mem: 1024
    max_mem: 8192
  root.default:
    min_mem: 512
    max_mem: 4096
email:
  server: smtp.example.com:25
  username: scheduler@example.com
  password: mailpass
  receivers: ops@example.com, dba@example.com
report:
  enable_schedule_report: true
  enable_monitor_report: true
leader_lock:
  enabled: true
  addr: localhost:6379
  key: poolsched:leader
  ttl: 90s
backup:
  local_path: ${SCHEDULER_HOME}/resources/impala_config_backup.json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesSchedulerHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SCHEDULER_HOME", home)

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SchedulerHome != home {
		t.Errorf("expected SchedulerHome %q, got %q", home, cfg.SchedulerHome)
	}
	if !strings.HasPrefix(cfg.Backup.LocalPath, home) {
		t.Errorf("expected ${SCHEDULER_HOME} substituted in backup path, got %q", cfg.Backup.LocalPath)
	}
}

func TestLoadParsesLockTTLDuration(t *testing.T) {
	t.Setenv("SCHEDULER_HOME", t.TempDir())
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if got := time.Duration(cfg.LeaderLock.TTL); got != 90*time.Second {
		t.Errorf("expected ttl 90s, got %v", got)
	}
}

func TestLoadRequiresSchedulerHome(t *testing.T) {
	t.Setenv("SCHEDULER_HOME", "")
	if _, err := Load(writeConfig(t, sampleYAML)); err == nil {
		t.Fatal("expected error when SCHEDULER_HOME is unset")
	}
}

func TestLoadSplitsReceivers(t *testing.T) {
	t.Setenv("SCHEDULER_HOME", t.TempDir())
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ops@example.com", "dba@example.com"}
	if len(cfg.Email.Receivers) != len(want) {
		t.Fatalf("got receivers %v, want %v", cfg.Email.Receivers, want)
	}
	for i, r := range want {
		if cfg.Email.Receivers[i] != r {
			t.Errorf("receiver %d: got %q, want %q", i, cfg.Email.Receivers[i], r)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_HOME", t.TempDir())
	t.Setenv("POOLSCHED_CM_PASSWORD", "from-env")
	t.Setenv("POOLSCHED_SCHEDULE_INTERVAL_MINUTES", "3")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CloudManager.Password != "from-env" {
		t.Errorf("expected env override for password, got %q", cfg.CloudManager.Password)
	}
	if cfg.Schedule.IntervalMinutes != 3 {
		t.Errorf("expected env override for interval, got %d", cfg.Schedule.IntervalMinutes)
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.CloudManager = CloudManagerConfig{
		ClusterName: "prod", ServerURL: "http://cm:7180", APIVersion: "v41",
		Username: "admin", Password: "secret",
	}
	cfg.Pool = map[string]PoolBoundsConfig{
		"root.default": {MinMem: 512, MaxMem: 4096},
	}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateCollectsAllMissingManagerOptions(t *testing.T) {
	cfg := validConfig()
	cfg.CloudManager = CloudManagerConfig{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, opt := range []string{"cluster_name", "server_url", "api_version", "username", "password"} {
		if !strings.Contains(err.Error(), opt) {
			t.Errorf("expected %q in error, got %v", opt, err)
		}
	}
}

func TestValidateFreeRatioRange(t *testing.T) {
	for _, ratio := range []float64{0, -0.5, 1.5} {
		cfg := validConfig()
		cfg.Schedule.FreeMemoryRatio = ratio
		if err := Validate(cfg); err == nil {
			t.Errorf("expected error for free ratio %v", ratio)
		}
	}
	cfg := validConfig()
	cfg.Schedule.FreeMemoryRatio = 1.0
	if err := Validate(cfg); err != nil {
		t.Errorf("ratio 1.0 is inclusive, got %v", err)
	}
}

func TestValidateUnresolvableTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule.QueryTimezone = "Not/AZone"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unresolvable timezone")
	}
}

func TestValidateRequiresPools(t *testing.T) {
	cfg := validConfig()
	cfg.Pool = nil
	if err := Validate(cfg); err == nil {
		t.Error("expected error when no pools are configured")
	}
}

func TestValidatePoolBoundsShape(t *testing.T) {
	cfg := validConfig()
	cfg.Pool["root.bad"] = PoolBoundsConfig{MinMem: 0, MaxMem: 100}
	if err := Validate(cfg); err == nil {
		t.Error("expected error for min_mem <= 0")
	}

	cfg = validConfig()
	cfg.Pool["root.bad"] = PoolBoundsConfig{MinMem: 200, MaxMem: 100}
	if err := Validate(cfg); err == nil {
		t.Error("expected error for max_mem < min_mem")
	}
}

func TestValidateEmailRequiredOnlyWithReports(t *testing.T) {
	cfg := validConfig()
	cfg.Report.EnableMonitorReport = true
	if err := Validate(cfg); err == nil {
		t.Error("expected error: report enabled but email unconfigured")
	}

	cfg = validConfig()
	cfg.Report.EnableMonitorReport = false
	cfg.Report.EnableScheduleReport = false
	if err := Validate(cfg); err != nil {
		t.Errorf("email must not be required with reports disabled, got %v", err)
	}

	cfg = validConfig()
	cfg.Report.EnableScheduleReport = true
	cfg.Email = EmailConfig{
		Server: "smtp:25", Username: "u", Password: "p",
		Receivers: []string{"ops@example.com"},
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected configured email to satisfy report requirement, got %v", err)
	}
}

type fakeEngineView map[string]float64

func (f fakeEngineView) PoolMemory(dotted string) (float64, bool) {
	v, ok := f[dotted]
	return v, ok
}

func TestValidatePoolBoundsAgainstEngine(t *testing.T) {
	cfg := validConfig()

	if err := ValidatePoolBounds(cfg, fakeEngineView{"root.default": 1024}); err != nil {
		t.Errorf("expected current memory within bounds to pass, got %v", err)
	}

	if err := ValidatePoolBounds(cfg, fakeEngineView{}); err == nil {
		t.Error("expected error for pool missing from engine config")
	}

	if err := ValidatePoolBounds(cfg, fakeEngineView{"root.default": 100}); err == nil {
		t.Error("expected error for current memory below min_mem")
	}

	if err := ValidatePoolBounds(cfg, fakeEngineView{"root.default": 9000}); err == nil {
		t.Error("expected error for current memory above max_mem")
	}
}
