// Package config loads and validates the scheduler's YAML configuration
// cluster-manager credentials, the allocation tunables, the
// set of pools this daemon manages and their bounds, and the optional
// email/report/ambient settings. Static shape and range checks live
// here; the pool-bounds-vs-engine-config check (which needs a live
// fetch) lives in ValidatePoolBounds, called by the orchestrator once
// it has the engine's pool tree in hand.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CloudManagerConfig addresses the cluster manager's REST API.
type CloudManagerConfig struct {
	ClusterName string `yaml:"cluster_name"`
	ServerURL   string `yaml:"server_url"`
	APIVersion  string `yaml:"api_version"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ScheduleConfig holds the allocation-cycle tunables of the `schedule`
// section. schedule_module_name/schedule_py_name/schedule_class_name
// (Python dynamic-import selectors in the original) collapse to one
// Strategy key resolved against internal/allocator's static registry,
// per DESIGN.md Open Question 3.
type ScheduleConfig struct {
	AvailableImpaladThreshold    int     `yaml:"schedule_available_impalad_threshold"`
	IntervalMinutes              int     `yaml:"schedule_interval_minutes"`
	MemoryUnitMB                 float64 `yaml:"schedule_memory_unit"`
	FreeMemoryRatio              float64 `yaml:"free_memory_schedule_ratio"`
	BusyPoolThresholdSeconds     float64 `yaml:"busy_pool_threshold_seconds"`
	FetchQueriesTimedeltaMinutes int     `yaml:"fetch_queries_timedelta_minutes"`
	Strategy                     string  `yaml:"strategy"`
	FetchQueriesFilter           string  `yaml:"fetch_queries_filter"`
	EnableFetchQueriesFile       bool    `yaml:"enable_fetch_queries_file"`
	// QueryTimezone names the IANA zone the manager's query start times
	// are actually in, for managers that stamp local wall-clock times
	// with a Z suffix. Default "UTC" trusts the timestamps as-is; a
	// deployment that needs a shift sets this explicitly. See DESIGN.md
	// Open Question 5.
	QueryTimezone string `yaml:"query_timezone"`
	// DetailConcurrency bounds parallel get_query_details calls per
	// page. 0 or 1 means serial.
	DetailConcurrency int `yaml:"detail_concurrency"`
}

// PoolBoundsConfig is one managed pool's [min_mem, max_mem] in MB.
type PoolBoundsConfig struct {
	MinMem float64 `yaml:"min_mem"`
	MaxMem float64 `yaml:"max_mem"`
}

// EmailConfig describes the SMTP relay used for scheduling/monitor
// reports. Required iff any ReportConfig option is true.
type EmailConfig struct {
	Server    string   `yaml:"server"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Receivers []string `yaml:"-"`
	// ReceiversRaw is the comma-separated form the YAML document
	// carries; Receivers is derived from it during Load.
	ReceiversRaw string `yaml:"receivers"`
}

// ReportConfig toggles the two email reports the orchestrator can send.
type ReportConfig struct {
	EnableScheduleReport bool `yaml:"enable_schedule_report"`
	EnableMonitorReport  bool `yaml:"enable_monitor_report"`
}

// LoggingConfig controls the operational slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus registry and its HTTP exposure.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	ListenAddr string `yaml:"listen_addr"`
}

// Duration wraps time.Duration so YAML documents can carry values like
// "2m" or "90s" (yaml.v3 has no native duration support).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LeaderLockConfig configures the optional Redis-backed distributed
// lock that keeps exactly one replica of this daemon running a cycle
// at a time when more than one instance shares a cluster.
type LeaderLockConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Key      string   `yaml:"key"`
	TTL      Duration `yaml:"ttl"`
}

// BackupConfig controls where the `backup`/`rollback` utility commands
// read and write the engine config snapshot, and whether it is also
// mirrored to S3.
type BackupConfig struct {
	LocalPath string `yaml:"local_path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Key     string `yaml:"s3_key"`
	S3Region  string `yaml:"s3_region"`
}

// Config is the top-level scheduler configuration, loaded from
// conf/scheduler.yml.
type Config struct {
	CloudManager CloudManagerConfig          `yaml:"cloudera_manager"`
	Schedule     ScheduleConfig              `yaml:"schedule"`
	Pool         map[string]PoolBoundsConfig `yaml:"pool"`
	Email        EmailConfig                 `yaml:"email"`
	Report       ReportConfig                `yaml:"report"`
	Logging      LoggingConfig               `yaml:"logging"`
	Tracing      TracingConfig               `yaml:"tracing"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	LeaderLock   LeaderLockConfig            `yaml:"leader_lock"`
	Backup       BackupConfig                `yaml:"backup"`

	// SchedulerHome is not a YAML field; it is read from the
	// $SCHEDULER_HOME environment variable and used both to resolve
	// ${SCHEDULER_HOME} tokens inside the YAML document and to locate
	// the PID file, CSV dumps, and the HTML report template.
	SchedulerHome string `yaml:"-"`
}

// Default returns a Config with the same defaults the original
// scheduler.yml ships, before any file or environment overrides.
func Default() *Config {
	return &Config{
		CloudManager: CloudManagerConfig{APIVersion: "v41"},
		Schedule: ScheduleConfig{
			AvailableImpaladThreshold:    0,
			IntervalMinutes:              5,
			MemoryUnitMB:                 1024,
			FreeMemoryRatio:              0.5,
			BusyPoolThresholdSeconds:     60,
			FetchQueriesTimedeltaMinutes: 30,
			Strategy:                     "priority",
			EnableFetchQueriesFile:       false,
			QueryTimezone:                "UTC",
			DetailConcurrency:            8,
		},
		Pool: map[string]PoolBoundsConfig{},
		Report: ReportConfig{
			EnableScheduleReport: false,
			EnableMonitorReport:  false,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{Exporter: "stdout", ServiceName: "poolsched", SampleRate: 1.0},
		Metrics: MetricsConfig{Enabled: true, Namespace: "poolsched", ListenAddr: ":9090"},
		LeaderLock: LeaderLockConfig{
			Key: "poolsched:leader",
			TTL: Duration(2 * time.Minute),
			DB:  0,
		},
		Backup: BackupConfig{
			LocalPath: "${SCHEDULER_HOME}/resources/impala_config_backup.json",
		},
	}
}

// Load reads path, substitutes ${SCHEDULER_HOME} tokens using the
// SCHEDULER_HOME environment variable, and unmarshals the result onto
// Default(). SCHEDULER_HOME must be set and non-empty; Load
// returns an error otherwise.
func Load(path string) (*Config, error) {
	home := os.Getenv("SCHEDULER_HOME")
	if home == "" {
		return nil, fmt.Errorf("SCHEDULER_HOME is not set")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := strings.ReplaceAll(string(raw), "${SCHEDULER_HOME}", home)

	cfg := Default()
	cfg.SchedulerHome = home
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Email.Receivers = splitCommaList(cfg.Email.ReceiversRaw)
	cfg.Backup.LocalPath = strings.ReplaceAll(cfg.Backup.LocalPath, "${SCHEDULER_HOME}", home)

	applyEnvOverrides(cfg)
	return cfg, nil
}

func splitCommaList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnvOverrides lets a handful of operational settings be tuned
// without editing the YAML document, mirroring the env-override idiom
// the rest of this codebase's config loaders use.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POOLSCHED_CM_PASSWORD"); v != "" {
		cfg.CloudManager.Password = v
	}
	if v := os.Getenv("POOLSCHED_EMAIL_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	if v := os.Getenv("POOLSCHED_REDIS_PASSWORD"); v != "" {
		cfg.LeaderLock.Password = v
	}
	if v := os.Getenv("POOLSCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("POOLSCHED_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("POOLSCHED_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("POOLSCHED_SCHEDULE_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.IntervalMinutes = n
		}
	}
}

// ValidationError reports one configuration defect. Several may be
// collected before Validate returns, so operators see every problem in
// one pass rather than fixing the file one fatal error at a time.
type ValidationError struct {
	Section string
	Reason  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config[%s]: %s", e.Section, e.Reason)
}

// Validate checks the static shape of the configuration: required
// sections/options are present and non-empty, and numeric options fall
// within their documented ranges. schedule_available_impalad_threshold
// is not checked: an absent value reads as 0. It does not check pool bounds
// against the engine's live configuration — see ValidatePoolBounds for
// that, which runs once the orchestrator has fetched the pool tree.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.CloudManager.ClusterName == "" {
		errs = append(errs, ValidationError{"cloudera_manager", "cluster_name is required"})
	}
	if cfg.CloudManager.ServerURL == "" {
		errs = append(errs, ValidationError{"cloudera_manager", "server_url is required"})
	}
	if cfg.CloudManager.APIVersion == "" {
		errs = append(errs, ValidationError{"cloudera_manager", "api_version is required"})
	}
	if cfg.CloudManager.Username == "" {
		errs = append(errs, ValidationError{"cloudera_manager", "username is required"})
	}
	if cfg.CloudManager.Password == "" {
		errs = append(errs, ValidationError{"cloudera_manager", "password is required"})
	}

	if cfg.Schedule.IntervalMinutes <= 0 {
		errs = append(errs, ValidationError{"schedule", "schedule_interval_minutes must be > 0"})
	}
	if cfg.Schedule.MemoryUnitMB <= 0 {
		errs = append(errs, ValidationError{"schedule", "schedule_memory_unit must be > 0"})
	}
	if cfg.Schedule.FreeMemoryRatio <= 0 || cfg.Schedule.FreeMemoryRatio > 1.0 {
		errs = append(errs, ValidationError{"schedule", "free_memory_schedule_ratio must be in (0, 1.0]"})
	}
	if cfg.Schedule.BusyPoolThresholdSeconds < 0 {
		errs = append(errs, ValidationError{"schedule", "busy_pool_threshold_seconds must be >= 0"})
	}
	if cfg.Schedule.FetchQueriesTimedeltaMinutes <= 0 {
		errs = append(errs, ValidationError{"schedule", "fetch_queries_timedelta_minutes must be > 0"})
	}
	if cfg.Schedule.Strategy == "" {
		errs = append(errs, ValidationError{"schedule", "strategy is required"})
	}
	if cfg.Schedule.QueryTimezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.QueryTimezone); err != nil {
			errs = append(errs, ValidationError{"schedule", fmt.Sprintf("query_timezone %q does not resolve: %v", cfg.Schedule.QueryTimezone, err)})
		}
	}

	if len(cfg.Pool) == 0 {
		errs = append(errs, ValidationError{"pool", "at least one managed pool is required"})
	}
	for name, b := range cfg.Pool {
		if b.MinMem <= 0 {
			errs = append(errs, ValidationError{"pool", fmt.Sprintf("%s: min_mem must be > 0", name)})
		}
		if b.MaxMem < b.MinMem {
			errs = append(errs, ValidationError{"pool", fmt.Sprintf("%s: max_mem must be >= min_mem", name)})
		}
	}

	reportEnabled := cfg.Report.EnableScheduleReport || cfg.Report.EnableMonitorReport
	if reportEnabled {
		if cfg.Email.Server == "" {
			errs = append(errs, ValidationError{"email", "server is required when a report option is enabled"})
		}
		if cfg.Email.Username == "" {
			errs = append(errs, ValidationError{"email", "username is required when a report option is enabled"})
		}
		if cfg.Email.Password == "" {
			errs = append(errs, ValidationError{"email", "password is required when a report option is enabled"})
		}
		if len(cfg.Email.Receivers) == 0 {
			errs = append(errs, ValidationError{"email", "receivers is required when a report option is enabled"})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}

// PoolBoundsView is the subset of poolconfig/poolinfo this package
// needs to check bounds without importing either (avoiding an import
// cycle: poolinfo already depends on poolconfig, and the orchestrator
// wires config -> poolconfig -> poolinfo).
type PoolBoundsView interface {
	PoolMemory(dotted string) (float64, bool)
}

// ValidatePoolBounds checks, for every pool named in cfg.Pool,
// 0 < min_mem <= current max memory <= max_mem, and that the
// pool actually exists in the engine's live configuration. It must run
// after the engine config has been fetched and parsed.
func ValidatePoolBounds(cfg *Config, engine PoolBoundsView) error {
	var errs []error
	for name, b := range cfg.Pool {
		current, ok := engine.PoolMemory(name)
		if !ok {
			errs = append(errs, ValidationError{"pool", fmt.Sprintf("%s: not found in engine configuration", name)})
			continue
		}
		if !(0 < b.MinMem && b.MinMem <= current && current <= b.MaxMem) {
			errs = append(errs, ValidationError{"pool", fmt.Sprintf(
				"%s: bounds violated (0 < min_mem=%g <= current=%g <= max_mem=%g)",
				name, b.MinMem, current, b.MaxMem)})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%d configuration error(s): %s", len(errs), strings.Join(msgs, "; "))
}
