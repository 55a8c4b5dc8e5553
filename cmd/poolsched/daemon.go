package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/poolsched/internal/allocator"
	"github.com/oriys/poolsched/internal/config"
	"github.com/oriys/poolsched/internal/leaderlock"
	"github.com/oriys/poolsched/internal/logging"
	"github.com/oriys/poolsched/internal/metrics"
	"github.com/oriys/poolsched/internal/observability"
	"github.com/oriys/poolsched/internal/orchestrator"
	"github.com/oriys/poolsched/internal/trigger"
)

// daemonCmd groups the `daemon start|stop|restart` subcommands. `start`
// never forks+setsid's itself into the background — it runs in the
// foreground under whatever process supervisor the deployment uses,
// while keeping the PID-file contention check so existing operational
// tooling keeps working.
func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the scheduler daemon",
	}
	cmd.AddCommand(daemonStartCmd(), daemonStopCmd(), daemonRestartCmd())
	return cmd
}

func pidFilePath(cfg *config.Config) string {
	return cfg.SchedulerHome + "/logs/.daemon.pid"
}

func daemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if _, err := allocator.Lookup(cfg.Schedule.Strategy); err != nil {
				return err
			}

			if err := claimPIDFile(cfg); err != nil {
				return err
			}
			defer os.Remove(pidFilePath(cfg))

			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func daemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running daemon to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return stopDaemon(cfg)
		},
	}
}

func daemonRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := stopDaemon(cfg); err != nil {
				return err
			}
			if err := claimPIDFile(cfg); err != nil {
				return err
			}
			defer os.Remove(pidFilePath(cfg))
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

// claimPIDFile refuses to start if the PID file exists and is
// non-empty, otherwise writes this process's PID.
func claimPIDFile(cfg *config.Config) error {
	path := pidFilePath(cfg)
	if data, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(data)) != "" {
		return fmt.Errorf("pid file %s is not empty; daemon already running?", path)
	}
	if err := os.MkdirAll(pathDir(path), 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// stopDaemon reads the PID file, sends SIGTERM, and removes the file.
func stopDaemon(cfg *config.Config) error {
	path := pidFilePath(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pid file %s does not exist; daemon not running?", path)
	}
	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return fmt.Errorf("pid file %s is empty; daemon not running?", path)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return fmt.Errorf("pid file %s is corrupt: %w", path, err)
	}

	os.Remove(path)

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func pathDir(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "."
	}
	return p[:idx]
}

// runDaemon bootstraps the ambient stack and runs the orchestrator on
// the configured interval until SIGINT/SIGTERM.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	logging.Init(cfg.Logging.Format, cfg.Logging.Level)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		if cfg.Metrics.ListenAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
			logging.Op().Info("metrics server started", "addr", cfg.Metrics.ListenAddr)
		}
	}

	client, err := newClusterManagerClient(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("connect to cluster manager: %w", err)
	}

	lock := leaderlock.New(leaderlock.Config{
		Addr:     cfg.LeaderLock.Addr,
		Password: cfg.LeaderLock.Password,
		DB:       cfg.LeaderLock.DB,
		Key:      cfg.LeaderLock.Key,
		TTL:      time.Duration(cfg.LeaderLock.TTL),
	}, cfg.LeaderLock.Enabled)
	defer lock.Close()

	o := orchestrator.New(client, cfg, lock)

	t, err := trigger.New(cfg.Schedule.IntervalMinutes, func(ctx context.Context) {
		o.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}

	t.RunOnce(context.Background())
	t.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutdown signal received")
	<-t.Stop().Done()
	return nil
}
