package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/poolsched/internal/allocator"
	"github.com/oriys/poolsched/internal/backupstore"
	"github.com/oriys/poolsched/internal/clustermanager"
	"github.com/oriys/poolsched/internal/config"
	"github.com/oriys/poolsched/internal/poolconfig"
)

// resolveConfigPath returns the --config flag value, or
// $SCHEDULER_HOME/conf/scheduler.yml when it is unset.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	home := os.Getenv("SCHEDULER_HOME")
	if home == "" {
		return "", fmt.Errorf("SCHEDULER_HOME is not set and --config was not given")
	}
	return home + "/conf/scheduler.yml", nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newClusterManagerClient(ctx context.Context, cfg *config.Config) (*clustermanager.Client, error) {
	return clustermanager.New(ctx, clustermanager.Config{
		ServerURL:   cfg.CloudManager.ServerURL,
		APIVersion:  cfg.CloudManager.APIVersion,
		ClusterName: cfg.CloudManager.ClusterName,
		Username:    cfg.CloudManager.Username,
		Password:    cfg.CloudManager.Password,
	})
}

// checkCmd runs full configuration validation.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the scheduler configuration",
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

			client, err := newClusterManagerClient(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("connect to cluster manager: %w", err)
			}
			raw, err := client.GetConfig(cmd.Context(), "full")
			if err != nil {
				return fmt.Errorf("fetch engine config: %w", err)
			}
			allocations, err := poolconfig.Parse(raw)
			if err != nil {
				return err
			}
			if err := config.ValidatePoolBounds(cfg, allocations); err != nil {
				return err
			}

			fmt.Println("configuration OK")
			return nil
		},
	}
}

// backupCmd writes the current engine config to the local (and
// optionally S3-mirrored) backup artifact.
func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Back up the engine's current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClusterManagerClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			raw, err := client.GetConfig(cmd.Context(), "full")
			if err != nil {
				return fmt.Errorf("fetch engine config: %w", err)
			}

			store := backupstore.New(cfg.Backup)
			if err := store.Backup(cmd.Context(), raw); err != nil {
				return err
			}

			fmt.Println("backup impala config success")
			return nil
		},
	}
}

// rollbackCmd reads the backup artifact back and writes it to the
// engine.
func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the engine's configuration from the last backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := backupstore.New(cfg.Backup)
			raw, err := store.Load()
			if err != nil {
				return err
			}

			// Round-trip through poolconfig to make sure the backup
			// artifact is a well-formed scheduled-allocations document
			// before it is written back to the engine.
			allocations, err := poolconfig.Parse(raw)
			if err != nil {
				return fmt.Errorf("backup artifact is not a valid engine config: %w", err)
			}
			serialised, err := allocations.Serialize()
			if err != nil {
				return err
			}

			client, err := newClusterManagerClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := client.UpdateConfig(cmd.Context(), serialised); err != nil {
				return fmt.Errorf("write engine config: %w", err)
			}
			if err := client.RefreshPools(cmd.Context()); err != nil {
				return fmt.Errorf("refresh pools: %w", err)
			}

			fmt.Println("rollback impala config success")
			return nil
		},
	}
}
