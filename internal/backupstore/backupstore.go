// Package backupstore implements the `backup`/`rollback` utility
// commands' artifact storage: a local JSON snapshot of the engine's
// full configuration, required on every backup, with an optional S3
// mirror for deployments that want the snapshot durable outside the
// host running the daemon.
package backupstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/poolsched/internal/config"
)

// Store writes and reads the engine config backup artifact described
// by cfg.Backup: always a local file, and additionally an S3 object
// when cfg.Backup.S3Bucket is set.
type Store struct {
	cfg config.BackupConfig
}

// New builds a Store from the scheduler's backup configuration.
func New(cfg config.BackupConfig) *Store {
	return &Store{cfg: cfg}
}

// Backup persists the engine's full configuration document to the
// local path, and mirrors it to S3 if configured. Mirroring failures
// are returned but the local write always happens first, so a backup
// is never lost solely because the S3 mirror is unreachable.
func (s *Store) Backup(ctx context.Context, fullConfigJSON []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.LocalPath), 0o755); err != nil {
		return fmt.Errorf("backupstore: create backup directory: %w", err)
	}
	if err := os.WriteFile(s.cfg.LocalPath, fullConfigJSON, 0o644); err != nil {
		return fmt.Errorf("backupstore: write local backup: %w", err)
	}

	if s.cfg.S3Bucket == "" {
		return nil
	}
	return s.mirrorToS3(ctx, fullConfigJSON)
}

// Load reads the local backup artifact back, for the `rollback` command.
func (s *Store) Load() ([]byte, error) {
	data, err := os.ReadFile(s.cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("backupstore: read local backup: %w", err)
	}
	return data, nil
}

func (s *Store) mirrorToS3(ctx context.Context, data []byte) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.S3Region))
	if err != nil {
		return fmt.Errorf("backupstore: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	key := s.cfg.S3Key
	if key == "" {
		key = "impala_config_backup.json"
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.cfg.S3Bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("backupstore: mirror backup to s3://%s/%s: %w", s.cfg.S3Bucket, key, err)
	}
	return nil
}
