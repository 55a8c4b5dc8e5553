// Package querydump optionally persists one cycle's fetched query
// records to a CSV file for offline inspection, and purges dumps older
// than a retention window (given in days by the caller) once per cycle.
package querydump

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/poolsched/internal/stats"
)

const filePrefix = "data-"

// Write saves records to "<dir>/data-<end>.csv" when enabled is true.
// The timestamp in the filename is end, formatted the way the original
// stamped its dump files, so dumps from the same cycle sort together
// with the report/backup artifacts they accompany.
func Write(dir string, enabled bool, records []stats.QueryRecord, end time.Time) error {
	if !enabled {
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("querydump: create %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s%s.csv", filePrefix, end.Format("2006-01-02T15-04-05"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("querydump: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"query_id", "pool", "start_time_millis", "admission_wait_ms", "duration_ms", "mem_limit_mb", "max_hosts"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.QueryID,
			r.Pool,
			strconv.FormatInt(r.StartTimeMillis, 10),
			strconv.FormatInt(r.AdmissionWaitMs, 10),
			strconv.FormatInt(r.DurationMs, 10),
			strconv.FormatFloat(r.MemLimitMB, 'f', -1, 64),
			strconv.Itoa(r.MaxHosts),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// PurgeExpired removes files under dir with the dump prefix whose
// modification time is older than expiredDays days. It is run at the
// end of every cycle regardless of whether this cycle wrote a dump, so
// a deployment that disables dumping after having enabled it still
// gets its backlog cleaned up.
func PurgeExpired(dir string, expiredDays int) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("querydump: read %s: %w", dir, err)
	}

	cutoff := time.Now().AddDate(0, 0, -expiredDays)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
