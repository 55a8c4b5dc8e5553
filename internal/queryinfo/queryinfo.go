// Package queryinfo drives the paged query-history walk against the
// cluster manager, parses each query's free-text profile for memory
// limit and host count, and deduplicates the result into a flat table
// of stats.QueryRecord ready for the statistics engine.
package queryinfo

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/poolsched/internal/clustermanager"
	"github.com/oriys/poolsched/internal/logging"
	"github.com/oriys/poolsched/internal/stats"
)

var (
	memLimitRegex = regexp.MustCompile(`MEM_LIMIT=(\d+)`)
	hostsRegex    = regexp.MustCompile(`hosts=(\d+)`)
)

const bytesPerMB = 1024 * 1024

// DetailsFetcher is the subset of *clustermanager.Client the aggregator
// needs, so tests can supply a fake without standing up an HTTP server.
type DetailsFetcher interface {
	GetQueries(ctx context.Context, start, end time.Time, filterStr string) (*clustermanager.QueriesResponse, error)
	GetQueryDetails(ctx context.Context, queryID string) (*clustermanager.QueryDetails, error)
}

// Options configures one fetch.
type Options struct {
	// FilterStr is passed through to the cluster manager's query filter.
	FilterStr string
	// Location handles managers that stamp local wall-clock start times
	// with a Z suffix: the timestamp's wall-clock fields are
	// reinterpreted in this zone to recover the true instant. Nil or
	// UTC means the manager's timestamps are trusted as-is.
	Location *time.Location
	// DetailConcurrency bounds how many get_query_details calls run at
	// once for one page. A value <= 1 fetches details serially.
	DetailConcurrency int
}

// Fetch walks pages backwards from end to start, deduplicates by query
// id (keeping the first occurrence encountered, i.e. the most recent
// page a query id appeared on), and returns QueryRecords with start
// times reinterpreted in opts.Location.
func Fetch(ctx context.Context, client DetailsFetcher, start, end time.Time, opts Options) ([]stats.QueryRecord, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	var all []stats.QueryRecord
	cursor := end
	for start.Before(cursor) {
		page, err := client.GetQueries(ctx, start, cursor, opts.FilterStr)
		if err != nil {
			return nil, err
		}
		if len(page.Queries) == 0 {
			break
		}

		records, minStart, err := fetchPageDetails(ctx, client, page.Queries, loc, opts.DetailConcurrency)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)

		cursor = minStart.Add(-time.Millisecond)
	}

	return dedupeByQueryID(all), nil
}

func fetchPageDetails(ctx context.Context, client DetailsFetcher, queries []clustermanager.QuerySummary, loc *time.Location, concurrency int) ([]stats.QueryRecord, time.Time, error) {
	records := make([]stats.QueryRecord, len(queries))
	var minStart time.Time

	if concurrency <= 1 {
		for i, q := range queries {
			records[i] = recordFromSummary(ctx, client, q, loc)
		}
	} else {
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for i, q := range queries {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, q clustermanager.QuerySummary) {
				defer wg.Done()
				defer func() { <-sem }()
				records[i] = recordFromSummary(ctx, client, q, loc)
			}(i, q)
		}
		wg.Wait()
	}

	// Deterministic ordering by query_id before the caller's dedup pass,
	// parallel detail fetches must not make page output depend
	// on goroutine completion order.
	sort.Slice(records, func(i, j int) bool { return records[i].QueryID < records[j].QueryID })

	for i, r := range records {
		start := time.UnixMilli(r.StartTimeMillis)
		if i == 0 || start.Before(minStart) {
			minStart = start
		}
	}

	return records, minStart, nil
}

func recordFromSummary(ctx context.Context, client DetailsFetcher, q clustermanager.QuerySummary, loc *time.Location) stats.QueryRecord {
	startTime, err := time.Parse("2006-01-02T15:04:05.000Z", q.StartTime)
	if err != nil {
		startTime, err = time.Parse(time.RFC3339Nano, q.StartTime)
	}
	if err != nil {
		logging.Op().Warn("unparseable query start time", "query_id", q.QueryID, "start_time", q.StartTime, "error", err)
		startTime = time.Now().UTC()
	}
	if loc != time.UTC {
		startTime = time.Date(startTime.Year(), startTime.Month(), startTime.Day(),
			startTime.Hour(), startTime.Minute(), startTime.Second(), startTime.Nanosecond(), loc)
	}

	memLimitMB, maxHosts := 0.0, 0
	if details, err := client.GetQueryDetails(ctx, q.QueryID); err != nil {
		logging.Op().Warn("query details fetch failed; contributing zero usage", "query_id", q.QueryID, "error", err)
	} else {
		memLimitMB, maxHosts = parseDetails(details.Details)
	}

	return stats.QueryRecord{
		QueryID:         q.QueryID,
		Pool:            q.Attributes.Pool,
		StartTimeMillis: startTime.UnixMilli(),
		AdmissionWaitMs: q.Attributes.AdmissionWait,
		DurationMs:      q.DurationMillis,
		MemLimitMB:      memLimitMB,
		MaxHosts:        maxHosts,
	}
}

// parseDetails extracts MEM_LIMIT (bytes, converted to MB) and the
// maximum hosts= occurrence from a query's free-text profile.
func parseDetails(details string) (memLimitMB float64, maxHosts int) {
	if m := memLimitRegex.FindStringSubmatch(details); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			memLimitMB = float64(v) / bytesPerMB
		}
	}
	for _, m := range hostsRegex.FindAllStringSubmatch(details, -1) {
		if v, err := strconv.Atoi(m[1]); err == nil && v > maxHosts {
			maxHosts = v
		}
	}
	return memLimitMB, maxHosts
}

// dedupeByQueryID keeps the first occurrence of each query id,
// preserving input order otherwise.
func dedupeByQueryID(records []stats.QueryRecord) []stats.QueryRecord {
	seen := make(map[string]bool, len(records))
	out := make([]stats.QueryRecord, 0, len(records))
	for _, r := range records {
		if seen[r.QueryID] {
			continue
		}
		seen[r.QueryID] = true
		out = append(out, r)
	}
	return out
}
