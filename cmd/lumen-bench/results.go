package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"database/sql"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// resultsDB records benchmark runs and their per-operation samples.
type resultsDB struct {
	db *sql.DB

	mu      sync.Mutex
	samples []sample
}

// sample is one timed operation.
type sample struct {
	op      string
	bytes   int64
	elapsed time.Duration
}

// openResultsDB opens (or creates) the SQLite results database.
func openResultsDB(path string) (*resultsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening results database: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			workload    TEXT NOT NULL,
			object_size INTEGER NOT NULL,
			iterations  INTEGER NOT NULL,
			workers     INTEGER NOT NULL,
			started_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS samples (
			run_id     TEXT NOT NULL REFERENCES runs(id),
			op         TEXT NOT NULL,
			bytes      INTEGER NOT NULL,
			elapsed_ns INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing results schema: %w", err)
	}
	return &resultsDB{db: db}, nil
}

func (r *resultsDB) Close() error { return r.db.Close() }

// StartRun records run metadata and returns nothing; samples reference the
// run by its caller-supplied ID.
func (r *resultsDB) StartRun(id, workload string, objectSize int64, iterations, workers int) error {
	_, err := r.db.Exec(
		`INSERT INTO runs (id, workload, object_size, iterations, workers, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, workload, objectSize, iterations, workers, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Record buffers a sample. Samples are flushed to SQLite in one batch at the
// end of the run so database writes stay off the timed path.
func (r *resultsDB) Record(op string, bytes int64, elapsed time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, sample{op: op, bytes: bytes, elapsed: elapsed})
	r.mu.Unlock()
}

// Flush writes all buffered samples for the run in a single transaction.
func (r *resultsDB) Flush(runID string) error {
	r.mu.Lock()
	samples := r.samples
	r.samples = nil
	r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("starting sample transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO samples (run_id, op, bytes, elapsed_ns) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("preparing sample insert: %w", err)
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.Exec(runID, s.op, s.bytes, s.elapsed.Nanoseconds()); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("inserting sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing samples: %w", err)
	}
	return nil
}

// opSummary aggregates one operation's samples.
type opSummary struct {
	Op         string
	Count      int
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Throughput float64 // bytes per second across all samples
}

// Summarize computes latency percentiles and aggregate throughput per
// operation from the buffered samples of the current run.
func (r *resultsDB) Summarize() []opSummary {
	r.mu.Lock()
	byOp := make(map[string][]sample)
	for _, s := range r.samples {
		byOp[s.op] = append(byOp[s.op], s)
	}
	r.mu.Unlock()

	ops := make([]string, 0, len(byOp))
	for op := range byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var out []opSummary
	for _, op := range ops {
		samples := byOp[op]
		sort.Slice(samples, func(i, j int) bool { return samples[i].elapsed < samples[j].elapsed })

		var totalBytes int64
		var totalTime time.Duration
		for _, s := range samples {
			totalBytes += s.bytes
			totalTime += s.elapsed
		}
		var throughput float64
		if totalTime > 0 {
			throughput = float64(totalBytes) / totalTime.Seconds()
		}
		out = append(out, opSummary{
			Op:         op,
			Count:      len(samples),
			P50:        percentile(samples, 0.50),
			P95:        percentile(samples, 0.95),
			P99:        percentile(samples, 0.99),
			Throughput: throughput,
		})
	}
	return out
}

// percentile returns the p-th latency from samples sorted ascending.
func percentile(sorted []sample, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx].elapsed
}
