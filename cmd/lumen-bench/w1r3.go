package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lumenstore/lumen-go/storage"
)

// w1r3Cmd implements the write-one-read-three workload: each iteration
// uploads a fresh object and then downloads it three times.
var w1r3Cmd = &cobra.Command{
	Use:   "w1r3",
	Short: "Write-one-read-three workload",
	Long: `Each iteration writes one object of --object-size random bytes and
reads it back three times. Write and read latencies are recorded separately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkload(cmd.Context(), "w1r3", w1r3Iteration)
	},
}

// iterationFunc runs one workload iteration against the shared client.
type iterationFunc func(ctx context.Context, c *storage.Client, payload []byte, iter int, db *resultsDB) error

// runWorkload drives iterations across the configured worker pool and
// reports the run summary.
func runWorkload(ctx context.Context, workload string, iteration iterationFunc) error {
	client, err := newBenchClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	db, err := openResultsDB(benchConfig.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	runID := uuid.NewString()
	if err := db.StartRun(runID, workload, benchConfig.objectSize, benchConfig.iterations, benchConfig.workers); err != nil {
		return err
	}
	slog.Info("Starting benchmark run",
		"run_id", runID, "workload", workload,
		"iterations", benchConfig.iterations, "workers", benchConfig.workers,
		"object_size", benchConfig.objectSize)

	payload := make([]byte, benchConfig.objectSize)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generating payload: %w", err)
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConfig.workers)
	for i := 0; i < benchConfig.iterations; i++ {
		i := i
		g.Go(func() error {
			return iteration(gctx, client, payload, i, db)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Summaries come from the in-memory samples, so compute them before
	// Flush hands the samples to SQLite.
	for _, s := range db.Summarize() {
		fmt.Printf("%-16s count=%-6d p50=%-12s p95=%-12s p99=%-12s throughput=%.1f MiB/s\n",
			s.Op, s.Count, s.P50, s.P95, s.P99, s.Throughput/(1<<20))
	}
	if err := db.Flush(runID); err != nil {
		return err
	}
	slog.Info("Benchmark run complete", "run_id", runID, "elapsed", time.Since(started))
	return nil
}

func w1r3Iteration(ctx context.Context, c *storage.Client, payload []byte, iter int, db *resultsDB) error {
	obj := c.Bucket(benchConfig.bucket).Object(fmt.Sprintf("w1r3/obj-%06d", iter))

	start := time.Now()
	w := obj.NewWriter(ctx)
	if _, err := w.Write(payload); err != nil {
		w.Close() //nolint:errcheck
		return fmt.Errorf("iteration %d write: %w", iter, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("iteration %d write: %w", iter, err)
	}
	db.Record("write", int64(len(payload)), time.Since(start))

	for read := 0; read < 3; read++ {
		start = time.Now()
		r, err := obj.NewReader(ctx)
		if err != nil {
			return fmt.Errorf("iteration %d read %d: %w", iter, read, err)
		}
		n, err := io.Copy(io.Discard, r)
		r.Close() //nolint:errcheck
		if err != nil {
			return fmt.Errorf("iteration %d read %d: %w", iter, read, err)
		}
		db.Record("read", n, time.Since(start))
	}
	return nil
}

// newBenchClient builds the storage client from the root flags.
func newBenchClient(ctx context.Context) (*storage.Client, error) {
	var opts []storage.Option
	if benchConfig.endpoint != "" {
		opts = append(opts, storage.WithEndpoint(benchConfig.endpoint))
	}
	opts = append(opts, storage.WithLogger(slog.Default()))
	return storage.NewClient(ctx, opts...)
}
