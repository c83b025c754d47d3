package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenstore/lumen-go/storage"
)

// Filled in by cobra argument parsing in init()
var rangeConfig struct {
	readSize int64
}

// rangeCmd implements the random range read workload: one shared object of
// --object-size bytes is written once, then every iteration reads a random
// --read-size window from it.
var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Random range read workload",
	Long: `Writes a single object of --object-size bytes, then issues random
range reads of --read-size bytes against it. Measures range read latency.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := seedRangeObject(cmd.Context()); err != nil {
			return err
		}
		return runWorkload(cmd.Context(), "range", rangeIteration)
	},
}

func init() {
	rangeCmd.Flags().Int64Var(&rangeConfig.readSize, "read-size", 64*1024, "range read size in bytes")
}

// seedRangeObject writes the shared object before the worker pool starts.
// An existing object from a prior run is reused.
func seedRangeObject(ctx context.Context) error {
	client, err := newBenchClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	payload := make([]byte, benchConfig.objectSize)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generating payload: %w", err)
	}

	w := client.Bucket(benchConfig.bucket).Object("range/shared").
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	if _, err := w.Write(payload); err != nil {
		w.Close() //nolint:errcheck
		return fmt.Errorf("seeding shared object: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *storage.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("seeding shared object: %w", err)
	}
	return nil
}

func rangeIteration(ctx context.Context, c *storage.Client, payload []byte, iter int, db *resultsDB) error {
	obj := c.Bucket(benchConfig.bucket).Object("range/shared")

	size := benchConfig.objectSize
	length := rangeConfig.readSize
	if length > size {
		length = size
	}
	var offset int64
	if size > length {
		offset = mrand.Int63n(size - length)
	}

	start := time.Now()
	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return fmt.Errorf("iteration %d range read: %w", iter, err)
	}
	n, err := io.Copy(io.Discard, r)
	r.Close() //nolint:errcheck
	if err != nil {
		return fmt.Errorf("iteration %d range read: %w", iter, err)
	}
	db.Record("range-read", n, time.Since(start))
	return nil
}
