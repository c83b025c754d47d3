package conformance

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lumenstore/lumen-go/internal/emulator"
	"github.com/lumenstore/lumen-go/storage"
)

func TestRetryConformance(t *testing.T) {
	srv := httptest.NewServer(emulator.New().Handler())
	defer srv.Close()

	ctx := context.Background()
	suite, err := LoadSuite("testdata/retry_tests.json")
	if err != nil {
		t.Fatalf("LoadSuite: %v", err)
	}
	methods := Methods()
	faults := NewFaultClient(srv.URL)

	// seedClient carries no retry test header, so fixture setup never
	// consumes the instructions under test.
	seedClient, err := storage.NewClient(ctx, storage.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer seedClient.Close()

	run := 0
	for _, tc := range suite.RetryTests {
		for _, method := range tc.Methods {
			fn, ok := methods[method]
			if !ok {
				t.Fatalf("retry test %d names unknown method %q", tc.ID, method)
			}
			for ci, c := range tc.Cases {
				run++
				name := fmt.Sprintf("%d/%s/case%d", tc.ID, method, ci)
				res := Resources{
					Project: "conformance",
					Bucket:  fmt.Sprintf("conf-bucket-%04d", run),
					Object:  "seed.txt",
					Scratch: "scratch.txt",
				}
				t.Run(name, func(t *testing.T) {
					seed(t, ctx, seedClient, res)

					id, err := faults.Create(ctx, map[string][]string{method: c.Instructions})
					if err != nil {
						t.Fatalf("registering faults: %v", err)
					}
					defer faults.Delete(ctx, id) //nolint:errcheck

					client, err := storage.NewClient(ctx,
						storage.WithEndpoint(srv.URL),
						storage.WithHTTPClient(TaggedHTTPClient(id)),
						storage.WithRetry(
							storage.WithBackoff(storage.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}),
							storage.WithTotalTimeout(30*time.Second),
						),
					)
					if err != nil {
						t.Fatalf("NewClient: %v", err)
					}
					defer client.Close()

					opErr := fn(ctx, client, res, tc.PreconditionProvided)
					if tc.ExpectSuccess && opErr != nil {
						t.Fatalf("expected success, got: %v", opErr)
					}
					if !tc.ExpectSuccess && opErr == nil {
						t.Fatal("expected failure, operation succeeded")
					}

					completed, err := faults.Completed(ctx, id)
					if err != nil {
						t.Fatalf("checking completion: %v", err)
					}
					if !completed {
						t.Error("registered fault instructions were not all consumed")
					}
				})
			}
		}
	}
}

// seed creates the scenario's bucket and seed object through the untagged
// client.
func seed(t *testing.T, ctx context.Context, c *storage.Client, r Resources) {
	t.Helper()
	bucket := c.Bucket(r.Bucket)
	if err := bucket.Create(ctx, r.Project, nil); err != nil {
		t.Fatalf("seeding bucket %s: %v", r.Bucket, err)
	}
	w := bucket.Object(r.Object).NewWriter(ctx)
	w.ChunkSize = 0
	if _, err := w.Write([]byte("the quick brown fox jumps over the lazy dog")); err != nil {
		t.Fatalf("seeding object: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("seeding object: %v", err)
	}
}
