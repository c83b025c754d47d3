// Package storage is the Go client for the Lumen Object Storage JSON API.
//
// The package exposes the service's resource model through handles: a
// Client owns the HTTP transport and retry policy, a BucketHandle names a
// bucket, and an ObjectHandle names an object within a bucket. Handles are
// cheap value-like objects; creating one performs no network I/O.
//
//	client, err := storage.NewClient(ctx)
//	if err != nil {
//		// handle error
//	}
//	defer client.Close()
//
//	w := client.Bucket("my-bucket").Object("notes.txt").NewWriter(ctx)
//	if _, err := w.Write([]byte("hello")); err != nil {
//		// handle error
//	}
//	if err := w.Close(); err != nil {
//		// handle error
//	}
//
// # Preconditions
//
// Every object carries a server-assigned generation (bumped on each data
// write) and metageneration (bumped on each metadata update). Conditional
// requests attach these as preconditions:
//
//	err = client.Bucket("b").Object("o").
//		If(storage.Conditions{GenerationMatch: gen}).
//		Delete(ctx)
//
// A failed precondition surfaces as an *APIError with code 412.
//
// # Retries
//
// Transient failures (408, 429, 5xx, connection resets, truncated bodies)
// are retried with exponential backoff. Mutating calls are retried only
// when they are provably idempotent: either inherently (DELETE with a
// generation, PUT of a full resource) or because the caller supplied a
// precondition. See WithRetry and Retryer for tuning knobs.
//
// # Pagination
//
// List calls return iterators that follow the google.golang.org/api/iterator
// guidelines; Next returns iterator.Done once the sequence is exhausted.
package storage
