package storage_test

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/lumenstore/lumen-go/storage"
)

func TestCopyObject(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	srcBucket := mustCreateBucket(t, ctx, client, "copy-src")
	dstBucket := mustCreateBucket(t, ctx, client, "copy-dst")
	srcAttrs := mustWrite(t, ctx, srcBucket, "original", "copy me")

	attrs, err := dstBucket.Object("duplicate").CopierFrom(srcBucket.Object("original")).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attrs.Bucket != "copy-dst" || attrs.Name != "duplicate" {
		t.Errorf("copied to %s/%s, want copy-dst/duplicate", attrs.Bucket, attrs.Name)
	}
	if attrs.Size != srcAttrs.Size {
		t.Errorf("Size = %d, want %d", attrs.Size, srcAttrs.Size)
	}
	if got := mustRead(t, ctx, dstBucket.Object("duplicate")); string(got) != "copy me" {
		t.Errorf("copied content = %q, want %q", got, "copy me")
	}

	// The source is untouched.
	if got := mustRead(t, ctx, srcBucket.Object("original")); string(got) != "copy me" {
		t.Errorf("source content = %q after copy", got)
	}
}

func TestCopyObjectRewritesMetadata(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "copy-meta")
	mustWrite(t, ctx, bucket, "src", "payload")

	copier := bucket.Object("dst").CopierFrom(bucket.Object("src"))
	copier.ContentType = "application/json"
	copier.Metadata = map[string]string{"stage": "final"}
	attrs, err := copier.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attrs.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", attrs.ContentType)
	}
	if attrs.Metadata["stage"] != "final" {
		t.Errorf("Metadata = %v, want stage=final", attrs.Metadata)
	}
}

func TestCopyMissingSource(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "copy-missing")
	_, err := bucket.Object("dst").CopierFrom(bucket.Object("no-such-object")).Run(ctx)
	if err != storage.ErrObjectNotExist {
		t.Fatalf("Run = %v, want ErrObjectNotExist", err)
	}
}

func TestCopySourceGenerationPinned(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := client.Bucket("copy-gen")
	if err := bucket.Create(ctx, testProject, &storage.BucketAttrs{VersioningEnabled: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	first := mustWrite(t, ctx, bucket, "src", "old data")
	mustWrite(t, ctx, bucket, "src", "new data")

	_, err := bucket.Object("dst").CopierFrom(bucket.Object("src").Generation(first.Generation)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := mustRead(t, ctx, bucket.Object("dst")); string(got) != "old data" {
		t.Errorf("pinned copy = %q, want old data", got)
	}
}

func TestComposeObjects(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "compose-bucket")
	mustWrite(t, ctx, bucket, "part-0", "alpha ")
	mustWrite(t, ctx, bucket, "part-1", "beta ")
	mustWrite(t, ctx, bucket, "part-2", "gamma")

	composer := bucket.Object("whole").ComposerFrom(
		bucket.Object("part-0"),
		bucket.Object("part-1"),
		bucket.Object("part-2"),
	)
	composer.ContentType = "text/plain"
	attrs, err := composer.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attrs.Size != int64(len("alpha beta gamma")) {
		t.Errorf("Size = %d, want %d", attrs.Size, len("alpha beta gamma"))
	}
	if got := mustRead(t, ctx, bucket.Object("whole")); string(got) != "alpha beta gamma" {
		t.Errorf("composed content = %q, want %q", got, "alpha beta gamma")
	}
}

func TestComposeValidation(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	a := mustCreateBucket(t, ctx, client, "compose-a")
	b := mustCreateBucket(t, ctx, client, "compose-b")
	mustWrite(t, ctx, a, "src", "x")
	mustWrite(t, ctx, b, "src", "y")

	if _, err := a.Object("dst").ComposerFrom().Run(ctx); err == nil {
		t.Error("compose with no sources succeeded")
	}
	if _, err := a.Object("dst").ComposerFrom(a.Object("src"), b.Object("src")).Run(ctx); err == nil {
		t.Error("cross-bucket compose succeeded")
	}

	srcs := make([]*storage.ObjectHandle, 33)
	for i := range srcs {
		srcs[i] = a.Object("src")
	}
	if _, err := a.Object("dst").ComposerFrom(srcs...).Run(ctx); err == nil {
		t.Error("compose with 33 sources succeeded")
	}
}

func TestCopyWithDestinationPrecondition(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "copy-precond")
	mustWrite(t, ctx, bucket, "src", "data")
	mustWrite(t, ctx, bucket, "dst", "already here")

	_, err := bucket.Object("dst").
		If(storage.Conditions{DoesNotExist: true}).
		CopierFrom(bucket.Object("src")).
		Run(ctx)
	if apiErrorCode(err) != http.StatusPreconditionFailed {
		t.Fatalf("guarded copy over existing object = %v, want HTTP 412", err)
	}
	if got := mustRead(t, ctx, bucket.Object("dst")); !bytes.Equal(got, []byte("already here")) {
		t.Errorf("destination overwritten: %q", got)
	}
}
