package storage_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"net/http"
	"strings"
	"testing"

	"google.golang.org/api/iterator"

	"github.com/lumenstore/lumen-go/storage"
)

func TestObjectLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "obj-bucket")
	obj := bucket.Object("notes/hello.txt")

	const content = "hello, object storage"
	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = "text/plain"
	w.Metadata = map[string]string{"owner": "tests"}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		t.Fatalf("Attrs: %v", err)
	}
	if attrs.Bucket != "obj-bucket" || attrs.Name != "notes/hello.txt" {
		t.Errorf("identity = %s/%s, want obj-bucket/notes/hello.txt", attrs.Bucket, attrs.Name)
	}
	if attrs.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", attrs.Size, len(content))
	}
	if attrs.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", attrs.ContentType)
	}
	if attrs.Metadata["owner"] != "tests" {
		t.Errorf("Metadata = %v, want owner=tests", attrs.Metadata)
	}
	if sum := md5.Sum([]byte(content)); !bytes.Equal(attrs.MD5, sum[:]) {
		t.Errorf("MD5 = %x, want %x", attrs.MD5, sum)
	}
	if attrs.Generation == 0 {
		t.Error("Generation is zero")
	}
	if attrs.Metageneration != 1 {
		t.Errorf("Metageneration = %d, want 1", attrs.Metageneration)
	}

	got := mustRead(t, ctx, obj)
	if string(got) != content {
		t.Errorf("read %q, want %q", got, content)
	}

	ct := "text/markdown"
	updated, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{
		ContentType: &ct,
		Metadata:    map[string]string{"owner": "docs"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ContentType != "text/markdown" {
		t.Errorf("updated ContentType = %q, want text/markdown", updated.ContentType)
	}
	if updated.Metageneration != 2 {
		t.Errorf("Metageneration after update = %d, want 2", updated.Metageneration)
	}
	if updated.Generation != attrs.Generation {
		t.Errorf("metadata update changed generation %d -> %d", attrs.Generation, updated.Generation)
	}

	if err := obj.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := obj.Attrs(ctx); !errors.Is(err, storage.ErrObjectNotExist) {
		t.Errorf("Attrs after delete = %v, want ErrObjectNotExist", err)
	}
	if _, err := obj.NewReader(ctx); !errors.Is(err, storage.ErrObjectNotExist) {
		t.Errorf("NewReader after delete = %v, want ErrObjectNotExist", err)
	}
	if err := obj.Delete(ctx); !errors.Is(err, storage.ErrObjectNotExist) {
		t.Errorf("second Delete = %v, want ErrObjectNotExist", err)
	}
}

func TestObjectPreconditions(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "cond-bucket")
	attrs := mustWrite(t, ctx, bucket, "guarded", "v1")

	// DoesNotExist on an existing object refuses the overwrite.
	w := bucket.Object("guarded").If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ChunkSize = 0
	w.Write([]byte("v2")) //nolint:errcheck
	if code := apiErrorCode(w.Close()); code != http.StatusPreconditionFailed {
		t.Fatalf("DoesNotExist overwrite code = %d, want 412", code)
	}

	// A stale generation blocks the delete; the current one allows it.
	err := bucket.Object("guarded").If(storage.Conditions{GenerationMatch: attrs.Generation + 1}).Delete(ctx)
	if apiErrorCode(err) != http.StatusPreconditionFailed {
		t.Fatalf("stale GenerationMatch delete = %v, want HTTP 412", err)
	}
	err = bucket.Object("guarded").If(storage.Conditions{GenerationMatch: attrs.Generation}).Delete(ctx)
	if err != nil {
		t.Fatalf("matching GenerationMatch delete: %v", err)
	}

	// Metageneration preconditions guard updates the same way.
	attrs = mustWrite(t, ctx, bucket, "guarded", "v3")
	ct := "application/json"
	_, err = bucket.Object("guarded").
		If(storage.Conditions{MetagenerationMatch: attrs.Metageneration + 1}).
		Update(ctx, storage.ObjectAttrsToUpdate{ContentType: &ct})
	if apiErrorCode(err) != http.StatusPreconditionFailed {
		t.Fatalf("stale MetagenerationMatch update = %v, want HTTP 412", err)
	}
	if _, err := bucket.Object("guarded").
		If(storage.Conditions{MetagenerationMatch: attrs.Metageneration}).
		Update(ctx, storage.ObjectAttrsToUpdate{ContentType: &ct}); err != nil {
		t.Fatalf("matching MetagenerationMatch update: %v", err)
	}
}

func TestObjectIterator(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "list-bucket")
	for _, name := range []string{"a/one", "a/two", "b/one", "top"} {
		mustWrite(t, ctx, bucket, name, "x")
	}

	collect := func(q *storage.Query) (objects, prefixes []string) {
		t.Helper()
		it := bucket.Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return objects, prefixes
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if attrs.Prefix != "" {
				prefixes = append(prefixes, attrs.Prefix)
			} else {
				objects = append(objects, attrs.Name)
			}
		}
	}

	objects, prefixes := collect(nil)
	if want := "a/one,a/two,b/one,top"; strings.Join(objects, ",") != want {
		t.Errorf("full listing = %v, want %s", objects, want)
	}
	if len(prefixes) != 0 {
		t.Errorf("full listing returned prefixes %v", prefixes)
	}

	objects, _ = collect(&storage.Query{Prefix: "a/"})
	if want := "a/one,a/two"; strings.Join(objects, ",") != want {
		t.Errorf("prefix listing = %v, want %s", objects, want)
	}

	objects, prefixes = collect(&storage.Query{Delimiter: "/"})
	if want := "top"; strings.Join(objects, ",") != want {
		t.Errorf("delimited objects = %v, want %s", objects, want)
	}
	if want := "a/,b/"; strings.Join(prefixes, ",") != want {
		t.Errorf("delimited prefixes = %v, want %s", prefixes, want)
	}

	objects, _ = collect(&storage.Query{StartOffset: "a/two", EndOffset: "top"})
	if want := "a/two,b/one"; strings.Join(objects, ",") != want {
		t.Errorf("offset listing = %v, want %s", objects, want)
	}
}

func TestObjectIteratorMissingBucket(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	it := client.Bucket("no-such-bucket").Objects(ctx, nil)
	if _, err := it.Next(); !errors.Is(err, storage.ErrBucketNotExist) {
		t.Fatalf("Next = %v, want ErrBucketNotExist", err)
	}
}

func TestObjectVersioning(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := client.Bucket("versioned-bucket")
	if err := bucket.Create(ctx, testProject, &storage.BucketAttrs{VersioningEnabled: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := mustWrite(t, ctx, bucket, "doc", "version one")
	second := mustWrite(t, ctx, bucket, "doc", "version two")
	if second.Generation <= first.Generation {
		t.Fatalf("generations did not advance: %d then %d", first.Generation, second.Generation)
	}

	// The live read serves the newest generation; the pinned read still
	// serves the archived one.
	if got := mustRead(t, ctx, bucket.Object("doc")); string(got) != "version two" {
		t.Errorf("live read = %q, want version two", got)
	}
	if got := mustRead(t, ctx, bucket.Object("doc").Generation(first.Generation)); string(got) != "version one" {
		t.Errorf("pinned read = %q, want version one", got)
	}

	var generations []int64
	it := bucket.Objects(ctx, &storage.Query{Versions: true})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		generations = append(generations, attrs.Generation)
	}
	if len(generations) != 2 {
		t.Fatalf("versioned listing returned %d entries, want 2", len(generations))
	}

	// Deleting the live generation archives it; the pinned generation
	// remains readable while the bare handle reports not found.
	if err := bucket.Object("doc").Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bucket.Object("doc").Attrs(ctx); !errors.Is(err, storage.ErrObjectNotExist) {
		t.Errorf("live Attrs after delete = %v, want ErrObjectNotExist", err)
	}
	if got := mustRead(t, ctx, bucket.Object("doc").Generation(second.Generation)); string(got) != "version two" {
		t.Errorf("archived read = %q, want version two", got)
	}
}

func TestObjectCustomerSuppliedKey(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "csek-bucket")
	key := bytes.Repeat([]byte{0x42}, 32)
	wrongKey := bytes.Repeat([]byte{0x24}, 32)

	w := bucket.Object("secret").Key(key).NewWriter(ctx)
	w.ChunkSize = 0
	if _, err := w.Write([]byte("classified")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	attrs, err := bucket.Object("secret").Attrs(ctx)
	if err != nil {
		t.Fatalf("Attrs: %v", err)
	}
	if attrs.CustomerKeySHA256 == "" {
		t.Error("CustomerKeySHA256 not set on encrypted object")
	}

	if _, err := bucket.Object("secret").NewReader(ctx); apiErrorCode(err) != http.StatusBadRequest {
		t.Errorf("keyless read = %v, want HTTP 400", err)
	}
	if _, err := bucket.Object("secret").Key(wrongKey).NewReader(ctx); apiErrorCode(err) != http.StatusBadRequest {
		t.Errorf("wrong-key read = %v, want HTTP 400", err)
	}
	if got := mustRead(t, ctx, bucket.Object("secret").Key(key)); string(got) != "classified" {
		t.Errorf("keyed read = %q, want classified", got)
	}
}
