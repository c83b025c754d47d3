package storage_test

import (
	"context"
	"encoding/base64"
	"testing"

	"google.golang.org/api/iterator"

	"github.com/lumenstore/lumen-go/storage"
)

func TestHMACKeyLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	key, err := client.CreateHMACKey(ctx, testProject, "svc@example.com")
	if err != nil {
		t.Fatalf("CreateHMACKey: %v", err)
	}
	if key.AccessID == "" {
		t.Fatal("AccessID is empty")
	}
	if key.State != storage.Active {
		t.Errorf("State = %q, want ACTIVE", key.State)
	}
	if key.ServiceAccountEmail != "svc@example.com" {
		t.Errorf("ServiceAccountEmail = %q", key.ServiceAccountEmail)
	}
	if _, err := base64.StdEncoding.DecodeString(key.Secret); err != nil {
		t.Errorf("Secret is not valid base64: %v", err)
	}

	handle := client.HMACKeyHandle(testProject, key.AccessID)
	got, err := handle.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Secret != "" {
		t.Error("Get returned the secret; it must only appear at creation")
	}
	if got.AccessID != key.AccessID || got.State != storage.Active {
		t.Errorf("Get = %+v", got)
	}

	// An active key cannot be deleted.
	if err := handle.Delete(ctx); err == nil {
		t.Fatal("Delete of an active key succeeded")
	}

	updated, err := handle.Update(ctx, storage.HMACKeyAttrsToUpdate{State: storage.Inactive, Etag: got.Etag})
	if err != nil {
		t.Fatalf("Update to INACTIVE: %v", err)
	}
	if updated.State != storage.Inactive {
		t.Errorf("State after update = %q, want INACTIVE", updated.State)
	}

	if err := handle.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := handle.Get(ctx); err == nil {
		t.Error("Get after delete succeeded")
	}
}

func TestHMACKeyUpdateStaleEtag(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	key, err := client.CreateHMACKey(ctx, testProject, "svc@example.com")
	if err != nil {
		t.Fatalf("CreateHMACKey: %v", err)
	}
	handle := client.HMACKeyHandle(testProject, key.AccessID)
	_, err = handle.Update(ctx, storage.HMACKeyAttrsToUpdate{State: storage.Inactive, Etag: "bogus-etag"})
	if err == nil {
		t.Fatal("Update with stale etag succeeded")
	}
}

func TestListHMACKeys(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	var accessIDs []string
	for i := 0; i < 3; i++ {
		key, err := client.CreateHMACKey(ctx, testProject, "svc@example.com")
		if err != nil {
			t.Fatalf("CreateHMACKey: %v", err)
		}
		accessIDs = append(accessIDs, key.AccessID)
	}
	if _, err := client.CreateHMACKey(ctx, "other-project", "svc@example.com"); err != nil {
		t.Fatalf("CreateHMACKey in other project: %v", err)
	}

	seen := map[string]bool{}
	it := client.ListHMACKeys(ctx, testProject)
	for {
		key, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if key.Secret != "" {
			t.Error("listing returned a secret")
		}
		seen[key.AccessID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("listed %d keys in %s, want 3", len(seen), testProject)
	}
	for _, id := range accessIDs {
		if !seen[id] {
			t.Errorf("created key %s missing from listing", id)
		}
	}
}
