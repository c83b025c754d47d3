package storage_test

import (
	"context"
	"testing"

	"github.com/lumenstore/lumen-go/storage"
)

func hasRule(rules []storage.ACLRule, entity storage.ACLEntity, role storage.ACLRole) bool {
	for _, r := range rules {
		if r.Entity == entity && r.Role == role {
			return true
		}
	}
	return false
}

func TestBucketACL(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "acl-bucket")
	acl := bucket.ACL()

	if err := acl.Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rules, err := acl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !hasRule(rules, storage.AllUsers, storage.RoleReader) {
		t.Fatalf("rules = %v, want allUsers READER", rules)
	}

	// Setting the same entity again replaces the role.
	if err := acl.Set(ctx, storage.AllUsers, storage.RoleWriter); err != nil {
		t.Fatalf("Set to WRITER: %v", err)
	}
	rules, err = acl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if hasRule(rules, storage.AllUsers, storage.RoleReader) || !hasRule(rules, storage.AllUsers, storage.RoleWriter) {
		t.Fatalf("rules after replace = %v, want allUsers WRITER only", rules)
	}

	if err := acl.Delete(ctx, storage.AllUsers); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rules, err = acl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if hasRule(rules, storage.AllUsers, storage.RoleWriter) {
		t.Fatalf("rules after delete = %v, allUsers still present", rules)
	}

	if err := acl.Delete(ctx, "user-nobody@example.com"); err == nil {
		t.Error("deleting a missing ACL entry succeeded")
	}
}

func TestDefaultObjectACLAppliesToNewObjects(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "default-acl-bucket")
	if err := bucket.DefaultObjectACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		t.Fatalf("Set default ACL: %v", err)
	}

	mustWrite(t, ctx, bucket, "inherits", "x")
	rules, err := bucket.Object("inherits").ACL().List(ctx)
	if err != nil {
		t.Fatalf("List object ACL: %v", err)
	}
	if !hasRule(rules, storage.AllUsers, storage.RoleReader) {
		t.Fatalf("object ACL = %v, want inherited allUsers READER", rules)
	}
}

func TestObjectACL(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "obj-acl-bucket")
	mustWrite(t, ctx, bucket, "shared", "x")
	acl := bucket.Object("shared").ACL()

	const reader = storage.ACLEntity("user-reader@example.com")
	if err := acl.Set(ctx, reader, storage.RoleReader); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rules, err := acl.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !hasRule(rules, reader, storage.RoleReader) {
		t.Fatalf("rules = %v, want %s READER", rules, reader)
	}
	if err := acl.Delete(ctx, reader); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
