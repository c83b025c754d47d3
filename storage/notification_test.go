package storage_test

import (
	"context"
	"testing"

	"github.com/lumenstore/lumen-go/storage"
)

func TestNotificationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "notif-bucket")

	created, err := bucket.AddNotification(ctx, &storage.Notification{
		Topic:            "projects/test-project/topics/object-events",
		EventTypes:       []string{storage.ObjectFinalizeEvent, storage.ObjectDeleteEvent},
		ObjectNamePrefix: "incoming/",
		PayloadFormat:    storage.JSONPayload,
		CustomAttributes: map[string]string{"source": "tests"},
	})
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created notification has no ID")
	}
	if created.Topic != "projects/test-project/topics/object-events" {
		t.Errorf("Topic = %q", created.Topic)
	}

	second, err := bucket.AddNotification(ctx, &storage.Notification{
		Topic:         "projects/test-project/topics/audit",
		PayloadFormat: storage.NoPayload,
	})
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	all, err := bucket.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Notifications returned %d entries, want 2", len(all))
	}
	got, ok := all[created.ID]
	if !ok {
		t.Fatalf("notification %s missing from map %v", created.ID, all)
	}
	if got.ObjectNamePrefix != "incoming/" {
		t.Errorf("ObjectNamePrefix = %q, want incoming/", got.ObjectNamePrefix)
	}
	if len(got.EventTypes) != 2 {
		t.Errorf("EventTypes = %v, want 2 entries", got.EventTypes)
	}
	if got.CustomAttributes["source"] != "tests" {
		t.Errorf("CustomAttributes = %v", got.CustomAttributes)
	}

	if err := bucket.DeleteNotification(ctx, created.ID); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	all, err = bucket.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications after delete: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Notifications after delete = %v, want only %s", all, second.ID)
	}
	if err := bucket.DeleteNotification(ctx, created.ID); err == nil {
		t.Error("deleting a missing notification succeeded")
	}
}

func TestAddNotificationValidation(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	bucket := mustCreateBucket(t, ctx, client, "notif-valid-bucket")
	if _, err := bucket.AddNotification(ctx, &storage.Notification{}); err == nil {
		t.Error("AddNotification with no topic succeeded")
	}
	if _, err := client.Bucket("no-such-bucket").AddNotification(ctx, &storage.Notification{Topic: "t"}); err == nil {
		t.Error("AddNotification on a missing bucket succeeded")
	}
}
