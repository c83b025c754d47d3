package emulator

import (
	"bytes"
	"context"
	"reflect"
	"testing"
)

func ptr[T any](v T) *T { return &v }

// statusOf unwraps the service error status, failing the test on any other
// error type.
func statusOf(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		t.Fatal("expected a service error")
	}
	ae, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error type = %T, want *apiError", err)
	}
	return ae.Status
}

func seedStore(t *testing.T, buckets ...string) *Store {
	t.Helper()
	s := NewStore()
	for _, b := range buckets {
		if err := s.SeedBucket("test-project", b); err != nil {
			t.Fatalf("SeedBucket(%s): %v", b, err)
		}
	}
	return s
}

func mustInsert(t *testing.T, s *Store, bucket, name string, data []byte) objectResource {
	t.Helper()
	res, err := s.InsertObject(bucket, objectResource{Name: name}, data, "", preconds{})
	if err != nil {
		t.Fatalf("InsertObject(%s/%s): %v", bucket, name, err)
	}
	return res
}

func TestStoreBucketLifecycle(t *testing.T) {
	s := NewStore()

	created, err := s.CreateBucket("proj", bucketResource{Name: "b1", Location: "EU"})
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if created.Metageneration != 1 || created.TimeCreated == "" || created.Etag == "" {
		t.Errorf("created = %+v, want metageneration 1 with timestamps and etag", created)
	}

	if _, err := s.CreateBucket("proj", bucketResource{Name: "b1"}); statusOf(t, err) != 409 {
		t.Errorf("duplicate create status = %d, want 409", statusOf(t, err))
	}

	got, err := s.GetBucket("b1", preconds{})
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.Location != "EU" {
		t.Errorf("Location = %q, want EU", got.Location)
	}

	if _, err := s.GetBucket("b1", preconds{MetagenerationMatch: ptr[int64](99)}); statusOf(t, err) != 412 {
		t.Error("stale metageneration precondition was accepted")
	}

	if err := s.DeleteBucket("b1", preconds{}); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := s.GetBucket("b1", preconds{}); statusOf(t, err) != 404 {
		t.Error("deleted bucket still resolves")
	}
}

func TestStoreDeleteBucketNonEmpty(t *testing.T) {
	s := seedStore(t, "full")
	mustInsert(t, s, "full", "obj", []byte("x"))

	if err := s.DeleteBucket("full", preconds{}); statusOf(t, err) != 409 {
		t.Errorf("delete of non-empty bucket status = %d, want 409", statusOf(t, err))
	}
	if err := s.DeleteObject("full", "obj", 0, preconds{}); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := s.DeleteBucket("full", preconds{}); err != nil {
		t.Fatalf("DeleteBucket after emptying: %v", err)
	}
}

func TestStorePatchBucketBumpsMetageneration(t *testing.T) {
	s := seedStore(t, "b")

	patched, err := s.PatchBucket("b", map[string]any{
		"versioning": map[string]any{"enabled": true},
		"labels":     map[string]any{"env": "dev"},
	}, preconds{})
	if err != nil {
		t.Fatalf("PatchBucket: %v", err)
	}
	if patched.Metageneration != 2 {
		t.Errorf("Metageneration = %d, want 2", patched.Metageneration)
	}
	if patched.Versioning == nil || !patched.Versioning.Enabled {
		t.Error("versioning patch was not applied")
	}
	if patched.Labels["env"] != "dev" {
		t.Errorf("Labels = %v", patched.Labels)
	}

	// A nil label value deletes the key.
	patched, err = s.PatchBucket("b", map[string]any{"labels": map[string]any{"env": nil}}, preconds{})
	if err != nil {
		t.Fatalf("PatchBucket: %v", err)
	}
	if _, ok := patched.Labels["env"]; ok {
		t.Error("nil label value did not delete the label")
	}
}

func TestStoreLockBucketRetention(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateBucket("proj", bucketResource{
		Name:            "held",
		RetentionPolicy: &retentionResource{RetentionPeriodSeconds: 3600},
	}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	if _, err := s.LockBucketRetention("held", 99); statusOf(t, err) != 412 {
		t.Error("lock with wrong metageneration was accepted")
	}

	locked, err := s.LockBucketRetention("held", 1)
	if err != nil {
		t.Fatalf("LockBucketRetention: %v", err)
	}
	if locked.RetentionPolicy == nil || !locked.RetentionPolicy.IsLocked {
		t.Fatal("policy is not locked after LockBucketRetention")
	}

	// Removing a locked policy is rejected.
	if _, err := s.PatchBucket("held", map[string]any{"retentionPolicy": nil}, preconds{}); statusOf(t, err) != 400 {
		t.Error("removal of a locked retention policy was accepted")
	}
}

func TestStoreListBuckets(t *testing.T) {
	s := NewStore()
	for _, name := range []string{"zeta", "alpha", "alpine"} {
		if err := s.SeedBucket("p1", name); err != nil {
			t.Fatalf("SeedBucket: %v", err)
		}
	}
	if err := s.SeedBucket("p2", "other"); err != nil {
		t.Fatalf("SeedBucket: %v", err)
	}

	items, token, err := s.ListBuckets("p1", "", "", 0)
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if token != "" {
		t.Errorf("unexpected page token %q", token)
	}
	var names []string
	for _, b := range items {
		names = append(names, b.Name)
	}
	if want := []string{"alpha", "alpine", "zeta"}; !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}

	items, _, err = s.ListBuckets("p1", "alp", "", 0)
	if err != nil {
		t.Fatalf("ListBuckets with prefix: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("prefix listing returned %d buckets, want 2", len(items))
	}

	// Two pages of one.
	items, token, err = s.ListBuckets("p1", "", "", 1)
	if err != nil || len(items) != 1 || token == "" {
		t.Fatalf("first page = %d items, token %q, err %v", len(items), token, err)
	}
	items, _, err = s.ListBuckets("p1", "", token, 2)
	if err != nil || len(items) != 2 {
		t.Fatalf("second page = %d items, err %v", len(items), err)
	}
}

func TestStoreInsertObject(t *testing.T) {
	s := seedStore(t, "b")

	first := mustInsert(t, s, "b", "o", []byte("hello"))
	if first.Size != 5 || first.Generation == 0 || first.Metageneration != 1 {
		t.Errorf("first = %+v", first)
	}
	if first.MD5Hash == "" || first.Etag == "" || first.TimeCreated == "" {
		t.Errorf("first is missing computed fields: %+v", first)
	}

	// Overwrite without versioning discards the old generation.
	second := mustInsert(t, s, "b", "o", []byte("world!"))
	if second.Generation <= first.Generation {
		t.Errorf("generations not increasing: %d then %d", first.Generation, second.Generation)
	}
	if _, _, _, err := s.GetObject("b", "o", first.Generation, preconds{}); statusOf(t, err) != 404 {
		t.Error("overwritten generation is still readable without versioning")
	}

	res, data, _, err := s.GetObject("b", "o", 0, preconds{})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if res.Generation != second.Generation || !bytes.Equal(data, []byte("world!")) {
		t.Errorf("live = gen %d %q", res.Generation, data)
	}

	if _, err := s.InsertObject("b", objectResource{}, nil, "", preconds{}); statusOf(t, err) != 400 {
		t.Error("insert with empty name was accepted")
	}
	if _, err := s.InsertObject("nope", objectResource{Name: "o"}, nil, "", preconds{}); statusOf(t, err) != 404 {
		t.Error("insert into missing bucket was accepted")
	}
}

func TestStoreObjectPreconditions(t *testing.T) {
	s := seedStore(t, "b")
	live := mustInsert(t, s, "b", "o", []byte("v1"))

	// ifGenerationMatch: 0 means the object must not exist.
	if _, err := s.InsertObject("b", objectResource{Name: "o"}, []byte("v2"), "", preconds{GenerationMatch: ptr[int64](0)}); statusOf(t, err) != 412 {
		t.Error("DoesNotExist insert over an existing object was accepted")
	}
	if _, err := s.InsertObject("b", objectResource{Name: "fresh"}, []byte("v1"), "", preconds{GenerationMatch: ptr[int64](0)}); err != nil {
		t.Errorf("DoesNotExist insert of a new object failed: %v", err)
	}

	if err := s.DeleteObject("b", "o", 0, preconds{GenerationMatch: ptr[int64](live.Generation + 7)}); statusOf(t, err) != 412 {
		t.Error("delete with stale generation match was accepted")
	}
	if _, err := s.PatchObject("b", "o", 0, map[string]any{"contentType": "text/plain"}, preconds{MetagenerationMatch: ptr[int64](42)}); statusOf(t, err) != 412 {
		t.Error("patch with stale metageneration match was accepted")
	}
	if err := s.DeleteObject("b", "o", 0, preconds{GenerationMatch: ptr[int64](live.Generation)}); err != nil {
		t.Errorf("delete with matching generation failed: %v", err)
	}
}

func TestStoreVersioning(t *testing.T) {
	s := seedStore(t, "b")
	if _, err := s.PatchBucket("b", map[string]any{"versioning": map[string]any{"enabled": true}}, preconds{}); err != nil {
		t.Fatalf("enabling versioning: %v", err)
	}

	first := mustInsert(t, s, "b", "o", []byte("v1"))
	second := mustInsert(t, s, "b", "o", []byte("v2"))

	// The overwritten generation is archived, not discarded.
	res, data, _, err := s.GetObject("b", "o", first.Generation, preconds{})
	if err != nil {
		t.Fatalf("GetObject(archived): %v", err)
	}
	if res.TimeDeleted == "" || !bytes.Equal(data, []byte("v1")) {
		t.Errorf("archived = %+v %q, want timeDeleted set and v1", res, data)
	}

	// Deleting the live generation archives it too.
	if err := s.DeleteObject("b", "o", 0, preconds{}); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, _, _, err := s.GetObject("b", "o", 0, preconds{}); statusOf(t, err) != 404 {
		t.Error("live lookup after delete succeeded")
	}
	if _, _, _, err := s.GetObject("b", "o", second.Generation, preconds{}); err != nil {
		t.Errorf("archived generation unreadable after delete: %v", err)
	}

	// Deleting an explicit generation removes it permanently.
	if err := s.DeleteObject("b", "o", first.Generation, preconds{}); err != nil {
		t.Fatalf("DeleteObject(gen): %v", err)
	}
	if _, _, _, err := s.GetObject("b", "o", first.Generation, preconds{}); statusOf(t, err) != 404 {
		t.Error("explicitly deleted generation is still readable")
	}
}

func TestStoreGetObjectEncryptionKey(t *testing.T) {
	s := seedStore(t, "b")
	const keyHash = "a2V5LWhhc2g="
	if _, err := s.InsertObject("b", objectResource{Name: "sealed"}, []byte("secret"), keyHash, preconds{}); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}

	res, _, gotHash, err := s.GetObject("b", "sealed", 0, preconds{})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if res.KeySHA256 != keyHash || gotHash != keyHash {
		t.Errorf("key hash = %q / %q, want %q", res.KeySHA256, gotHash, keyHash)
	}
}

func TestStoreListObjects(t *testing.T) {
	s := seedStore(t, "b")
	for _, name := range []string{"a/one", "a/two", "b/one", "top"} {
		mustInsert(t, s, "b", name, []byte(name))
	}

	names := func(items []objectResource) []string {
		var out []string
		for _, o := range items {
			out = append(out, o.Name)
		}
		return out
	}

	items, prefixes, token, err := s.ListObjects("b", ObjectListQuery{})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if token != "" || len(prefixes) != 0 {
		t.Errorf("flat listing: token %q, prefixes %v", token, prefixes)
	}
	if want := []string{"a/one", "a/two", "b/one", "top"}; !reflect.DeepEqual(names(items), want) {
		t.Errorf("names = %v, want %v", names(items), want)
	}

	items, prefixes, _, err = s.ListObjects("b", ObjectListQuery{Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjects(delimiter): %v", err)
	}
	if want := []string{"top"}; !reflect.DeepEqual(names(items), want) {
		t.Errorf("delimited names = %v, want %v", names(items), want)
	}
	if want := []string{"a/", "b/"}; !reflect.DeepEqual(prefixes, want) {
		t.Errorf("prefixes = %v, want %v", prefixes, want)
	}

	items, _, _, err = s.ListObjects("b", ObjectListQuery{Prefix: "a/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjects(prefix): %v", err)
	}
	if want := []string{"a/one", "a/two"}; !reflect.DeepEqual(names(items), want) {
		t.Errorf("prefixed names = %v, want %v", names(items), want)
	}

	items, _, _, err = s.ListObjects("b", ObjectListQuery{StartOffset: "a/two", EndOffset: "top"})
	if err != nil {
		t.Fatalf("ListObjects(offsets): %v", err)
	}
	if want := []string{"a/two", "b/one"}; !reflect.DeepEqual(names(items), want) {
		t.Errorf("offset names = %v, want %v", names(items), want)
	}

	if _, _, _, err := s.ListObjects("nope", ObjectListQuery{}); statusOf(t, err) != 404 {
		t.Error("listing a missing bucket succeeded")
	}
}

func TestStoreListObjectsPagination(t *testing.T) {
	s := seedStore(t, "b")
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		mustInsert(t, s, "b", name, nil)
	}

	var got []string
	token := ""
	pages := 0
	for {
		items, _, next, err := s.ListObjects("b", ObjectListQuery{MaxResults: 2, PageToken: token})
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, o := range items {
			got = append(got, o.Name)
		}
		pages++
		if next == "" {
			break
		}
		token = next
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if want := []string{"p1", "p2", "p3", "p4", "p5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("paged names = %v, want %v", got, want)
	}
}

func TestStoreListObjectsVersions(t *testing.T) {
	s := seedStore(t, "b")
	if _, err := s.PatchBucket("b", map[string]any{"versioning": map[string]any{"enabled": true}}, preconds{}); err != nil {
		t.Fatalf("enabling versioning: %v", err)
	}
	mustInsert(t, s, "b", "o", []byte("v1"))
	mustInsert(t, s, "b", "o", []byte("v2"))

	items, _, _, err := s.ListObjects("b", ObjectListQuery{})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("live listing returned %d items, want 1", len(items))
	}

	items, _, _, err = s.ListObjects("b", ObjectListQuery{Versions: true})
	if err != nil {
		t.Fatalf("ListObjects(versions): %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("versioned listing returned %d items, want 2", len(items))
	}
	if items[0].Generation >= items[1].Generation {
		t.Errorf("versions not in ascending generation order: %d, %d", items[0].Generation, items[1].Generation)
	}
}

func TestStoreCopyObject(t *testing.T) {
	s := seedStore(t, "src", "dst")
	if _, err := s.InsertObject("src", objectResource{Name: "o", ContentType: "text/plain", Metadata: map[string]string{"k": "v"}}, []byte("payload"), "", preconds{}); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}

	copied, err := s.CopyObject("src", "o", 0, preconds{}, "dst", objectResource{Name: "o-copy", ContentType: "application/json"}, preconds{}, "")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if copied.Name != "o-copy" || copied.Bucket != "dst" {
		t.Errorf("copied identity = %s/%s", copied.Bucket, copied.Name)
	}
	// Overrides win, everything else carries over from the source.
	if copied.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want the override", copied.ContentType)
	}
	if copied.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v, want the source metadata", copied.Metadata)
	}
	if _, data, _, err := s.GetObject("dst", "o-copy", 0, preconds{}); err != nil || !bytes.Equal(data, []byte("payload")) {
		t.Errorf("copied content = %q, err %v", data, err)
	}

	if _, err := s.CopyObject("src", "missing", 0, preconds{}, "dst", objectResource{Name: "x"}, preconds{}, ""); statusOf(t, err) != 404 {
		t.Error("copy of a missing source succeeded")
	}
}

func TestStoreCopyArchivedGeneration(t *testing.T) {
	s := seedStore(t, "src", "dst")
	if _, err := s.PatchBucket("src", map[string]any{"versioning": map[string]any{"enabled": true}}, preconds{}); err != nil {
		t.Fatalf("enabling versioning: %v", err)
	}
	first := mustInsert(t, s, "src", "o", []byte("old"))
	mustInsert(t, s, "src", "o", []byte("new"))

	// Copying an archived source generation must produce a live destination.
	copied, err := s.CopyObject("src", "o", first.Generation, preconds{}, "dst", objectResource{Name: "restored"}, preconds{}, "")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if copied.TimeDeleted != "" {
		t.Errorf("copied TimeDeleted = %q, want empty", copied.TimeDeleted)
	}
	res, data, _, err := s.GetObject("dst", "restored", 0, preconds{})
	if err != nil {
		t.Fatalf("live read of the copy: %v", err)
	}
	if res.TimeDeleted != "" || !bytes.Equal(data, []byte("old")) {
		t.Errorf("copy = %+v %q, want live with the archived content", res, data)
	}
}

func TestStoreComposeObject(t *testing.T) {
	s := seedStore(t, "b")
	mustInsert(t, s, "b", "part1", []byte("alpha "))
	mustInsert(t, s, "b", "part2", []byte("beta "))
	mustInsert(t, s, "b", "part3", []byte("gamma"))

	sources := []composeSource{{Name: "part1"}, {Name: "part2"}, {Name: "part3"}}
	res, err := s.ComposeObject("b", "whole", sources, objectResource{ContentType: "text/plain"}, preconds{})
	if err != nil {
		t.Fatalf("ComposeObject: %v", err)
	}
	if res.Name != "whole" || res.Size != int64(len("alpha beta gamma")) {
		t.Errorf("composed = %+v", res)
	}
	if _, data, _, err := s.GetObject("b", "whole", 0, preconds{}); err != nil || string(data) != "alpha beta gamma" {
		t.Errorf("composed content = %q, err %v", data, err)
	}

	if _, err := s.ComposeObject("b", "empty", nil, objectResource{}, preconds{}); statusOf(t, err) != 400 {
		t.Error("compose with no sources succeeded")
	}
	many := make([]composeSource, 33)
	for i := range many {
		many[i] = composeSource{Name: "part1"}
	}
	if _, err := s.ComposeObject("b", "too-many", many, objectResource{}, preconds{}); statusOf(t, err) != 400 {
		t.Error("compose with 33 sources succeeded")
	}
}

func TestStoreDefaultObjectACLInherited(t *testing.T) {
	s := seedStore(t, "b")
	if err := s.SetBucketACL("b", true, aclResource{Entity: "allUsers", Role: "READER"}); err != nil {
		t.Fatalf("SetBucketACL(default): %v", err)
	}

	inherited := mustInsert(t, s, "b", "public", nil)
	if len(inherited.ACL) != 1 || inherited.ACL[0].Entity != "allUsers" || inherited.ACL[0].Role != "READER" {
		t.Errorf("inherited ACL = %v", inherited.ACL)
	}

	// An explicit ACL on the insert wins over the default.
	explicit, err := s.InsertObject("b", objectResource{
		Name: "private",
		ACL:  []aclResource{{Entity: "user-a@example.com", Role: "OWNER"}},
	}, nil, "", preconds{})
	if err != nil {
		t.Fatalf("InsertObject: %v", err)
	}
	if len(explicit.ACL) != 1 || explicit.ACL[0].Entity != "user-a@example.com" {
		t.Errorf("explicit ACL = %v", explicit.ACL)
	}
}

func TestStoreIAMPolicyEtag(t *testing.T) {
	s := seedStore(t, "b")

	policy, err := s.GetPolicy("b")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if policy.Etag == "" {
		t.Fatal("fresh policy has no etag")
	}

	policy.Bindings = []bindingResource{{Role: "roles/storage.objectViewer", Members: []string{"user:a@example.com"}}}
	updated, err := s.SetPolicy("b", policy)
	if err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if updated.Etag == policy.Etag {
		t.Error("SetPolicy did not advance the etag")
	}

	// Replaying the old etag is a conflict.
	stale := updated
	stale.Etag = policy.Etag
	if _, err := s.SetPolicy("b", stale); err == nil {
		t.Error("SetPolicy with a stale etag succeeded")
	}

	// An empty etag skips the check.
	unconditional := updated
	unconditional.Etag = ""
	if _, err := s.SetPolicy("b", unconditional); err != nil {
		t.Errorf("SetPolicy without etag: %v", err)
	}
}

func TestStoreNotifications(t *testing.T) {
	s := seedStore(t, "b")

	created, err := s.AddNotification("b", notificationResource{Topic: "projects/p/topics/t", PayloadFormat: "JSON_API_V1"})
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}
	if created.ID == "" {
		t.Fatal("notification was not assigned an ID")
	}

	list, err := s.ListNotifications("b")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListNotifications = %d items, err %v", len(list), err)
	}

	if err := s.DeleteNotification("b", created.ID); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	if err := s.DeleteNotification("b", created.ID); statusOf(t, err) != 404 {
		t.Error("deleting a missing notification succeeded")
	}
}

func TestStoreHMACKeyLifecycle(t *testing.T) {
	s := NewStore()

	created, err := s.CreateHMACKey("proj", "svc@example.com")
	if err != nil {
		t.Fatalf("CreateHMACKey: %v", err)
	}
	if created.AccessID == "" || created.Secret == "" || created.State != "ACTIVE" {
		t.Fatalf("created = %+v", created)
	}

	got, err := s.GetHMACKey("proj", created.AccessID)
	if err != nil {
		t.Fatalf("GetHMACKey: %v", err)
	}
	if got.Secret != "" {
		t.Error("GetHMACKey leaked the secret")
	}

	// Active keys cannot be deleted.
	if err := s.DeleteHMACKey("proj", created.AccessID); err == nil {
		t.Fatal("delete of an ACTIVE key succeeded")
	}

	if _, err := s.UpdateHMACKey("proj", created.AccessID, "INACTIVE", "bogus-etag"); err == nil {
		t.Fatal("update with a mismatched etag succeeded")
	}
	updated, err := s.UpdateHMACKey("proj", created.AccessID, "INACTIVE", got.Etag)
	if err != nil {
		t.Fatalf("UpdateHMACKey: %v", err)
	}
	if updated.State != "INACTIVE" || updated.Etag == got.Etag {
		t.Errorf("updated = %+v", updated)
	}

	if err := s.DeleteHMACKey("proj", created.AccessID); err != nil {
		t.Fatalf("DeleteHMACKey: %v", err)
	}
	if _, err := s.GetHMACKey("proj", created.AccessID); statusOf(t, err) != 404 {
		t.Error("deleted key still resolves")
	}
}

func TestStoreLookupHMACKey(t *testing.T) {
	s := NewStore()
	s.SeedHMACKey("proj", "LUMENACCESS00001", "c2VjcmV0", "svc@example.com")

	cred, err := s.LookupHMACKey(context.Background(), "LUMENACCESS00001")
	if err != nil {
		t.Fatalf("LookupHMACKey: %v", err)
	}
	if cred == nil || !cred.Active || cred.Secret != "c2VjcmV0" {
		t.Fatalf("cred = %+v", cred)
	}

	cred, err = s.LookupHMACKey(context.Background(), "NOSUCHACCESSID00")
	if err != nil || cred != nil {
		t.Errorf("missing key lookup = %+v, %v, want nil, nil", cred, err)
	}
}

func TestStoreUploadSessions(t *testing.T) {
	s := seedStore(t, "b")

	id, err := s.CreateUploadSession("b", objectResource{Name: "big"}, preconds{}, "")
	if err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}

	if _, committed, err := s.AppendUploadChunk(id, 0, []byte("hello "), false, -1); err != nil || committed != 6 {
		t.Fatalf("first chunk: committed %d, err %v", committed, err)
	}

	// A replay of an already committed range is absorbed.
	if _, committed, err := s.AppendUploadChunk(id, 0, []byte("hello "), false, -1); err != nil || committed != 6 {
		t.Fatalf("replayed chunk: committed %d, err %v", committed, err)
	}
	if got, err := s.CommittedSize(id); err != nil || got != 6 {
		t.Fatalf("CommittedSize = %d, err %v", got, err)
	}

	// A chunk that skips past the committed size is rejected.
	if _, _, err := s.AppendUploadChunk(id, 12, []byte("x"), false, -1); statusOf(t, err) != 400 {
		t.Error("gapped chunk was accepted")
	}

	// Finalizing with the wrong total size is rejected.
	if _, _, err := s.AppendUploadChunk(id, 6, []byte("world"), true, 99); statusOf(t, err) != 400 {
		t.Error("finalize with a mismatched size succeeded")
	}

	res, committed, err := s.AppendUploadChunk(id, 6, []byte("world"), true, 11)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res == nil || res.Size != 11 || committed != 11 {
		t.Fatalf("finalized = %+v, committed %d", res, committed)
	}

	if _, data, _, err := s.GetObject("b", "big", 0, preconds{}); err != nil || string(data) != "hello world" {
		t.Errorf("uploaded content = %q, err %v", data, err)
	}

	// The session is gone once finalized.
	if _, err := s.CommittedSize(id); statusOf(t, err) != 404 {
		t.Error("finalized session still resolves")
	}
	if _, _, err := s.AppendUploadChunk("no-such-session", 0, nil, false, -1); statusOf(t, err) != 404 {
		t.Error("append to a missing session succeeded")
	}
}
