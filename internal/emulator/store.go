package emulator

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumenstore/lumen-go/internal/auth"
	"github.com/lumenstore/lumen-go/internal/uid"
)

// preconds are the parsed precondition query parameters of a request. Nil
// pointers mean the parameter was absent.
type preconds struct {
	GenerationMatch        *int64
	GenerationNotMatch     *int64
	MetagenerationMatch    *int64
	MetagenerationNotMatch *int64
}

// object is one generation of an object: its resource plus content.
type object struct {
	res       objectResource
	data      []byte
	keySHA256 string // base64 SHA-256 of the encryption key, empty for plain objects
}

// bucket holds a bucket's resource and everything scoped under it.
type bucket struct {
	res           bucketResource
	project       string
	objects       map[string][]*object // generations in ascending order
	policy        policyResource
	notifications map[string]*notificationResource
	nextNotifID   int
}

// uploadSession is an in-progress resumable upload.
type uploadSession struct {
	bucket    string
	res       objectResource
	conds     preconds
	keySHA256 string
	data      []byte
	done      bool
}

// Store is the in-memory service state. All methods are safe for concurrent
// use.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	buckets  map[string]*bucket
	hmacKeys map[string]*hmacResource
	sessions map[string]*uploadSession

	generation int64
	etagSeq    int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		hmacKeys: make(map[string]*hmacResource),
		sessions: make(map[string]*uploadSession),
	}
}

func (s *Store) nextGeneration() int64 {
	s.generation++
	return s.generation
}

func (s *Store) nextEtag() string {
	s.etagSeq++
	return "W/" + strconv.FormatInt(s.etagSeq, 36)
}

func randomID(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}

// checkBucketPreconds evaluates metageneration preconditions against a
// bucket.
func checkBucketPreconds(b *bucket, p preconds) error {
	if p.MetagenerationMatch != nil && b.res.Metageneration != *p.MetagenerationMatch {
		return errPreconditionFailed(fmt.Sprintf("bucket metageneration %d does not match %d", b.res.Metageneration, *p.MetagenerationMatch))
	}
	if p.MetagenerationNotMatch != nil && b.res.Metageneration == *p.MetagenerationNotMatch {
		return errPreconditionFailed(fmt.Sprintf("bucket metageneration is %d", b.res.Metageneration))
	}
	return nil
}

// checkObjectPreconds evaluates generation and metageneration preconditions.
// live is the current live generation, zero when the object does not exist.
func checkObjectPreconds(live *object, p preconds) error {
	var gen, metagen int64
	if live != nil {
		gen = live.res.Generation
		metagen = live.res.Metageneration
	}
	if p.GenerationMatch != nil {
		if *p.GenerationMatch == 0 && live != nil {
			return errPreconditionFailed("object already exists")
		}
		if *p.GenerationMatch != 0 && gen != *p.GenerationMatch {
			return errPreconditionFailed(fmt.Sprintf("generation %d does not match %d", gen, *p.GenerationMatch))
		}
	}
	if p.GenerationNotMatch != nil && gen == *p.GenerationNotMatch {
		return errPreconditionFailed(fmt.Sprintf("generation is %d", gen))
	}
	if p.MetagenerationMatch != nil {
		if live == nil {
			return errNotFound("object", "")
		}
		if metagen != *p.MetagenerationMatch {
			return errPreconditionFailed(fmt.Sprintf("metageneration %d does not match %d", metagen, *p.MetagenerationMatch))
		}
	}
	if p.MetagenerationNotMatch != nil && live != nil && metagen == *p.MetagenerationNotMatch {
		return errPreconditionFailed(fmt.Sprintf("metageneration is %d", metagen))
	}
	return nil
}

// liveObject returns the newest non-deleted generation, or nil.
func liveObject(gens []*object) *object {
	for i := len(gens) - 1; i >= 0; i-- {
		if gens[i].res.TimeDeleted == "" {
			return gens[i]
		}
	}
	return nil
}

// CreateBucket inserts a bucket owned by the given project.
func (s *Store) CreateBucket(project string, res bucketResource) (bucketResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Name == "" {
		return bucketResource{}, errInvalid("bucket name is required")
	}
	if _, ok := s.buckets[res.Name]; ok {
		return bucketResource{}, errConflict(fmt.Sprintf("bucket %q already exists", res.Name))
	}
	if res.Location == "" {
		res.Location = "AUTO"
	}
	if res.StorageClass == "" {
		res.StorageClass = "STANDARD"
	}
	res.Metageneration = 1
	res.TimeCreated = formatTime(s.now())
	res.Etag = s.nextEtag()
	if res.RetentionPolicy != nil {
		res.RetentionPolicy.EffectiveTime = res.TimeCreated
	}

	s.buckets[res.Name] = &bucket{
		res:           res,
		project:       project,
		objects:       make(map[string][]*object),
		policy:        policyResource{Etag: s.nextEtag(), Version: 1},
		notifications: make(map[string]*notificationResource),
	}
	return res, nil
}

// SeedBucket creates an empty bucket with default settings, for startup
// seeding.
func (s *Store) SeedBucket(project, name string) error {
	_, err := s.CreateBucket(project, bucketResource{Name: name})
	return err
}

// GetBucket returns the bucket resource.
func (s *Store) GetBucket(name string, p preconds) (bucketResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return bucketResource{}, errNotFound("bucket", name)
	}
	if err := checkBucketPreconds(b, p); err != nil {
		return bucketResource{}, err
	}
	return b.res, nil
}

// DeleteBucket removes an empty bucket.
func (s *Store) DeleteBucket(name string, p preconds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return errNotFound("bucket", name)
	}
	if err := checkBucketPreconds(b, p); err != nil {
		return err
	}
	for _, gens := range b.objects {
		if len(gens) > 0 {
			return errConflict(fmt.Sprintf("bucket %q is not empty", name))
		}
	}
	delete(s.buckets, name)
	return nil
}

// PatchBucket applies a partial update. Unknown fields are ignored; a null
// label deletes that label.
func (s *Store) PatchBucket(name string, patch map[string]any, p preconds) (bucketResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return bucketResource{}, errNotFound("bucket", name)
	}
	if err := checkBucketPreconds(b, p); err != nil {
		return bucketResource{}, err
	}

	for field, raw := range patch {
		switch field {
		case "versioning":
			m, _ := raw.(map[string]any)
			enabled, _ := m["enabled"].(bool)
			b.res.Versioning = &versioningResource{Enabled: enabled}
		case "labels":
			if b.res.Labels == nil {
				b.res.Labels = make(map[string]string)
			}
			m, _ := raw.(map[string]any)
			for k, v := range m {
				if v == nil {
					delete(b.res.Labels, k)
				} else if str, ok := v.(string); ok {
					b.res.Labels[k] = str
				}
			}
		case "storageClass":
			if str, ok := raw.(string); ok {
				b.res.StorageClass = str
			}
		case "defaultKmsKeyName":
			if raw == nil {
				b.res.DefaultKMSKeyName = ""
			} else if str, ok := raw.(string); ok {
				b.res.DefaultKMSKeyName = str
			}
		case "lifecycle":
			var lc *lifecycleResource
			if raw != nil {
				lc = &lifecycleResource{}
				if err := remarshal(raw, lc); err != nil {
					return bucketResource{}, errInvalid("malformed lifecycle")
				}
			}
			b.res.Lifecycle = lc
		case "retentionPolicy":
			if raw == nil {
				if b.res.RetentionPolicy != nil && b.res.RetentionPolicy.IsLocked {
					return bucketResource{}, errInvalid("retention policy is locked")
				}
				b.res.RetentionPolicy = nil
				continue
			}
			rp := &retentionResource{}
			if err := remarshal(raw, rp); err != nil {
				return bucketResource{}, errInvalid("malformed retention policy")
			}
			if b.res.RetentionPolicy != nil && b.res.RetentionPolicy.IsLocked &&
				rp.RetentionPeriodSeconds < b.res.RetentionPolicy.RetentionPeriodSeconds {
				return bucketResource{}, errInvalid("cannot shorten a locked retention policy")
			}
			rp.EffectiveTime = formatTime(s.now())
			rp.IsLocked = b.res.RetentionPolicy != nil && b.res.RetentionPolicy.IsLocked
			b.res.RetentionPolicy = rp
		case "acl":
			var acl []aclResource
			if err := remarshal(raw, &acl); err != nil {
				return bucketResource{}, errInvalid("malformed acl")
			}
			b.res.ACL = acl
		case "defaultObjectAcl":
			var acl []aclResource
			if err := remarshal(raw, &acl); err != nil {
				return bucketResource{}, errInvalid("malformed defaultObjectAcl")
			}
			b.res.DefaultObjectACL = acl
		}
	}

	b.res.Metageneration++
	b.res.Etag = s.nextEtag()
	return b.res, nil
}

// LockBucketRetention permanently locks the bucket's retention policy. The
// metageneration precondition is mandatory.
func (s *Store) LockBucketRetention(name string, metageneration int64) (bucketResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return bucketResource{}, errNotFound("bucket", name)
	}
	if b.res.Metageneration != metageneration {
		return bucketResource{}, errPreconditionFailed(fmt.Sprintf("bucket metageneration %d does not match %d", b.res.Metageneration, metageneration))
	}
	if b.res.RetentionPolicy == nil {
		return bucketResource{}, errInvalid("bucket has no retention policy")
	}
	b.res.RetentionPolicy.IsLocked = true
	b.res.Metageneration++
	b.res.Etag = s.nextEtag()
	return b.res, nil
}

// ListBuckets returns the project's buckets after pageToken, plus the next
// token when more remain.
func (s *Store) ListBuckets(project, prefix, pageToken string, maxResults int) ([]bucketResource, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, b := range s.buckets {
		if b.project == project && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []bucketResource
	for i, name := range names {
		if pageToken != "" && name <= pageToken {
			continue
		}
		if maxResults > 0 && len(out) == maxResults {
			return out, names[i-1], nil
		}
		out = append(out, s.buckets[name].res)
	}
	return out, "", nil
}

// InsertObject writes a new generation. With versioning enabled the old
// live generation becomes noncurrent; otherwise it is discarded.
func (s *Store) InsertObject(bucketName string, res objectResource, data []byte, keySHA256 string, p preconds) (objectResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return objectResource{}, errNotFound("bucket", bucketName)
	}
	if res.Name == "" {
		return objectResource{}, errInvalid("object name is required")
	}

	gens := b.objects[res.Name]
	live := liveObject(gens)
	if err := checkObjectPreconds(live, p); err != nil {
		return objectResource{}, err
	}

	now := formatTime(s.now())
	res.Bucket = bucketName
	res.Size = int64(len(data))
	sum := md5.Sum(data)
	res.MD5Hash = base64.StdEncoding.EncodeToString(sum[:])
	res.Generation = s.nextGeneration()
	res.Metageneration = 1
	res.TimeCreated = now
	res.Updated = now
	res.Etag = s.nextEtag()
	if res.StorageClass == "" {
		res.StorageClass = b.res.StorageClass
	}
	if keySHA256 != "" {
		res.KeySHA256 = keySHA256
	}
	if len(res.ACL) == 0 {
		res.ACL = append([]aclResource(nil), b.res.DefaultObjectACL...)
	}

	versioned := b.res.Versioning != nil && b.res.Versioning.Enabled
	if live != nil {
		if versioned {
			live.res.TimeDeleted = now
		} else {
			gens = dropGeneration(gens, live.res.Generation)
		}
	}
	b.objects[res.Name] = append(gens, &object{res: res, data: data, keySHA256: keySHA256})
	return res, nil
}

func dropGeneration(gens []*object, generation int64) []*object {
	out := gens[:0]
	for _, g := range gens {
		if g.res.Generation != generation {
			out = append(out, g)
		}
	}
	return out
}

// lookupObject finds a generation. gen <= 0 means the live generation.
func (s *Store) lookupObject(bucketName, name string, gen int64) (*bucket, *object, error) {
	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, nil, errNotFound("bucket", bucketName)
	}
	gens := b.objects[name]
	if gen > 0 {
		for _, g := range gens {
			if g.res.Generation == gen {
				return b, g, nil
			}
		}
		return b, nil, errNotFound("object", name)
	}
	live := liveObject(gens)
	if live == nil {
		return b, nil, errNotFound("object", name)
	}
	return b, live, nil
}

// GetObject returns a generation's resource and content.
func (s *Store) GetObject(bucketName, name string, gen int64, p preconds) (objectResource, []byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, o, err := s.lookupObject(bucketName, name, gen)
	if err != nil {
		return objectResource{}, nil, "", err
	}
	live := liveObject(b.objects[name])
	if err := checkObjectPreconds(live, p); err != nil {
		return objectResource{}, nil, "", err
	}
	return o.res, o.data, o.keySHA256, nil
}

// PatchObject applies a metadata update to a generation.
func (s *Store) PatchObject(bucketName, name string, gen int64, patch map[string]any, p preconds) (objectResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, o, err := s.lookupObject(bucketName, name, gen)
	if err != nil {
		return objectResource{}, err
	}
	if err := checkObjectPreconds(liveObject(b.objects[name]), p); err != nil {
		return objectResource{}, err
	}

	for field, raw := range patch {
		switch field {
		case "contentType":
			o.res.ContentType = asString(raw)
		case "contentLanguage":
			o.res.ContentLanguage = asString(raw)
		case "contentEncoding":
			o.res.ContentEncoding = asString(raw)
		case "contentDisposition":
			o.res.ContentDisposition = asString(raw)
		case "cacheControl":
			o.res.CacheControl = asString(raw)
		case "temporaryHold":
			v, _ := raw.(bool)
			o.res.TemporaryHold = v
		case "eventBasedHold":
			v, _ := raw.(bool)
			o.res.EventBasedHold = v
		case "metadata":
			if raw == nil {
				o.res.Metadata = nil
				continue
			}
			if o.res.Metadata == nil {
				o.res.Metadata = make(map[string]string)
			}
			m, _ := raw.(map[string]any)
			for k, v := range m {
				if v == nil {
					delete(o.res.Metadata, k)
				} else if str, ok := v.(string); ok {
					o.res.Metadata[k] = str
				}
			}
		case "acl":
			var acl []aclResource
			if err := remarshal(raw, &acl); err != nil {
				return objectResource{}, errInvalid("malformed acl")
			}
			o.res.ACL = acl
		}
	}

	o.res.Metageneration++
	o.res.Updated = formatTime(s.now())
	o.res.Etag = s.nextEtag()
	return o.res, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// DeleteObject removes a generation. Without an explicit generation the
// live one is deleted: archived when versioning is on, discarded otherwise.
func (s *Store) DeleteObject(bucketName, name string, gen int64, p preconds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, o, err := s.lookupObject(bucketName, name, gen)
	if err != nil {
		return err
	}
	if err := checkObjectPreconds(liveObject(b.objects[name]), p); err != nil {
		return err
	}

	versioned := b.res.Versioning != nil && b.res.Versioning.Enabled
	if gen <= 0 && versioned {
		o.res.TimeDeleted = formatTime(s.now())
	} else {
		b.objects[name] = dropGeneration(b.objects[name], o.res.Generation)
		if len(b.objects[name]) == 0 {
			delete(b.objects, name)
		}
	}
	return nil
}

// ObjectListQuery are the listing parameters.
type ObjectListQuery struct {
	Prefix      string
	Delimiter   string
	StartOffset string
	EndOffset   string
	Versions    bool
	PageToken   string
	MaxResults  int
}

// ListObjects lists object resources and collapsed prefixes in name order.
func (s *Store) ListObjects(bucketName string, q ObjectListQuery) ([]objectResource, []string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, nil, "", errNotFound("bucket", bucketName)
	}

	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	sort.Strings(names)

	type entry struct {
		name   string
		prefix bool
		objs   []*object
	}
	var entries []entry
	seenPrefixes := map[string]bool{}
	for _, name := range names {
		if !strings.HasPrefix(name, q.Prefix) {
			continue
		}
		if q.StartOffset != "" && name < q.StartOffset {
			continue
		}
		if q.EndOffset != "" && name >= q.EndOffset {
			continue
		}
		if q.Delimiter != "" {
			rest := name[len(q.Prefix):]
			if i := strings.Index(rest, q.Delimiter); i >= 0 {
				p := q.Prefix + rest[:i+len(q.Delimiter)]
				if !seenPrefixes[p] {
					seenPrefixes[p] = true
					entries = append(entries, entry{name: p, prefix: true})
				}
				continue
			}
		}
		gens := b.objects[name]
		if q.Versions {
			entries = append(entries, entry{name: name, objs: gens})
		} else if live := liveObject(gens); live != nil {
			entries = append(entries, entry{name: name, objs: []*object{live}})
		}
	}

	var items []objectResource
	var prefixes []string
	count := 0
	for i, e := range entries {
		if q.PageToken != "" && e.name <= q.PageToken {
			continue
		}
		if q.MaxResults > 0 && count >= q.MaxResults {
			return items, prefixes, entries[i-1].name, nil
		}
		if e.prefix {
			prefixes = append(prefixes, e.name)
		} else {
			for _, o := range e.objs {
				items = append(items, o.res)
			}
		}
		count++
	}
	return items, prefixes, "", nil
}

// CopyObject copies a source generation into a destination, applying
// metadata overrides from dst.
func (s *Store) CopyObject(srcBucket, srcName string, srcGen int64, srcPre preconds, dstBucket string, dst objectResource, dstPre preconds, keySHA256 string) (objectResource, error) {
	s.mu.Lock()
	src, data, err := func() (objectResource, []byte, error) {
		b, o, err := s.lookupObject(srcBucket, srcName, srcGen)
		if err != nil {
			return objectResource{}, nil, err
		}
		if err := checkObjectPreconds(liveObject(b.objects[srcName]), srcPre); err != nil {
			return objectResource{}, nil, err
		}
		return o.res, o.data, nil
	}()
	s.mu.Unlock()
	if err != nil {
		return objectResource{}, err
	}

	merged := src
	merged.Name = dst.Name
	merged.ACL = nil
	merged.KeySHA256 = ""
	merged.TimeDeleted = ""
	applyOverrides(&merged, dst)
	return s.InsertObject(dstBucket, merged, data, keySHA256, dstPre)
}

func applyOverrides(dst *objectResource, o objectResource) {
	if o.ContentType != "" {
		dst.ContentType = o.ContentType
	}
	if o.ContentLanguage != "" {
		dst.ContentLanguage = o.ContentLanguage
	}
	if o.ContentEncoding != "" {
		dst.ContentEncoding = o.ContentEncoding
	}
	if o.ContentDisposition != "" {
		dst.ContentDisposition = o.ContentDisposition
	}
	if o.CacheControl != "" {
		dst.CacheControl = o.CacheControl
	}
	if o.StorageClass != "" {
		dst.StorageClass = o.StorageClass
	}
	if o.Metadata != nil {
		dst.Metadata = o.Metadata
	}
	if len(o.ACL) > 0 {
		dst.ACL = o.ACL
	}
}

// composeSource names one input of a compose request.
type composeSource struct {
	Name       string
	Generation int64
}

// ComposeObject concatenates up to 32 source objects from the same bucket
// into a destination object.
func (s *Store) ComposeObject(bucketName, dstName string, sources []composeSource, dst objectResource, p preconds) (objectResource, error) {
	if len(sources) == 0 {
		return objectResource{}, errInvalid("compose requires at least one source")
	}
	if len(sources) > 32 {
		return objectResource{}, errInvalid("compose accepts at most 32 sources")
	}

	s.mu.Lock()
	var data []byte
	for _, src := range sources {
		_, o, err := s.lookupObject(bucketName, src.Name, src.Generation)
		if err != nil {
			s.mu.Unlock()
			return objectResource{}, err
		}
		data = append(data, o.data...)
	}
	s.mu.Unlock()

	dst.Name = dstName
	return s.InsertObject(bucketName, dst, data, "", p)
}

// upsertACL replaces the entry for an entity or appends a new one.
func upsertACL(acl []aclResource, entry aclResource) []aclResource {
	for i, e := range acl {
		if e.Entity == entry.Entity {
			acl[i] = entry
			return acl
		}
	}
	return append(acl, entry)
}

func removeACL(acl []aclResource, entity string) ([]aclResource, bool) {
	for i, e := range acl {
		if e.Entity == entity {
			return append(acl[:i], acl[i+1:]...), true
		}
	}
	return acl, false
}

// BucketACL returns a bucket's ACL or default object ACL.
func (s *Store) BucketACL(name string, isDefault bool) ([]aclResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, errNotFound("bucket", name)
	}
	if isDefault {
		return append([]aclResource(nil), b.res.DefaultObjectACL...), nil
	}
	return append([]aclResource(nil), b.res.ACL...), nil
}

// SetBucketACL grants a role on a bucket's ACL or default object ACL,
// replacing any existing grant for the entity.
func (s *Store) SetBucketACL(name string, isDefault bool, entry aclResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return errNotFound("bucket", name)
	}
	entry.Etag = s.nextEtag()
	if isDefault {
		b.res.DefaultObjectACL = upsertACL(b.res.DefaultObjectACL, entry)
	} else {
		b.res.ACL = upsertACL(b.res.ACL, entry)
	}
	b.res.Metageneration++
	return nil
}

// DeleteBucketACL removes an entity's grant.
func (s *Store) DeleteBucketACL(name string, isDefault bool, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return errNotFound("bucket", name)
	}
	var removed bool
	if isDefault {
		b.res.DefaultObjectACL, removed = removeACL(b.res.DefaultObjectACL, entity)
	} else {
		b.res.ACL, removed = removeACL(b.res.ACL, entity)
	}
	if !removed {
		return errNotFound("acl entry", entity)
	}
	b.res.Metageneration++
	return nil
}

// ObjectACL returns the live generation's ACL.
func (s *Store) ObjectACL(bucketName, name string) ([]aclResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, o, err := s.lookupObject(bucketName, name, 0)
	if err != nil {
		return nil, err
	}
	return append([]aclResource(nil), o.res.ACL...), nil
}

// SetObjectACL grants a role on the live generation's ACL.
func (s *Store) SetObjectACL(bucketName, name string, entry aclResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, o, err := s.lookupObject(bucketName, name, 0)
	if err != nil {
		return err
	}
	entry.Etag = s.nextEtag()
	o.res.ACL = upsertACL(o.res.ACL, entry)
	o.res.Metageneration++
	o.res.Updated = formatTime(s.now())
	return nil
}

// DeleteObjectACL removes an entity's grant from the live generation.
func (s *Store) DeleteObjectACL(bucketName, name, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, o, err := s.lookupObject(bucketName, name, 0)
	if err != nil {
		return err
	}
	var removed bool
	o.res.ACL, removed = removeACL(o.res.ACL, entity)
	if !removed {
		return errNotFound("acl entry", entity)
	}
	o.res.Metageneration++
	o.res.Updated = formatTime(s.now())
	return nil
}

// GetPolicy returns the bucket's IAM policy.
func (s *Store) GetPolicy(bucketName string) (policyResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return policyResource{}, errNotFound("bucket", bucketName)
	}
	return b.policy, nil
}

// SetPolicy replaces the bucket's IAM policy. A non-empty etag must match
// the stored one.
func (s *Store) SetPolicy(bucketName string, policy policyResource) (policyResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return policyResource{}, errNotFound("bucket", bucketName)
	}
	if policy.Etag != "" && policy.Etag != b.policy.Etag {
		return policyResource{}, errPreconditionFailed("policy etag mismatch")
	}
	policy.Etag = s.nextEtag()
	if policy.Version == 0 {
		policy.Version = 1
	}
	b.policy = policy
	return b.policy, nil
}

// AddNotification registers a notification configuration and assigns its ID.
func (s *Store) AddNotification(bucketName string, n notificationResource) (notificationResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return notificationResource{}, errNotFound("bucket", bucketName)
	}
	if n.Topic == "" {
		return notificationResource{}, errInvalid("notification topic is required")
	}
	if n.PayloadFormat == "" {
		n.PayloadFormat = "JSON_API_V1"
	}
	b.nextNotifID++
	n.ID = strconv.Itoa(b.nextNotifID)
	b.notifications[n.ID] = &n
	return n, nil
}

// ListNotifications returns the bucket's notification configurations.
func (s *Store) ListNotifications(bucketName string) ([]notificationResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, errNotFound("bucket", bucketName)
	}
	out := make([]notificationResource, 0, len(b.notifications))
	for _, n := range b.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteNotification removes a notification configuration.
func (s *Store) DeleteNotification(bucketName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return errNotFound("bucket", bucketName)
	}
	if _, ok := b.notifications[id]; !ok {
		return errNotFound("notification", id)
	}
	delete(b.notifications, id)
	return nil
}

// CreateHMACKey mints a new key. The secret appears only in this response.
func (s *Store) CreateHMACKey(project, serviceAccountEmail string) (hmacResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if serviceAccountEmail == "" {
		return hmacResource{}, errInvalid("serviceAccountEmail is required")
	}
	secret := make([]byte, 40)
	rand.Read(secret) //nolint:errcheck
	now := formatTime(s.now())
	key := hmacResource{
		AccessID:            "LUMEN" + strings.ToUpper(randomID(12)),
		Secret:              base64.StdEncoding.EncodeToString(secret),
		State:               "ACTIVE",
		ServiceAccountEmail: serviceAccountEmail,
		ProjectID:           project,
		TimeCreated:         now,
		Updated:             now,
		Etag:                s.nextEtag(),
	}
	stored := key
	stored.ProjectID = project
	s.hmacKeys[key.AccessID] = &stored
	return key, nil
}

// SeedHMACKey installs a key with a fixed access ID and secret, replacing
// any existing key with the same access ID.
func (s *Store) SeedHMACKey(project, accessID, secret, serviceAccountEmail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(s.now())
	s.hmacKeys[accessID] = &hmacResource{
		AccessID:            accessID,
		Secret:              secret,
		State:               "ACTIVE",
		ServiceAccountEmail: serviceAccountEmail,
		ProjectID:           project,
		TimeCreated:         now,
		Updated:             now,
		Etag:                s.nextEtag(),
	}
}

// GetHMACKey returns a key's metadata without the secret.
func (s *Store) GetHMACKey(project, accessID string) (hmacResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.hmacKeys[accessID]
	if !ok || key.ProjectID != project || key.State == "DELETED" {
		return hmacResource{}, errNotFound("hmacKey", accessID)
	}
	out := *key
	out.Secret = ""
	return out, nil
}

// UpdateHMACKey transitions a key between ACTIVE and INACTIVE.
func (s *Store) UpdateHMACKey(project, accessID, state, etag string) (hmacResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.hmacKeys[accessID]
	if !ok || key.ProjectID != project || key.State == "DELETED" {
		return hmacResource{}, errNotFound("hmacKey", accessID)
	}
	if state != "ACTIVE" && state != "INACTIVE" {
		return hmacResource{}, errInvalid("state must be ACTIVE or INACTIVE")
	}
	if etag != "" && etag != key.Etag {
		return hmacResource{}, errPreconditionFailed("hmac key etag mismatch")
	}
	key.State = state
	key.Updated = formatTime(s.now())
	key.Etag = s.nextEtag()
	out := *key
	out.Secret = ""
	return out, nil
}

// DeleteHMACKey removes a key, which must be INACTIVE.
func (s *Store) DeleteHMACKey(project, accessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.hmacKeys[accessID]
	if !ok || key.ProjectID != project || key.State == "DELETED" {
		return errNotFound("hmacKey", accessID)
	}
	if key.State != "INACTIVE" {
		return errInvalid("only INACTIVE keys can be deleted")
	}
	key.State = "DELETED"
	key.Updated = formatTime(s.now())
	return nil
}

// ListHMACKeys returns a project's keys, optionally filtered by service
// account and including deleted keys.
func (s *Store) ListHMACKeys(project, serviceAccountEmail string, showDeleted bool) []hmacResource {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []hmacResource
	for _, key := range s.hmacKeys {
		if key.ProjectID != project {
			continue
		}
		if serviceAccountEmail != "" && key.ServiceAccountEmail != serviceAccountEmail {
			continue
		}
		if key.State == "DELETED" && !showDeleted {
			continue
		}
		k := *key
		k.Secret = ""
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessID < out[j].AccessID })
	return out
}

// LookupHMACKey implements auth.CredentialStore.
func (s *Store) LookupHMACKey(_ context.Context, accessID string) (*auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.hmacKeys[accessID]
	if !ok || key.State == "DELETED" {
		return nil, nil
	}
	return &auth.Credential{
		AccessID:            key.AccessID,
		Secret:              key.Secret,
		Active:              key.State == "ACTIVE",
		ServiceAccountEmail: key.ServiceAccountEmail,
	}, nil
}

// CreateUploadSession opens a resumable upload and returns its ID.
func (s *Store) CreateUploadSession(bucketName string, res objectResource, conds preconds, keySHA256 string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucketName]; !ok {
		return "", errNotFound("bucket", bucketName)
	}
	id := uid.New()
	s.sessions[id] = &uploadSession{bucket: bucketName, res: res, conds: conds, keySHA256: keySHA256}
	return id, nil
}

// AppendUploadChunk appends bytes at the given offset. Replays of committed
// ranges are absorbed. When final, the object is inserted and its resource
// returned; otherwise the committed size is returned with a nil resource.
func (s *Store) AppendUploadChunk(id string, offset int64, chunk []byte, final bool, totalSize int64) (*objectResource, int64, error) {
	s.mu.Lock()

	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, 0, errNotFound("upload session", id)
	}
	if sess.done {
		s.mu.Unlock()
		return nil, 0, errInvalid("upload session already finalized")
	}
	committed := int64(len(sess.data))
	if offset > committed {
		s.mu.Unlock()
		return nil, committed, errInvalid(fmt.Sprintf("upload offset %d skips past committed size %d", offset, committed))
	}
	if end := offset + int64(len(chunk)); end > committed {
		sess.data = append(sess.data[:offset], chunk...)
		committed = end
	}
	if final && totalSize >= 0 && committed != totalSize {
		s.mu.Unlock()
		return nil, committed, errInvalid(fmt.Sprintf("final size %d does not match committed size %d", totalSize, committed))
	}
	if !final {
		s.mu.Unlock()
		return nil, committed, nil
	}

	sess.done = true
	bucketName, res, conds, key, data := sess.bucket, sess.res, sess.conds, sess.keySHA256, sess.data
	delete(s.sessions, id)
	s.mu.Unlock()

	out, err := s.InsertObject(bucketName, res, data, key, conds)
	if err != nil {
		return nil, committed, err
	}
	return &out, committed, nil
}

// CommittedSize reports how many bytes of a session are committed.
func (s *Store) CommittedSize(id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, errNotFound("upload session", id)
	}
	return int64(len(sess.data)), nil
}
