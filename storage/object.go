package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/iterator"
)

// ObjectHandle provides operations on an object in a bucket. Obtain one via
// BucketHandle.Object.
type ObjectHandle struct {
	c      *Client
	bucket string
	object string
	gen    int64 // -1 means the live generation
	conds  *Conditions
	key    []byte // customer-supplied AES-256 key, nil when unset
	retry  *retryConfig
}

// Conditions constrain object operations to the observed state of the
// object. Zero fields impose no constraint.
type Conditions struct {
	// GenerationMatch requires the object's live generation to match.
	GenerationMatch int64
	// GenerationNotMatch requires the live generation to differ.
	GenerationNotMatch int64
	// DoesNotExist requires that no live generation exists. Equivalent to
	// GenerationMatch: 0 on the wire.
	DoesNotExist bool
	// MetagenerationMatch requires the object's metageneration to match.
	MetagenerationMatch int64
	// MetagenerationNotMatch requires the metageneration to differ.
	MetagenerationNotMatch int64
}

// isIdempotent reports whether a mutation guarded by these conditions is
// safe to retry: a replay either succeeds identically or fails the
// precondition.
func (c *Conditions) isIdempotent() bool {
	return c != nil && (c.GenerationMatch != 0 || c.DoesNotExist || c.MetagenerationMatch != 0)
}

// apply encodes the conditions as query parameters.
func (c *Conditions) apply(params url.Values) error {
	if c == nil {
		return nil
	}
	if c.GenerationMatch != 0 && c.DoesNotExist {
		return errors.New("storage: GenerationMatch and DoesNotExist are mutually exclusive")
	}
	if c.DoesNotExist {
		params.Set("ifGenerationMatch", "0")
	}
	if c.GenerationMatch != 0 {
		params.Set("ifGenerationMatch", strconv.FormatInt(c.GenerationMatch, 10))
	}
	if c.GenerationNotMatch != 0 {
		params.Set("ifGenerationNotMatch", strconv.FormatInt(c.GenerationNotMatch, 10))
	}
	if c.MetagenerationMatch != 0 {
		params.Set("ifMetagenerationMatch", strconv.FormatInt(c.MetagenerationMatch, 10))
	}
	if c.MetagenerationNotMatch != 0 {
		params.Set("ifMetagenerationNotMatch", strconv.FormatInt(c.MetagenerationNotMatch, 10))
	}
	return nil
}

// ObjectAttrs represents the metadata of an object.
type ObjectAttrs struct {
	// Bucket and Name identify the object. Read-only.
	Bucket string
	Name   string

	// Content metadata, settable at write time and via Update.
	ContentType        string
	ContentLanguage    string
	ContentEncoding    string
	ContentDisposition string
	CacheControl       string

	// Metadata holds user-provided key/value pairs.
	Metadata map[string]string

	// StorageClass is the object's storage class.
	StorageClass string

	// EventBasedHold and TemporaryHold block deletion and overwrite while
	// set, independent of any retention policy.
	EventBasedHold bool
	TemporaryHold  bool

	// Size is the object's length in bytes. Read-only.
	Size int64

	// MD5 is the MD5 digest of the object data. Read-only.
	MD5 []byte

	// Generation is bumped on every data write; Metageneration on every
	// metadata update of a given generation. Read-only.
	Generation     int64
	Metageneration int64

	// CustomerKeySHA256 is the base64 SHA-256 of the customer-supplied
	// encryption key, when one protects the object. Read-only.
	CustomerKeySHA256 string

	// Created, Updated and Deleted are server-assigned timestamps; Deleted
	// is zero for live generations. Read-only.
	Created time.Time
	Updated time.Time
	Deleted time.Time

	// ACL is the object's access control list.
	ACL []ACLRule

	// Etag is the HTTP entity tag of this metadata revision. Read-only.
	Etag string

	// Prefix is set (and every other field is zero) for synthetic entries
	// returned by a delimited listing in place of the collapsed names.
	Prefix string
}

// Generation returns a handle pinned to a specific object generation.
func (o *ObjectHandle) Generation(gen int64) *ObjectHandle {
	o2 := *o
	o2.gen = gen
	return &o2
}

// If returns a handle whose operations are constrained by conds.
func (o *ObjectHandle) If(conds Conditions) *ObjectHandle {
	o2 := *o
	o2.conds = &conds
	return &o2
}

// Key returns a handle that uses the given 32-byte AES-256 key to encrypt
// writes and decrypt reads. The key never leaves the request headers; the
// service stores only its SHA-256.
func (o *ObjectHandle) Key(encryptionKey []byte) *ObjectHandle {
	o2 := *o
	o2.key = encryptionKey
	return &o2
}

// Retryer returns a handle with a retry policy derived from the client's,
// adjusted by opts.
func (o *ObjectHandle) Retryer(opts ...RetryOption) *ObjectHandle {
	o2 := *o
	rc := o.retry.clone()
	for _, opt := range opts {
		opt.apply(rc)
	}
	o2.retry = rc
	return &o2
}

// ObjectName returns the object's name.
func (o *ObjectHandle) ObjectName() string { return o.object }

// BucketName returns the name of the bucket containing the object.
func (o *ObjectHandle) BucketName() string { return o.bucket }

// ACL returns a handle on the object's access control list.
func (o *ObjectHandle) ACL() *ACLHandle {
	return &ACLHandle{c: o.c, bucket: o.bucket, object: o.object, retry: o.retry}
}

// validate checks the handle before any network call.
func (o *ObjectHandle) validate() error {
	if o.bucket == "" {
		return errors.New("storage: bucket name is empty")
	}
	if o.object == "" {
		return errors.New("storage: object name is empty")
	}
	if o.key != nil && len(o.key) != 32 {
		return fmt.Errorf("storage: encryption key must be 32 bytes, got %d", len(o.key))
	}
	return nil
}

// metadataPath returns the escaped JSON API path of the object resource.
func (o *ObjectHandle) metadataPath() string {
	return "/storage/v1/b/" + escape(o.bucket) + "/o/" + escape(o.object)
}

// baseParams returns query parameters shared by object metadata calls.
func (o *ObjectHandle) baseParams() (url.Values, error) {
	params := url.Values{}
	if o.gen >= 0 {
		params.Set("generation", strconv.FormatInt(o.gen, 10))
	}
	if err := o.conds.apply(params); err != nil {
		return nil, err
	}
	return params, nil
}

// encryptionHeaders returns the customer-supplied key headers, or nil.
func (o *ObjectHandle) encryptionHeaders() http.Header {
	if o.key == nil {
		return nil
	}
	sum := sha256.Sum256(o.key)
	h := http.Header{}
	h.Set("X-Lumen-Encryption-Algorithm", "AES256")
	h.Set("X-Lumen-Encryption-Key", base64.StdEncoding.EncodeToString(o.key))
	h.Set("X-Lumen-Encryption-Key-Sha256", base64.StdEncoding.EncodeToString(sum[:]))
	return h
}

// Attrs returns the object's metadata.
func (o *ObjectHandle) Attrs(ctx context.Context) (*ObjectAttrs, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	params, err := o.baseParams()
	if err != nil {
		return nil, err
	}
	var raw rawObject
	err = o.c.do(ctx, o.retry, &apiCall{
		method:     http.MethodGet,
		path:       o.metadataPath(),
		params:     params,
		header:     o.encryptionHeaders(),
		result:     &raw,
		idempotent: true,
		op:         "storage.objects.get",
	})
	if err != nil {
		return nil, o.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}

// ObjectAttrsToUpdate selects the object fields a call to Update changes.
// Nil fields are left untouched; pointer fields set to the empty string
// clear the corresponding attribute.
type ObjectAttrsToUpdate struct {
	ContentType        *string
	ContentLanguage    *string
	ContentEncoding    *string
	ContentDisposition *string
	CacheControl       *string
	EventBasedHold     *bool
	TemporaryHold      *bool
	// Metadata replaces the whole user metadata map when non-nil. An empty
	// (non-nil) map clears it.
	Metadata map[string]string
	// ACL replaces the object ACL when non-nil.
	ACL []ACLRule
}

// Update patches the object's metadata and returns the updated attributes.
// The call is retried automatically only when guarded by a metageneration
// precondition.
func (o *ObjectHandle) Update(ctx context.Context, ua ObjectAttrsToUpdate) (*ObjectAttrs, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	params, err := o.baseParams()
	if err != nil {
		return nil, err
	}

	patch := map[string]any{}
	for name, v := range map[string]*string{
		"contentType":        ua.ContentType,
		"contentLanguage":    ua.ContentLanguage,
		"contentEncoding":    ua.ContentEncoding,
		"contentDisposition": ua.ContentDisposition,
		"cacheControl":       ua.CacheControl,
	} {
		if v != nil {
			patch[name] = *v
		}
	}
	if ua.EventBasedHold != nil {
		patch["eventBasedHold"] = *ua.EventBasedHold
	}
	if ua.TemporaryHold != nil {
		patch["temporaryHold"] = *ua.TemporaryHold
	}
	if ua.Metadata != nil {
		patch["metadata"] = ua.Metadata
	}
	if ua.ACL != nil {
		patch["acl"] = toRawACLRules(ua.ACL)
	}

	var raw rawObject
	err = o.c.do(ctx, o.retry, &apiCall{
		method:     http.MethodPatch,
		path:       o.metadataPath(),
		params:     params,
		body:       patch,
		result:     &raw,
		idempotent: o.conds != nil && o.conds.MetagenerationMatch != 0,
		op:         "storage.objects.patch",
	})
	if err != nil {
		return nil, o.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}

// Delete deletes the object's live generation, or the pinned generation
// when the handle carries one. Deleting a specific or precondition-guarded
// generation is idempotent; a bare delete of the live generation is not.
func (o *ObjectHandle) Delete(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}
	params, err := o.baseParams()
	if err != nil {
		return err
	}
	err = o.c.do(ctx, o.retry, &apiCall{
		method:     http.MethodDelete,
		path:       o.metadataPath(),
		params:     params,
		idempotent: o.gen >= 0 || o.conds.isIdempotent(),
		op:         "storage.objects.delete",
	})
	return o.mapNotFound(err)
}

// mapNotFound translates a 404 into the object sentinel.
func (o *ObjectHandle) mapNotFound(err error) error {
	if httpStatus(err) == http.StatusNotFound {
		return ErrObjectNotExist
	}
	return err
}

// Query restricts an object listing.
type Query struct {
	// Prefix restricts results to object names beginning with it.
	Prefix string
	// Delimiter collapses names: results contain no delimiter past the
	// prefix, and truncated names are returned once as a synthetic prefix
	// entry (ObjectAttrs with only Prefix-style Name set and Size zero).
	Delimiter string
	// Versions includes noncurrent generations.
	Versions bool
	// StartOffset and EndOffset bound the listing lexicographically:
	// names >= StartOffset and < EndOffset.
	StartOffset string
	EndOffset   string
}

// Objects returns an iterator over the bucket's objects matching q (nil
// means all objects), in lexicographic name order.
func (b *BucketHandle) Objects(ctx context.Context, q *Query) *ObjectIterator {
	it := &ObjectIterator{
		ctx:    ctx,
		c:      b.c,
		bucket: b.name,
		retry:  b.retry,
	}
	if q != nil {
		it.query = *q
	}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		it.fetch,
		func() int { return len(it.items) },
		func() interface{} { items := it.items; it.items = nil; return items },
	)
	return it
}

// ObjectIterator iterates over objects in a bucket. With a delimiter set,
// collapsed prefixes appear as entries whose Prefix field is set and all
// other fields are zero.
type ObjectIterator struct {
	ctx      context.Context
	c        *Client
	bucket   string
	query    Query
	retry    *retryConfig
	items    []*ObjectAttrs
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// PageInfo supports pagination. See google.golang.org/api/iterator.
func (it *ObjectIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }

// Next returns the next object. Once the iterator is exhausted it returns
// iterator.Done and every subsequent call does the same.
func (it *ObjectIterator) Next() (*ObjectAttrs, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	item := it.items[0]
	it.items = it.items[1:]
	return item, nil
}

func (it *ObjectIterator) fetch(pageSize int, pageToken string) (string, error) {
	params := url.Values{}
	if it.query.Prefix != "" {
		params.Set("prefix", it.query.Prefix)
	}
	if it.query.Delimiter != "" {
		params.Set("delimiter", it.query.Delimiter)
	}
	if it.query.Versions {
		params.Set("versions", "true")
	}
	if it.query.StartOffset != "" {
		params.Set("startOffset", it.query.StartOffset)
	}
	if it.query.EndOffset != "" {
		params.Set("endOffset", it.query.EndOffset)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	if pageSize > 0 {
		params.Set("maxResults", strconv.Itoa(pageSize))
	}

	var page struct {
		Items         []*rawObject `json:"items"`
		Prefixes      []string     `json:"prefixes"`
		NextPageToken string       `json:"nextPageToken"`
	}
	err := it.c.do(it.ctx, it.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b/" + escape(it.bucket) + "/o",
		params:     params,
		result:     &page,
		idempotent: true,
		op:         "storage.objects.list",
	})
	if err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return "", ErrBucketNotExist
		}
		return "", err
	}
	for _, p := range page.Prefixes {
		it.items = append(it.items, &ObjectAttrs{Prefix: p})
	}
	for _, raw := range page.Items {
		it.items = append(it.items, raw.toAttrs())
	}
	return page.NextPageToken, nil
}

// rawObject is the wire form of an object resource.
type rawObject struct {
	Bucket             string            `json:"bucket,omitempty"`
	Name               string            `json:"name,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	StorageClass       string            `json:"storageClass,omitempty"`
	EventBasedHold     bool              `json:"eventBasedHold,omitempty"`
	TemporaryHold      bool              `json:"temporaryHold,omitempty"`
	Size               int64             `json:"size,omitempty"`
	MD5Hash            string            `json:"md5Hash,omitempty"`
	Generation         int64             `json:"generation,omitempty"`
	Metageneration     int64             `json:"metageneration,omitempty"`
	KeySHA256          string            `json:"customerKeySha256,omitempty"`
	TimeCreated        string            `json:"timeCreated,omitempty"`
	Updated            string            `json:"updated,omitempty"`
	TimeDeleted        string            `json:"timeDeleted,omitempty"`
	ACL                []rawACLRule      `json:"acl,omitempty"`
	Etag               string            `json:"etag,omitempty"`
}

func (raw *rawObject) toAttrs() *ObjectAttrs {
	var md5 []byte
	if raw.MD5Hash != "" {
		md5, _ = base64.StdEncoding.DecodeString(raw.MD5Hash)
	}
	return &ObjectAttrs{
		Bucket:             raw.Bucket,
		Name:               raw.Name,
		ContentType:        raw.ContentType,
		ContentLanguage:    raw.ContentLanguage,
		ContentEncoding:    raw.ContentEncoding,
		ContentDisposition: raw.ContentDisposition,
		CacheControl:       raw.CacheControl,
		Metadata:           raw.Metadata,
		StorageClass:       raw.StorageClass,
		EventBasedHold:     raw.EventBasedHold,
		TemporaryHold:      raw.TemporaryHold,
		Size:               raw.Size,
		MD5:                md5,
		Generation:         raw.Generation,
		Metageneration:     raw.Metageneration,
		CustomerKeySHA256:  raw.KeySHA256,
		Created:            parseTimeRFC3339(raw.TimeCreated),
		Updated:            parseTimeRFC3339(raw.Updated),
		Deleted:            parseTimeRFC3339(raw.TimeDeleted),
		ACL:                fromRawACLRules(raw.ACL),
		Etag:               raw.Etag,
	}
}

// toRawObject converts the writable fields for upload and copy requests.
func (a *ObjectAttrs) toRawObject() *rawObject {
	if a == nil {
		return &rawObject{}
	}
	return &rawObject{
		Name:               a.Name,
		ContentType:        a.ContentType,
		ContentLanguage:    a.ContentLanguage,
		ContentEncoding:    a.ContentEncoding,
		ContentDisposition: a.ContentDisposition,
		CacheControl:       a.CacheControl,
		Metadata:           a.Metadata,
		StorageClass:       a.StorageClass,
		EventBasedHold:     a.EventBasedHold,
		TemporaryHold:      a.TemporaryHold,
		ACL:                toRawACLRules(a.ACL),
	}
}
