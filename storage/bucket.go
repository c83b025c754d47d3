package storage

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/iterator"
)

// BucketHandle provides operations on a bucket. Obtain one via
// Client.Bucket; the handle itself performs no I/O.
type BucketHandle struct {
	c     *Client
	name  string
	conds *BucketConditions
	retry *retryConfig
}

// BucketConditions constrain bucket operations to a known metageneration.
type BucketConditions struct {
	// MetagenerationMatch makes the operation succeed only if the bucket's
	// current metageneration matches.
	MetagenerationMatch int64
	// MetagenerationNotMatch makes the operation succeed only if the
	// bucket's current metageneration differs.
	MetagenerationNotMatch int64
}

// BucketAttrs represents the metadata of a bucket.
type BucketAttrs struct {
	// Name is the bucket name. Read-only after creation.
	Name string

	// Location is the region or multi-region the bucket's data lives in.
	// Defaults to the service default when empty at creation.
	Location string

	// StorageClass is the default storage class for objects without an
	// explicit class ("STANDARD", "NEARLINE", "ARCHIVE").
	StorageClass string

	// VersioningEnabled keeps noncurrent object generations around.
	VersioningEnabled bool

	// Labels are user-provided bucket labels.
	Labels map[string]string

	// Lifecycle holds the bucket's object lifecycle rules.
	Lifecycle Lifecycle

	// RetentionPolicy, when set, prevents deletion or overwrite of objects
	// younger than the retention period.
	RetentionPolicy *RetentionPolicy

	// DefaultKMSKeyName, when set, encrypts new objects with the named
	// service-managed key unless the request says otherwise.
	DefaultKMSKeyName string

	// ACL is the bucket's access control list.
	ACL []ACLRule

	// DefaultObjectACL is applied to new objects with no explicit ACL.
	DefaultObjectACL []ACLRule

	// MetaGeneration is bumped by the service on every metadata change.
	// Read-only.
	MetaGeneration int64

	// Created is the bucket creation time. Read-only.
	Created time.Time

	// Etag is the HTTP entity tag of the bucket metadata. Read-only.
	Etag string
}

// Lifecycle holds a bucket's object lifecycle configuration.
type Lifecycle struct {
	Rules []LifecycleRule
}

// LifecycleRule pairs an action with the condition under which the service
// applies it.
type LifecycleRule struct {
	Action    LifecycleAction
	Condition LifecycleCondition
}

// Lifecycle action types.
const (
	// DeleteAction deletes matching objects.
	DeleteAction = "Delete"
	// SetStorageClassAction transitions matching objects to
	// LifecycleAction.StorageClass.
	SetStorageClassAction = "SetStorageClass"
)

// LifecycleAction is the action half of a lifecycle rule.
type LifecycleAction struct {
	// Type is DeleteAction or SetStorageClassAction.
	Type string
	// StorageClass is the target class for SetStorageClassAction.
	StorageClass string
}

// LifecycleCondition is the predicate half of a lifecycle rule. All set
// fields must match for the action to fire.
type LifecycleCondition struct {
	// AgeInDays matches objects at least this old.
	AgeInDays int64
	// CreatedBefore matches objects created before this time.
	CreatedBefore time.Time
	// MatchesStorageClasses matches objects in any of these classes.
	MatchesStorageClasses []string
	// NumNewerVersions matches noncurrent objects with at least this many
	// newer generations.
	NumNewerVersions int64
	// Live restricts the rule to live (nil means both), current (true), or
	// noncurrent (false) object versions.
	Live *bool
}

// RetentionPolicy governs the minimum age objects must reach before they
// can be deleted or overwritten.
type RetentionPolicy struct {
	// RetentionPeriod is the minimum object age.
	RetentionPeriod time.Duration
	// EffectiveTime is when the policy took effect. Read-only.
	EffectiveTime time.Time
	// IsLocked reports whether the policy is locked. A locked policy cannot
	// be removed or shortened. Read-only; lock via LockRetentionPolicy.
	IsLocked bool
}

// If returns a handle whose operations are constrained by conds.
func (b *BucketHandle) If(conds BucketConditions) *BucketHandle {
	b2 := *b
	b2.conds = &conds
	return &b2
}

// Retryer returns a handle with a retry policy derived from the client's,
// adjusted by opts.
func (b *BucketHandle) Retryer(opts ...RetryOption) *BucketHandle {
	b2 := *b
	rc := b.retry.clone()
	for _, o := range opts {
		o.apply(rc)
	}
	b2.retry = rc
	return &b2
}

// Name returns the bucket name.
func (b *BucketHandle) Name() string { return b.name }

// Object returns an ObjectHandle for the named object in this bucket.
func (b *BucketHandle) Object(name string) *ObjectHandle {
	return &ObjectHandle{c: b.c, bucket: b.name, object: name, gen: -1, retry: b.retry}
}

// ACL returns a handle on the bucket's access control list.
func (b *BucketHandle) ACL() *ACLHandle {
	return &ACLHandle{c: b.c, bucket: b.name, retry: b.retry}
}

// DefaultObjectACL returns a handle on the ACL applied to new objects that
// carry no explicit ACL.
func (b *BucketHandle) DefaultObjectACL() *ACLHandle {
	return &ACLHandle{c: b.c, bucket: b.name, isDefault: true, retry: b.retry}
}

// IAM returns a handle on the bucket's IAM policy.
func (b *BucketHandle) IAM() *IAMHandle {
	return &IAMHandle{c: b.c, bucket: b.name, retry: b.retry}
}

// Create creates the bucket under the given project. attrs may be nil for
// service defaults. Creating a bucket is idempotent on the name: the call
// is always retryable.
func (b *BucketHandle) Create(ctx context.Context, projectID string, attrs *BucketAttrs) error {
	res := attrs.toRawBucket()
	res.Name = b.name

	params := url.Values{"project": {projectID}}
	return b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodPost,
		path:       "/storage/v1/b",
		params:     params,
		body:       res,
		idempotent: true,
		op:         "storage.buckets.insert",
	})
}

// Delete deletes the bucket, which must be empty.
func (b *BucketHandle) Delete(ctx context.Context) error {
	params := url.Values{}
	b.conds.apply(params)
	err := b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodDelete,
		path:       "/storage/v1/b/" + escape(b.name),
		params:     params,
		idempotent: true,
		op:         "storage.buckets.delete",
	})
	return b.mapNotFound(err)
}

// Attrs returns the bucket's metadata.
func (b *BucketHandle) Attrs(ctx context.Context) (*BucketAttrs, error) {
	params := url.Values{}
	b.conds.apply(params)
	var raw rawBucket
	err := b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b/" + escape(b.name),
		params:     params,
		result:     &raw,
		idempotent: true,
		op:         "storage.buckets.get",
	})
	if err != nil {
		return nil, b.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}

// BucketAttrsToUpdate selects the bucket fields a call to Update changes.
// Nil pointer fields are left untouched.
type BucketAttrsToUpdate struct {
	VersioningEnabled *bool
	StorageClass      *string
	DefaultKMSKeyName *string
	// Lifecycle replaces the whole lifecycle configuration when non-nil.
	Lifecycle *Lifecycle
	// RetentionPolicy replaces the retention policy. Setting it to a
	// pointer to the zero value removes the policy.
	RetentionPolicy *RetentionPolicy

	setLabels    map[string]string
	deleteLabels map[string]bool
}

// SetLabel records a label to set in the update.
func (ua *BucketAttrsToUpdate) SetLabel(name, value string) {
	if ua.setLabels == nil {
		ua.setLabels = map[string]string{}
	}
	ua.setLabels[name] = value
}

// DeleteLabel records a label to remove in the update.
func (ua *BucketAttrsToUpdate) DeleteLabel(name string) {
	if ua.deleteLabels == nil {
		ua.deleteLabels = map[string]bool{}
	}
	ua.deleteLabels[name] = true
}

// Update patches the bucket's metadata. The update is retried automatically
// only when the handle carries a MetagenerationMatch condition.
func (b *BucketHandle) Update(ctx context.Context, ua BucketAttrsToUpdate) (*BucketAttrs, error) {
	patch := map[string]any{}
	if ua.VersioningEnabled != nil {
		patch["versioning"] = map[string]any{"enabled": *ua.VersioningEnabled}
	}
	if ua.StorageClass != nil {
		patch["storageClass"] = *ua.StorageClass
	}
	if ua.DefaultKMSKeyName != nil {
		patch["encryption"] = map[string]any{"defaultKmsKeyName": *ua.DefaultKMSKeyName}
	}
	if ua.Lifecycle != nil {
		patch["lifecycle"] = toRawLifecycle(*ua.Lifecycle)
	}
	if ua.RetentionPolicy != nil {
		if ua.RetentionPolicy.RetentionPeriod == 0 {
			patch["retentionPolicy"] = nil
		} else {
			patch["retentionPolicy"] = toRawRetentionPolicy(ua.RetentionPolicy)
		}
	}
	if len(ua.setLabels) > 0 || len(ua.deleteLabels) > 0 {
		labels := map[string]any{}
		for k, v := range ua.setLabels {
			labels[k] = v
		}
		for k := range ua.deleteLabels {
			labels[k] = nil
		}
		patch["labels"] = labels
	}

	params := url.Values{}
	b.conds.apply(params)

	var raw rawBucket
	err := b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodPatch,
		path:       "/storage/v1/b/" + escape(b.name),
		params:     params,
		body:       patch,
		result:     &raw,
		idempotent: b.conds != nil && b.conds.MetagenerationMatch != 0,
		op:         "storage.buckets.patch",
	})
	if err != nil {
		return nil, b.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}

// LockRetentionPolicy irreversibly locks the bucket's retention policy. The
// bucket's current metageneration is required as a precondition, which also
// makes the call safely retryable.
func (b *BucketHandle) LockRetentionPolicy(ctx context.Context) error {
	attrs, err := b.Attrs(ctx)
	if err != nil {
		return err
	}
	params := url.Values{"ifMetagenerationMatch": {strconv.FormatInt(attrs.MetaGeneration, 10)}}
	return b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodPost,
		path:       "/storage/v1/b/" + escape(b.name) + "/lockRetentionPolicy",
		params:     params,
		idempotent: true,
		op:         "storage.buckets.lockRetentionPolicy",
	})
}

// mapNotFound translates a 404 into the bucket sentinel.
func (b *BucketHandle) mapNotFound(err error) error {
	if httpStatus(err) == http.StatusNotFound {
		return ErrBucketNotExist
	}
	return err
}

func (bc *BucketConditions) apply(params url.Values) {
	if bc == nil {
		return
	}
	if bc.MetagenerationMatch != 0 {
		params.Set("ifMetagenerationMatch", strconv.FormatInt(bc.MetagenerationMatch, 10))
	}
	if bc.MetagenerationNotMatch != 0 {
		params.Set("ifMetagenerationNotMatch", strconv.FormatInt(bc.MetagenerationNotMatch, 10))
	}
}

// Buckets returns an iterator over the project's buckets, ordered by name.
func (c *Client) Buckets(ctx context.Context, projectID string) *BucketIterator {
	it := &BucketIterator{
		ctx:     ctx,
		c:       c,
		project: projectID,
	}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		it.fetch,
		func() int { return len(it.items) },
		func() interface{} { b := it.items; it.items = nil; return b },
	)
	return it
}

// BucketIterator iterates over buckets. Use Next until it returns
// iterator.Done.
type BucketIterator struct {
	// Prefix restricts the iterator to buckets whose names begin with it.
	// Set before the first call to Next.
	Prefix string

	ctx      context.Context
	c        *Client
	project  string
	items    []*BucketAttrs
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// PageInfo supports pagination. See google.golang.org/api/iterator.
func (it *BucketIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }

// Next returns the next bucket. Once the iterator is exhausted it returns
// iterator.Done and every subsequent call does the same.
func (it *BucketIterator) Next() (*BucketAttrs, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	item := it.items[0]
	it.items = it.items[1:]
	return item, nil
}

func (it *BucketIterator) fetch(pageSize int, pageToken string) (string, error) {
	params := url.Values{"project": {it.project}}
	if it.Prefix != "" {
		params.Set("prefix", it.Prefix)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	if pageSize > 0 {
		params.Set("maxResults", strconv.Itoa(pageSize))
	}

	var page struct {
		Items         []*rawBucket `json:"items"`
		NextPageToken string       `json:"nextPageToken"`
	}
	err := it.c.do(it.ctx, it.c.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b",
		params:     params,
		result:     &page,
		idempotent: true,
		op:         "storage.buckets.list",
	})
	if err != nil {
		return "", err
	}
	for _, raw := range page.Items {
		it.items = append(it.items, raw.toAttrs())
	}
	return page.NextPageToken, nil
}

// rawBucket is the wire form of a bucket resource.
type rawBucket struct {
	Name         string            `json:"name,omitempty"`
	Location     string            `json:"location,omitempty"`
	StorageClass string            `json:"storageClass,omitempty"`
	Versioning   *rawVersioning    `json:"versioning,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Lifecycle    *rawLifecycle     `json:"lifecycle,omitempty"`
	Retention    *rawRetention     `json:"retentionPolicy,omitempty"`
	Encryption   *rawEncryption    `json:"encryption,omitempty"`
	ACL          []rawACLRule      `json:"acl,omitempty"`
	DefaultACL   []rawACLRule      `json:"defaultObjectAcl,omitempty"`
	Metagen      int64             `json:"metageneration,omitempty"`
	TimeCreated  string            `json:"timeCreated,omitempty"`
	Etag         string            `json:"etag,omitempty"`
}

type rawVersioning struct {
	Enabled bool `json:"enabled"`
}

type rawEncryption struct {
	DefaultKMSKeyName string `json:"defaultKmsKeyName,omitempty"`
}

type rawLifecycle struct {
	Rule []rawLifecycleRule `json:"rule"`
}

type rawLifecycleRule struct {
	Action    rawLifecycleAction    `json:"action"`
	Condition rawLifecycleCondition `json:"condition"`
}

type rawLifecycleAction struct {
	Type         string `json:"type"`
	StorageClass string `json:"storageClass,omitempty"`
}

type rawLifecycleCondition struct {
	Age                 int64    `json:"age,omitempty"`
	CreatedBefore       string   `json:"createdBefore,omitempty"`
	MatchesStorageClass []string `json:"matchesStorageClass,omitempty"`
	NumNewerVersions    int64    `json:"numNewerVersions,omitempty"`
	IsLive              *bool    `json:"isLive,omitempty"`
}

type rawRetention struct {
	RetentionPeriodSeconds int64  `json:"retentionPeriod,omitempty"`
	EffectiveTime          string `json:"effectiveTime,omitempty"`
	IsLocked               bool   `json:"isLocked,omitempty"`
}

func (a *BucketAttrs) toRawBucket() *rawBucket {
	if a == nil {
		return &rawBucket{}
	}
	raw := &rawBucket{
		Name:         a.Name,
		Location:     a.Location,
		StorageClass: a.StorageClass,
		Labels:       a.Labels,
		ACL:          toRawACLRules(a.ACL),
		DefaultACL:   toRawACLRules(a.DefaultObjectACL),
	}
	if a.VersioningEnabled {
		raw.Versioning = &rawVersioning{Enabled: true}
	}
	if len(a.Lifecycle.Rules) > 0 {
		raw.Lifecycle = toRawLifecycle(a.Lifecycle)
	}
	if a.RetentionPolicy != nil {
		raw.Retention = toRawRetentionPolicy(a.RetentionPolicy)
	}
	if a.DefaultKMSKeyName != "" {
		raw.Encryption = &rawEncryption{DefaultKMSKeyName: a.DefaultKMSKeyName}
	}
	return raw
}

func (raw *rawBucket) toAttrs() *BucketAttrs {
	attrs := &BucketAttrs{
		Name:             raw.Name,
		Location:         raw.Location,
		StorageClass:     raw.StorageClass,
		Labels:           raw.Labels,
		ACL:              fromRawACLRules(raw.ACL),
		DefaultObjectACL: fromRawACLRules(raw.DefaultACL),
		MetaGeneration:   raw.Metagen,
		Created:          parseTimeRFC3339(raw.TimeCreated),
		Etag:             raw.Etag,
	}
	if raw.Versioning != nil {
		attrs.VersioningEnabled = raw.Versioning.Enabled
	}
	if raw.Encryption != nil {
		attrs.DefaultKMSKeyName = raw.Encryption.DefaultKMSKeyName
	}
	if raw.Lifecycle != nil {
		attrs.Lifecycle = fromRawLifecycle(raw.Lifecycle)
	}
	if raw.Retention != nil {
		attrs.RetentionPolicy = &RetentionPolicy{
			RetentionPeriod: time.Duration(raw.Retention.RetentionPeriodSeconds) * time.Second,
			EffectiveTime:   parseTimeRFC3339(raw.Retention.EffectiveTime),
			IsLocked:        raw.Retention.IsLocked,
		}
	}
	return attrs
}

func toRawLifecycle(l Lifecycle) *rawLifecycle {
	raw := &rawLifecycle{Rule: []rawLifecycleRule{}}
	for _, r := range l.Rules {
		raw.Rule = append(raw.Rule, rawLifecycleRule{
			Action: rawLifecycleAction{
				Type:         r.Action.Type,
				StorageClass: r.Action.StorageClass,
			},
			Condition: rawLifecycleCondition{
				Age:                 r.Condition.AgeInDays,
				CreatedBefore:       timeRFC3339(r.Condition.CreatedBefore),
				MatchesStorageClass: r.Condition.MatchesStorageClasses,
				NumNewerVersions:    r.Condition.NumNewerVersions,
				IsLive:              r.Condition.Live,
			},
		})
	}
	return raw
}

func fromRawLifecycle(raw *rawLifecycle) Lifecycle {
	var l Lifecycle
	for _, r := range raw.Rule {
		l.Rules = append(l.Rules, LifecycleRule{
			Action: LifecycleAction{
				Type:         r.Action.Type,
				StorageClass: r.Action.StorageClass,
			},
			Condition: LifecycleCondition{
				AgeInDays:             r.Condition.Age,
				CreatedBefore:         parseTimeRFC3339(r.Condition.CreatedBefore),
				MatchesStorageClasses: r.Condition.MatchesStorageClass,
				NumNewerVersions:      r.Condition.NumNewerVersions,
				Live:                  r.Condition.IsLive,
			},
		})
	}
	return l
}

func toRawRetentionPolicy(rp *RetentionPolicy) *rawRetention {
	return &rawRetention{
		RetentionPeriodSeconds: int64(rp.RetentionPeriod / time.Second),
	}
}
