package storage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/iterator"
)

// HMACState is the lifecycle state of an HMAC key.
type HMACState string

const (
	// Active keys may sign requests.
	Active HMACState = "ACTIVE"
	// Inactive keys are rejected by the service but may be reactivated or
	// deleted.
	Inactive HMACState = "INACTIVE"
	// Deleted keys are gone; the state appears only in responses.
	Deleted HMACState = "DELETED"
)

// HMACKey is a service-account-scoped signing credential for the
// S3-compatible XML API. The Secret field is populated only in the response
// to CreateHMACKey; it cannot be recovered later.
type HMACKey struct {
	// AccessID is the public identifier of the key.
	AccessID string
	// Secret is the base64 signing secret. Only set on creation.
	Secret string
	// State is the key's lifecycle state.
	State HMACState
	// ServiceAccountEmail is the service account the key signs for.
	ServiceAccountEmail string
	// ProjectID is the owning project.
	ProjectID string
	// CreatedTime and UpdatedTime are server-assigned. Read-only.
	CreatedTime time.Time
	UpdatedTime time.Time
	// Etag guards Update against concurrent modification.
	Etag string
}

// HMACKeyHandle names an HMAC key within a project. Obtain one via
// Client.HMACKeyHandle.
type HMACKeyHandle struct {
	c        *Client
	project  string
	accessID string
	retry    *retryConfig
}

// HMACKeyHandle returns a handle for the HMAC key with the given access ID.
func (c *Client) HMACKeyHandle(projectID, accessID string) *HMACKeyHandle {
	return &HMACKeyHandle{c: c, project: projectID, accessID: accessID, retry: c.retry}
}

// rawHMACKey is the wire form of an HMAC key resource.
type rawHMACKey struct {
	AccessID            string `json:"accessId,omitempty"`
	Secret              string `json:"secret,omitempty"`
	State               string `json:"state,omitempty"`
	ServiceAccountEmail string `json:"serviceAccountEmail,omitempty"`
	ProjectID           string `json:"projectId,omitempty"`
	TimeCreated         string `json:"timeCreated,omitempty"`
	Updated             string `json:"updated,omitempty"`
	Etag                string `json:"etag,omitempty"`
}

func (raw *rawHMACKey) toHMACKey() *HMACKey {
	return &HMACKey{
		AccessID:            raw.AccessID,
		Secret:              raw.Secret,
		State:               HMACState(raw.State),
		ServiceAccountEmail: raw.ServiceAccountEmail,
		ProjectID:           raw.ProjectID,
		CreatedTime:         parseTimeRFC3339(raw.TimeCreated),
		UpdatedTime:         parseTimeRFC3339(raw.Updated),
		Etag:                raw.Etag,
	}
}

// CreateHMACKey mints a new HMAC key for the given service account. The
// returned key is the only copy of the secret. Creation is not idempotent
// and is never retried under RetryIdempotent.
func (c *Client) CreateHMACKey(ctx context.Context, projectID, serviceAccountEmail string) (*HMACKey, error) {
	if serviceAccountEmail == "" {
		return nil, errors.New("storage: service account email is required")
	}
	params := url.Values{"serviceAccountEmail": {serviceAccountEmail}}
	var raw rawHMACKey
	err := c.do(ctx, c.retry, &apiCall{
		method:     http.MethodPost,
		path:       "/storage/v1/projects/" + escape(projectID) + "/hmacKeys",
		params:     params,
		result:     &raw,
		idempotent: false,
		op:         "storage.hmacKeys.create",
	})
	if err != nil {
		return nil, err
	}
	return raw.toHMACKey(), nil
}

// path returns the escaped resource path of the key.
func (h *HMACKeyHandle) path() string {
	return "/storage/v1/projects/" + escape(h.project) + "/hmacKeys/" + escape(h.accessID)
}

// Get returns the key's metadata. The secret is never included.
func (h *HMACKeyHandle) Get(ctx context.Context) (*HMACKey, error) {
	var raw rawHMACKey
	err := h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodGet,
		path:       h.path(),
		result:     &raw,
		idempotent: true,
		op:         "storage.hmacKeys.get",
	})
	if err != nil {
		return nil, err
	}
	return raw.toHMACKey(), nil
}

// HMACKeyAttrsToUpdate selects what Update changes.
type HMACKeyAttrsToUpdate struct {
	// State must be Active or Inactive.
	State HMACState
	// Etag, when set, makes the update conditional on the key being
	// unchanged since it was read, and therefore safely retryable.
	Etag string
}

// Update changes the key's state.
func (h *HMACKeyHandle) Update(ctx context.Context, au HMACKeyAttrsToUpdate) (*HMACKey, error) {
	if au.State != Active && au.State != Inactive {
		return nil, errors.New("storage: HMAC key state must be Active or Inactive")
	}
	var raw rawHMACKey
	err := h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodPut,
		path:       h.path(),
		body:       rawHMACKey{State: string(au.State), Etag: au.Etag},
		result:     &raw,
		idempotent: au.Etag != "",
		op:         "storage.hmacKeys.update",
	})
	if err != nil {
		return nil, err
	}
	return raw.toHMACKey(), nil
}

// Delete removes the key, which must be Inactive.
func (h *HMACKeyHandle) Delete(ctx context.Context) error {
	return h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodDelete,
		path:       h.path(),
		idempotent: true,
		op:         "storage.hmacKeys.delete",
	})
}

// ListHMACKeys returns an iterator over a project's HMAC keys.
func (c *Client) ListHMACKeys(ctx context.Context, projectID string) *HMACKeysIterator {
	it := &HMACKeysIterator{ctx: ctx, c: c, project: projectID}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		it.fetch,
		func() int { return len(it.items) },
		func() interface{} { items := it.items; it.items = nil; return items },
	)
	return it
}

// HMACKeysIterator iterates over HMAC keys. Use Next until it returns
// iterator.Done.
type HMACKeysIterator struct {
	// ServiceAccountEmail restricts the listing to one service account.
	// Set before the first call to Next.
	ServiceAccountEmail string
	// ShowDeletedKeys includes recently deleted keys.
	ShowDeletedKeys bool

	ctx      context.Context
	c        *Client
	project  string
	items    []*HMACKey
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// PageInfo supports pagination. See google.golang.org/api/iterator.
func (it *HMACKeysIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }

// Next returns the next key (without its secret). Once the iterator is
// exhausted it returns iterator.Done.
func (it *HMACKeysIterator) Next() (*HMACKey, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	item := it.items[0]
	it.items = it.items[1:]
	return item, nil
}

func (it *HMACKeysIterator) fetch(pageSize int, pageToken string) (string, error) {
	params := url.Values{}
	if it.ServiceAccountEmail != "" {
		params.Set("serviceAccountEmail", it.ServiceAccountEmail)
	}
	if it.ShowDeletedKeys {
		params.Set("showDeletedKeys", "true")
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	if pageSize > 0 {
		params.Set("maxResults", strconv.Itoa(pageSize))
	}

	var page struct {
		Items         []*rawHMACKey `json:"items"`
		NextPageToken string        `json:"nextPageToken"`
	}
	err := it.c.do(it.ctx, it.c.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/projects/" + escape(it.project) + "/hmacKeys",
		params:     params,
		result:     &page,
		idempotent: true,
		op:         "storage.hmacKeys.list",
	})
	if err != nil {
		return "", err
	}
	for _, raw := range page.Items {
		it.items = append(it.items, raw.toHMACKey())
	}
	return page.NextPageToken, nil
}
