package storage

import (
	"context"
	"net/http"
	"net/url"
	"slices"
)

// IAMHandle provides operations on a bucket's IAM policy. Obtain one via
// BucketHandle.IAM.
type IAMHandle struct {
	c      *Client
	bucket string
	retry  *retryConfig
}

// Policy is a bucket IAM policy: a set of role bindings plus the etag used
// for optimistic concurrency on writes.
type Policy struct {
	// Bindings maps members to roles.
	Bindings []PolicyBinding
	// Etag identifies the policy revision this value was read from. A
	// SetPolicy carrying a stale etag fails with 412.
	Etag string
	// Version is the policy schema version.
	Version int
}

// PolicyBinding binds a set of members to a role.
type PolicyBinding struct {
	// Role is a role name such as "roles/storage.objectViewer".
	Role string
	// Members are identities: "user:<email>", "serviceAccount:<email>",
	// "allUsers", etc.
	Members []string
}

// Members returns the members bound to role, or nil.
func (p *Policy) Members(role string) []string {
	for _, b := range p.Bindings {
		if b.Role == role {
			return b.Members
		}
	}
	return nil
}

// HasRole reports whether member is bound to role.
func (p *Policy) HasRole(member, role string) bool {
	return slices.Contains(p.Members(role), member)
}

// Add binds member to role if not already bound.
func (p *Policy) Add(member, role string) {
	for i := range p.Bindings {
		if p.Bindings[i].Role == role {
			if !slices.Contains(p.Bindings[i].Members, member) {
				p.Bindings[i].Members = append(p.Bindings[i].Members, member)
			}
			return
		}
	}
	p.Bindings = append(p.Bindings, PolicyBinding{Role: role, Members: []string{member}})
}

// Remove unbinds member from role. Empty bindings are dropped.
func (p *Policy) Remove(member, role string) {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role {
			continue
		}
		members := slices.DeleteFunc(p.Bindings[i].Members, func(m string) bool { return m == member })
		if len(members) == 0 {
			p.Bindings = slices.Delete(p.Bindings, i, i+1)
		} else {
			p.Bindings[i].Members = members
		}
		return
	}
}

// rawPolicy is the wire form of an IAM policy.
type rawPolicy struct {
	Bindings []rawBinding `json:"bindings"`
	Etag     string       `json:"etag,omitempty"`
	Version  int          `json:"version,omitempty"`
}

type rawBinding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// Policy returns the bucket's IAM policy.
func (h *IAMHandle) Policy(ctx context.Context) (*Policy, error) {
	var raw rawPolicy
	err := h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b/" + escape(h.bucket) + "/iam",
		result:     &raw,
		idempotent: true,
		op:         "storage.buckets.getIamPolicy",
	})
	if err != nil {
		return nil, err
	}
	p := &Policy{Etag: raw.Etag, Version: raw.Version}
	for _, b := range raw.Bindings {
		p.Bindings = append(p.Bindings, PolicyBinding{Role: b.Role, Members: b.Members})
	}
	return p, nil
}

// SetPolicy replaces the bucket's IAM policy. When p carries the etag from
// a prior Policy read, a concurrent modification fails the call with 412
// and the write becomes safely retryable.
func (h *IAMHandle) SetPolicy(ctx context.Context, p *Policy) error {
	raw := rawPolicy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		raw.Bindings = append(raw.Bindings, rawBinding{Role: b.Role, Members: b.Members})
	}
	return h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodPut,
		path:       "/storage/v1/b/" + escape(h.bucket) + "/iam",
		body:       raw,
		idempotent: p.Etag != "",
		op:         "storage.buckets.setIamPolicy",
	})
}

// TestPermissions returns the subset of permissions the caller holds on the
// bucket.
func (h *IAMHandle) TestPermissions(ctx context.Context, permissions []string) ([]string, error) {
	params := url.Values{"permissions": permissions}
	var res struct {
		Permissions []string `json:"permissions"`
	}
	err := h.c.do(ctx, h.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b/" + escape(h.bucket) + "/iam/testPermissions",
		params:     params,
		result:     &res,
		idempotent: true,
		op:         "storage.buckets.testIamPermissions",
	})
	if err != nil {
		return nil, err
	}
	return res.Permissions, nil
}
