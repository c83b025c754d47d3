package storage

import (
	"context"
	"net/http"
)

// ACLRole is the level of access granted by an ACL entry.
type ACLRole string

// ACL roles.
const (
	RoleOwner  ACLRole = "OWNER"
	RoleWriter ACLRole = "WRITER"
	RoleReader ACLRole = "READER"
)

// ACLEntity identifies the grantee of an ACL entry: "user-<email>",
// "group-<email>", "project-<team>-<id>", or one of the well-known groups
// below.
type ACLEntity string

// Well-known ACL entities.
const (
	AllUsers              ACLEntity = "allUsers"
	AllAuthenticatedUsers ACLEntity = "allAuthenticatedUsers"
)

// ACLRule is a single ACL entry: a grantee and its role.
type ACLRule struct {
	Entity ACLEntity
	Role   ACLRole
}

// ACLHandle provides operations on one of the three ACL collections: a
// bucket's ACL, a bucket's default object ACL, or an object's ACL. Obtain
// one via BucketHandle.ACL, BucketHandle.DefaultObjectACL, or
// ObjectHandle.ACL.
type ACLHandle struct {
	c         *Client
	bucket    string
	object    string
	isDefault bool
	retry     *retryConfig
}

// path returns the escaped collection path.
func (a *ACLHandle) path() string {
	switch {
	case a.object != "":
		return "/storage/v1/b/" + escape(a.bucket) + "/o/" + escape(a.object) + "/acl"
	case a.isDefault:
		return "/storage/v1/b/" + escape(a.bucket) + "/defaultObjectAcl"
	default:
		return "/storage/v1/b/" + escape(a.bucket) + "/acl"
	}
}

func (a *ACLHandle) op(suffix string) string {
	switch {
	case a.object != "":
		return "storage.objectAccessControls." + suffix
	case a.isDefault:
		return "storage.defaultObjectAccessControls." + suffix
	default:
		return "storage.bucketAccessControls." + suffix
	}
}

// List returns the entries of the ACL collection.
func (a *ACLHandle) List(ctx context.Context) ([]ACLRule, error) {
	var page struct {
		Items []rawACLRule `json:"items"`
	}
	err := a.c.do(ctx, a.retry, &apiCall{
		method:     http.MethodGet,
		path:       a.path(),
		result:     &page,
		idempotent: true,
		op:         a.op("list"),
	})
	if err != nil {
		return nil, err
	}
	return fromRawACLRules(page.Items), nil
}

// Set grants role to entity, replacing any existing grant for the entity.
// The operation is a full PUT of the entry and therefore always retryable.
func (a *ACLHandle) Set(ctx context.Context, entity ACLEntity, role ACLRole) error {
	return a.c.do(ctx, a.retry, &apiCall{
		method:     http.MethodPut,
		path:       a.path() + "/" + escape(string(entity)),
		body:       rawACLRule{Entity: string(entity), Role: string(role)},
		idempotent: true,
		op:         a.op("update"),
	})
}

// Delete removes the entry for entity.
func (a *ACLHandle) Delete(ctx context.Context, entity ACLEntity) error {
	return a.c.do(ctx, a.retry, &apiCall{
		method:     http.MethodDelete,
		path:       a.path() + "/" + escape(string(entity)),
		idempotent: true,
		op:         a.op("delete"),
	})
}

// rawACLRule is the wire form of an ACL entry.
type rawACLRule struct {
	Entity string `json:"entity"`
	Role   string `json:"role"`
}

func toRawACLRules(rules []ACLRule) []rawACLRule {
	if rules == nil {
		return nil
	}
	raw := make([]rawACLRule, 0, len(rules))
	for _, r := range rules {
		raw = append(raw, rawACLRule{Entity: string(r.Entity), Role: string(r.Role)})
	}
	return raw
}

func fromRawACLRules(raw []rawACLRule) []ACLRule {
	if raw == nil {
		return nil
	}
	rules := make([]ACLRule, 0, len(raw))
	for _, r := range raw {
		rules = append(rules, ACLRule{Entity: ACLEntity(r.Entity), Role: ACLRole(r.Role)})
	}
	return rules
}
