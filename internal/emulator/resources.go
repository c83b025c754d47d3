// Package emulator implements an in-process Lumen Object Storage service:
// the JSON API, media upload and download, signed URL verification, a
// minimal S3-compatible XML surface, and a fault injection API for retry
// testing. It backs the client library's tests and the conformance suite.
package emulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// apiError is a service error carrying the JSON API error envelope.
type apiError struct {
	Status  int
	Reason  string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Message)
}

func errNotFound(kind, name string) *apiError {
	return &apiError{Status: http.StatusNotFound, Reason: "notFound", Message: fmt.Sprintf("%s %q not found", kind, name)}
}

func errPreconditionFailed(msg string) *apiError {
	return &apiError{Status: http.StatusPreconditionFailed, Reason: "conditionNotMet", Message: msg}
}

func errInvalid(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Reason: "invalid", Message: msg}
}

func errConflict(msg string) *apiError {
	return &apiError{Status: http.StatusConflict, Reason: "conflict", Message: msg}
}

// writeError renders an error as the JSON API error envelope.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apiError)
	if !ok {
		ae = &apiError{Status: http.StatusInternalServerError, Reason: "internalError", Message: err.Error()}
	}
	type errItem struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	envelope := struct {
		Error struct {
			Code    int       `json:"code"`
			Message string    `json:"message"`
			Errors  []errItem `json:"errors"`
		} `json:"error"`
	}{}
	envelope.Error.Code = ae.Status
	envelope.Error.Message = ae.Message
	envelope.Error.Errors = []errItem{{Reason: ae.Reason, Message: ae.Message}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	json.NewEncoder(w).Encode(envelope) //nolint:errcheck
}

// writeJSON renders a resource with a 200 status.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// aclResource is the wire form of an access control entry.
type aclResource struct {
	Entity string `json:"entity"`
	Role   string `json:"role"`
	Etag   string `json:"etag,omitempty"`
}

// bucketResource is the wire form of a bucket.
type bucketResource struct {
	Name              string              `json:"name"`
	Location          string              `json:"location,omitempty"`
	StorageClass      string              `json:"storageClass,omitempty"`
	Versioning        *versioningResource `json:"versioning,omitempty"`
	Labels            map[string]string   `json:"labels,omitempty"`
	Lifecycle         *lifecycleResource  `json:"lifecycle,omitempty"`
	RetentionPolicy   *retentionResource  `json:"retentionPolicy,omitempty"`
	DefaultKMSKeyName string              `json:"defaultKmsKeyName,omitempty"`
	ACL               []aclResource       `json:"acl,omitempty"`
	DefaultObjectACL  []aclResource       `json:"defaultObjectAcl,omitempty"`
	Metageneration    int64               `json:"metageneration,omitempty"`
	TimeCreated       string              `json:"timeCreated,omitempty"`
	Etag              string              `json:"etag,omitempty"`
}

type versioningResource struct {
	Enabled bool `json:"enabled"`
}

type lifecycleResource struct {
	Rules []lifecycleRuleResource `json:"rule"`
}

type lifecycleRuleResource struct {
	Action    lifecycleActionResource    `json:"action"`
	Condition lifecycleConditionResource `json:"condition"`
}

type lifecycleActionResource struct {
	Type         string `json:"type"`
	StorageClass string `json:"storageClass,omitempty"`
}

type lifecycleConditionResource struct {
	Age                   int64    `json:"age,omitempty"`
	CreatedBefore         string   `json:"createdBefore,omitempty"`
	MatchesStorageClasses []string `json:"matchesStorageClass,omitempty"`
	NumNewerVersions      int64    `json:"numNewerVersions,omitempty"`
	Live                  *bool    `json:"isLive,omitempty"`
}

type retentionResource struct {
	RetentionPeriodSeconds int64  `json:"retentionPeriod,omitempty"`
	EffectiveTime          string `json:"effectiveTime,omitempty"`
	IsLocked               bool   `json:"isLocked,omitempty"`
}

// objectResource is the wire form of an object. Size and generations are
// JSON numbers.
type objectResource struct {
	Name               string            `json:"name"`
	Bucket             string            `json:"bucket"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	StorageClass       string            `json:"storageClass,omitempty"`
	TemporaryHold      bool              `json:"temporaryHold,omitempty"`
	EventBasedHold     bool              `json:"eventBasedHold,omitempty"`
	Size               int64             `json:"size"`
	MD5Hash            string            `json:"md5Hash,omitempty"`
	Generation         int64             `json:"generation"`
	Metageneration     int64             `json:"metageneration"`
	KeySHA256          string            `json:"customerKeySha256,omitempty"`
	TimeCreated        string            `json:"timeCreated,omitempty"`
	Updated            string            `json:"updated,omitempty"`
	TimeDeleted        string            `json:"timeDeleted,omitempty"`
	ACL                []aclResource     `json:"acl,omitempty"`
	Etag               string            `json:"etag,omitempty"`
}

// policyResource is the wire form of a bucket IAM policy.
type policyResource struct {
	Bindings []bindingResource `json:"bindings"`
	Etag     string            `json:"etag,omitempty"`
	Version  int               `json:"version,omitempty"`
}

type bindingResource struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// notificationResource is the wire form of a notification configuration.
type notificationResource struct {
	ID               string            `json:"id,omitempty"`
	Topic            string            `json:"topic"`
	EventTypes       []string          `json:"eventTypes,omitempty"`
	ObjectNamePrefix string            `json:"objectNamePrefix,omitempty"`
	PayloadFormat    string            `json:"payloadFormat,omitempty"`
	CustomAttributes map[string]string `json:"customAttributes,omitempty"`
}

// hmacResource is the wire form of an HMAC key.
type hmacResource struct {
	AccessID            string `json:"accessId,omitempty"`
	Secret              string `json:"secret,omitempty"`
	State               string `json:"state,omitempty"`
	ServiceAccountEmail string `json:"serviceAccountEmail,omitempty"`
	ProjectID           string `json:"projectId,omitempty"`
	TimeCreated         string `json:"timeCreated,omitempty"`
	Updated             string `json:"updated,omitempty"`
	Etag                string `json:"etag,omitempty"`
}

// remarshal converts a decoded JSON value into a typed struct.
func remarshal(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
