package storage

import (
	"context"
	"errors"
	"net/http"
)

// Notification event types.
const (
	// ObjectFinalizeEvent fires when a new object generation is committed.
	ObjectFinalizeEvent = "OBJECT_FINALIZE"
	// ObjectMetadataUpdateEvent fires on metadata changes.
	ObjectMetadataUpdateEvent = "OBJECT_METADATA_UPDATE"
	// ObjectDeleteEvent fires when a generation is deleted or overwritten.
	ObjectDeleteEvent = "OBJECT_DELETE"
	// ObjectArchiveEvent fires when a generation becomes noncurrent.
	ObjectArchiveEvent = "OBJECT_ARCHIVE"
)

// Notification payload formats.
const (
	// JSONPayload delivers the object resource as JSON.
	JSONPayload = "JSON_API_V1"
	// NoPayload delivers event attributes only.
	NoPayload = "NONE"
)

// Notification is a bucket notification configuration: object events
// matching the filter are published to the named topic.
type Notification struct {
	// ID identifies the configuration within the bucket. Read-only.
	ID string
	// Topic is the destination topic name.
	Topic string
	// EventTypes restricts delivery to the listed events; empty means all.
	EventTypes []string
	// ObjectNamePrefix restricts delivery to matching object names.
	ObjectNamePrefix string
	// PayloadFormat is JSONPayload or NoPayload. Defaults to JSONPayload.
	PayloadFormat string
	// CustomAttributes are attached to every delivered event.
	CustomAttributes map[string]string
}

// rawNotification is the wire form of a notification configuration.
type rawNotification struct {
	ID               string            `json:"id,omitempty"`
	Topic            string            `json:"topic"`
	EventTypes       []string          `json:"eventTypes,omitempty"`
	ObjectNamePrefix string            `json:"objectNamePrefix,omitempty"`
	PayloadFormat    string            `json:"payloadFormat,omitempty"`
	CustomAttributes map[string]string `json:"customAttributes,omitempty"`
}

func (n *Notification) toRaw() *rawNotification {
	format := n.PayloadFormat
	if format == "" {
		format = JSONPayload
	}
	return &rawNotification{
		Topic:            n.Topic,
		EventTypes:       n.EventTypes,
		ObjectNamePrefix: n.ObjectNamePrefix,
		PayloadFormat:    format,
		CustomAttributes: n.CustomAttributes,
	}
}

func (raw *rawNotification) toNotification() *Notification {
	return &Notification{
		ID:               raw.ID,
		Topic:            raw.Topic,
		EventTypes:       raw.EventTypes,
		ObjectNamePrefix: raw.ObjectNamePrefix,
		PayloadFormat:    raw.PayloadFormat,
		CustomAttributes: raw.CustomAttributes,
	}
}

// AddNotification registers a notification configuration on the bucket and
// returns it with the server-assigned ID. Registration is not idempotent:
// repeating it creates a second configuration, so it is never retried under
// RetryIdempotent.
func (b *BucketHandle) AddNotification(ctx context.Context, n *Notification) (*Notification, error) {
	if n.ID != "" {
		return nil, errors.New("storage: notification ID is assigned by the service")
	}
	if n.Topic == "" {
		return nil, errors.New("storage: notification topic is required")
	}
	var raw rawNotification
	err := b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodPost,
		path:       "/storage/v1/b/" + escape(b.name) + "/notificationConfigs",
		body:       n.toRaw(),
		result:     &raw,
		idempotent: false,
		op:         "storage.notifications.insert",
	})
	if err != nil {
		return nil, err
	}
	return raw.toNotification(), nil
}

// Notifications returns the bucket's notification configurations, keyed by
// ID.
func (b *BucketHandle) Notifications(ctx context.Context) (map[string]*Notification, error) {
	var page struct {
		Items []*rawNotification `json:"items"`
	}
	err := b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodGet,
		path:       "/storage/v1/b/" + escape(b.name) + "/notificationConfigs",
		result:     &page,
		idempotent: true,
		op:         "storage.notifications.list",
	})
	if err != nil {
		return nil, err
	}
	m := make(map[string]*Notification, len(page.Items))
	for _, raw := range page.Items {
		m[raw.ID] = raw.toNotification()
	}
	return m, nil
}

// DeleteNotification removes the notification configuration with the given
// ID.
func (b *BucketHandle) DeleteNotification(ctx context.Context, id string) error {
	return b.c.do(ctx, b.retry, &apiCall{
		method:     http.MethodDelete,
		path:       "/storage/v1/b/" + escape(b.name) + "/notificationConfigs/" + escape(id),
		idempotent: true,
		op:         "storage.notifications.delete",
	})
}
