// Package conformance replays declarative retry scenarios against the
// in-process emulator. Each scenario registers a sequence of forced failures
// through the emulator's fault injection API, drives a real client call
// tagged with the resulting test ID, and checks that the client's retry
// policy produced the expected outcome.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"google.golang.org/api/iterator"

	"github.com/lumenstore/lumen-go/storage"
)

// Suite is the parsed contents of testdata/retry_tests.json.
type Suite struct {
	RetryTests []RetryTest `json:"retryTests"`
}

// RetryTest is one scenario: every listed method runs once per case.
type RetryTest struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	// Cases are the fault sequences to inject, one scenario run per case.
	Cases []Case `json:"cases"`
	// Methods are the operations under test, by wire name.
	Methods []string `json:"methods"`
	// PreconditionProvided selects the conditionally idempotent variant of
	// each method.
	PreconditionProvided bool `json:"preconditionProvided"`
	ExpectSuccess        bool `json:"expectSuccess"`
}

// Case is a single fault sequence.
type Case struct {
	Instructions []string `json:"instructions"`
}

// LoadSuite parses a retry test fixture file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conformance: reading suite: %w", err)
	}
	var s Suite
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("conformance: parsing suite: %w", err)
	}
	return &s, nil
}

// FaultClient talks to the emulator's fault injection API.
type FaultClient struct {
	base string
	hc   *http.Client
}

// NewFaultClient returns a FaultClient for the emulator at baseURL.
func NewFaultClient(baseURL string) *FaultClient {
	return &FaultClient{base: baseURL, hc: http.DefaultClient}
}

// Create registers a fault sequence and returns the retry test ID to tag
// requests with.
func (f *FaultClient) Create(ctx context.Context, instructions map[string][]string) (string, error) {
	body, err := json.Marshal(map[string]any{"instructions": instructions})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+"/retry_test", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := f.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("conformance: creating retry test: status %d", res.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Completed reports whether every registered instruction was consumed.
func (f *FaultClient) Completed(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/retry_test/"+id, nil)
	if err != nil {
		return false, err
	}
	res, err := f.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("conformance: fetching retry test %s: status %d", id, res.StatusCode)
	}
	var out struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Completed, nil
}

// Delete unregisters a retry test.
func (f *FaultClient) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, f.base+"/retry_test/"+id, nil)
	if err != nil {
		return err
	}
	res, err := f.hc.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

// taggedTransport adds the retry test header to every request so the
// emulator applies the registered faults.
type taggedTransport struct {
	base http.RoundTripper
	id   string
}

func (t *taggedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("x-retry-test-id", t.id)
	return t.base.RoundTrip(clone)
}

// TaggedHTTPClient returns an http.Client whose requests carry the given
// retry test ID.
func TaggedHTTPClient(id string) *http.Client {
	return &http.Client{Transport: &taggedTransport{base: http.DefaultTransport, id: id}}
}

// Resources names the pre-seeded fixtures a method run may use. Bucket and
// Object exist before the scenario starts; Scratch is a free object name the
// method may create.
type Resources struct {
	Project string
	Bucket  string
	Object  string
	Scratch string
}

// MethodFunc drives one client operation. withPrecondition selects the
// conditionally idempotent form.
type MethodFunc func(ctx context.Context, c *storage.Client, r Resources, withPrecondition bool) error

// Methods maps wire operation names to driver functions.
func Methods() map[string]MethodFunc {
	return map[string]MethodFunc{
		"storage.buckets.get": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.Bucket(r.Bucket).Attrs(ctx)
			return err
		},
		"storage.buckets.list": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			it := c.Buckets(ctx, r.Project)
			for {
				_, err := it.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return err
				}
			}
		},
		"storage.buckets.patch": func(ctx context.Context, c *storage.Client, r Resources, pre bool) error {
			b := c.Bucket(r.Bucket)
			if pre {
				attrs, err := b.Attrs(ctx)
				if err != nil {
					return err
				}
				b = b.If(storage.BucketConditions{MetagenerationMatch: attrs.MetaGeneration})
			}
			var ua storage.BucketAttrsToUpdate
			ua.SetLabel("conformance", "true")
			_, err := b.Update(ctx, ua)
			return err
		},
		"storage.objects.get": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.Bucket(r.Bucket).Object(r.Object).Attrs(ctx)
			return err
		},
		"storage.objects.list": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			it := c.Bucket(r.Bucket).Objects(ctx, nil)
			for {
				_, err := it.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return err
				}
			}
		},
		"storage.objects.download": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			rd, err := c.Bucket(r.Bucket).Object(r.Object).NewReader(ctx)
			if err != nil {
				return err
			}
			defer rd.Close()
			_, err = io.Copy(io.Discard, rd)
			return err
		},
		"storage.objects.insert": func(ctx context.Context, c *storage.Client, r Resources, pre bool) error {
			obj := c.Bucket(r.Bucket).Object(r.Scratch)
			if pre {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			w.ChunkSize = 0
			if _, err := w.Write([]byte("conformance payload")); err != nil {
				return err
			}
			return w.Close()
		},
		"storage.objects.patch": func(ctx context.Context, c *storage.Client, r Resources, pre bool) error {
			obj := c.Bucket(r.Bucket).Object(r.Object)
			if pre {
				attrs, err := obj.Attrs(ctx)
				if err != nil {
					return err
				}
				obj = obj.If(storage.Conditions{MetagenerationMatch: attrs.Metageneration})
			}
			ct := "text/plain"
			_, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{ContentType: &ct})
			return err
		},
		"storage.objects.delete": func(ctx context.Context, c *storage.Client, r Resources, pre bool) error {
			obj := c.Bucket(r.Bucket).Object(r.Object)
			if pre {
				attrs, err := obj.Attrs(ctx)
				if err != nil {
					return err
				}
				obj = obj.If(storage.Conditions{GenerationMatch: attrs.Generation})
			}
			return obj.Delete(ctx)
		},
		"storage.hmacKeys.create": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.CreateHMACKey(ctx, r.Project, "svc@"+r.Project+".example.com")
			return err
		},
		"storage.hmacKeys.list": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			it := c.ListHMACKeys(ctx, r.Project)
			for {
				_, err := it.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return err
				}
			}
		},
		"storage.buckets.getIamPolicy": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.Bucket(r.Bucket).IAM().Policy(ctx)
			return err
		},
		"storage.notifications.list": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.Bucket(r.Bucket).Notifications(ctx)
			return err
		},
		"storage.notifications.insert": func(ctx context.Context, c *storage.Client, r Resources, _ bool) error {
			_, err := c.Bucket(r.Bucket).AddNotification(ctx, &storage.Notification{
				Topic: "projects/" + r.Project + "/topics/conformance",
			})
			return err
		},
	}
}
