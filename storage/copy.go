package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// CopierFrom returns a Copier that copies src into dst. Destination
// attributes may be set on the Copier before Run; unset content attributes
// are carried over from the source.
func (dst *ObjectHandle) CopierFrom(src *ObjectHandle) *Copier {
	return &Copier{dst: dst, src: src}
}

// A Copier copies a source object to a destination, optionally rewriting
// its metadata.
type Copier struct {
	// ObjectAttrs are the destination attributes. Name and Bucket are
	// ignored; zero-value content fields inherit from the source.
	ObjectAttrs

	dst, src *ObjectHandle
}

// Run performs the copy and returns the new destination attributes. The
// copy is retried automatically only when the destination carries a
// precondition (the source side is read-only and always safe).
func (c *Copier) Run(ctx context.Context) (*ObjectAttrs, error) {
	if err := c.src.validate(); err != nil {
		return nil, err
	}
	if err := c.dst.validate(); err != nil {
		return nil, err
	}

	path := "/storage/v1/b/" + escape(c.src.bucket) + "/o/" + escape(c.src.object) +
		"/copyTo/b/" + escape(c.dst.bucket) + "/o/" + escape(c.dst.object)

	params := url.Values{}
	if err := c.dst.conds.apply(params); err != nil {
		return nil, err
	}
	if c.src.gen >= 0 {
		params.Set("sourceGeneration", fmt.Sprint(c.src.gen))
	}
	if c.src.conds != nil {
		if c.src.conds.GenerationMatch != 0 {
			params.Set("ifSourceGenerationMatch", fmt.Sprint(c.src.conds.GenerationMatch))
		}
		if c.src.conds.MetagenerationMatch != 0 {
			params.Set("ifSourceMetagenerationMatch", fmt.Sprint(c.src.conds.MetagenerationMatch))
		}
	}

	header := http.Header{}
	for k, vs := range c.dst.encryptionHeaders() {
		header[k] = vs
	}
	// The source may be protected by a different customer-supplied key.
	if c.src.key != nil {
		srcHeaders := (&ObjectHandle{key: c.src.key}).encryptionHeaders()
		header.Set("X-Lumen-Copy-Source-Encryption-Algorithm", srcHeaders.Get("X-Lumen-Encryption-Algorithm"))
		header.Set("X-Lumen-Copy-Source-Encryption-Key", srcHeaders.Get("X-Lumen-Encryption-Key"))
		header.Set("X-Lumen-Copy-Source-Encryption-Key-Sha256", srcHeaders.Get("X-Lumen-Encryption-Key-Sha256"))
	}

	var raw rawObject
	err := c.dst.c.do(ctx, c.dst.retry, &apiCall{
		method:     http.MethodPost,
		path:       path,
		params:     params,
		header:     header,
		body:       c.ObjectAttrs.toRawObject(),
		result:     &raw,
		idempotent: c.dst.conds.isIdempotent(),
		op:         "storage.objects.copy",
	})
	if err != nil {
		return nil, c.src.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}

// ComposerFrom returns a Composer that concatenates srcs, in order, into
// dst. All sources must live in dst's bucket.
func (dst *ObjectHandle) ComposerFrom(srcs ...*ObjectHandle) *Composer {
	return &Composer{dst: dst, srcs: srcs}
}

// maxComposeSources is the service limit on sources per compose call.
const maxComposeSources = 32

// A Composer composes up to 32 source objects into one destination object.
type Composer struct {
	// ObjectAttrs are the destination attributes. Name and Bucket are
	// ignored.
	ObjectAttrs

	dst  *ObjectHandle
	srcs []*ObjectHandle
}

// Run performs the composition and returns the destination attributes.
func (c *Composer) Run(ctx context.Context) (*ObjectAttrs, error) {
	if err := c.dst.validate(); err != nil {
		return nil, err
	}
	if len(c.srcs) == 0 {
		return nil, errors.New("storage: compose requires at least one source")
	}
	if len(c.srcs) > maxComposeSources {
		return nil, fmt.Errorf("storage: compose accepts at most %d sources, got %d", maxComposeSources, len(c.srcs))
	}

	type sourceObject struct {
		Name       string `json:"name"`
		Generation int64  `json:"generation,omitempty"`
	}
	req := struct {
		SourceObjects []sourceObject `json:"sourceObjects"`
		Destination   *rawObject     `json:"destination,omitempty"`
	}{}
	for _, src := range c.srcs {
		if err := src.validate(); err != nil {
			return nil, err
		}
		if src.bucket != c.dst.bucket {
			return nil, errors.New("storage: all compose sources must be in the destination bucket")
		}
		so := sourceObject{Name: src.object}
		if src.gen >= 0 {
			so.Generation = src.gen
		}
		req.SourceObjects = append(req.SourceObjects, so)
	}
	req.Destination = c.ObjectAttrs.toRawObject()

	params := url.Values{}
	if err := c.dst.conds.apply(params); err != nil {
		return nil, err
	}

	var raw rawObject
	err := c.dst.c.do(ctx, c.dst.retry, &apiCall{
		method:     http.MethodPost,
		path:       "/storage/v1/b/" + escape(c.dst.bucket) + "/o/" + escape(c.dst.object) + "/compose",
		params:     params,
		header:     c.dst.encryptionHeaders(),
		body:       req,
		result:     &raw,
		idempotent: c.dst.conds.isIdempotent(),
		op:         "storage.objects.compose",
	})
	if err != nil {
		return nil, c.dst.mapNotFound(err)
	}
	return raw.toAttrs(), nil
}
