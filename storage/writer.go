package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
)

// defaultWriterChunkSize is the resumable-upload chunk size used when the
// caller leaves ChunkSize untouched.
const defaultWriterChunkSize = 16 * 1024 * 1024

// NewWriter returns a Writer that writes a new generation of the object.
// The upload is not visible (and any preconditions are not evaluated) until
// Close returns nil.
func (o *ObjectHandle) NewWriter(ctx context.Context) *Writer {
	return &Writer{
		ctx:       ctx,
		o:         o,
		ChunkSize: defaultWriterChunkSize,
	}
}

// Writer uploads an object. Set fields of the embedded ObjectAttrs (and
// ChunkSize) before the first call to Write.
//
// With ChunkSize > 0 the upload uses the resumable protocol: data is
// buffered into chunks and each chunk is committed with its own retryable
// request, so arbitrarily large objects upload in bounded memory. With
// ChunkSize == 0 the whole object is buffered and sent in a single request,
// which is cheaper for small objects.
type Writer struct {
	// ObjectAttrs holds the metadata of the new object. Only the writable
	// fields are sent; Name and Bucket come from the handle.
	ObjectAttrs

	// ChunkSize is the resumable-upload chunk size in bytes. Must be set
	// before the first Write.
	ChunkSize int

	// ProgressFunc, if set, is called after each committed chunk with the
	// total number of bytes committed so far.
	ProgressFunc func(int64)

	ctx context.Context
	o   *ObjectHandle

	started    bool
	sessionURI string
	buf        []byte
	committed  int64
	attrs      *ObjectAttrs
	err        error
	closed     bool
}

// Write implements io.Writer. Data may be buffered; errors from the service
// can surface here or at Close.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("storage: writer is closed")
	}
	if !w.started {
		if err := w.o.validate(); err != nil {
			w.err = err
			return 0, err
		}
		w.started = true
	}

	w.buf = append(w.buf, p...)
	if w.ChunkSize > 0 {
		for len(w.buf) >= w.ChunkSize {
			if err := w.flushChunk(w.buf[:w.ChunkSize], false); err != nil {
				w.err = err
				return 0, err
			}
			w.buf = w.buf[w.ChunkSize:]
		}
	}
	return len(p), nil
}

// Close finalizes the upload. The object and its new generation exist only
// after Close returns nil.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errors.New("storage: writer already closed")
	}
	w.closed = true
	if !w.started {
		if err := w.o.validate(); err != nil {
			w.err = err
			return err
		}
	}

	var err error
	if w.ChunkSize == 0 && w.sessionURI == "" {
		err = w.uploadOneShot()
	} else {
		err = w.flushChunk(w.buf, true)
		w.buf = nil
	}
	if err != nil {
		w.err = err
	}
	return err
}

// Attrs returns the attributes of the uploaded object. Valid only after a
// successful Close.
func (w *Writer) Attrs() *ObjectAttrs { return w.attrs }

// uploadParams returns the query parameters for upload initiation,
// including the object name and any preconditions.
func (w *Writer) uploadParams(uploadType string) (url.Values, error) {
	params := url.Values{
		"uploadType": {uploadType},
		"name":       {w.o.object},
	}
	if err := w.o.conds.apply(params); err != nil {
		return nil, err
	}
	return params, nil
}

// uploadPath is the escaped upload path for the destination bucket.
func (w *Writer) uploadPath() string {
	return "/upload/storage/v1/b/" + escape(w.o.bucket) + "/o"
}

// uploadIdempotent reports whether replaying the whole upload is safe: only
// when the caller pinned the write with a generation precondition.
func (w *Writer) uploadIdempotent() bool {
	return w.o.conds.isIdempotent()
}

// uploadOneShot sends metadata and data in a single multipart/related
// request.
func (w *Writer) uploadOneShot() error {
	params, err := w.uploadParams("multipart")
	if err != nil {
		return err
	}

	meta, err := json.Marshal(w.ObjectAttrs.toRawObject())
	if err != nil {
		return fmt.Errorf("storage: encoding object metadata: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return fmt.Errorf("storage: building upload request: %w", err)
	}
	part.Write(meta) //nolint:errcheck

	dataHeader := textproto.MIMEHeader{}
	if w.ObjectAttrs.ContentType != "" {
		dataHeader.Set("Content-Type", w.ObjectAttrs.ContentType)
	}
	part, err = mw.CreatePart(dataHeader)
	if err != nil {
		return fmt.Errorf("storage: building upload request: %w", err)
	}
	part.Write(w.buf) //nolint:errcheck
	if err := mw.Close(); err != nil {
		return fmt.Errorf("storage: building upload request: %w", err)
	}
	payload := body.Bytes()

	return runWithRetry(w.ctx, w.o.retry, w.o.c.logger, w.uploadIdempotent(), "storage.objects.insert", func(ctx context.Context) error {
		req, err := w.o.c.newRequest(ctx, http.MethodPost, w.uploadPath(), params, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
		for k, vs := range w.o.encryptionHeaders() {
			req.Header[k] = vs
		}

		res, err := w.o.c.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return errorFromResponse(res)
		}
		return w.decodeFinal(res)
	})
}

// startSession initiates a resumable upload session and records its URI.
// Starting a session commits nothing, so it is always retryable.
func (w *Writer) startSession() error {
	params, err := w.uploadParams("resumable")
	if err != nil {
		return err
	}
	meta, err := json.Marshal(w.ObjectAttrs.toRawObject())
	if err != nil {
		return fmt.Errorf("storage: encoding object metadata: %w", err)
	}

	return runWithRetry(w.ctx, w.o.retry, w.o.c.logger, true, "storage.objects.insert", func(ctx context.Context) error {
		req, err := w.o.c.newRequest(ctx, http.MethodPost, w.uploadPath(), params, bytes.NewReader(meta))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.ObjectAttrs.ContentType != "" {
			req.Header.Set("X-Upload-Content-Type", w.ObjectAttrs.ContentType)
		}
		for k, vs := range w.o.encryptionHeaders() {
			req.Header[k] = vs
		}

		res, err := w.o.c.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return errorFromResponse(res)
		}
		io.Copy(io.Discard, res.Body) //nolint:errcheck

		loc := res.Header.Get("Location")
		if loc == "" {
			return errors.New("storage: resumable session response missing Location")
		}
		w.sessionURI = loc
		return nil
	})
}

// flushChunk commits one chunk of the resumable upload. Chunk PUTs are
// idempotent by construction: the session tracks the committed offset and
// replays of already-committed ranges are acknowledged without effect.
func (w *Writer) flushChunk(chunk []byte, final bool) error {
	if w.sessionURI == "" {
		if err := w.startSession(); err != nil {
			return err
		}
	}

	start := w.committed
	var contentRange string
	switch {
	case final && len(chunk) == 0:
		// All data is already committed; just finalize at the total size.
		contentRange = fmt.Sprintf("bytes */%d", start)
	case final:
		total := start + int64(len(chunk))
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, total-1, total)
	default:
		contentRange = fmt.Sprintf("bytes %d-%d/*", start, start+int64(len(chunk))-1)
	}

	err := runWithRetry(w.ctx, w.o.retry, w.o.c.logger, true, "storage.objects.insert", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.sessionURI, bytes.NewReader(chunk))
		if err != nil {
			return fmt.Errorf("storage: building chunk request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		if len(chunk) > 0 || final {
			req.Header.Set("Content-Range", contentRange)
		}

		res, err := w.o.c.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusPermanentRedirect || res.StatusCode == 308 {
			// Resume Incomplete: the chunk is committed but the object is
			// not final.
			io.Copy(io.Discard, res.Body) //nolint:errcheck
			return nil
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return errorFromResponse(res)
		}
		if final {
			return w.decodeFinal(res)
		}
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		return nil
	})
	if err != nil {
		return err
	}

	w.committed += int64(len(chunk))
	if w.ProgressFunc != nil {
		w.ProgressFunc(w.committed)
	}
	return nil
}

// decodeFinal decodes the finished object resource from the last upload
// response.
func (w *Writer) decodeFinal(res *http.Response) error {
	var raw rawObject
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return fmt.Errorf("storage: decoding upload response: %w", err)
	}
	w.attrs = raw.toAttrs()
	return nil
}
