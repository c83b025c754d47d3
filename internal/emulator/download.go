package emulator

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// dispatchDownload serves media reads. rest is the escaped path after the
// /download/storage/v1 prefix, expected as /b/{bucket}/o/{object}.
func (s *Server) dispatchDownload(w http.ResponseWriter, r *http.Request, rest string) {
	const op = "storage.objects.download"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}

	seg := pathSegments(rest)
	if len(seg) != 4 || seg[0] != "b" || seg[2] != "o" || r.Method != http.MethodGet {
		writeError(w, errInvalid("malformed download path"))
		return
	}
	bucket, object := seg[1], seg[3]

	q := r.URL.Query()
	gen, err := parseGeneration(q)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := parsePreconds(q)
	if err != nil {
		writeError(w, err)
		return
	}

	res, data, keySHA, err := s.store.GetObject(bucket, object, gen, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := checkEncryptionKey(r, keySHA); err != nil {
		writeError(w, err)
		return
	}

	s.serveObjectMedia(w, r, res, data)
}

// checkEncryptionKey enforces that objects written with a customer key are
// read back with the same key.
func checkEncryptionKey(r *http.Request, keySHA string) error {
	got := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
	if keySHA == "" {
		if got != "" {
			return errInvalid("object is not customer-encrypted")
		}
		return nil
	}
	if got == "" {
		return &apiError{Status: http.StatusBadRequest, Reason: "customerEncryptionKeyRequired", Message: "object is customer-encrypted; supply the key"}
	}
	if got != keySHA {
		return &apiError{Status: http.StatusBadRequest, Reason: "customerEncryptionKeyIsIncorrect", Message: "the supplied encryption key is incorrect"}
	}
	return nil
}

// serveObjectMedia writes object content honoring the Range header, and
// truncates the body mid-stream when a broken stream fault is tagged on the
// request.
func (s *Server) serveObjectMedia(w http.ResponseWriter, r *http.Request, res objectResource, data []byte) {
	start, end, partial, err := parseRange(r.Header.Get("Range"), int64(len(data)))
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if res.ContentEncoding != "" {
		h.Set("Content-Encoding", res.ContentEncoding)
	}
	if res.CacheControl != "" {
		h.Set("Cache-Control", res.CacheControl)
	}
	if t, terr := time.Parse(time.RFC3339Nano, res.Updated); terr == nil {
		h.Set("Last-Modified", t.UTC().Format(http.TimeFormat))
	}
	h.Set("ETag", res.Etag)
	h.Set("X-Lumen-Generation", strconv.FormatInt(res.Generation, 10))
	h.Set("X-Lumen-Metageneration", strconv.FormatInt(res.Metageneration, 10))

	body := data[start : end+1]
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
	}

	if brokenStream(r.Context()) && len(body) > 1 {
		// Send roughly half the payload, flush it to the client, then kill
		// the connection so the read fails mid-stream.
		w.Write(body[:len(body)/2]) //nolint:errcheck
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
	w.Write(body) //nolint:errcheck
}

// parseRange interprets a Range header against an object of the given size.
// It returns the inclusive byte bounds and whether the response is partial.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" || size == 0 {
		if size == 0 {
			return 0, -1, false, nil
		}
		return 0, size - 1, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false, errInvalid("malformed Range header")
	}

	if suffix, found := strings.CutPrefix(spec, "-"); found {
		// Last N bytes.
		n, perr := strconv.ParseInt(suffix, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, errInvalid("malformed Range header")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}

	first, rest, _ := strings.Cut(spec, "-")
	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 {
		return 0, 0, false, errInvalid("malformed Range header")
	}
	if start >= size {
		return 0, 0, false, &apiError{Status: http.StatusRequestedRangeNotSatisfiable, Reason: "requestedRangeNotSatisfiable", Message: "range start beyond object size"}
	}
	end = size - 1
	if rest != "" {
		end, perr = strconv.ParseInt(rest, 10, 64)
		if perr != nil || end < start {
			return 0, 0, false, errInvalid("malformed Range header")
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true, nil
}
