package emulator

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// maxUploadBytes caps a single upload request body.
const maxUploadBytes = 1 << 30

// dispatchUpload serves object uploads. rest is the escaped path after the
// /upload/storage/v1 prefix, expected as /b/{bucket}/o.
func (s *Server) dispatchUpload(w http.ResponseWriter, r *http.Request, rest string) {
	const op = "storage.objects.insert"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}

	seg := pathSegments(rest)
	if len(seg) != 3 || seg[0] != "b" || seg[2] != "o" {
		writeError(w, errInvalid("malformed upload path"))
		return
	}
	bucket := seg[1]
	q := r.URL.Query()

	if q.Has("upload_id") {
		s.handleUploadChunk(w, r, q.Get("upload_id"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}

	switch q.Get("uploadType") {
	case "resumable":
		s.handleStartResumable(w, r, bucket)
	case "multipart":
		s.handleMultipartUpload(w, r, bucket)
	case "media":
		s.handleMediaUpload(w, r, bucket)
	default:
		writeError(w, errInvalid("unsupported uploadType"))
	}
}

// handleStartResumable opens a resumable session and returns its URI in the
// Location header.
func (s *Server) handleStartResumable(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	p, err := parsePreconds(q)
	if err != nil {
		writeError(w, err)
		return
	}

	var res objectResource
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&res); err != nil && err != io.EOF {
			writeError(w, errInvalid("malformed object metadata"))
			return
		}
	}
	if name := q.Get("name"); name != "" {
		res.Name = name
	}
	if res.ContentType == "" {
		res.ContentType = r.Header.Get("X-Upload-Content-Type")
	}

	keySHA := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
	id, err := s.store.CreateUploadSession(bucket, res, p, keySHA)
	recordOp("storage.objects.insert", err)
	if err != nil {
		writeError(w, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	location := fmt.Sprintf("%s://%s%s?uploadType=resumable&upload_id=%s", scheme, r.Host, r.URL.EscapedPath(), id)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusOK)
}

// handleUploadChunk commits one chunk of a resumable session. Incomplete
// uploads are acknowledged with 308 and a Range header naming the committed
// bytes.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, errInvalid("failed to read chunk"))
		return
	}

	offset, total, final, queryOnly, err := parseContentRange(r.Header.Get("Content-Range"), len(body))
	if err != nil {
		writeError(w, err)
		return
	}

	if queryOnly {
		committed, err := s.store.CommittedSize(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResumeIncomplete(w, committed)
		return
	}

	res, committed, err := s.store.AppendUploadChunk(id, offset, body, final, total)
	recordOp("storage.objects.insert", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		writeResumeIncomplete(w, committed)
		return
	}
	writeJSON(w, res)
}

// writeResumeIncomplete acknowledges a chunk without finalizing the upload.
func writeResumeIncomplete(w http.ResponseWriter, committed int64) {
	if committed > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", committed-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect) // 308 Resume Incomplete
}

// parseContentRange interprets the Content-Range header of a chunk PUT.
//
//	bytes 0-1023/*      chunk at offset 0, upload not final
//	bytes 1024-2047/2048 final chunk with total size
//	bytes */0           empty final upload
//	bytes */*           status query, nothing uploaded
func parseContentRange(header string, bodyLen int) (offset, total int64, final, queryOnly bool, err error) {
	if header == "" {
		if bodyLen == 0 {
			return 0, -1, false, true, nil
		}
		return 0, -1, false, false, errInvalid("missing Content-Range")
	}
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, false, false, errInvalid("malformed Content-Range")
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, false, false, errInvalid("malformed Content-Range")
	}

	total = -1
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total < 0 {
			return 0, 0, false, false, errInvalid("malformed Content-Range total")
		}
		final = true
	}

	if rangePart == "*" {
		if !final {
			return 0, -1, false, true, nil
		}
		// "bytes */N": finalize with no further data.
		return 0, total, true, false, nil
	}

	first, last, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, false, false, errInvalid("malformed Content-Range")
	}
	offset, err = strconv.ParseInt(first, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, false, false, errInvalid("malformed Content-Range offset")
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < offset {
		return 0, 0, false, false, errInvalid("malformed Content-Range end")
	}
	if got := end - offset + 1; got != int64(bodyLen) {
		return 0, 0, false, false, errInvalid(fmt.Sprintf("Content-Range names %d bytes but body has %d", got, bodyLen))
	}
	return offset, total, final, false, nil
}

// handleMultipartUpload serves one-shot multipart/related uploads: a JSON
// metadata part followed by a media part.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	p, err := parsePreconds(q)
	if err != nil {
		writeError(w, err)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeError(w, errInvalid("expected a multipart/related body"))
		return
	}
	mr := multipart.NewReader(io.LimitReader(r.Body, maxUploadBytes), params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, errInvalid("missing metadata part"))
		return
	}
	var res objectResource
	if err := json.NewDecoder(metaPart).Decode(&res); err != nil {
		writeError(w, errInvalid("malformed object metadata"))
		return
	}

	dataPart, err := mr.NextPart()
	if err != nil {
		writeError(w, errInvalid("missing media part"))
		return
	}
	data, err := io.ReadAll(dataPart)
	if err != nil {
		writeError(w, errInvalid("failed to read media part"))
		return
	}
	if res.ContentType == "" {
		res.ContentType = dataPart.Header.Get("Content-Type")
	}
	if name := q.Get("name"); name != "" {
		res.Name = name
	}

	keySHA := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
	out, err := s.store.InsertObject(bucket, res, data, keySHA, p)
	recordOp("storage.objects.insert", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

// handleMediaUpload serves simple media uploads with metadata taken from
// query parameters and headers.
func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	p, err := parsePreconds(q)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, errInvalid("failed to read body"))
		return
	}
	res := objectResource{
		Name:        q.Get("name"),
		ContentType: r.Header.Get("Content-Type"),
	}
	keySHA := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
	out, err := s.store.InsertObject(bucket, res, data, keySHA, p)
	recordOp("storage.objects.insert", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}
