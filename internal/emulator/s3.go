package emulator

import (
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lumenstore/lumen-go/internal/auth"
	s3err "github.com/lumenstore/lumen-go/internal/errors"
	"github.com/lumenstore/lumen-go/internal/xmlutil"
)

// s3Project owns buckets created through the S3-compatible surface.
const s3Project = "default"

// s3Owner is the fixed owner reported in S3 listing responses.
var s3Owner = xmlutil.Owner{ID: "lumen", DisplayName: "lumen"}

// dispatchS3 serves the S3-compatible XML surface. rest is the escaped path
// after the /s3 prefix. All requests must carry a valid AWS SigV4
// Authorization header signed with an HMAC key.
func (s *Server) dispatchS3(w http.ResponseWriter, r *http.Request, rest string) {
	if _, err := s.verifier.VerifyRequest(r); err != nil {
		xmlutil.RenderError(w, r, authToS3Error(err))
		return
	}

	bucket, key := splitS3Path(rest)
	switch {
	case bucket == "":
		s.s3ListBuckets(w, r)
	case key == "":
		s.s3BucketOp(w, r, bucket)
	default:
		s.s3ObjectOp(w, r, bucket, key)
	}
}

// splitS3Path separates the bucket from the object key. The key may contain
// slashes and percent-encoded characters.
func splitS3Path(rest string) (bucket, key string) {
	rest = strings.TrimPrefix(rest, "/")
	bucketPart, keyPart, _ := strings.Cut(rest, "/")
	if b, err := url.PathUnescape(bucketPart); err == nil {
		bucket = b
	} else {
		bucket = bucketPart
	}
	if k, err := url.PathUnescape(keyPart); err == nil {
		key = k
	} else {
		key = keyPart
	}
	return bucket, key
}

func (s *Server) s3ListBuckets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		xmlutil.RenderError(w, r, s3err.ErrNotImplemented)
		return
	}
	buckets := s.store.snapshotBuckets()
	recordOp("s3.buckets.list", nil)

	result := xmlutil.ListAllMyBucketsResult{Owner: s3Owner}
	for _, b := range buckets {
		created := b.TimeCreated
		if t, err := time.Parse(time.RFC3339Nano, b.TimeCreated); err == nil {
			created = xmlutil.FormatTimeS3(t)
		}
		result.Buckets = append(result.Buckets, xmlutil.Bucket{Name: b.Name, CreationDate: created})
	}
	xmlutil.WriteXML(w, http.StatusOK, result)
}

func (s *Server) s3BucketOp(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodPut:
		_, err := s.store.CreateBucket(s3Project, bucketResource{Name: bucket})
		recordOp("s3.buckets.insert", err)
		if err != nil {
			xmlutil.RenderError(w, r, apiToS3Error(err, true))
			return
		}
		w.Header().Set("Location", "/"+bucket)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		_, err := s.store.GetBucket(bucket, preconds{})
		recordOp("s3.buckets.get", err)
		if err != nil {
			// HEAD responses carry no body, only the status.
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		err := s.store.DeleteBucket(bucket, preconds{})
		recordOp("s3.buckets.delete", err)
		if err != nil {
			xmlutil.RenderError(w, r, apiToS3Error(err, true))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.s3ListObjects(w, r, bucket)
	default:
		xmlutil.RenderError(w, r, s3err.ErrNotImplemented)
	}
}

func (s *Server) s3ListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			xmlutil.RenderError(w, r, s3err.ErrInvalidArgument)
			return
		}
		maxKeys = n
	}
	token := q.Get("continuation-token")
	if token == "" {
		token = q.Get("start-after")
	}

	items, prefixes, next, err := s.store.ListObjects(bucket, ObjectListQuery{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		PageToken:  token,
		MaxResults: maxKeys,
	})
	recordOp("s3.objects.list", err)
	if err != nil {
		xmlutil.RenderError(w, r, apiToS3Error(err, true))
		return
	}

	result := xmlutil.ListBucketV2Result{
		Name:                  bucket,
		Prefix:                q.Get("prefix"),
		StartAfter:            q.Get("start-after"),
		ContinuationToken:     q.Get("continuation-token"),
		NextContinuationToken: next,
		MaxKeys:               maxKeys,
		Delimiter:             q.Get("delimiter"),
		IsTruncated:           next != "",
	}
	for _, item := range items {
		modified := item.Updated
		if t, terr := time.Parse(time.RFC3339Nano, item.Updated); terr == nil {
			modified = xmlutil.FormatTimeS3(t)
		}
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          item.Name,
			LastModified: modified,
			ETag:         s3ETag(item),
			Size:         item.Size,
			StorageClass: item.StorageClass,
		})
	}
	for _, p := range prefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: p})
	}
	sort.Slice(result.CommonPrefixes, func(i, j int) bool {
		return result.CommonPrefixes[i].Prefix < result.CommonPrefixes[j].Prefix
	})
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)
	xmlutil.WriteXML(w, http.StatusOK, result)
}

func (s *Server) s3ObjectOp(w http.ResponseWriter, r *http.Request, bucket, key string) {
	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			xmlutil.RenderError(w, r, s3err.ErrInvalidArgument)
			return
		}
		res := objectResource{Name: key, ContentType: r.Header.Get("Content-Type")}
		out, ierr := s.store.InsertObject(bucket, res, data, "", preconds{})
		recordOp("s3.objects.insert", ierr)
		if ierr != nil {
			xmlutil.RenderError(w, r, apiToS3Error(ierr, false))
			return
		}
		w.Header().Set("ETag", s3ETag(out))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		res, data, _, err := s.store.GetObject(bucket, key, 0, preconds{})
		recordOp("s3.objects.get", err)
		if err != nil {
			if r.Method == http.MethodHead {
				w.WriteHeader(apiToS3Error(err, false).HTTPStatus)
				return
			}
			xmlutil.RenderError(w, r, apiToS3Error(err, false))
			return
		}
		s.serveS3Object(w, res, data, r.Method == http.MethodHead)
	case http.MethodDelete:
		err := s.store.DeleteObject(bucket, key, 0, preconds{})
		recordOp("s3.objects.delete", err)
		// Deleting a missing key succeeds, matching S3.
		if err != nil && apiToS3Error(err, false) != s3err.ErrNoSuchKey {
			xmlutil.RenderError(w, r, apiToS3Error(err, false))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		xmlutil.RenderError(w, r, s3err.ErrNotImplemented)
	}
}

// serveS3Object writes object headers and, unless the request was a HEAD,
// the full content.
func (s *Server) serveS3Object(w http.ResponseWriter, res objectResource, data []byte, headOnly bool) {
	h := w.Header()
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if t, err := time.Parse(time.RFC3339Nano, res.Updated); err == nil {
		h.Set("Last-Modified", t.UTC().Format(http.TimeFormat))
	}
	h.Set("ETag", s3ETag(res))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if !headOnly {
		w.Write(data) //nolint:errcheck
	}
}

// s3ETag renders an object's MD5 as the quoted hex digest S3 clients expect.
func s3ETag(res objectResource) string {
	sum, err := base64.StdEncoding.DecodeString(res.MD5Hash)
	if err != nil {
		return `"` + res.Etag + `"`
	}
	return `"` + hex.EncodeToString(sum) + `"`
}

// authToS3Error maps an auth failure onto the matching S3 error value.
func authToS3Error(err error) *s3err.S3Error {
	authErr, ok := err.(*auth.Error)
	if !ok {
		return s3err.ErrInternalError
	}
	switch authErr.Code {
	case "InvalidAccessKeyId":
		return s3err.ErrInvalidAccessKeyId
	case "SignatureDoesNotMatch":
		return s3err.ErrSignatureDoesNotMatch
	case "RequestTimeTooSkewed":
		return s3err.ErrRequestTimeTooSkewed
	case "InternalError":
		return s3err.ErrInternalError
	default:
		return s3err.ErrAccessDenied
	}
}

// apiToS3Error maps a store error onto the matching S3 error value.
// bucketScope selects between bucket and key not-found codes.
func apiToS3Error(err error, bucketScope bool) *s3err.S3Error {
	apiErr, ok := err.(*apiError)
	if !ok {
		return s3err.ErrInternalError
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		if bucketScope || strings.Contains(apiErr.Message, "bucket") {
			return s3err.ErrNoSuchBucket
		}
		return s3err.ErrNoSuchKey
	case http.StatusConflict:
		if strings.Contains(apiErr.Message, "not empty") {
			return s3err.ErrBucketNotEmpty
		}
		return s3err.ErrBucketAlreadyExists
	case http.StatusPreconditionFailed:
		return s3err.ErrPreconditionFailed
	case http.StatusBadRequest:
		return s3err.ErrInvalidArgument
	default:
		return s3err.ErrInternalError
	}
}

// snapshotBuckets returns all bucket resources in name order.
func (s *Store) snapshotBuckets() []bucketResource {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bucketResource, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b.res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
