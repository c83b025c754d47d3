package emulator

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lumenstore/lumen-go/internal/auth"
	s3err "github.com/lumenstore/lumen-go/internal/errors"
	"github.com/lumenstore/lumen-go/internal/xmlutil"
)

// serveSignedURL handles bare /{bucket}/{object} requests carrying signed
// URL query parameters. Errors render as XML since these requests come from
// generic HTTP clients, not the JSON API.
func (s *Server) serveSignedURL(w http.ResponseWriter, r *http.Request) {
	if !auth.IsSignedURL(r) {
		xmlutil.RenderError(w, r, s3err.ErrAccessDenied)
		return
	}
	if _, err := s.verifier.VerifySignedURL(r); err != nil {
		xmlutil.RenderError(w, r, authToS3Error(err))
		return
	}

	bucket, object := splitSignedPath(r.URL.EscapedPath())
	if bucket == "" || object == "" {
		xmlutil.RenderError(w, r, s3err.ErrInvalidArgument)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		res, data, keySHA, err := s.store.GetObject(bucket, object, 0, preconds{})
		recordOp("storage.objects.download", err)
		if err != nil {
			xmlutil.RenderError(w, r, apiToS3Error(err, false))
			return
		}
		if err := checkEncryptionKey(r, keySHA); err != nil {
			xmlutil.RenderError(w, r, s3err.ErrAccessDenied)
			return
		}
		s.serveObjectMedia(w, r, res, data)
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			xmlutil.RenderError(w, r, s3err.ErrInvalidArgument)
			return
		}
		res := objectResource{Name: object, ContentType: r.Header.Get("Content-Type")}
		keySHA := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
		out, ierr := s.store.InsertObject(bucket, res, data, keySHA, preconds{})
		recordOp("storage.objects.insert", ierr)
		if ierr != nil {
			xmlutil.RenderError(w, r, apiToS3Error(ierr, false))
			return
		}
		writeJSON(w, out)
	case http.MethodDelete:
		err := s.store.DeleteObject(bucket, object, 0, preconds{})
		recordOp("storage.objects.delete", err)
		if err != nil {
			xmlutil.RenderError(w, r, apiToS3Error(err, false))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		xmlutil.RenderError(w, r, s3err.ErrNotImplemented)
	}
}

// splitSignedPath separates the bucket from the object name on a bare
// /{bucket}/{object} path. Object names may contain slashes.
func splitSignedPath(escaped string) (bucket, object string) {
	rest := strings.TrimPrefix(escaped, "/")
	bucketPart, objectPart, _ := strings.Cut(rest, "/")
	if b, err := url.PathUnescape(bucketPart); err == nil {
		bucket = b
	} else {
		bucket = bucketPart
	}
	if o, err := url.PathUnescape(objectPart); err == nil {
		object = o
	} else {
		object = objectPart
	}
	return bucket, object
}
