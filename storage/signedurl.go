package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// signingAlgorithm names the signed URL scheme in the query string.
	signingAlgorithm = "LUMEN4-HMAC-SHA256"
	// signingRequestType terminates the credential scope.
	signingRequestType = "lumen4_request"
	// unsignedPayload is used in place of a payload hash: signed URLs do
	// not commit to a request body.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// maxSignedURLExpiry is the longest lifetime the service accepts.
	maxSignedURLExpiry = 7 * 24 * time.Hour
)

// timeNow is swapped out in tests for deterministic signatures.
var timeNow = time.Now

// SignedURLOptions control SignedURL.
type SignedURLOptions struct {
	// AccessID is the HMAC key access ID the URL is signed with.
	AccessID string
	// SecretKey is the base64 HMAC secret returned by CreateHMACKey.
	SecretKey string

	// Method is the HTTP method the URL authorizes, e.g. "GET" or "PUT".
	Method string
	// Expires is when the URL stops working. Must be at most seven days
	// from signing time.
	Expires time.Time

	// ContentType, if set, is signed: the request must send exactly this
	// Content-Type header.
	ContentType string
	// Headers lists additional headers to sign, in "Name: value" form.
	Headers []string
	// QueryParameters are extra query parameters to sign into the URL.
	QueryParameters url.Values

	// Hostname overrides the default API host ("api.lumenstorage.dev").
	Hostname string
	// Insecure produces an http URL instead of https. Only for emulators.
	Insecure bool
}

// SignedURL returns a URL granting time-limited access to the object
// without further authentication. The signature covers the method, the
// resource path, the expiry, and any headers listed in opts.
func SignedURL(bucket, object string, opts *SignedURLOptions) (string, error) {
	if opts == nil {
		return "", errors.New("storage: SignedURLOptions are required")
	}
	if opts.AccessID == "" || opts.SecretKey == "" {
		return "", errors.New("storage: AccessID and SecretKey are required")
	}
	switch opts.Method {
	case "GET", "HEAD", "PUT", "POST", "DELETE":
	case "":
		return "", errors.New("storage: Method is required")
	default:
		return "", fmt.Errorf("storage: unsupported method %q", opts.Method)
	}
	if opts.Expires.IsZero() {
		return "", errors.New("storage: Expires is required")
	}

	now := timeNow().UTC()
	expires := opts.Expires.Round(time.Second)
	lifetime := expires.Sub(now)
	if lifetime <= 0 {
		return "", errors.New("storage: Expires must be in the future")
	}
	if lifetime > maxSignedURLExpiry {
		return "", fmt.Errorf("storage: expiration %v exceeds the seven day maximum", lifetime)
	}

	secret, err := base64.StdEncoding.DecodeString(opts.SecretKey)
	if err != nil {
		return "", fmt.Errorf("storage: SecretKey is not valid base64: %w", err)
	}

	host := opts.Hostname
	if host == "" {
		host = "api.lumenstorage.dev"
	}
	scheme := "https"
	if opts.Insecure {
		scheme = "http"
	}
	// The signature covers the escaped path exactly as it appears on the
	// wire, so slashes inside object names stay percent-encoded.
	escapedPath := "/" + escape(bucket) + "/" + escape(object)

	timestamp := now.Format("20060102T150405Z")
	scope := now.Format("20060102") + "/auto/storage/" + signingRequestType

	headers := map[string]string{"host": host}
	if opts.ContentType != "" {
		headers["content-type"] = opts.ContentType
	}
	for _, h := range opts.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return "", fmt.Errorf("storage: malformed header %q, want \"Name: value\"", h)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	signedHeaders := strings.Join(names, ";")
	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteByte('\n')
	}

	query := url.Values{}
	for k, vs := range opts.QueryParameters {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("X-Lumen-Algorithm", signingAlgorithm)
	query.Set("X-Lumen-Credential", opts.AccessID+"/"+scope)
	query.Set("X-Lumen-Date", timestamp)
	query.Set("X-Lumen-Expires", strconv.FormatInt(int64(lifetime.Seconds()), 10))
	query.Set("X-Lumen-SignedHeaders", signedHeaders)

	canonicalRequest := strings.Join([]string{
		opts.Method,
		escapedPath,
		query.Encode(),
		canonicalHeaders.String(),
		signedHeaders,
		unsignedPayload,
	}, "\n")

	sum := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		signingAlgorithm,
		timestamp,
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")

	signature := hex.EncodeToString(deriveSigningKey(secret, now, stringToSign))
	query.Set("X-Lumen-Signature", signature)

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/" + bucket + "/" + object,
		RawPath:  escapedPath,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// deriveSigningKey chains HMAC-SHA256 over the scope components, then signs
// the string to sign with the derived key.
func deriveSigningKey(secret []byte, t time.Time, stringToSign string) []byte {
	key := hmacSHA256([]byte("LUMEN4"+string(secret)), []byte(t.Format("20060102")))
	key = hmacSHA256(key, []byte("auto"))
	key = hmacSHA256(key, []byte("storage"))
	key = hmacSHA256(key, []byte(signingRequestType))
	return hmacSHA256(key, []byte(stringToSign))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
