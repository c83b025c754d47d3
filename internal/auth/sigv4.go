// Package auth verifies signed requests for the emulator: AWS Signature
// Version 4 headers on the S3-compatible surface, and Lumen V4 signed URL
// query parameters on the media surface. Both schemes sign with HMAC keys
// minted through the JSON API.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	awsAlgorithm       = "AWS4-HMAC-SHA256"
	awsScopeSuffix     = "aws4_request"
	lumenAlgorithm     = "LUMEN4-HMAC-SHA256"
	lumenScopeSuffix   = "lumen4_request"
	unsignedPayload    = "UNSIGNED-PAYLOAD"
	timestampFormat    = "20060102T150405Z"
	dateFormat         = "20060102"
	maxSignedExpiry    = 7 * 24 * 60 * 60 // seconds
	clockSkew          = 15 * time.Minute
	signingKeyTTL      = 24 * time.Hour
	maxSigningKeyCache = 1000
)

// emptySHA256 is the SHA-256 of the empty string.
const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Credential is an HMAC key as seen by the verifier. Secret is the base64
// form handed out at creation; the AWS scheme signs with the base64 text
// itself, the Lumen scheme with the decoded bytes.
type Credential struct {
	AccessID            string
	Secret              string
	Active              bool
	ServiceAccountEmail string
}

// CredentialStore resolves an access ID to its HMAC key.
type CredentialStore interface {
	LookupHMACKey(ctx context.Context, accessID string) (*Credential, error)
}

// Error is an authentication failure with an S3-compatible error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Verifier checks request signatures against a credential store. The zero
// value is not usable; construct with NewVerifier.
type Verifier struct {
	store CredentialStore

	mu          sync.RWMutex
	signingKeys map[string]signingKeyEntry
}

type signingKeyEntry struct {
	key       []byte
	expiresAt time.Time
}

// NewVerifier returns a Verifier backed by the given credential store.
func NewVerifier(store CredentialStore) *Verifier {
	return &Verifier{store: store, signingKeys: make(map[string]signingKeyEntry)}
}

// cachedSigningKey derives a signing key through the HMAC chain, caching by
// the full scope so repeated requests from the same key skip the derivation.
func (v *Verifier) cachedSigningKey(prefix, secret, date, region, service, suffix string) []byte {
	cacheKey := prefix + "\x00" + secret + "\x00" + date + "\x00" + region + "\x00" + service
	now := time.Now()

	v.mu.RLock()
	if e, ok := v.signingKeys[cacheKey]; ok && now.Before(e.expiresAt) {
		v.mu.RUnlock()
		return e.key
	}
	v.mu.RUnlock()

	key := hmacSHA256([]byte(prefix+secret), date)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	key = hmacSHA256(key, suffix)

	v.mu.Lock()
	if len(v.signingKeys) >= maxSigningKeyCache {
		v.signingKeys = make(map[string]signingKeyEntry)
	}
	v.signingKeys[cacheKey] = signingKeyEntry{key: key, expiresAt: now.Add(signingKeyTTL)}
	v.mu.Unlock()

	return key
}

func (v *Verifier) lookup(ctx context.Context, accessID string) (*Credential, *Error) {
	cred, err := v.store.LookupHMACKey(ctx, accessID)
	if err != nil {
		return nil, &Error{Code: "InternalError", Message: "credential lookup failed"}
	}
	if cred == nil || !cred.Active {
		return nil, &Error{Code: "InvalidAccessKeyId", Message: "the access key ID does not exist or is inactive"}
	}
	return cred, nil
}

// parsedAuth holds the pieces of an AWS Authorization header.
type parsedAuth struct {
	AccessID      string
	Date          string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	rest, ok := strings.CutPrefix(header, awsAlgorithm+" ")
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm")
	}
	parts := map[string]string{}
	for _, p := range strings.Split(rest, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(p), "=")
		if found {
			parts[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	cred := strings.SplitN(parts["Credential"], "/", 5)
	if len(cred) != 5 || cred[4] != awsScopeSuffix {
		return nil, fmt.Errorf("malformed credential scope")
	}
	if parts["SignedHeaders"] == "" || parts["Signature"] == "" {
		return nil, fmt.Errorf("missing SignedHeaders or Signature")
	}
	return &parsedAuth{
		AccessID:      cred[0],
		Date:          cred[1],
		Region:        cred[2],
		Service:       cred[3],
		SignedHeaders: strings.Split(parts["SignedHeaders"], ";"),
		Signature:     parts["Signature"],
	}, nil
}

// VerifyRequest validates the AWS SigV4 Authorization header on r and
// returns the signing credential.
func (v *Verifier) VerifyRequest(r *http.Request) (*Credential, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, &Error{Code: "AccessDenied", Message: "missing Authorization header"}
	}
	parsed, err := parseAuthorizationHeader(header)
	if err != nil {
		return nil, &Error{Code: "AccessDenied", Message: fmt.Sprintf("invalid Authorization header: %v", err)}
	}
	cred, authErr := v.lookup(r.Context(), parsed.AccessID)
	if authErr != nil {
		return nil, authErr
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	requestTime, perr := time.Parse(timestampFormat, amzDate)
	if perr != nil {
		if requestTime, perr = time.Parse(time.RFC1123, amzDate); perr != nil {
			return nil, &Error{Code: "AccessDenied", Message: "missing or malformed request date"}
		}
	}
	if d := time.Since(requestTime.UTC()); d > clockSkew || d < -clockSkew {
		return nil, &Error{Code: "RequestTimeTooSkewed", Message: "request time differs too much from server time"}
	}
	if parsed.Date != amzDate[:8] {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "credential date does not match request date"}
	}

	// Clients that omit x-amz-content-sha256 still hash the body into the
	// canonical request; compute it here and replace the body for handlers.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		if r.Body != nil {
			body, rerr := io.ReadAll(r.Body)
			if rerr != nil {
				return nil, &Error{Code: "InternalError", Message: "failed to read request body"}
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))
		} else {
			r.Header.Set("X-Amz-Content-Sha256", emptySHA256)
		}
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	canonical := canonicalRequest(r.Method, canonicalURI(r.URL.Path), canonicalQueryString(r.URL.Query()),
		canonicalHeaders(r, parsed.SignedHeaders), strings.Join(parsed.SignedHeaders, ";"), payloadHash)

	scope := strings.Join([]string{parsed.Date, parsed.Region, parsed.Service, awsScopeSuffix}, "/")
	toSign := stringToSign(awsAlgorithm, amzDate, scope, canonical)
	key := v.cachedSigningKey("AWS4", cred.Secret, parsed.Date, parsed.Region, parsed.Service, awsScopeSuffix)
	want := hex.EncodeToString(hmacSHA256(key, toSign))

	if subtle.ConstantTimeCompare([]byte(want), []byte(parsed.Signature)) != 1 {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "the computed signature does not match"}
	}
	return cred, nil
}

// VerifySignedURL validates the X-Lumen-* query parameters produced by the
// client library's URL signer and returns the signing credential.
func (v *Verifier) VerifySignedURL(r *http.Request) (*Credential, error) {
	q := r.URL.Query()
	if q.Get("X-Lumen-Algorithm") != lumenAlgorithm {
		return nil, &Error{Code: "AccessDenied", Message: "unsupported signing algorithm"}
	}
	cred := strings.SplitN(q.Get("X-Lumen-Credential"), "/", 5)
	if len(cred) != 5 || cred[4] != lumenScopeSuffix {
		return nil, &Error{Code: "AccessDenied", Message: "malformed credential scope"}
	}
	accessID, date, region, service := cred[0], cred[1], cred[2], cred[3]

	timestamp := q.Get("X-Lumen-Date")
	signedAt, perr := time.Parse(timestampFormat, timestamp)
	if perr != nil {
		return nil, &Error{Code: "AccessDenied", Message: "malformed X-Lumen-Date"}
	}
	expires, perr2 := strconv.Atoi(q.Get("X-Lumen-Expires"))
	if perr2 != nil || expires < 1 || expires > maxSignedExpiry {
		return nil, &Error{Code: "AccessDenied", Message: "invalid X-Lumen-Expires"}
	}
	if time.Now().UTC().After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return nil, &Error{Code: "AccessDenied", Message: "request has expired"}
	}
	if date != timestamp[:8] {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "credential date does not match X-Lumen-Date"}
	}
	signature := q.Get("X-Lumen-Signature")
	signedHeaders := q.Get("X-Lumen-SignedHeaders")
	if signature == "" || signedHeaders == "" {
		return nil, &Error{Code: "AccessDenied", Message: "missing signature parameters"}
	}

	record, authErr := v.lookup(r.Context(), accessID)
	if authErr != nil {
		return nil, authErr
	}
	secret, derr := base64.StdEncoding.DecodeString(record.Secret)
	if derr != nil {
		return nil, &Error{Code: "InternalError", Message: "stored secret is not valid base64"}
	}

	// The signer encodes the query with the signature excluded; mirror that
	// exactly, including url.Values ordering.
	unsigned := url.Values{}
	for k, vs := range q {
		if k == "X-Lumen-Signature" {
			continue
		}
		unsigned[k] = vs
	}
	headerNames := strings.Split(signedHeaders, ";")
	canonical := canonicalRequest(r.Method, r.URL.EscapedPath(), unsigned.Encode(),
		canonicalHeaders(r, headerNames), signedHeaders, unsignedPayload)

	scope := strings.Join([]string{date, region, service, lumenScopeSuffix}, "/")
	toSign := stringToSign(lumenAlgorithm, timestamp, scope, canonical)
	key := v.cachedSigningKey("LUMEN4", string(secret), date, region, service, lumenScopeSuffix)
	want := hex.EncodeToString(hmacSHA256(key, toSign))

	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "the computed signature does not match"}
	}
	return record, nil
}

// IsSignedURL reports whether the request carries Lumen signed URL query
// parameters.
func IsSignedURL(r *http.Request) bool {
	return r.URL.Query().Get("X-Lumen-Algorithm") != ""
}

func canonicalRequest(method, uri, query, headers, signedHeaders, payloadHash string) string {
	return method + "\n" + uri + "\n" + query + "\n" + headers + "\n" + signedHeaders + "\n" + payloadHash
}

func stringToSign(algorithm, timestamp, scope, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return algorithm + "\n" + timestamp + "\n" + scope + "\n" + hex.EncodeToString(sum[:])
}

// canonicalURI percent-encodes each path segment per S3 rules, leaving the
// slashes between segments alone.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString sorts and encodes the query the way SigV4 expects.
// Valueless parameters encode as "key=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		k := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, k+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, k+"="+URIEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders joins each signed header's values, trimmed and with runs
// of spaces collapsed, one "name:value\n" line per header.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode percent-encodes s per S3 URI rules: unreserved characters pass
// through, everything else becomes uppercase %XX. Slashes pass through when
// encodeSlash is false.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
