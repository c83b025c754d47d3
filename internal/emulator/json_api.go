package emulator

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// dispatchJSON routes a JSON API request. rest is the escaped path after
// the /storage/v1 prefix.
func (s *Server) dispatchJSON(w http.ResponseWriter, r *http.Request, rest string) {
	seg := pathSegments(rest)
	if len(seg) == 0 {
		writeError(w, errNotFound("resource", rest))
		return
	}
	switch seg[0] {
	case "b":
		s.dispatchBuckets(w, r, seg[1:])
	case "projects":
		s.dispatchHMACKeys(w, r, seg[1:])
	default:
		writeError(w, errNotFound("resource", rest))
	}
}

// dispatchBuckets handles everything under /storage/v1/b. seg holds the
// decoded path segments after "b".
func (s *Server) dispatchBuckets(w http.ResponseWriter, r *http.Request, seg []string) {
	if len(seg) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleListBuckets(w, r)
		case http.MethodPost:
			s.handleInsertBucket(w, r)
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
		return
	}

	bucket := seg[0]
	seg = seg[1:]

	if len(seg) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetBucket(w, r, bucket)
		case http.MethodDelete:
			s.handleDeleteBucket(w, r, bucket)
		case http.MethodPatch:
			s.handlePatchBucket(w, r, bucket)
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
		return
	}

	switch seg[0] {
	case "lockRetentionPolicy":
		s.handleLockRetention(w, r, bucket)
	case "iam":
		if len(seg) == 2 && seg[1] == "testPermissions" {
			s.handleTestPermissions(w, r, bucket)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleGetPolicy(w, r, bucket)
		case http.MethodPut:
			s.handleSetPolicy(w, r, bucket)
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
	case "acl":
		s.dispatchACL(w, r, bucket, "", false, seg[1:], "storage.bucketAccessControls")
	case "defaultObjectAcl":
		s.dispatchACL(w, r, bucket, "", true, seg[1:], "storage.defaultObjectAccessControls")
	case "notificationConfigs":
		s.dispatchNotifications(w, r, bucket, seg[1:])
	case "o":
		s.dispatchObjects(w, r, bucket, seg[1:])
	default:
		writeError(w, errNotFound("resource", seg[0]))
	}
}

func (s *Server) dispatchObjects(w http.ResponseWriter, r *http.Request, bucket string, seg []string) {
	if len(seg) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, errInvalid("unsupported method "+r.Method))
			return
		}
		s.handleListObjects(w, r, bucket)
		return
	}

	object := seg[0]
	seg = seg[1:]

	if len(seg) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetObject(w, r, bucket, object)
		case http.MethodPatch:
			s.handlePatchObject(w, r, bucket, object)
		case http.MethodDelete:
			s.handleDeleteObject(w, r, bucket, object)
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
		return
	}

	switch seg[0] {
	case "compose":
		s.handleCompose(w, r, bucket, object)
	case "acl":
		s.dispatchACL(w, r, bucket, object, false, seg[1:], "storage.objectAccessControls")
	case "copyTo":
		// /o/{src}/copyTo/b/{dstBucket}/o/{dstObject}
		if len(seg) != 5 || seg[1] != "b" || seg[3] != "o" {
			writeError(w, errInvalid("malformed copy path"))
			return
		}
		s.handleCopy(w, r, bucket, object, seg[2], seg[4])
	default:
		writeError(w, errNotFound("resource", seg[0]))
	}
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	const op = "storage.buckets.list"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	q := r.URL.Query()
	maxResults, _ := strconv.Atoi(q.Get("maxResults"))
	items, next, err := s.store.ListBuckets(q.Get("project"), q.Get("prefix"), q.Get("pageToken"), maxResults)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items, "nextPageToken": next})
}

func (s *Server) handleInsertBucket(w http.ResponseWriter, r *http.Request) {
	const op = "storage.buckets.insert"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	var res bucketResource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, errInvalid("malformed bucket resource"))
		return
	}
	out, err := s.store.CreateBucket(r.URL.Query().Get("project"), res)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.get"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	p, err := parsePreconds(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.store.GetBucket(bucket, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.delete"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	p, err := parsePreconds(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.store.DeleteBucket(bucket, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.patch"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	p, err := parsePreconds(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, errInvalid("malformed bucket patch"))
		return
	}
	out, err := s.store.PatchBucket(bucket, patch, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleLockRetention(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.lockRetentionPolicy"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}
	q := r.URL.Query()
	if !q.Has("ifMetagenerationMatch") {
		writeError(w, errInvalid("ifMetagenerationMatch is required"))
		return
	}
	metagen, err := strconv.ParseInt(q.Get("ifMetagenerationMatch"), 10, 64)
	if err != nil {
		writeError(w, errInvalid("malformed ifMetagenerationMatch"))
		return
	}
	out, lockErr := s.store.LockBucketRetention(bucket, metagen)
	recordOp(op, lockErr)
	if lockErr != nil {
		writeError(w, lockErr)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.getIamPolicy"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	out, err := s.store.GetPolicy(bucket)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.setIamPolicy"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	var policy policyResource
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, errInvalid("malformed policy"))
		return
	}
	out, err := s.store.SetPolicy(bucket, policy)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleTestPermissions(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.buckets.testIamPermissions"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	if _, err := s.store.GetBucket(bucket, preconds{}); err != nil {
		recordOp(op, err)
		writeError(w, err)
		return
	}
	// The emulator has no authorization model; every requested permission is
	// reported as granted.
	perms := r.URL.Query()["permissions"]
	recordOp(op, nil)
	writeJSON(w, map[string]any{"permissions": perms})
}

// dispatchACL serves one of the three ACL collections.
func (s *Server) dispatchACL(w http.ResponseWriter, r *http.Request, bucket, object string, isDefault bool, seg []string, opPrefix string) {
	list := func() ([]aclResource, error) {
		if object != "" {
			return s.store.ObjectACL(bucket, object)
		}
		return s.store.BucketACL(bucket, isDefault)
	}
	set := func(entry aclResource) error {
		if object != "" {
			return s.store.SetObjectACL(bucket, object, entry)
		}
		return s.store.SetBucketACL(bucket, isDefault, entry)
	}
	remove := func(entity string) error {
		if object != "" {
			return s.store.DeleteObjectACL(bucket, object, entity)
		}
		return s.store.DeleteBucketACL(bucket, isDefault, entity)
	}

	if len(seg) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, errInvalid("unsupported method "+r.Method))
			return
		}
		op := opPrefix + ".list"
		if _, done := s.applyFault(w, r, op); done {
			return
		}
		items, err := list()
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"items": items})
		return
	}

	entity := seg[0]
	switch r.Method {
	case http.MethodPut:
		op := opPrefix + ".update"
		r, done := s.applyFault(w, r, op)
		if done {
			return
		}
		var entry aclResource
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			writeError(w, errInvalid("malformed acl entry"))
			return
		}
		entry.Entity = entity
		err := set(entry)
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entry)
	case http.MethodDelete:
		op := opPrefix + ".delete"
		if _, done := s.applyFault(w, r, op); done {
			return
		}
		err := remove(entity)
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, errInvalid("unsupported method "+r.Method))
	}
}

func (s *Server) dispatchNotifications(w http.ResponseWriter, r *http.Request, bucket string, seg []string) {
	if len(seg) == 0 {
		switch r.Method {
		case http.MethodGet:
			const op = "storage.notifications.list"
			if _, done := s.applyFault(w, r, op); done {
				return
			}
			items, err := s.store.ListNotifications(bucket)
			recordOp(op, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"items": items})
		case http.MethodPost:
			const op = "storage.notifications.insert"
			r, done := s.applyFault(w, r, op)
			if done {
				return
			}
			var n notificationResource
			if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
				writeError(w, errInvalid("malformed notification"))
				return
			}
			out, err := s.store.AddNotification(bucket, n)
			recordOp(op, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, out)
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}
	const op = "storage.notifications.delete"
	if _, done := s.applyFault(w, r, op); done {
		return
	}
	err := s.store.DeleteNotification(bucket, seg[0])
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	const op = "storage.objects.list"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	q := r.URL.Query()
	maxResults, _ := strconv.Atoi(q.Get("maxResults"))
	items, prefixes, next, err := s.store.ListObjects(bucket, ObjectListQuery{
		Prefix:      q.Get("prefix"),
		Delimiter:   q.Get("delimiter"),
		StartOffset: q.Get("startOffset"),
		EndOffset:   q.Get("endOffset"),
		Versions:    q.Get("versions") == "true",
		PageToken:   q.Get("pageToken"),
		MaxResults:  maxResults,
	})
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items, "prefixes": prefixes, "nextPageToken": next})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, object string) {
	const op = "storage.objects.get"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
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
	res, _, _, err := s.store.GetObject(bucket, object, gen, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handlePatchObject(w http.ResponseWriter, r *http.Request, bucket, object string) {
	const op = "storage.objects.patch"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
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
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, errInvalid("malformed object patch"))
		return
	}
	res, err := s.store.PatchObject(bucket, object, gen, patch, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, object string) {
	const op = "storage.objects.delete"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
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
	err = s.store.DeleteObject(bucket, object, gen, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request, bucket, object string) {
	const op = "storage.objects.compose"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}
	p, err := parsePreconds(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		SourceObjects []struct {
			Name       string `json:"name"`
			Generation int64  `json:"generation"`
		} `json:"sourceObjects"`
		Destination *objectResource `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errInvalid("malformed compose request"))
		return
	}
	sources := make([]composeSource, 0, len(body.SourceObjects))
	for _, src := range body.SourceObjects {
		sources = append(sources, composeSource{Name: src.Name, Generation: src.Generation})
	}
	var dst objectResource
	if body.Destination != nil {
		dst = *body.Destination
	}
	res, err := s.store.ComposeObject(bucket, object, sources, dst, p)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, srcBucket, srcObject, dstBucket, dstObject string) {
	const op = "storage.objects.copy"
	r, done := s.applyFault(w, r, op)
	if done {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errInvalid("unsupported method "+r.Method))
		return
	}
	q := r.URL.Query()

	var srcGen int64
	if q.Has("sourceGeneration") {
		v, err := strconv.ParseInt(q.Get("sourceGeneration"), 10, 64)
		if err != nil {
			writeError(w, errInvalid("malformed sourceGeneration"))
			return
		}
		srcGen = v
	}
	var srcPre preconds
	if q.Has("ifSourceGenerationMatch") {
		v, err := strconv.ParseInt(q.Get("ifSourceGenerationMatch"), 10, 64)
		if err != nil {
			writeError(w, errInvalid("malformed ifSourceGenerationMatch"))
			return
		}
		srcPre.GenerationMatch = &v
	}
	if q.Has("ifSourceMetagenerationMatch") {
		v, err := strconv.ParseInt(q.Get("ifSourceMetagenerationMatch"), 10, 64)
		if err != nil {
			writeError(w, errInvalid("malformed ifSourceMetagenerationMatch"))
			return
		}
		srcPre.MetagenerationMatch = &v
	}
	dstPre, err := parsePreconds(q)
	if err != nil {
		writeError(w, err)
		return
	}

	var dst objectResource
	if err := json.NewDecoder(r.Body).Decode(&dst); err != nil {
		writeError(w, errInvalid("malformed destination resource"))
		return
	}
	dst.Name = dstObject

	keySHA := r.Header.Get("X-Lumen-Encryption-Key-Sha256")
	res, err := s.store.CopyObject(srcBucket, srcObject, srcGen, srcPre, dstBucket, dst, dstPre, keySHA)
	recordOp(op, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// dispatchHMACKeys handles /storage/v1/projects/{project}/hmacKeys...
func (s *Server) dispatchHMACKeys(w http.ResponseWriter, r *http.Request, seg []string) {
	if len(seg) < 2 || seg[1] != "hmacKeys" {
		writeError(w, errNotFound("resource", "projects"))
		return
	}
	project := seg[0]
	seg = seg[2:]

	if len(seg) == 0 {
		switch r.Method {
		case http.MethodPost:
			const op = "storage.hmacKeys.create"
			r, done := s.applyFault(w, r, op)
			if done {
				return
			}
			out, err := s.store.CreateHMACKey(project, r.URL.Query().Get("serviceAccountEmail"))
			recordOp(op, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, out)
		case http.MethodGet:
			const op = "storage.hmacKeys.list"
			r, done := s.applyFault(w, r, op)
			if done {
				return
			}
			q := r.URL.Query()
			items := s.store.ListHMACKeys(project, q.Get("serviceAccountEmail"), q.Get("showDeletedKeys") == "true")
			recordOp(op, nil)
			writeJSON(w, map[string]any{"items": items})
		default:
			writeError(w, errInvalid("unsupported method "+r.Method))
		}
		return
	}

	accessID := seg[0]
	switch r.Method {
	case http.MethodGet:
		const op = "storage.hmacKeys.get"
		if _, done := s.applyFault(w, r, op); done {
			return
		}
		out, err := s.store.GetHMACKey(project, accessID)
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	case http.MethodPut:
		const op = "storage.hmacKeys.update"
		r, done := s.applyFault(w, r, op)
		if done {
			return
		}
		var body hmacResource
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errInvalid("malformed hmac key update"))
			return
		}
		out, err := s.store.UpdateHMACKey(project, accessID, body.State, body.Etag)
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	case http.MethodDelete:
		const op = "storage.hmacKeys.delete"
		if _, done := s.applyFault(w, r, op); done {
			return
		}
		err := s.store.DeleteHMACKey(project, accessID)
		recordOp(op, err)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, errInvalid("unsupported method "+r.Method))
	}
}
