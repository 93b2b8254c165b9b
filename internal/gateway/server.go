// Package gateway serves the deduplicating store over a path-style S3 HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/dedup"
	"github.com/dedupgw/dedupgw/internal/listing"
	"github.com/dedupgw/dedupgw/internal/logging/audit"
	"github.com/dedupgw/dedupgw/internal/meta"
	"github.com/dedupgw/dedupgw/internal/multipart"
)

const (
	metaHeaderPrefix = "x-amz-meta-"

	// maxCompleteBody bounds the XML part list of a completion request.
	maxCompleteBody = 1 << 20

	defaultPresignExpiry = 600 * time.Second
)

var errTooLarge = errors.New("request body exceeds the object size limit")

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of body bytes written.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// request carries per-request state through the handlers.
type request struct {
	w         *statusRecorder
	r         *http.Request
	id        string
	op        string
	bucket    string
	key       string
	accessKey string
	presigned bool

	// Recorded for the audit log.
	size  int64
	dedup bool
	err   error
}

func (q *request) ctx() context.Context {
	return q.r.Context()
}

// Options configures a Server.
type Options struct {
	Auth           *Authenticator // nil lets every request through
	Presigner      *Presigner     // nil disables /presign
	Metrics        *Metrics
	Audit          *audit.Logger
	MaxObjectSize  int64 // 0 means unlimited
	MetricsPath    string
	MetricsHandler http.Handler
	PublicURL      string // base of presigned URLs; derived from the request when empty
}

// Server provides an S3-compatible HTTP interface.
type Server struct {
	svc     *dedup.Service
	uploads *multipart.Manager

	auth           *Authenticator
	presign        *Presigner
	metrics        *Metrics
	audit          *audit.Logger
	maxObjectSize  int64
	metricsPath    string
	metricsHandler http.Handler
	publicURL      string
}

// NewServer creates a new S3 server.
func NewServer(svc *dedup.Service, uploads *multipart.Manager, opts Options) *Server {
	return &Server{
		svc:            svc,
		uploads:        uploads,
		auth:           opts.Auth,
		presign:        opts.Presigner,
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		maxObjectSize:  opts.MaxObjectSize,
		metricsPath:    opts.MetricsPath,
		metricsHandler: opts.MetricsHandler,
		publicURL:      strings.TrimRight(opts.PublicURL, "/"),
	}
}

// Handler returns the HTTP handler for all gateway routes.
//
// Routing is done by hand rather than with http.ServeMux, which would
// redirect object keys containing "//" or "." segments.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/healthz" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
			s.handleHealth(w, r)
		case s.metricsHandler != nil && path == s.metricsPath && r.Method == http.MethodGet:
			s.metricsHandler.ServeHTTP(w, r)
		case strings.HasPrefix(path, "/presign/"):
			s.handlePresign(w, r)
		default:
			s.handleRequest(w, r)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRequest routes S3 requests based on path and method.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := &request{
		w:  &statusRecorder{ResponseWriter: w},
		r:  r,
		id: newRequestID(),
	}
	q.bucket, q.key = splitPath(r.URL.Path)
	q.op = operationFor(r, q.bucket, q.key)

	h := q.w.Header()
	h.Set("x-amz-request-id", q.id)
	h.Set("x-amz-id-2", uuid.NewString())
	h.Set("Server", "dedupgw")

	defer func() {
		status := q.w.getStatus()
		s.metrics.RecordRequest(q.op, classifyStatus(status), time.Since(start).Seconds())
		if mutating(q.op) {
			s.audit.LogS3Op(audit.S3Op{
				AccessKey: q.accessKey,
				Operation: q.op,
				Bucket:    q.bucket,
				Key:       q.key,
				Status:    status,
				RequestID: q.id,
				SourceIP:  remoteIP(r),
				Size:      q.size,
				Dedup:     q.dedup,
				Err:       q.err,
			})
		}
		log.Debug().
			Str("method", r.Method).
			Str("operation", q.op).
			Str("bucket", q.bucket).
			Str("key", q.key).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("S3 request")
	}()

	if q.op == "" {
		q.op = "Unknown"
		s.writeError(q, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.")
		return
	}

	if s.auth != nil {
		id, err := s.auth.Authenticate(r, q.bucket, q.key)
		if err != nil {
			q.err = err
			s.writeError(q, http.StatusForbidden, "AccessDenied", "Access Denied")
			return
		}
		q.accessKey = id.AccessKey
		q.presigned = id.Presigned
	}

	switch q.op {
	case "ListBuckets":
		s.listBuckets(q)
	case "CreateBucket":
		s.createBucket(q)
	case "DeleteBucket":
		s.deleteBucket(q)
	case "HeadBucket":
		s.headBucket(q)
	case "ListObjects", "ListObjectsV2":
		s.listObjects(q)
	case "GetObject":
		s.getObject(q)
	case "HeadObject":
		s.headObject(q)
	case "PutObject":
		s.putObject(q)
	case "CopyObject":
		s.copyObject(q)
	case "DeleteObject":
		s.deleteObject(q)
	case "CreateMultipartUpload":
		s.initiateUpload(q)
	case "UploadPart":
		s.uploadPart(q)
	case "CompleteMultipartUpload":
		s.completeUpload(q)
	case "AbortMultipartUpload":
		s.abortUpload(q)
	case "ListParts":
		s.listParts(q)
	}
}

// splitPath parses /{bucket} or /{bucket}/{key...}. A trailing slash after
// the bucket name addresses the bucket.
func splitPath(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}

// operationFor names the S3 operation a request maps to, or "" when the
// method is not supported on the addressed resource.
func operationFor(r *http.Request, bucket, key string) string {
	query := r.URL.Query()
	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			return "ListBuckets"
		}
	case key == "":
		switch r.Method {
		case http.MethodGet:
			if query.Get("list-type") == "2" {
				return "ListObjectsV2"
			}
			return "ListObjects"
		case http.MethodPut:
			return "CreateBucket"
		case http.MethodDelete:
			return "DeleteBucket"
		case http.MethodHead:
			return "HeadBucket"
		}
	default:
		switch r.Method {
		case http.MethodGet:
			if query.Has("uploadId") {
				return "ListParts"
			}
			return "GetObject"
		case http.MethodHead:
			return "HeadObject"
		case http.MethodPut:
			switch {
			case r.Header.Get("x-amz-copy-source") != "":
				return "CopyObject"
			case query.Has("uploadId") && query.Has("partNumber"):
				return "UploadPart"
			}
			return "PutObject"
		case http.MethodDelete:
			if query.Has("uploadId") {
				return "AbortMultipartUpload"
			}
			return "DeleteObject"
		case http.MethodPost:
			switch {
			case query.Has("uploads"):
				return "CreateMultipartUpload"
			case query.Has("uploadId"):
				return "CompleteMultipartUpload"
			}
		}
	}
	return ""
}

func mutating(op string) bool {
	switch op {
	case "CreateBucket", "DeleteBucket", "PutObject", "CopyObject", "DeleteObject",
		"CreateMultipartUpload", "CompleteMultipartUpload", "AbortMultipartUpload":
		return true
	}
	return false
}

// listBuckets handles GET /.
func (s *Server) listBuckets(q *request) {
	buckets, err := s.svc.Buckets.List(q.ctx())
	if err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}

	owner := q.accessKey
	if owner == "" {
		owner = "dedupgw"
	}
	resp := ListAllMyBucketsResult{Owner: Owner{ID: owner, DisplayName: owner}}
	for _, b := range buckets {
		resp.Buckets.Bucket = append(resp.Buckets.Bucket, BucketInfo{
			Name:         b.Name,
			CreationDate: formatTime(b.CreatedAt),
		})
	}
	s.writeXML(q, http.StatusOK, resp)
}

// createBucket handles PUT /{bucket}. Creating an existing bucket succeeds.
func (s *Server) createBucket(q *request) {
	if _, err := s.svc.Buckets.Create(q.ctx(), q.bucket); err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}
	q.w.Header().Set("Location", "/"+q.bucket)
	q.w.WriteHeader(http.StatusOK)
}

// deleteBucket handles DELETE /{bucket}.
func (s *Server) deleteBucket(q *request) {
	if err := s.svc.Buckets.Delete(q.ctx(), q.bucket); err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}
	q.w.WriteHeader(http.StatusNoContent)
}

// headBucket handles HEAD /{bucket}.
func (s *Server) headBucket(q *request) {
	ok, err := s.svc.Buckets.Exists(q.ctx(), q.bucket)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}
	if !ok {
		q.w.WriteHeader(http.StatusNotFound)
		return
	}
	q.w.WriteHeader(http.StatusOK)
}

// listObjects handles GET /{bucket} for both list versions.
func (s *Server) listObjects(q *request) {
	query := q.r.URL.Query()
	params := listing.Params{
		Version:           listing.V1,
		Prefix:            query.Get("prefix"),
		Delimiter:         query.Get("delimiter"),
		MaxKeys:           listing.DefaultMaxKeys,
		Marker:            query.Get("marker"),
		ContinuationToken: query.Get("continuation-token"),
		StartAfter:        query.Get("start-after"),
	}
	if q.op == "ListObjectsV2" {
		params.Version = listing.V2
	}
	if mk := query.Get("max-keys"); mk != "" {
		n, err := strconv.Atoi(mk)
		if err != nil || n < 0 {
			s.writeError(q, http.StatusBadRequest, "InvalidArgument", "max-keys must be a non-negative integer")
			return
		}
		params.MaxKeys = min(n, listing.DefaultMaxKeys)
	}
	if et := query.Get("encoding-type"); et != "" {
		if !strings.EqualFold(et, "url") {
			s.writeError(q, http.StatusBadRequest, "InvalidArgument", "Invalid Encoding Method specified in Request")
			return
		}
		params.URLEncode = true
	}

	page, err := s.svc.ListObjects(q.ctx(), q.bucket, params)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}
	encodingType := ""
	if params.URLEncode {
		page = listing.Encode(page)
		encodingType = "url"
	}

	contents := make([]ObjectInfo, 0, len(page.Contents))
	for _, e := range page.Contents {
		contents = append(contents, ObjectInfo{
			Key:          e.Key,
			LastModified: formatTime(e.LastModified),
			ETag:         e.ETag,
			Size:         e.Size,
			StorageClass: "STANDARD",
		})
	}
	prefixes := make([]CommonPrefix, 0, len(page.CommonPrefixes))
	for _, p := range page.CommonPrefixes {
		prefixes = append(prefixes, CommonPrefix{Prefix: p})
	}

	p := page.Params
	if params.Version == listing.V2 {
		s.writeXML(q, http.StatusOK, ListBucketResultV2{
			Name:                  q.bucket,
			Prefix:                p.Prefix,
			ContinuationToken:     p.ContinuationToken,
			StartAfter:            p.StartAfter,
			KeyCount:              page.KeyCount(),
			MaxKeys:               p.MaxKeys,
			Delimiter:             p.Delimiter,
			EncodingType:          encodingType,
			IsTruncated:           page.IsTruncated,
			NextContinuationToken: page.NextContinuationToken,
			Contents:              contents,
			CommonPrefixes:        prefixes,
		})
		return
	}
	s.writeXML(q, http.StatusOK, ListBucketResult{
		Name:           q.bucket,
		Prefix:         p.Prefix,
		Marker:         p.Marker,
		MaxKeys:        p.MaxKeys,
		Delimiter:      p.Delimiter,
		EncodingType:   encodingType,
		IsTruncated:    page.IsTruncated,
		NextMarker:     page.NextMarker,
		Contents:       contents,
		CommonPrefixes: prefixes,
	})
}

// getObject handles GET /{bucket}/{key}, including single Range requests.
func (s *Server) getObject(q *request) {
	obj, data, err := s.svc.Namespace.Get(q.ctx(), q.bucket, q.key)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}

	setObjectHeaders(q.w.Header(), obj)
	http.ServeContent(q.w, q.r, "", obj.LastModified, bytes.NewReader(data))
	s.metrics.RecordDownload(q.w.written)
}

// headObject handles HEAD /{bucket}/{key}.
func (s *Server) headObject(q *request) {
	obj, err := s.svc.Namespace.Head(q.ctx(), q.bucket, q.key)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}

	h := q.w.Header()
	setObjectHeaders(h, obj)
	h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Content-Length", strconv.FormatInt(obj.Blob.Size, 10))
	q.w.WriteHeader(http.StatusOK)
}

func setObjectHeaders(h http.Header, obj dedup.Object) {
	contentType := obj.Blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("ETag", obj.ETag())
	h.Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		h.Set(metaHeaderPrefix+k, v)
	}
}

// putObject handles PUT /{bucket}/{key}.
func (s *Server) putObject(q *request) {
	body, ok := s.readBody(q)
	if !ok {
		return
	}

	obj, err := s.svc.PutObject(q.ctx(), q.bucket, q.key, body, q.r.Header.Get("Content-Type"), userMetadata(q.r.Header))
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}
	q.dedup = obj.Deduplicated

	q.w.Header().Set("ETag", obj.ETag())
	q.w.WriteHeader(http.StatusOK)
}

// copyObject handles PUT /{bucket}/{key} with x-amz-copy-source.
func (s *Server) copyObject(q *request) {
	if q.presigned {
		// The token names only the destination; the source is unauthorized.
		q.err = ErrAccessDenied
		s.writeError(q, http.StatusForbidden, "AccessDenied", "Presigned requests cannot copy objects")
		return
	}
	srcBucket, srcKey, ok := parseCopySource(q.r.Header.Get("x-amz-copy-source"))
	if !ok {
		s.writeError(q, http.StatusBadRequest, "InvalidArgument", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey")
		return
	}

	var metadata map[string]string
	replace := strings.EqualFold(q.r.Header.Get("x-amz-metadata-directive"), "REPLACE")
	if replace {
		metadata = userMetadata(q.r.Header)
	}

	obj, err := s.svc.CopyObject(q.ctx(), srcBucket, srcKey, q.bucket, q.key, metadata, replace)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}
	q.size = obj.Blob.Size
	q.dedup = true

	s.writeXML(q, http.StatusOK, CopyObjectResult{
		LastModified: formatTime(obj.LastModified),
		ETag:         obj.ETag(),
	})
}

// parseCopySource splits "/bucket/key" or "bucket/key", URL-decoded, with
// any "?versionId=" suffix dropped.
func parseCopySource(raw string) (bucket, key string, ok bool) {
	raw, _, _ = strings.Cut(raw, "?")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(strings.TrimPrefix(decoded, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// deleteObject handles DELETE /{bucket}/{key}. Deleting a missing key
// succeeds, as in S3.
func (s *Server) deleteObject(q *request) {
	existed, err := s.svc.Namespace.Delete(q.ctx(), q.bucket, q.key)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}
	if !existed {
		log.Debug().Str("bucket", q.bucket).Str("key", q.key).Msg("delete of missing key")
	}
	q.w.WriteHeader(http.StatusNoContent)
}

// initiateUpload handles POST /{bucket}/{key}?uploads.
func (s *Server) initiateUpload(q *request) {
	if err := s.svc.PrepareBucket(q.ctx(), q.bucket); err != nil {
		s.writeServiceError(q, err, "NoSuchBucket")
		return
	}
	uploadID := s.uploads.Initiate(q.bucket, q.key, q.r.Header.Get("Content-Type"), userMetadata(q.r.Header))
	s.writeXML(q, http.StatusOK, InitiateMultipartUploadResult{
		Bucket:   q.bucket,
		Key:      q.key,
		UploadID: uploadID,
	})
}

// uploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
func (s *Server) uploadPart(q *request) {
	query := q.r.URL.Query()
	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil {
		s.writeError(q, http.StatusBadRequest, "InvalidArgument", "Part number must be an integer")
		return
	}
	body, ok := s.readBody(q)
	if !ok {
		return
	}

	etag, err := s.uploads.StorePart(query.Get("uploadId"), partNumber, body)
	if err != nil {
		if errors.Is(err, multipart.ErrInvalidPart) {
			s.writeError(q, http.StatusBadRequest, "InvalidArgument", err.Error())
			return
		}
		s.writeServiceError(q, err, "NoSuchUpload")
		return
	}
	q.w.Header().Set("ETag", `"`+etag+`"`)
	q.w.WriteHeader(http.StatusOK)
}

// completeUpload handles POST /{bucket}/{key}?uploadId=ID. The object is
// written to the bucket and key captured when the upload was initiated.
func (s *Server) completeUpload(q *request) {
	uploadID := q.r.URL.Query().Get("uploadId")

	var order []int
	body, err := io.ReadAll(io.LimitReader(q.r.Body, maxCompleteBody))
	if err != nil {
		s.writeError(q, http.StatusBadRequest, "IncompleteBody", "Could not read the request body")
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		var req CompleteMultipartUpload
		if err := xml.Unmarshal(body, &req); err != nil {
			s.writeError(q, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.")
			return
		}
		for _, p := range req.Parts {
			order = append(order, p.PartNumber)
		}
	}

	assembled, err := s.uploads.Complete(q.ctx(), uploadID, order)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchUpload")
		return
	}
	if assembled.Bucket != q.bucket || assembled.Key != q.key {
		log.Warn().
			Str("upload_id", uploadID).
			Str("request", q.bucket+"/"+q.key).
			Str("stored", assembled.Bucket+"/"+assembled.Key).
			Msg("multipart completion addressed to a different key than initiated")
	}
	obj, err := s.svc.PutObject(q.ctx(), assembled.Bucket, assembled.Key, assembled.Data, assembled.ContentType, assembled.Metadata)
	if err != nil {
		s.writeServiceError(q, err, "NoSuchKey")
		return
	}
	q.size = obj.Blob.Size
	q.dedup = obj.Deduplicated

	q.w.Header().Set("ETag", obj.ETag())
	s.writeXML(q, http.StatusOK, CompleteMultipartUploadResult{
		Location: "/" + assembled.Bucket + "/" + assembled.Key,
		Bucket:   assembled.Bucket,
		Key:      assembled.Key,
		ETag:     obj.ETag(),
	})
}

// abortUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (s *Server) abortUpload(q *request) {
	if !s.uploads.Abort(q.r.URL.Query().Get("uploadId")) {
		s.writeError(q, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
		return
	}
	q.w.WriteHeader(http.StatusNoContent)
}

// listParts handles GET /{bucket}/{key}?uploadId=ID.
func (s *Server) listParts(q *request) {
	up, err := s.uploads.Get(q.r.URL.Query().Get("uploadId"))
	if err != nil {
		s.writeServiceError(q, err, "NoSuchUpload")
		return
	}
	resp := ListPartsResult{Bucket: up.Bucket, Key: up.Key, UploadID: up.ID}
	for _, p := range up.Parts {
		resp.Parts = append(resp.Parts, PartInfo{PartNumber: p.Number, ETag: `"` + p.ETag + `"`, Size: p.Size})
	}
	s.writeXML(q, http.StatusOK, resp)
}

// readBody reads the request payload, enforcing the object size limit and
// removing aws-chunked framing. On failure it writes the error response.
func (s *Server) readBody(q *request) ([]byte, bool) {
	r := q.r
	if s.maxObjectSize > 0 && r.ContentLength > s.maxObjectSize && !isStreamingPayload(r.Header.Get("x-amz-content-sha256")) {
		s.writeError(q, http.StatusBadRequest, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.")
		return nil, false
	}

	body := r.Body
	if s.maxObjectSize > 0 {
		// Framing overhead is small relative to the payload; allow a margin.
		body = http.MaxBytesReader(q.w, r.Body, s.maxObjectSize+s.maxObjectSize/8+4096)
	}

	var data []byte
	var err error
	if isStreamingPayload(r.Header.Get("x-amz-content-sha256")) {
		data, err = readChunked(body, s.maxObjectSize)
	} else {
		data, err = io.ReadAll(body)
		if err == nil && s.maxObjectSize > 0 && int64(len(data)) > s.maxObjectSize {
			err = errTooLarge
		}
	}

	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, errTooLarge) || errors.As(err, &tooBig):
		s.writeError(q, http.StatusBadRequest, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.")
		return nil, false
	case err != nil:
		q.err = err
		s.writeError(q, http.StatusBadRequest, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.")
		return nil, false
	}

	q.size = int64(len(data))
	s.metrics.RecordUpload(q.size)
	return data, true
}

// userMetadata collects x-amz-meta-* headers, keyed by the lower-cased name
// without the prefix.
func userMetadata(h http.Header) map[string]string {
	md := make(map[string]string)
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, metaHeaderPrefix) || len(values) == 0 {
			continue
		}
		if k := strings.TrimPrefix(lower, metaHeaderPrefix); k != "" {
			md[k] = values[0]
		}
	}
	return md
}

// handlePresign handles GET /presign/{bucket}/{key}?method=GET&expirySeconds=600.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	defer func() {
		s.metrics.RecordRequest("Presign", classifyStatus(rec.getStatus()), time.Since(start).Seconds())
	}()

	if r.Method != http.MethodGet {
		writeJSONError(rec, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.presign == nil {
		writeJSONError(rec, http.StatusNotImplemented, "presigned URLs are disabled")
		return
	}
	bucket, key := splitPath(strings.TrimPrefix(r.URL.Path, "/presign"))
	if bucket == "" || key == "" {
		writeJSONError(rec, http.StatusBadRequest, "path must be /presign/{bucket}/{key}")
		return
	}
	if s.auth != nil {
		// A presigned token must not mint further tokens.
		if r.URL.Query().Has(SignatureParam) {
			writeJSONError(rec, http.StatusForbidden, "access denied")
			return
		}
		if _, err := s.auth.Authenticate(r, bucket, key); err != nil {
			writeJSONError(rec, http.StatusForbidden, "access denied")
			return
		}
	}

	query := r.URL.Query()
	method := strings.ToUpper(query.Get("method"))
	if method == "" {
		method = http.MethodGet
	}
	expiry := defaultPresignExpiry
	if v := query.Get("expirySeconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeJSONError(rec, http.StatusBadRequest, "expirySeconds must be a positive integer")
			return
		}
		expiry = time.Duration(secs) * time.Second
	}

	token, expiresAt, err := s.presign.Sign(method, bucket, key, expiry)
	if err != nil {
		writeJSONError(rec, http.StatusBadRequest, err.Error())
		return
	}

	u := url.URL{Path: "/" + bucket + "/" + key}
	u.RawQuery = url.Values{SignatureParam: {token}}.Encode()
	log.Info().Str("bucket", bucket).Str("key", key).Str("method", method).Time("expires", expiresAt).Msg("presigned URL issued")

	writeJSON(rec, http.StatusOK, map[string]string{
		"url":        s.baseURL(r) + u.String(),
		"method":     method,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// writeServiceError maps an error from the dedup layer onto an S3 error
// response. notFoundCode is used for NotFound errors without a more specific
// sentinel.
func (s *Server) writeServiceError(q *request, err error, notFoundCode string) {
	q.err = err
	switch {
	case errors.Is(err, dedup.ErrNoSuchBucket):
		s.writeError(q, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	case errors.Is(err, multipart.ErrNoSuchUpload):
		s.writeError(q, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
		return
	case errors.Is(err, multipart.ErrInvalidPart):
		s.writeError(q, http.StatusBadRequest, "InvalidPart", err.Error())
		return
	case errors.Is(err, meta.ErrBucketNotEmpty):
		s.writeError(q, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty")
		return
	}

	switch dedup.KindOf(err) {
	case dedup.KindNotFound:
		msg := "The specified key does not exist."
		if notFoundCode == "NoSuchBucket" {
			msg = "The specified bucket does not exist"
		}
		s.writeError(q, http.StatusNotFound, notFoundCode, msg)
	case dedup.KindInvalidArgument:
		s.writeError(q, http.StatusBadRequest, "InvalidArgument", err.Error())
	case dedup.KindConflict:
		s.writeError(q, http.StatusConflict, "OperationAborted", err.Error())
	case dedup.KindUnavailable:
		log.Warn().Err(err).Str("operation", q.op).Msg("storage unavailable")
		s.writeError(q, http.StatusServiceUnavailable, "ServiceUnavailable", "Please reduce your request rate.")
	default:
		log.Error().Err(err).Str("operation", q.op).Str("bucket", q.bucket).Str("key", q.key).Msg("S3 request failed")
		s.writeError(q, http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
	}
}

// writeError writes an S3-style XML error response. HEAD responses carry
// no body.
func (s *Server) writeError(q *request, status int, code, message string) {
	if q.r.Method == http.MethodHead {
		q.w.WriteHeader(status)
		return
	}
	resource := "/" + q.bucket
	if q.key != "" {
		resource += "/" + q.key
	}
	s.writeXML(q, status, ErrorResponse{
		Code:      code,
		Message:   message,
		Resource:  resource,
		RequestID: q.id,
	})
}

// writeXML writes an XML response.
func (s *Server) writeXML(q *request, status int, v any) {
	q.w.Header().Set("Content-Type", "application/xml")
	q.w.WriteHeader(status)

	if _, err := io.WriteString(q.w, xml.Header); err != nil {
		return
	}
	if err := xml.NewEncoder(q.w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode XML response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// newRequestID returns a 16 character upper-case hex id.
func newRequestID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:16])
}
