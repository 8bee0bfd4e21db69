package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/storage"
)

// Handler serves the S3-compatible HTTP API over a storage facade.
type Handler struct {
	facade *storage.Facade
	authn  *auth.Authenticator
	region string
	logger *logrus.Logger
	router *mux.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithRegion sets the region reported by GetBucketLocation and used in
// signature scopes.
func WithRegion(region string) Option {
	return func(h *Handler) {
		h.region = region
	}
}

// WithAuthenticator enables SigV4 authentication. Without it every
// request is anonymous.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(h *Handler) {
		h.authn = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the S3 API handler.
func NewHandler(facade *storage.Facade, opts ...Option) *Handler {
	h := &Handler{
		facade: facade,
		region: "us-east-1",
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	r.HandleFunc("/", h.handleRoot)
	r.HandleFunc("/{bucket}", h.handleBucket)
	r.HandleFunc("/{bucket}/", h.handleBucket)
	r.PathPrefix("/{bucket}/").HandlerFunc(h.handleObject)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// authenticate runs SigV4 validation when configured. It returns the
// request identity, or nil with the response already written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.RequestIdentity, bool) {
	if h.authn == nil {
		return &auth.RequestIdentity{}, true
	}
	identity, err := h.authn.Authenticate(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return identity, true
}

// authorize checks the access policy for op on bucket.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, identity *auth.RequestIdentity, bucket string, op auth.Operation) bool {
	if h.authn == nil {
		return true
	}
	if !h.authn.UserHasAccess(identity.AccessKeyID, bucket, op) {
		h.writeError(w, r, auth.NewError("AccessDenied", "Access Denied"))
		return false
	}
	return true
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		h.writeErrorCode(w, r, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorize(w, r, identity, "", auth.OpList) {
		return
	}
	h.handleListBuckets(w, r)
}

func (h *Handler) handleBucket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	bucket := mux.Vars(r)["bucket"]
	query := r.URL.Query()

	switch r.Method {
	case http.MethodPut:
		switch {
		case query.Has("versioning"):
			if !h.authorize(w, r, identity, bucket, auth.OpWrite) {
				return
			}
			// Accepted and ignored; versioning is never enabled.
			w.WriteHeader(http.StatusOK)
		case query.Has("tagging"):
			if !h.authorize(w, r, identity, bucket, auth.OpWrite) {
				return
			}
			h.handlePutBucketTagging(w, r, bucket)
		default:
			if !h.authorize(w, r, identity, bucket, auth.OpWrite) {
				return
			}
			h.handleCreateBucket(w, r, bucket)
		}
	case http.MethodGet:
		if !h.authorize(w, r, identity, bucket, auth.OpList) {
			return
		}
		switch {
		case query.Has("location"):
			h.handleGetBucketLocation(w, r, bucket)
		case query.Has("versioning"):
			h.handleGetBucketVersioning(w, r, bucket)
		case query.Has("tagging"):
			h.handleGetBucketTagging(w, r, bucket)
		case query.Has("uploads"):
			h.handleListMultipartUploads(w, r, bucket)
		default:
			h.handleListObjects(w, r, bucket)
		}
	case http.MethodHead:
		if !h.authorize(w, r, identity, bucket, auth.OpList) {
			return
		}
		h.handleHeadBucket(w, r, bucket)
	case http.MethodPost:
		if !query.Has("delete") {
			h.writeErrorCode(w, r, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorize(w, r, identity, bucket, auth.OpDelete) {
			return
		}
		h.handleDeleteObjects(w, r, bucket)
	case http.MethodDelete:
		if !h.authorize(w, r, identity, bucket, auth.OpDelete) {
			return
		}
		if query.Has("tagging") {
			h.handleDeleteBucketTagging(w, r, bucket)
			return
		}
		h.handleDeleteBucket(w, r, bucket)
	default:
		h.writeErrorCode(w, r, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleObject(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	bucket, key, ok := splitObjectPath(r.URL.EscapedPath())
	if !ok {
		h.writeErrorCode(w, r, "InvalidArgument", "invalid object path", http.StatusBadRequest)
		return
	}
	query := r.URL.Query()

	switch r.Method {
	case http.MethodPut:
		if !h.authorize(w, r, identity, bucket, auth.OpWrite) {
			return
		}
		switch {
		case query.Has("uploadId"):
			if r.Header.Get("x-amz-copy-source") != "" {
				h.handleUploadPartCopy(w, r, bucket, key, query.Get("uploadId"), query.Get("partNumber"))
				return
			}
			h.handleUploadPart(w, r, identity, bucket, key, query.Get("uploadId"), query.Get("partNumber"))
		case r.Header.Get("x-amz-copy-source") != "":
			h.handleCopyObject(w, r, bucket, key)
		default:
			h.handlePutObject(w, r, identity, bucket, key)
		}
	case http.MethodGet:
		if !h.authorize(w, r, identity, bucket, auth.OpRead) {
			return
		}
		if query.Has("uploadId") {
			h.handleListParts(w, r, bucket, key, query.Get("uploadId"))
			return
		}
		h.handleGetObject(w, r, bucket, key, true)
	case http.MethodHead:
		if !h.authorize(w, r, identity, bucket, auth.OpRead) {
			return
		}
		h.handleGetObject(w, r, bucket, key, false)
	case http.MethodPost:
		if !h.authorize(w, r, identity, bucket, auth.OpWrite) {
			return
		}
		switch {
		case query.Has("uploads"):
			h.handleInitiateMultipartUpload(w, r, bucket, key)
		case query.Has("uploadId"):
			h.handleCompleteMultipartUpload(w, r, bucket, key, query.Get("uploadId"))
		default:
			h.writeErrorCode(w, r, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
		}
	case http.MethodDelete:
		if !h.authorize(w, r, identity, bucket, auth.OpDelete) {
			return
		}
		if query.Has("uploadId") {
			h.handleAbortMultipartUpload(w, r, bucket, query.Get("uploadId"))
			return
		}
		h.handleDeleteObject(w, r, bucket, key)
	default:
		h.writeErrorCode(w, r, "MethodNotAllowed", "method not allowed", http.StatusMethodNotAllowed)
	}
}

// splitObjectPath parses "/bucket/key..." from the escaped path, decoding
// the key segments itself so keys containing %2F or other escapes survive
// routing intact.
func splitObjectPath(escaped string) (bucket, key string, ok bool) {
	trimmed := strings.TrimPrefix(escaped, "/")
	bucketPart, keyPart, found := strings.Cut(trimmed, "/")
	if !found || bucketPart == "" {
		return "", "", false
	}
	keyPart = strings.TrimPrefix(keyPart, "/")
	decoded, err := unescapePath(keyPart)
	if err != nil || decoded == "" {
		return "", "", false
	}
	return bucketPart, decoded, true
}
