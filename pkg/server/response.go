package server

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/lock"
	"github.com/lamina-storage/lamina/pkg/storage"
)

// xmlResponse writes an XML response document.
func (h *Handler) xmlResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	_ = xml.NewEncoder(w).Encode(data)
}

// xmlRequest decodes an XML request body.
func (h *Handler) xmlRequest(r *http.Request, data any) error {
	return xml.NewDecoder(r.Body).Decode(data)
}

// writeErrorCode writes an S3 error document with an explicit code and
// status.
func (h *Handler) writeErrorCode(w http.ResponseWriter, r *http.Request, code, message string, status int) {
	requestID := uuid.NewString()
	h.logger.WithFields(logrus.Fields{
		"code":       code,
		"status":     status,
		"method":     r.Method,
		"resource":   r.URL.Path,
		"request_id": requestID,
	}).Debug("request failed")
	h.xmlResponse(w, Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestId: requestID,
		HostId:    requestID,
	}, status)
}

// writeError maps an internal error onto the S3 error taxonomy.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classifyError(err)
	h.writeErrorCode(w, r, code, err.Error(), status)
}

func classifyError(err error) (code string, status int) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		switch authErr.Code {
		case "InvalidArgument", "InvalidRequest":
			return authErr.Code, http.StatusBadRequest
		default:
			return authErr.Code, http.StatusForbidden
		}
	}
	var chunkErr *auth.ChunkSignatureError
	if errors.As(err, &chunkErr) {
		return "SignatureDoesNotMatch", http.StatusForbidden
	}

	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		return "NoSuchBucket", http.StatusNotFound
	case errors.Is(err, storage.ErrObjectNotFound):
		return "NoSuchKey", http.StatusNotFound
	case errors.Is(err, storage.ErrNoSuchUpload):
		return "NoSuchUpload", http.StatusNotFound
	case errors.Is(err, storage.ErrBucketAlreadyExists):
		return "BucketAlreadyExists", http.StatusConflict
	case errors.Is(err, storage.ErrBucketNotEmpty):
		return "BucketNotEmpty", http.StatusConflict
	case errors.Is(err, storage.ErrInvalidBucketName):
		return "InvalidBucketName", http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidObjectKey):
		return "InvalidArgument", http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidRange):
		return "InvalidRange", http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, storage.ErrBadDigest):
		return "BadDigest", http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidPart):
		return "InvalidPart", http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidPartOrder):
		return "InvalidPartOrder", http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidPartNumber):
		return "InvalidArgument", http.StatusBadRequest
	case errors.Is(err, lock.ErrLockUnavailable):
		// Distinguishable message for operators; still an internal fault
		// from the client's point of view.
		return "InternalError", http.StatusInternalServerError
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

// quoteETag wraps a stored ETag in the wire's double quotes.
func quoteETag(etag string) string {
	return `"` + storage.TrimETag(etag) + `"`
}

func unescapePath(p string) (string, error) {
	return url.PathUnescape(p)
}

// encodeListName applies encoding-type=url to a key or prefix. Slashes
// stay literal; spaces encode as %20, not "+".
func encodeListName(name, encodingType string) string {
	if encodingType != "url" {
		return name
	}
	escaped := url.QueryEscape(name)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return strings.ReplaceAll(escaped, "%2F", "/")
}
