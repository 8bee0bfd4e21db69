// Package accesslog provides S3-style access logging middleware.
package accesslog

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ResponseWriter wraps http.ResponseWriter to capture response details.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
}

// NewResponseWriter creates a capturing response writer.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (w *ResponseWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Middleware logs one structured entry per request.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			bucket, key := splitResource(r.URL.Path)
			logger.WithFields(logrus.Fields{
				"operation":   OperationString(r.Method, r.URL.RequestURI(), key != ""),
				"bucket":      bucket,
				"key":         key,
				"method":      r.Method,
				"uri":         r.URL.RequestURI(),
				"status":      rw.StatusCode,
				"bytes_sent":  rw.BytesWritten,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_ip":   remoteIP(r),
				"user_agent":  r.UserAgent(),
			}).Info("request")
		})
	}
}

func splitResource(path string) (bucket, key string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	return bucket, key
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OperationString classifies a request in the S3 access log operation
// format, e.g. REST.GET.OBJECT or REST.POST.MULTI_OBJECT_DELETE.
func OperationString(method, requestURI string, hasKey bool) string {
	if !hasKey {
		switch method {
		case http.MethodGet:
			if strings.Contains(requestURI, "?uploads") {
				return "REST.GET.UPLOADS"
			}
			if strings.Contains(requestURI, "?tagging") {
				return "REST.GET.TAGGING"
			}
			if strings.Contains(requestURI, "?versioning") {
				return "REST.GET.VERSIONING"
			}
			if strings.Contains(requestURI, "?location") {
				return "REST.GET.LOCATION"
			}
			return "REST.GET.BUCKET"
		case http.MethodPut:
			if strings.Contains(requestURI, "?tagging") {
				return "REST.PUT.TAGGING"
			}
			return "REST.PUT.BUCKET"
		case http.MethodDelete:
			if strings.Contains(requestURI, "?tagging") {
				return "REST.DELETE.TAGGING"
			}
			return "REST.DELETE.BUCKET"
		case http.MethodHead:
			return "REST.HEAD.BUCKET"
		case http.MethodPost:
			if strings.Contains(requestURI, "?delete") {
				return "REST.POST.MULTI_OBJECT_DELETE"
			}
			return "REST.POST.BUCKET"
		}
		return "REST." + method + ".BUCKET"
	}

	switch method {
	case http.MethodGet:
		if strings.Contains(requestURI, "uploadId") {
			return "REST.GET.PART"
		}
		return "REST.GET.OBJECT"
	case http.MethodPut:
		if strings.Contains(requestURI, "uploadId") {
			return "REST.PUT.PART"
		}
		return "REST.PUT.OBJECT"
	case http.MethodDelete:
		if strings.Contains(requestURI, "uploadId") {
			return "REST.DELETE.UPLOAD"
		}
		return "REST.DELETE.OBJECT"
	case http.MethodHead:
		return "REST.HEAD.OBJECT"
	case http.MethodPost:
		if strings.Contains(requestURI, "uploadId") {
			return "REST.POST.UPLOAD"
		}
		if strings.Contains(requestURI, "uploads") {
			return "REST.POST.UPLOADS"
		}
		return "REST.POST.OBJECT"
	}
	return "REST." + method + ".OBJECT"
}
