package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/storage"
)

const (
	metaHeaderPrefix = "x-amz-meta-"
	checksumPrefix   = "x-amz-checksum-"
)

// checksumsFromHeaders collects the x-amz-checksum-* request headers and
// the explicitly requested algorithm, if any.
func checksumsFromHeaders(header http.Header) (storage.Checksums, storage.ChecksumAlgorithm) {
	expected := storage.Checksums{
		CRC32:     header.Get(checksumPrefix + "crc32"),
		CRC32C:    header.Get(checksumPrefix + "crc32c"),
		CRC64NVME: header.Get(checksumPrefix + "crc64nvme"),
		SHA1:      header.Get(checksumPrefix + "sha1"),
		SHA256:    header.Get(checksumPrefix + "sha256"),
	}
	algorithm := storage.ChecksumAlgorithm(strings.ToUpper(header.Get("x-amz-sdk-checksum-algorithm")))
	return expected, algorithm
}

// userMetadataFromHeaders collects the x-amz-meta-* request headers.
func userMetadataFromHeaders(header http.Header) map[string]string {
	var meta map[string]string
	for name, values := range header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, metaHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, metaHeaderPrefix)] = values[0]
	}
	return meta
}

func writeObjectHeaders(w http.ResponseWriter, info *storage.S3ObjectInfo) {
	w.Header().Set("ETag", quoteETag(info.ETag))
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	for key, value := range info.UserMetadata {
		w.Header().Set(metaHeaderPrefix+key, value)
	}
	writeChecksumHeaders(w, info.Checksums)
}

func writeChecksumHeaders(w http.ResponseWriter, sums storage.Checksums) {
	if sums.CRC32 != "" {
		w.Header().Set(checksumPrefix+"crc32", sums.CRC32)
	}
	if sums.CRC32C != "" {
		w.Header().Set(checksumPrefix+"crc32c", sums.CRC32C)
	}
	if sums.CRC64NVME != "" {
		w.Header().Set(checksumPrefix+"crc64nvme", sums.CRC64NVME)
	}
	if sums.SHA1 != "" {
		w.Header().Set(checksumPrefix+"sha1", sums.SHA1)
	}
	if sums.SHA256 != "" {
		w.Header().Set(checksumPrefix+"sha256", sums.SHA256)
	}
}

// parseRangeHeader parses a single-range "bytes=" header against the
// object size. A nil range with ok means the whole object was requested.
func parseRangeHeader(header string, size int64) (rng *storage.ByteRange, ok bool) {
	if header == "" {
		return nil, true
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return nil, false
	}
	startPart, endPart, found := strings.Cut(spec, "-")
	if !found {
		return nil, false
	}

	if startPart == "" {
		// Suffix range: the last N bytes.
		n, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || n <= 0 {
			return nil, false
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return &storage.ByteRange{Start: start, End: size - 1}, true
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 {
		return nil, false
	}
	end := size - 1
	if endPart != "" {
		end, err = strconv.ParseInt(endPart, 10, 64)
		if err != nil || end < start {
			return nil, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &storage.ByteRange{Start: start, End: end}, true
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string, withBody bool) {
	info, err := h.facade.HeadObject(r.Context(), bucket, key)
	if err != nil {
		if !withBody {
			// HEAD responses carry no body.
			_, status := classifyError(err)
			w.WriteHeader(status)
			return
		}
		h.writeError(w, r, err)
		return
	}

	rng, ok := parseRangeHeader(r.Header.Get("Range"), info.Size)
	if !ok || (rng != nil && rng.Start >= info.Size) {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
		h.writeErrorCode(w, r, "InvalidRange", "the requested range is not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	writeObjectHeaders(w, info)
	status := http.StatusOK
	length := info.Size
	if rng != nil {
		length = rng.End - rng.Start + 1
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10)+
				"/"+strconv.FormatInt(info.Size, 10))
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	if !withBody {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(status)
	if _, err := h.facade.GetObject(r.Context(), bucket, key, w, rng); err != nil {
		// Headers are already on the wire; all we can do is log.
		h.logger.WithError(err).Warn("object body stream failed")
	}
}

func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request, identity *auth.RequestIdentity, bucket, key string) {
	expected, algorithm := checksumsFromHeaders(r.Header)
	opts := storage.PutOptions{
		ContentType:  r.Header.Get("Content-Type"),
		UserMetadata: userMetadataFromHeaders(r.Header),
		Expected:     expected,
		Algorithm:    algorithm,
	}
	if auth.IsChunkedUpload(r.Header.Get("Content-Encoding"), r.Header.Get("X-Amz-Content-Sha256")) {
		opts.Chunked = true
		opts.Validator = identity.Validator
	}

	info, err := h.facade.PutObject(r.Context(), bucket, key, r.Body, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", quoteETag(info.ETag))
	writeChecksumHeaders(w, info.Checksums)
	w.WriteHeader(http.StatusOK)
}

// parseCopySource splits an x-amz-copy-source header into bucket and key.
func parseCopySource(source string) (bucket, key string, ok bool) {
	source = strings.TrimPrefix(source, "/")
	decoded, err := unescapePath(source)
	if err != nil {
		return "", "", false
	}
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (h *Handler) handleCopyObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		h.writeErrorCode(w, r, "InvalidArgument", "invalid copy source", http.StatusBadRequest)
		return
	}

	opts := storage.CopyOptions{}
	if strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE") {
		opts.ReplaceMetadata = true
		opts.ContentType = r.Header.Get("Content-Type")
		opts.UserMetadata = userMetadataFromHeaders(r.Header)
	}

	info, err := h.facade.CopyObject(r.Context(), srcBucket, srcKey, bucket, key, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.xmlResponse(w, CopyObjectResult{
		LastModified: info.LastModified.UTC(),
		ETag:         quoteETag(info.ETag),
	}, http.StatusOK)
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	// Deleting an absent key is still 204.
	if _, err := h.facade.DeleteObject(r.Context(), bucket, key); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lastModifiedOrNow guards against zero timestamps in copy responses.
func lastModifiedOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
