package storage

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// TempFilePrefix marks in-progress sidecar files; they are never
	// surfaced by listings or lookups.
	TempFilePrefix = ".lamina-tmp-"
	// multipartDir holds in-progress multipart parts under a bucket.
	multipartDir = ".lamina-mpu"
	// inlineMetaDir holds metadata when the inline backend is selected.
	inlineMetaDir = ".lamina-meta"

	maxKeyLength = 1024
)

var bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateBucketName enforces 3-63 character DNS-like bucket names.
func ValidateBucketName(bucket string) error {
	if !bucketNameRE.MatchString(bucket) {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, bucket)
	}
	if strings.Contains(bucket, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, bucket)
	}
	return nil
}

// ValidateKey enforces the object key rules: 1-1024 bytes, no NUL/CR/LF,
// no leading slash, no empty or dot-only segments, and no segment carrying
// the temp-file prefix or reserved directory names.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	if strings.ContainsAny(key, "\x00\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
		}
		if strings.HasPrefix(segment, TempFilePrefix) || segment == multipartDir || segment == inlineMetaDir {
			return fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
		}
	}
	return nil
}

// encodeKeySegment maps one key segment to a filesystem name. Leading dots
// are percent-escaped so keys can never collide with the reserved
// .lamina-* names, and characters the filesystem cannot carry are escaped.
func encodeKeySegment(segment string) string {
	escaped := url.PathEscape(segment)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

// decodeKeySegment reverses encodeKeySegment.
func decodeKeySegment(name string) (string, error) {
	return url.PathUnescape(name)
}

// encodeKeyPath maps a validated key to a relative filesystem path.
func encodeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = encodeKeySegment(segment)
	}
	return strings.Join(segments, "/")
}

// isReservedName reports whether a directory entry belongs to Lamina's
// internal bookkeeping and must stay invisible.
func isReservedName(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix) || name == multipartDir || name == inlineMetaDir
}
