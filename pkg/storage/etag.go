package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComposeMultipartETag builds the ETag of a completed multipart upload:
// the hex MD5 of the concatenated raw MD5 digests of each part, suffixed
// with "-<part count>".
func ComposeMultipartETag(partETags []string) (string, error) {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(TrimETag(etag))
		if err != nil {
			return "", fmt.Errorf("%w: malformed part etag %q", ErrInvalidPart, etag)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%x-%d", h.Sum(nil), len(partETags)), nil
}

// TrimETag strips surrounding quotes from a wire-format ETag.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// ETagsEqual compares two ETags ignoring quoting and hex case.
func ETagsEqual(a, b string) bool {
	return strings.EqualFold(TrimETag(a), TrimETag(b))
}
