package storage

import (
	"strings"
	"testing"
)

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		valid  bool
	}{
		{"simple", "my-bucket", true},
		{"with dots", "my.bucket.01", true},
		{"minimum length", "abc", true},
		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 64), false},
		{"uppercase", "MyBucket", false},
		{"leading hyphen", "-bucket", false},
		{"trailing hyphen", "bucket-", false},
		{"dot dot", "a..b", false},
		{"empty", "", false},
		{"slash", "a/b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBucketName(tt.bucket)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateBucketName(%q) = %v, want valid=%v", tt.bucket, err, tt.valid)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"simple", "file.txt", true},
		{"nested", "a/b/c/file.txt", true},
		{"spaces and unicode", "docs/héllo wörld.txt", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 1025), false},
		{"max length", strings.Repeat("a", 1024), true},
		{"leading slash", "/abs", false},
		{"empty segment", "a//b", false},
		{"dot segment", "a/./b", false},
		{"dotdot segment", "a/../b", false},
		{"embedded NUL", "a\x00b", false},
		{"embedded CR", "a\rb", false},
		{"embedded LF", "a\nb", false},
		{"temp prefix segment", "a/" + TempFilePrefix + "x", false},
		{"multipart dir segment", "a/" + multipartDir + "/b", false},
		{"meta dir segment", inlineMetaDir + "/b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateKey(%q) = %v, want valid=%v", tt.key, err, tt.valid)
			}
		})
	}
}

func TestKeyPathRoundTrip(t *testing.T) {
	keys := []string{
		"file.txt",
		"a/b/c",
		"spaces in name",
		".hidden",
		"per%cent",
		"héllo/wörld",
	}
	for _, key := range keys {
		encoded := encodeKeyPath(key)
		decoded, err := decodePath(encoded)
		if err != nil {
			t.Fatalf("decodePath(%q): %v", encoded, err)
		}
		if decoded != key {
			t.Errorf("round trip %q -> %q -> %q", key, encoded, decoded)
		}
	}
}

func TestEncodeKeySegmentNeverReserved(t *testing.T) {
	// A key segment that happens to spell a reserved name must encode to
	// something else on disk.
	for _, segment := range []string{".lamina-tmp-x", multipartDir, inlineMetaDir, ".hidden"} {
		encoded := encodeKeySegment(segment)
		if isReservedName(encoded) {
			t.Errorf("encodeKeySegment(%q) = %q is reserved", segment, encoded)
		}
	}
}

func TestComposeMultipartETag(t *testing.T) {
	// MD5("a") and MD5("b") composed: the result is the MD5 of the two
	// raw digests back to back, tagged with the part count.
	etag, err := ComposeMultipartETag([]string{
		"0cc175b9c0f1b6a831c399e269772661",
		"92eb5ffee6ae2fec3ad71c777531578f",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "96e024ba2074fe77e8e965ba43a704be-2"; etag != want {
		t.Errorf("etag = %q, want %q", etag, want)
	}
}

func TestComposeMultipartETagRejectsGarbage(t *testing.T) {
	if _, err := ComposeMultipartETag([]string{"not-hex"}); err == nil {
		t.Error("expected error for malformed part etag")
	}
}

func TestETagsEqual(t *testing.T) {
	if !ETagsEqual(`"ABC123"`, "abc123") {
		t.Error("quoted/case differences must not matter")
	}
	if ETagsEqual("abc123", "abc124") {
		t.Error("different etags compared equal")
	}
}
