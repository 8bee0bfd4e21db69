package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const helloWorldETag = "b10a8db164e0754105b7a99be72e3fe5"

func newTestFS(t *testing.T) *FSDataStorage {
	t.Helper()
	s, err := NewFSDataStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBucketDir(context.Background(), "bucket"); err != nil {
		t.Fatal(err)
	}
	return s
}

func mustStore(t *testing.T, s DataStorage, bucket, key, body string) *StoreResult {
	t.Helper()
	res, err := s.Store(context.Background(), bucket, key, strings.NewReader(body), StoreOptions{})
	if err != nil {
		t.Fatalf("Store(%q): %v", key, err)
	}
	return res
}

func TestFSStoreAndRead(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	res := mustStore(t, s, "bucket", "greeting.txt", "Hello World")
	if res.ETag != helloWorldETag {
		t.Errorf("etag = %q, want %q", res.ETag, helloWorldETag)
	}
	if res.Size != 11 {
		t.Errorf("size = %d, want 11", res.Size)
	}

	var out bytes.Buffer
	if _, err := s.WriteToSink(ctx, "bucket", "greeting.txt", &out, nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "Hello World" {
		t.Errorf("read back %q", out.String())
	}

	etag, err := s.ComputeETag(ctx, "bucket", "greeting.txt")
	if err != nil {
		t.Fatal(err)
	}
	if etag != helloWorldETag {
		t.Errorf("recomputed etag = %q", etag)
	}
}

func TestFSStoreChecksums(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	res, err := s.Store(ctx, "bucket", "k", strings.NewReader("Hello World"), StoreOptions{
		Expected: Checksums{CRC32: "ShexVg==", SHA256: "pZGm1Av0IEBKARczz7exkNYsZb8LzaMrV7J32a2fFG4="},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Checksums.CRC32 != "ShexVg==" {
		t.Errorf("crc32 = %q", res.Checksums.CRC32)
	}
	if res.Checksums.SHA256 != "pZGm1Av0IEBKARczz7exkNYsZb8LzaMrV7J32a2fFG4=" {
		t.Errorf("sha256 = %q", res.Checksums.SHA256)
	}

	res, err = s.Store(ctx, "bucket", "k2", strings.NewReader("Hello World"), StoreOptions{
		Algorithm: ChecksumSHA1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Checksums.SHA1 != "Ck1VqNd45QIvq3AZd8XYQLvEhtA=" {
		t.Errorf("sha1 = %q", res.Checksums.SHA1)
	}
}

func TestFSStoreBadDigest(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "bucket", "k", strings.NewReader("Hello World"), StoreOptions{
		Expected: Checksums{CRC32: "AAAAAA=="},
	})
	if !errors.Is(err, ErrBadDigest) {
		t.Fatalf("err = %v, want ErrBadDigest", err)
	}
	// The failed write must leave nothing behind.
	if ok, _ := s.Exists(ctx, "bucket", "k"); ok {
		t.Error("object visible after failed checksum verification")
	}
	entries, _ := os.ReadDir(filepath.Join(s.root, "bucket"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempFilePrefix) {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestFSStoreMissingBucket(t *testing.T) {
	s := newTestFS(t)
	_, err := s.Store(context.Background(), "nosuch", "k", strings.NewReader("x"), StoreOptions{})
	if !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestFSRangeRead(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	mustStore(t, s, "bucket", "k", "Hello World")

	tests := []struct {
		name    string
		rng     ByteRange
		want    string
		invalid bool
	}{
		{"middle", ByteRange{Start: 6, End: 10}, "World", false},
		{"first byte", ByteRange{Start: 0, End: 0}, "H", false},
		{"end clamped", ByteRange{Start: 6, End: 999}, "World", false},
		{"start past size", ByteRange{Start: 11, End: 12}, "", true},
		{"inverted", ByteRange{Start: 5, End: 2}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := s.WriteToSink(ctx, "bucket", "k", &out, &tt.rng)
			if tt.invalid {
				if !errors.Is(err, ErrInvalidRange) {
					t.Fatalf("err = %v, want ErrInvalidRange", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if out.String() != tt.want {
				t.Errorf("got %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestFSDeletePrunesEmptyDirs(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	mustStore(t, s, "bucket", "a/b/c/deep.txt", "x")

	existed, err := s.Delete(ctx, "bucket", "a/b/c/deep.txt")
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v", existed, err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "bucket", "a")); !os.IsNotExist(err) {
		t.Error("empty parent directories not pruned")
	}
	// Second delete reports absence without error.
	existed, err = s.Delete(ctx, "bucket", "a/b/c/deep.txt")
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v", existed, err)
	}
}

func TestFSCopy(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	mustStore(t, s, "bucket", "src", "Hello World")

	res, err := s.Copy(ctx, "bucket", "src", "bucket", "dst")
	if err != nil {
		t.Fatal(err)
	}
	if res.ETag != helloWorldETag {
		t.Errorf("copied etag = %q", res.ETag)
	}
	var out bytes.Buffer
	if _, err := s.WriteToSink(ctx, "bucket", "dst", &out, nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "Hello World" {
		t.Errorf("copied bytes %q", out.String())
	}
}

func TestFSListDelimiterSingleDir(t *testing.T) {
	s := newTestFS(t)
	for _, key := range []string{
		"a/b/c/f1",
		"a/b/c/f2",
		"a/b/cat/f",
		"a/b/coffee/f",
		"a/b/c_important.log",
	} {
		mustStore(t, s, "bucket", key, "x")
	}

	res, err := s.ListKeys(context.Background(), "bucket", BucketTypeGeneralPurpose, ListQuery{
		Prefix:    "a/b/c",
		Delimiter: "/",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a/b/c_important.log"}; !reflect.DeepEqual(res.Keys, want) {
		t.Errorf("keys = %v, want %v", res.Keys, want)
	}
	wantPrefixes := []string{"a/b/c/", "a/b/cat/", "a/b/coffee/"}
	if !reflect.DeepEqual(res.CommonPrefixes, wantPrefixes) {
		t.Errorf("prefixes = %v, want %v", res.CommonPrefixes, wantPrefixes)
	}
}

func TestFSListFullTree(t *testing.T) {
	s := newTestFS(t)
	for _, key := range []string{"x/1", "x/2", "y/1", "z"} {
		mustStore(t, s, "bucket", key, "x")
	}

	res, err := s.ListKeys(context.Background(), "bucket", BucketTypeGeneralPurpose, ListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"x/1", "x/2", "y/1", "z"}
	if !reflect.DeepEqual(res.Keys, want) {
		t.Errorf("keys = %v, want %v", res.Keys, want)
	}
	if res.Truncated {
		t.Error("unexpected truncation")
	}
}

func TestFSListMaxKeysCountsPrefixes(t *testing.T) {
	s := newTestFS(t)
	for _, key := range []string{"a/1", "b/1", "c", "d"} {
		mustStore(t, s, "bucket", key, "x")
	}

	res, err := s.ListKeys(context.Background(), "bucket", BucketTypeGeneralPurpose, ListQuery{
		Delimiter: "/",
		MaxKeys:   3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(res.Keys) + len(res.CommonPrefixes); got != 3 {
		t.Errorf("emitted %d entries, want 3", got)
	}
	if !res.Truncated {
		t.Error("expected truncation")
	}
	if res.NextStartAfter != "c" {
		t.Errorf("next start after = %q, want %q", res.NextStartAfter, "c")
	}

	// Resume from the marker.
	res, err = s.ListKeys(context.Background(), "bucket", BucketTypeGeneralPurpose, ListQuery{
		Delimiter:  "/",
		StartAfter: res.NextStartAfter,
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"d"}; !reflect.DeepEqual(res.Keys, want) {
		t.Errorf("resumed keys = %v, want %v", res.Keys, want)
	}
}

func TestFSListExcludesTempAndMeta(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	mustStore(t, s, "bucket", "real", "x")

	bucketDir := filepath.Join(s.root, "bucket")
	if err := os.WriteFile(filepath.Join(bucketDir, TempFilePrefix+"abandoned"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(bucketDir, inlineMetaDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bucketDir, inlineMetaDir, "real.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, q := range []ListQuery{{}, {Delimiter: "/"}} {
		res, err := s.ListKeys(ctx, "bucket", BucketTypeGeneralPurpose, q)
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"real"}; !reflect.DeepEqual(res.Keys, want) {
			t.Errorf("delimiter %q: keys = %v, want %v", q.Delimiter, res.Keys, want)
		}
		if len(res.CommonPrefixes) != 0 {
			t.Errorf("delimiter %q: prefixes = %v", q.Delimiter, res.CommonPrefixes)
		}
	}
}

func TestFSListMissingBucket(t *testing.T) {
	s := newTestFS(t)
	_, err := s.ListKeys(context.Background(), "nosuch", BucketTypeGeneralPurpose, ListQuery{})
	if !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestFSSpecialKeyCharacters(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	keys := []string{"with space.txt", "per%cent", ".leading-dot", "héllo/wörld"}
	for _, key := range keys {
		mustStore(t, s, "bucket", key, "payload")
	}
	for _, key := range keys {
		var out bytes.Buffer
		if _, err := s.WriteToSink(ctx, "bucket", key, &out, nil); err != nil {
			t.Errorf("read back %q: %v", key, err)
		}
	}
	res, err := s.ListKeys(ctx, "bucket", BucketTypeGeneralPurpose, ListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Keys) != len(keys) {
		t.Errorf("listed %v", res.Keys)
	}
}
