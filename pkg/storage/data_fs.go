package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FSDataStorage stores object bytes as plain files under a root directory:
// <root>/<bucket>/<encoded key path>. Writes land in a temp sidecar and are
// published by rename, so readers only ever observe whole objects.
type FSDataStorage struct {
	root   string
	logger *logrus.Logger
}

// FSDataOption configures an FSDataStorage.
type FSDataOption func(*FSDataStorage)

// WithDataLogger sets the logger.
func WithDataLogger(logger *logrus.Logger) FSDataOption {
	return func(s *FSDataStorage) {
		s.logger = logger
	}
}

// NewFSDataStorage creates a filesystem data store rooted at root.
func NewFSDataStorage(root string, opts ...FSDataOption) (*FSDataStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	s := &FSDataStorage{root: root, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FSDataStorage) bucketPath(bucket string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket), nil
}

func (s *FSDataStorage) objectPath(bucket, key string) (string, error) {
	bucketPath, err := s.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(bucketPath, filepath.FromSlash(encodeKeyPath(key))), nil
}

// contextReader fails reads once the context is done, so a cancelled
// request stops pulling from its source.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Store implements DataStorage.
func (s *FSDataStorage) Store(ctx context.Context, bucket, key string, src io.Reader, opts StoreOptions) (*StoreResult, error) {
	dstPath, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	bucketPath, _ := s.bucketPath(bucket)
	if _, err := os.Stat(bucketPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}

	sums, err := newChecksumSet(requestedAlgorithms(opts.Expected, opts.Algorithm))
	if err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(bucketPath, TempFilePrefix+uuid.NewString())
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	digest := md5.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, digest, sums), &contextReader{ctx: ctx, r: src})
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	computed := sums.Sums()
	if err := verifyChecksums(opts.Expected, computed); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return nil, err
	}

	return &StoreResult{
		Size:      size,
		ETag:      hex.EncodeToString(digest.Sum(nil)),
		Checksums: computed,
	}, nil
}

// StoreMultipart implements DataStorage.
func (s *FSDataStorage) StoreMultipart(ctx context.Context, bucket, key string, src io.Reader, etag string) (*StoreResult, error) {
	dstPath, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	bucketPath, _ := s.bucketPath(bucket)
	if _, err := os.Stat(bucketPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}

	tmpPath := filepath.Join(bucketPath, TempFilePrefix+uuid.NewString())
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmpFile, &contextReader{ctx: ctx, r: src})
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return nil, err
	}
	return &StoreResult{Size: size, ETag: etag}, nil
}

// WriteToSink implements DataStorage. Ranges are inclusive per the S3
// Range header; a start at or past the size is unsatisfiable.
func (s *FSDataStorage) WriteToSink(ctx context.Context, bucket, key string, sink io.Writer, rng *ByteRange) (int64, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrObjectNotFound
		}
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	if rng == nil {
		return io.Copy(sink, &contextReader{ctx: ctx, r: file})
	}

	start, end := rng.Start, rng.End
	if start < 0 || end < start || start >= size {
		return 0, fmt.Errorf("%w: bytes=%d-%d of %d", ErrInvalidRange, start, end, size)
	}
	if end >= size {
		end = size - 1
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	return io.CopyN(sink, &contextReader{ctx: ctx, r: file}, end-start+1)
}

// Copy implements DataStorage.
func (s *FSDataStorage) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*StoreResult, error) {
	srcPath, err := s.objectPath(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer src.Close()
	return s.Store(ctx, dstBucket, dstKey, src, StoreOptions{})
}

// Delete implements DataStorage. Empty parent directories left behind by
// the deletion are pruned up to the bucket root.
func (s *FSDataStorage) Delete(ctx context.Context, bucket, key string) (bool, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	bucketPath, _ := s.bucketPath(bucket)
	s.pruneEmptyDirs(filepath.Dir(path), bucketPath)
	return true, nil
}

func (s *FSDataStorage) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Exists implements DataStorage.
func (s *FSDataStorage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := s.GetDataInfo(ctx, bucket, key)
	if err != nil {
		if err == ErrObjectNotFound {
			return false, nil
		}
		return false, err
	}
	return info != nil, nil
}

// GetDataInfo implements DataStorage.
func (s *FSDataStorage) GetDataInfo(ctx context.Context, bucket, key string) (*DataInfo, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrObjectNotFound
	}
	return &DataInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ComputeETag implements DataStorage.
func (s *FSDataStorage) ComputeETag(ctx context.Context, bucket, key string) (string, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", err
	}
	defer file.Close()

	digest := md5.New()
	if _, err := io.Copy(digest, &contextReader{ctx: ctx, r: file}); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// CreateBucketDir implements DataStorage.
func (s *FSDataStorage) CreateBucketDir(ctx context.Context, bucket string) error {
	bucketPath, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.MkdirAll(bucketPath, 0o755)
}

// RemoveBucketDir implements DataStorage.
func (s *FSDataStorage) RemoveBucketDir(ctx context.Context, bucket string) error {
	bucketPath, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.RemoveAll(bucketPath)
}

// ListKeys implements DataStorage. With delimiter "/" only the single
// directory named by the longest "/"-terminated prefix of the query prefix
// is enumerated; any other delimiter walks the whole bucket tree.
func (s *FSDataStorage) ListKeys(ctx context.Context, bucket string, bucketType BucketType, q ListQuery) (*ListResult, error) {
	bucketPath, err := s.bucketPath(bucket)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(bucketPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}

	if q.Delimiter == "/" {
		return s.listSingleDir(ctx, bucketPath, bucketType, q)
	}
	return s.listTree(ctx, bucketPath, bucketType, q)
}

func (s *FSDataStorage) listSingleDir(ctx context.Context, bucketPath string, bucketType BucketType, q ListQuery) (*ListResult, error) {
	dirPrefix := ""
	if idx := strings.LastIndex(q.Prefix, "/"); idx >= 0 {
		dirPrefix = q.Prefix[:idx+1]
	}
	dirPath := bucketPath
	if dirPrefix != "" {
		dirPath = filepath.Join(bucketPath, filepath.FromSlash(encodeKeyPath(strings.TrimSuffix(dirPrefix, "/"))))
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListResult{}, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if isReservedName(entry.Name()) {
			continue
		}
		segment, err := decodeKeySegment(entry.Name())
		if err != nil {
			continue
		}
		name := dirPrefix + segment
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if bucketType == BucketTypeGeneralPurpose {
		sort.Strings(names)
	}

	acc := newListAccumulator(q)
	for _, name := range names {
		if !acc.add(name) {
			break
		}
	}
	return acc.finish(), nil
}

func (s *FSDataStorage) listTree(ctx context.Context, bucketPath string, bucketType BucketType, q ListQuery) (*ListResult, error) {
	var keys []string
	err := filepath.WalkDir(bucketPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == bucketPath {
			return nil
		}
		if isReservedName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketPath, path)
		if err != nil {
			return nil
		}
		key, err := decodePath(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if bucketType == BucketTypeGeneralPurpose {
		sort.Strings(keys)
	}
	return groupKeys(keys, q), nil
}

func decodePath(encoded string) (string, error) {
	segments := strings.Split(encoded, "/")
	for i, segment := range segments {
		decoded, err := decodeKeySegment(segment)
		if err != nil {
			return "", err
		}
		segments[i] = decoded
	}
	return strings.Join(segments, "/"), nil
}
