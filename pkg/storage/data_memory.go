package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"
)

type memoryObject struct {
	data    []byte
	etag    string
	modTime time.Time
}

// MemoryDataStorage is an in-memory DataStorage, used by tests and by
// throwaway server instances.
type MemoryDataStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*memoryObject
}

// NewMemoryDataStorage creates an empty in-memory data store.
func NewMemoryDataStorage() *MemoryDataStorage {
	return &MemoryDataStorage{buckets: make(map[string]map[string]*memoryObject)}
}

func (s *MemoryDataStorage) store(ctx context.Context, bucket, key string, src io.Reader, opts StoreOptions, etag string) (*StoreResult, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	sums, err := newChecksumSet(requestedAlgorithms(opts.Expected, opts.Algorithm))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	digest := md5.New()
	if _, err := io.Copy(io.MultiWriter(&buf, digest, sums), &contextReader{ctx: ctx, r: src}); err != nil {
		return nil, err
	}

	computed := sums.Sums()
	if err := verifyChecksums(opts.Expected, computed); err != nil {
		return nil, err
	}
	if etag == "" {
		etag = hex.EncodeToString(digest.Sum(nil))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	objects[key] = &memoryObject{data: buf.Bytes(), etag: etag, modTime: time.Now()}

	return &StoreResult{Size: int64(buf.Len()), ETag: etag, Checksums: computed}, nil
}

// Store implements DataStorage.
func (s *MemoryDataStorage) Store(ctx context.Context, bucket, key string, src io.Reader, opts StoreOptions) (*StoreResult, error) {
	return s.store(ctx, bucket, key, src, opts, "")
}

// StoreMultipart implements DataStorage.
func (s *MemoryDataStorage) StoreMultipart(ctx context.Context, bucket, key string, src io.Reader, etag string) (*StoreResult, error) {
	return s.store(ctx, bucket, key, src, StoreOptions{}, etag)
}

func (s *MemoryDataStorage) lookup(bucket, key string) (*memoryObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	obj, ok := objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// WriteToSink implements DataStorage.
func (s *MemoryDataStorage) WriteToSink(ctx context.Context, bucket, key string, sink io.Writer, rng *ByteRange) (int64, error) {
	obj, err := s.lookup(bucket, key)
	if err != nil {
		return 0, err
	}
	data := obj.data
	if rng != nil {
		size := int64(len(data))
		start, end := rng.Start, rng.End
		if start < 0 || end < start || start >= size {
			return 0, ErrInvalidRange
		}
		if end >= size {
			end = size - 1
		}
		data = data[start : end+1]
	}
	n, err := sink.Write(data)
	return int64(n), err
}

// Copy implements DataStorage.
func (s *MemoryDataStorage) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*StoreResult, error) {
	obj, err := s.lookup(srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	return s.Store(ctx, dstBucket, dstKey, bytes.NewReader(obj.data), StoreOptions{})
}

// Delete implements DataStorage.
func (s *MemoryDataStorage) Delete(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return false, nil
	}
	if _, ok := objects[key]; !ok {
		return false, nil
	}
	delete(objects, key)
	return true, nil
}

// Exists implements DataStorage.
func (s *MemoryDataStorage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.lookup(bucket, key)
	if err != nil {
		if err == ErrObjectNotFound || err == ErrBucketNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetDataInfo implements DataStorage.
func (s *MemoryDataStorage) GetDataInfo(ctx context.Context, bucket, key string) (*DataInfo, error) {
	obj, err := s.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return &DataInfo{Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

// ComputeETag implements DataStorage.
func (s *MemoryDataStorage) ComputeETag(ctx context.Context, bucket, key string) (string, error) {
	obj, err := s.lookup(bucket, key)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(obj.data)
	return hex.EncodeToString(sum[:]), nil
}

// CreateBucketDir implements DataStorage.
func (s *MemoryDataStorage) CreateBucketDir(ctx context.Context, bucket string) error {
	if err := ValidateBucketName(bucket); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]*memoryObject)
	}
	return nil
}

// RemoveBucketDir implements DataStorage.
func (s *MemoryDataStorage) RemoveBucketDir(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucket)
	return nil
}

// ListKeys implements DataStorage. The in-memory store has no native
// enumeration order, so both bucket types list lexicographically.
func (s *MemoryDataStorage) ListKeys(ctx context.Context, bucket string, bucketType BucketType, q ListQuery) (*ListResult, error) {
	s.mu.RLock()
	objects, ok := s.buckets[bucket]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrBucketNotFound
	}
	keys := make([]string, 0, len(objects))
	for key := range objects {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return groupKeys(keys, q), nil
}
