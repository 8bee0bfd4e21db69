package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// bucketRecordFile names the bucket record inside the reserved metadata
// directory. The leading dot keeps it out of the encoded-key namespace:
// encodeKeySegment escapes leading dots, so no object key (such as
// "bucket") can ever map onto it.
const bucketRecordFile = ".bucket.json"

// BucketStorage manages bucket records and their tag sets.
type BucketStorage interface {
	// Create records a new bucket; duplicates fail with
	// ErrBucketAlreadyExists.
	Create(ctx context.Context, info BucketInfo) error

	// Get returns the bucket record, or ErrBucketNotFound.
	Get(ctx context.Context, bucket string) (*BucketInfo, error)

	// Exists reports whether the bucket is recorded.
	Exists(ctx context.Context, bucket string) (bool, error)

	// Delete removes an empty bucket. A bucket still holding objects
	// fails with ErrBucketNotEmpty.
	Delete(ctx context.Context, bucket string) error

	// List returns all buckets ordered by name.
	List(ctx context.Context) ([]BucketInfo, error)

	// SetTags replaces the bucket's tag set.
	SetTags(ctx context.Context, bucket string, tags map[string]string) error
}

// FSBucketStorage keeps each bucket record as JSON inside the bucket's
// reserved metadata directory; the bucket exists exactly as long as its
// record does.
type FSBucketStorage struct {
	root string
	data DataStorage

	// mu serializes create/delete cycles so a duplicate create cannot
	// race past the existence check.
	mu sync.Mutex
}

// NewFSBucketStorage creates a bucket store over the data tree at root.
func NewFSBucketStorage(root string, data DataStorage) (*FSBucketStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSBucketStorage{root: root, data: data}, nil
}

func (s *FSBucketStorage) recordPath(bucket string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, inlineMetaDir, bucketRecordFile), nil
}

// Create implements BucketStorage.
func (s *FSBucketStorage) Create(ctx context.Context, info BucketInfo) error {
	path, err := s.recordPath(info.Name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return ErrBucketAlreadyExists
	}
	if info.CreationDate.IsZero() {
		info.CreationDate = time.Now()
	}
	if info.Type == "" {
		info.Type = BucketTypeGeneralPurpose
	}
	if err := s.data.CreateBucketDir(ctx, info.Name); err != nil {
		return err
	}
	return s.writeRecord(path, &info)
}

func (s *FSBucketStorage) writeRecord(path string, info *BucketInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(filepath.Dir(path), TempFilePrefix+uuid.NewString())
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get implements BucketStorage.
func (s *FSBucketStorage) Get(ctx context.Context, bucket string) (*BucketInfo, error) {
	path, err := s.recordPath(bucket)
	if err != nil {
		return nil, err
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}
	var info BucketInfo
	if err := json.Unmarshal(encoded, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Exists implements BucketStorage.
func (s *FSBucketStorage) Exists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.Get(ctx, bucket)
	if err != nil {
		if err == ErrBucketNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements BucketStorage.
func (s *FSBucketStorage) Delete(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(ctx, bucket); err != nil {
		return err
	}
	listing, err := s.data.ListKeys(ctx, bucket, BucketTypeGeneralPurpose, ListQuery{MaxKeys: 1})
	if err != nil {
		return err
	}
	if len(listing.Keys) > 0 || len(listing.CommonPrefixes) > 0 {
		return ErrBucketNotEmpty
	}
	return s.data.RemoveBucketDir(ctx, bucket)
}

// List implements BucketStorage.
func (s *FSBucketStorage) List(ctx context.Context) ([]BucketInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var buckets []BucketInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || isReservedName(entry.Name()) {
			continue
		}
		info, err := s.Get(ctx, entry.Name())
		if err != nil {
			continue
		}
		buckets = append(buckets, *info)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Name < buckets[j].Name
	})
	return buckets, nil
}

// SetTags implements BucketStorage.
func (s *FSBucketStorage) SetTags(ctx context.Context, bucket string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.Get(ctx, bucket)
	if err != nil {
		return err
	}
	info.Tags = tags
	path, err := s.recordPath(bucket)
	if err != nil {
		return err
	}
	return s.writeRecord(path, info)
}

// MemoryBucketStorage is an in-memory BucketStorage.
type MemoryBucketStorage struct {
	mu      sync.Mutex
	data    DataStorage
	buckets map[string]*BucketInfo
}

// NewMemoryBucketStorage creates an empty in-memory bucket store.
func NewMemoryBucketStorage(data DataStorage) *MemoryBucketStorage {
	return &MemoryBucketStorage{data: data, buckets: make(map[string]*BucketInfo)}
}

// Create implements BucketStorage.
func (s *MemoryBucketStorage) Create(ctx context.Context, info BucketInfo) error {
	if err := ValidateBucketName(info.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[info.Name]; ok {
		return ErrBucketAlreadyExists
	}
	if info.CreationDate.IsZero() {
		info.CreationDate = time.Now()
	}
	if info.Type == "" {
		info.Type = BucketTypeGeneralPurpose
	}
	if err := s.data.CreateBucketDir(ctx, info.Name); err != nil {
		return err
	}
	clone := info
	s.buckets[info.Name] = &clone
	return nil
}

// Get implements BucketStorage.
func (s *MemoryBucketStorage) Get(ctx context.Context, bucket string) (*BucketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	clone := *info
	return &clone, nil
}

// Exists implements BucketStorage.
func (s *MemoryBucketStorage) Exists(ctx context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

// Delete implements BucketStorage.
func (s *MemoryBucketStorage) Delete(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		return ErrBucketNotFound
	}
	listing, err := s.data.ListKeys(ctx, bucket, BucketTypeGeneralPurpose, ListQuery{MaxKeys: 1})
	if err != nil {
		return err
	}
	if len(listing.Keys) > 0 || len(listing.CommonPrefixes) > 0 {
		return ErrBucketNotEmpty
	}
	if err := s.data.RemoveBucketDir(ctx, bucket); err != nil {
		return err
	}
	delete(s.buckets, bucket)
	return nil
}

// List implements BucketStorage.
func (s *MemoryBucketStorage) List(ctx context.Context) ([]BucketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets := make([]BucketInfo, 0, len(s.buckets))
	for _, info := range s.buckets {
		buckets = append(buckets, *info)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Name < buckets[j].Name
	})
	return buckets, nil
}

// SetTags implements BucketStorage.
func (s *MemoryBucketStorage) SetTags(ctx context.Context, bucket string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.buckets[bucket]
	if !ok {
		return ErrBucketNotFound
	}
	info.Tags = tags
	return nil
}
