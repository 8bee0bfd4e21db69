package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryMetadata is an in-memory MetadataStorage.
type MemoryMetadata struct {
	mu      sync.RWMutex
	entries map[ObjectRef]*S3ObjectInfo
}

// NewMemoryMetadata creates an empty in-memory metadata store.
func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{entries: make(map[ObjectRef]*S3ObjectInfo)}
}

// Store implements MetadataStorage.
func (m *MemoryMetadata) Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error {
	clone := *info
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ObjectRef{Bucket: bucket, Key: key}] = &clone
	return nil
}

// Get implements MetadataStorage.
func (m *MemoryMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entries[ObjectRef{Bucket: bucket, Key: key}]
	if !ok {
		return nil, nil
	}
	clone := *info
	return &clone, nil
}

// Delete implements MetadataStorage.
func (m *MemoryMetadata) Delete(ctx context.Context, bucket, key string) (bool, error) {
	ref := ObjectRef{Bucket: bucket, Key: key}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[ref]; !ok {
		return false, nil
	}
	delete(m.entries, ref)
	return true, nil
}

// DeleteBucket implements MetadataStorage.
func (m *MemoryMetadata) DeleteBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range m.entries {
		if ref.Bucket == bucket {
			delete(m.entries, ref)
		}
	}
	return nil
}

// ListAll implements MetadataStorage.
func (m *MemoryMetadata) ListAll(ctx context.Context) (MetadataIterator, error) {
	m.mu.RLock()
	refs := make([]ObjectRef, 0, len(m.entries))
	for ref := range m.entries {
		refs = append(refs, ref)
	}
	m.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Bucket != refs[j].Bucket {
			return refs[i].Bucket < refs[j].Bucket
		}
		return refs[i].Key < refs[j].Key
	})
	return &sliceIterator{refs: refs}, nil
}

// Close implements MetadataStorage.
func (m *MemoryMetadata) Close() error {
	return nil
}
