package storage

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const metaFileSuffix = ".json"

// FSMetadata stores metadata as JSON files. In sidecar mode the files live
// in a tree of their own, mirroring the data layout:
//
//	<root>/<bucket>/<encoded key>.json
//
// In inline mode they live inside the data tree, under the reserved
// per-bucket directory:
//
//	<data root>/<bucket>/.lamina-meta/<encoded key>.json
type FSMetadata struct {
	root   string
	inline bool
}

// NewFSMetadata creates a sidecar-tree metadata store rooted at root.
func NewFSMetadata(root string) (*FSMetadata, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSMetadata{root: root}, nil
}

// NewInlineMetadata creates a metadata store living inside the data tree
// rooted at dataRoot.
func NewInlineMetadata(dataRoot string) (*FSMetadata, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, err
	}
	return &FSMetadata{root: dataRoot, inline: true}, nil
}

func (m *FSMetadata) entryPath(bucket, key string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	encoded := filepath.FromSlash(encodeKeyPath(key)) + metaFileSuffix
	if m.inline {
		return filepath.Join(m.root, bucket, inlineMetaDir, encoded), nil
	}
	return filepath.Join(m.root, bucket, encoded), nil
}

// Store implements MetadataStorage. The record is written to a temp file
// and renamed so a concurrent Get never reads a torn JSON document.
func (m *FSMetadata) Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error {
	path, err := m.entryPath(bucket, key)
	if err != nil {
		return err
	}
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

// Get implements MetadataStorage.
func (m *FSMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	path, err := m.entryPath(bucket, key)
	if err != nil {
		return nil, err
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info S3ObjectInfo
	if err := json.Unmarshal(encoded, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete implements MetadataStorage.
func (m *FSMetadata) Delete(ctx context.Context, bucket, key string) (bool, error) {
	path, err := m.entryPath(bucket, key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBucket implements MetadataStorage.
func (m *FSMetadata) DeleteBucket(ctx context.Context, bucket string) error {
	if err := ValidateBucketName(bucket); err != nil {
		return err
	}
	if m.inline {
		return os.RemoveAll(filepath.Join(m.root, bucket, inlineMetaDir))
	}
	return os.RemoveAll(filepath.Join(m.root, bucket))
}

// ListAll implements MetadataStorage. The tree is walked up front; the
// iterator then serves refs lazily.
func (m *FSMetadata) ListAll(ctx context.Context) (MetadataIterator, error) {
	buckets, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}

	var refs []ObjectRef
	for _, bucketEntry := range buckets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !bucketEntry.IsDir() || isReservedName(bucketEntry.Name()) {
			continue
		}
		bucket := bucketEntry.Name()
		base := filepath.Join(m.root, bucket)
		if m.inline {
			base = filepath.Join(base, inlineMetaDir)
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if d.IsDir() {
				if path != base && isReservedName(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			// Encoded key files never start with a literal dot, so
			// dot-prefixed entries (the bucket record among them) are
			// bookkeeping, not object metadata.
			if strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), metaFileSuffix) {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil
			}
			key, err := decodePath(strings.TrimSuffix(filepath.ToSlash(rel), metaFileSuffix))
			if err != nil {
				return nil
			}
			refs = append(refs, ObjectRef{Bucket: bucket, Key: key})
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}
	return &sliceIterator{refs: refs}, nil
}

// Close implements MetadataStorage.
func (m *FSMetadata) Close() error {
	return nil
}
