package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/xattr"
)

// XattrMetadata stores each record as a POSIX extended attribute directly
// on the object's data file. Deleting the data file deletes the record
// with it, so orphaned metadata cannot occur in this mode.
type XattrMetadata struct {
	dataRoot string
	attrName string
}

// NewXattrMetadata creates an xattr metadata store over the data tree at
// dataRoot. The attribute name defaults to "user.lamina.object" when
// attrName is empty. The filesystem is probed up front; filesystems
// without extended attribute support are refused at construction, not at
// first write.
func NewXattrMetadata(dataRoot, attrName string) (*XattrMetadata, error) {
	if attrName == "" {
		attrName = "user.lamina.object"
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, err
	}
	if err := probeXattr(dataRoot, attrName); err != nil {
		return nil, fmt.Errorf("xattr metadata unavailable on %s: %w", dataRoot, err)
	}
	return &XattrMetadata{dataRoot: dataRoot, attrName: attrName}, nil
}

func probeXattr(root, attrName string) error {
	probePath := filepath.Join(root, TempFilePrefix+uuid.NewString())
	if err := os.WriteFile(probePath, nil, 0o600); err != nil {
		return err
	}
	defer os.Remove(probePath)
	if err := xattr.Set(probePath, attrName, []byte("probe")); err != nil {
		return err
	}
	_, err := xattr.Get(probePath, attrName)
	return err
}

func (m *XattrMetadata) dataPath(bucket, key string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(m.dataRoot, bucket, filepath.FromSlash(encodeKeyPath(key))), nil
}

// Store implements MetadataStorage. The data file must already exist;
// attributes cannot outlive their file.
func (m *XattrMetadata) Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error {
	path, err := m.dataPath(bucket, key)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return xattr.Set(path, m.attrName, encoded)
}

// Get implements MetadataStorage.
func (m *XattrMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	path, err := m.dataPath(bucket, key)
	if err != nil {
		return nil, err
	}
	encoded, err := xattr.Get(path, m.attrName)
	if err != nil {
		if isXattrNotFound(err) {
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
func (m *XattrMetadata) Delete(ctx context.Context, bucket, key string) (bool, error) {
	path, err := m.dataPath(bucket, key)
	if err != nil {
		return false, err
	}
	if _, err := xattr.Get(path, m.attrName); err != nil {
		if isXattrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := xattr.Remove(path, m.attrName); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteBucket implements MetadataStorage. Attributes die with their
// files, so there is nothing to clean up beyond the data tree itself.
func (m *XattrMetadata) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

// ListAll implements MetadataStorage. Every data file carrying the
// attribute is a record.
func (m *XattrMetadata) ListAll(ctx context.Context) (MetadataIterator, error) {
	buckets, err := os.ReadDir(m.dataRoot)
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
		base := filepath.Join(m.dataRoot, bucket)
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
			if isReservedName(d.Name()) {
				return nil
			}
			if _, err := xattr.Get(path, m.attrName); err != nil {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil
			}
			key, err := decodePath(filepath.ToSlash(rel))
			if err != nil {
				return nil
			}
			refs = append(refs, ObjectRef{Bucket: bucket, Key: key})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &sliceIterator{refs: refs}, nil
}

// Close implements MetadataStorage.
func (m *XattrMetadata) Close() error {
	return nil
}

func isXattrNotFound(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		return os.IsNotExist(xerr.Err) || xerr.Err == xattr.ENOATTR
	}
	return false
}
