package storage

import (
	"context"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// BoltMetadata stores metadata records in a single bbolt file, one bolt
// bucket per storage bucket, key bytes mapping to the JSON record.
type BoltMetadata struct {
	db *bolt.DB
}

// NewBoltMetadata opens (or creates) the bbolt file at path.
func NewBoltMetadata(path string) (*BoltMetadata, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	return &BoltMetadata{db: db}, nil
}

// Store implements MetadataStorage.
func (m *BoltMetadata) Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
}

// Get implements MetadataStorage.
func (m *BoltMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	var info *S3ObjectInfo
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		encoded := b.Get([]byte(key))
		if encoded == nil {
			return nil
		}
		info = &S3ObjectInfo{}
		return json.Unmarshal(encoded, info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Delete implements MetadataStorage.
func (m *BoltMetadata) Delete(ctx context.Context, bucket, key string) (bool, error) {
	existed := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

// DeleteBucket implements MetadataStorage.
func (m *BoltMetadata) DeleteBucket(ctx context.Context, bucket string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucket)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(bucket))
	})
}

// ListAll implements MetadataStorage.
func (m *BoltMetadata) ListAll(ctx context.Context) (MetadataIterator, error) {
	var refs []ObjectRef
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			bucket := string(name)
			return b.ForEach(func(k, _ []byte) error {
				refs = append(refs, ObjectRef{Bucket: bucket, Key: string(k)})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{refs: refs}, nil
}

// Close implements MetadataStorage.
func (m *BoltMetadata) Close() error {
	return m.db.Close()
}
