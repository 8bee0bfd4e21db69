package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ObjectRef names one object across all buckets.
type ObjectRef struct {
	Bucket string
	Key    string
}

// MetadataIterator is a pull iterator over metadata entries. Next returns
// nil once the iteration is exhausted.
type MetadataIterator interface {
	Next(ctx context.Context) (*ObjectRef, error)
	Close() error
}

// MetadataStorage maps (bucket, key) to an S3ObjectInfo record. All
// backends share this contract; staleness repair lives in
// RepairingMetadata, not in the backends.
type MetadataStorage interface {
	// Store writes the record, overwriting any previous one.
	Store(ctx context.Context, bucket, key string, info *S3ObjectInfo) error

	// Get returns the stored record, or nil when none exists.
	Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error)

	// Delete removes the record; it reports whether one existed.
	Delete(ctx context.Context, bucket, key string) (bool, error)

	// DeleteBucket drops every record of one bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// ListAll iterates lazily over every (bucket, key) pair.
	ListAll(ctx context.Context) (MetadataIterator, error)

	// Close releases backend resources.
	Close() error
}

// DataProbe is the one-way edge from metadata to data: just enough of the
// data store to detect and repair stale records.
type DataProbe interface {
	GetDataInfo(ctx context.Context, bucket, key string) (*DataInfo, error)
	ComputeETag(ctx context.Context, bucket, key string) (string, error)
}

// RepairingMetadata wraps a MetadataStorage and reconciles records with
// the stored bytes on read. A record whose data is gone is treated as
// orphaned and reported missing. A record older than the data's mtime is
// stale: the ETag is recomputed from the bytes and the recorded checksums
// are dropped, since they described bytes that no longer exist.
type RepairingMetadata struct {
	MetadataStorage
	probe  DataProbe
	logger *logrus.Logger
}

// NewRepairingMetadata wires a data probe into a metadata backend.
func NewRepairingMetadata(inner MetadataStorage, probe DataProbe, logger *logrus.Logger) *RepairingMetadata {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RepairingMetadata{MetadataStorage: inner, probe: probe, logger: logger}
}

// Get implements MetadataStorage with stale detection.
func (m *RepairingMetadata) Get(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	info, err := m.MetadataStorage.Get(ctx, bucket, key)
	if err != nil || info == nil {
		return info, err
	}

	dataInfo, err := m.probe.GetDataInfo(ctx, bucket, key)
	if err != nil {
		if err == ErrObjectNotFound {
			return nil, nil
		}
		return nil, err
	}

	if !dataInfo.ModTime.After(info.LastModified) {
		return info, nil
	}

	repaired := *info
	repaired.Size = dataInfo.Size
	repaired.LastModified = dataInfo.ModTime
	repaired.Checksums = Checksums{}
	etag, err := m.probe.ComputeETag(ctx, bucket, key)
	if err != nil {
		// Keep the stored ETag when recomputation fails; the dropped
		// checksums still stop stale digests from leaking out.
		m.logger.WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).WithError(err).Warn("stale metadata: etag recompute failed")
	} else {
		repaired.ETag = etag
	}
	m.logger.WithFields(logrus.Fields{
		"bucket":        bucket,
		"key":           key,
		"data_mtime":    dataInfo.ModTime.Format(time.RFC3339Nano),
		"last_modified": info.LastModified.Format(time.RFC3339Nano),
	}).Info("repaired stale metadata")
	return &repaired, nil
}

// sliceIterator serves pre-collected refs, honoring cancellation.
type sliceIterator struct {
	refs []ObjectRef
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (*ObjectRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.refs) {
		return nil, nil
	}
	ref := it.refs[it.pos]
	it.pos++
	return &ref, nil
}

func (it *sliceIterator) Close() error {
	return nil
}
