package storage

import (
	"context"
	"io"
)

// StoreOptions carries the optional checksum inputs of a data store write.
type StoreOptions struct {
	// Expected holds client-provided checksums to verify against; a
	// mismatch fails the write with ErrBadDigest.
	Expected Checksums
	// Algorithm optionally requests one additional checksum to compute
	// and record even when the client provided none.
	Algorithm ChecksumAlgorithm
}

// DataStorage stores and retrieves raw object bytes. It knows nothing
// about object metadata; existence and info queries go straight to the
// stored bytes.
type DataStorage interface {
	// Store streams src into (bucket, key), computing the MD5 ETag and
	// any requested checksums in a single pass. The destination becomes
	// observable only after the write completes in full.
	Store(ctx context.Context, bucket, key string, src io.Reader, opts StoreOptions) (*StoreResult, error)

	// StoreMultipart streams src into (bucket, key) like Store but records
	// the pre-composed multipart ETag instead of computing an MD5.
	StoreMultipart(ctx context.Context, bucket, key string, src io.Reader, etag string) (*StoreResult, error)

	// WriteToSink streams the stored bytes, or the inclusive byte range
	// when rng is non-nil, into sink. A range beyond the stored size
	// fails with ErrInvalidRange.
	WriteToSink(ctx context.Context, bucket, key string, sink io.Writer, rng *ByteRange) (int64, error)

	// Copy streams the source object into a fresh store of the
	// destination, recomputing the ETag on the way.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*StoreResult, error)

	// Delete removes the stored bytes; it reports whether they existed.
	Delete(ctx context.Context, bucket, key string) (bool, error)

	// Exists reports whether bytes are stored for (bucket, key).
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// GetDataInfo returns the size and modification time of the stored
	// bytes, or ErrObjectNotFound.
	GetDataInfo(ctx context.Context, bucket, key string) (*DataInfo, error)

	// ComputeETag re-reads the stored bytes and returns their MD5 hex.
	ComputeETag(ctx context.Context, bucket, key string) (string, error)

	// ListKeys enumerates keys under the query. General-purpose buckets
	// list in lexicographic order; directory buckets list in native
	// enumeration order.
	ListKeys(ctx context.Context, bucket string, bucketType BucketType, q ListQuery) (*ListResult, error)

	// CreateBucketDir prepares backing storage for a new bucket.
	CreateBucketDir(ctx context.Context, bucket string) error

	// RemoveBucketDir tears down a bucket's backing storage. The caller
	// is responsible for checking emptiness first.
	RemoveBucketDir(ctx context.Context, bucket string) error
}
