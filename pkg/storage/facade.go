package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/lock"
)

// DefaultContentType is applied when neither the client, the key suffix,
// nor content sniffing yields a type.
const DefaultContentType = "application/octet-stream"

// sniffLimit is how many leading bytes content-type detection reads.
const sniffLimit = 3072

// PutOptions parameterizes a facade PutObject.
type PutOptions struct {
	ContentType      string
	UserMetadata     map[string]string
	Expected         Checksums
	Algorithm        ChecksumAlgorithm
	OwnerID          string
	OwnerDisplayName string

	// Chunked marks the body as aws-chunked; it is decoded and, when
	// Validator is set, every chunk signature is verified against the
	// rolling chain.
	Chunked   bool
	Validator *auth.ChunkValidator
}

// CopyOptions parameterizes a facade CopyObject.
type CopyOptions struct {
	// ReplaceMetadata applies ContentType and UserMetadata instead of
	// carrying the source's.
	ReplaceMetadata bool
	ContentType     string
	UserMetadata    map[string]string
}

// ObjectListing is a hydrated object listing.
type ObjectListing struct {
	Objects        []S3ObjectInfo
	CommonPrefixes []string
	Truncated      bool
	NextStartAfter string
}

// Facade orchestrates the storage subsystems behind one object API. It
// owns the per-path reader/writer locking; the stores beneath it are
// lock-free.
type Facade struct {
	Buckets   BucketStorage
	Data      DataStorage
	Metadata  MetadataStorage
	Multipart *MultipartStorage

	locks  lock.Manager
	logger *logrus.Logger
}

// NewFacade wires the storage subsystems together.
func NewFacade(buckets BucketStorage, data DataStorage, meta MetadataStorage, multipart *MultipartStorage, locks lock.Manager, logger *logrus.Logger) *Facade {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Facade{
		Buckets:   buckets,
		Data:      data,
		Metadata:  meta,
		Multipart: multipart,
		locks:     locks,
		logger:    logger,
	}
}

func objectLockPath(bucket, key string) string {
	return "/" + bucket + "/" + key
}

// trailerGate turns an invalid trailer signature into a read error, so a
// streaming put fails before the object is published.
type trailerGate struct {
	parser *auth.ChunkedParser
}

func (g *trailerGate) Read(p []byte) (int, error) {
	n, err := g.parser.Read(p)
	if err == io.EOF && !g.parser.TrailersValid() {
		return n, auth.NewError("SignatureDoesNotMatch", "trailer signature mismatch")
	}
	return n, err
}

// PutObject stores an object and publishes its metadata. aws-chunked
// bodies are decoded inline; any chunk or trailer signature failure
// aborts the write before the object becomes visible.
func (f *Facade) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (*S3ObjectInfo, error) {
	if ok, err := f.Buckets.Exists(ctx, bucket); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}

	src := body
	if opts.Chunked {
		src = &trailerGate{parser: auth.NewChunkedParser(body, opts.Validator)}
	}

	var info *S3ObjectInfo
	err := f.locks.Write(ctx, objectLockPath(bucket, key), func() error {
		result, err := f.Data.Store(ctx, bucket, key, src, StoreOptions{
			Expected:  opts.Expected,
			Algorithm: opts.Algorithm,
		})
		if err != nil {
			return err
		}
		contentType, err := f.resolveContentType(ctx, bucket, key, opts.ContentType)
		if err != nil {
			return err
		}
		info = &S3ObjectInfo{
			Key:              key,
			Size:             result.Size,
			LastModified:     time.Now(),
			ETag:             result.ETag,
			ContentType:      contentType,
			UserMetadata:     opts.UserMetadata,
			OwnerID:          opts.OwnerID,
			OwnerDisplayName: opts.OwnerDisplayName,
			Checksums:        result.Checksums,
		}
		return f.Metadata.Store(ctx, bucket, key, info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// resolveContentType prefers the client's type, then the key suffix, then
// a sniff of the stored bytes.
func (f *Facade) resolveContentType(ctx context.Context, bucket, key, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if ext := path.Ext(key); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt, nil
		}
	}
	var head bytes.Buffer
	_, err := f.Data.WriteToSink(ctx, bucket, key, &head, &ByteRange{Start: 0, End: sniffLimit - 1})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrInvalidRange) {
			// Zero-byte objects have no bytes to sniff.
			return DefaultContentType, nil
		}
		return "", err
	}
	return mimetype.Detect(head.Bytes()).String(), nil
}

// GetObject looks an object up and, when sink is non-nil, streams its
// bytes (or the requested range) into it. Metadata is synthesized from
// the stored bytes when no record exists; missing data means the object
// does not exist no matter what metadata says.
func (f *Facade) GetObject(ctx context.Context, bucket, key string, sink io.Writer, rng *ByteRange) (*S3ObjectInfo, error) {
	if ok, err := f.Buckets.Exists(ctx, bucket); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}

	var info *S3ObjectInfo
	err := f.locks.Read(ctx, objectLockPath(bucket, key), func() error {
		var err error
		info, err = f.lookupObject(ctx, bucket, key)
		if err != nil {
			return err
		}
		if sink == nil {
			return nil
		}
		_, err = f.Data.WriteToSink(ctx, bucket, key, sink, rng)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// HeadObject is GetObject without a body.
func (f *Facade) HeadObject(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	return f.GetObject(ctx, bucket, key, nil, nil)
}

// lookupObject resolves the object's info, synthesizing defaults when no
// metadata record exists.
func (f *Facade) lookupObject(ctx context.Context, bucket, key string) (*S3ObjectInfo, error) {
	info, err := f.Metadata.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if info != nil {
		if info.ContentType == "" {
			info.ContentType = DefaultContentType
		}
		return info, nil
	}

	dataInfo, err := f.Data.GetDataInfo(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	etag, err := f.Data.ComputeETag(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &S3ObjectInfo{
		Key:          key,
		Size:         dataInfo.Size,
		LastModified: dataInfo.ModTime,
		ETag:         etag,
		ContentType:  DefaultContentType,
	}, nil
}

// DeleteBucket removes an empty bucket along with any metadata records
// still filed under it.
func (f *Facade) DeleteBucket(ctx context.Context, bucket string) error {
	if err := f.Buckets.Delete(ctx, bucket); err != nil {
		return err
	}
	return f.Metadata.DeleteBucket(ctx, bucket)
}

// DeleteObject removes the object's bytes and metadata; it reports
// whether either existed.
func (f *Facade) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	if ok, err := f.Buckets.Exists(ctx, bucket); err != nil {
		return false, err
	} else if !ok {
		return false, ErrBucketNotFound
	}

	existed := false
	err := f.locks.Write(ctx, objectLockPath(bucket, key), func() error {
		dataExisted, err := f.Data.Delete(ctx, bucket, key)
		if err != nil {
			return err
		}
		metaExisted, err := f.Metadata.Delete(ctx, bucket, key)
		if err != nil {
			return err
		}
		existed = dataExisted || metaExisted
		return nil
	})
	return existed, err
}

// DeleteMultipleObjects deletes each named object best-effort. In quiet
// mode the deleted list is suppressed and only errors are reported.
func (f *Facade) DeleteMultipleObjects(ctx context.Context, bucket string, ids []ObjectIdentifier, quiet bool) (*DeleteOutcome, error) {
	if ok, err := f.Buckets.Exists(ctx, bucket); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}

	outcome := &DeleteOutcome{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := f.DeleteObject(ctx, bucket, id.Key); err != nil {
			outcome.Errors = append(outcome.Errors, DeleteError{
				Key:     id.Key,
				Code:    deleteErrorCode(err),
				Message: err.Error(),
			})
			continue
		}
		if !quiet {
			outcome.Deleted = append(outcome.Deleted, id.Key)
		}
	}
	return outcome, nil
}

// deleteErrorCode maps a per-key deletion failure onto its S3 error code.
func deleteErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidObjectKey):
		return "InvalidArgument"
	case errors.Is(err, ErrBucketNotFound):
		return "NoSuchBucket"
	case errors.Is(err, ErrObjectNotFound):
		return "NoSuchKey"
	default:
		return "InternalError"
	}
}

// ListObjects lists keys via the data store and hydrates each entry's
// metadata, synthesizing a record where none is stored.
func (f *Facade) ListObjects(ctx context.Context, bucket string, q ListQuery) (*ObjectListing, error) {
	bucketInfo, err := f.Buckets.Get(ctx, bucket)
	if err != nil {
		return nil, err
	}

	keys, err := f.Data.ListKeys(ctx, bucket, bucketInfo.Type, q)
	if err != nil {
		return nil, err
	}

	listing := &ObjectListing{
		CommonPrefixes: keys.CommonPrefixes,
		Truncated:      keys.Truncated,
		NextStartAfter: keys.NextStartAfter,
	}
	for _, key := range keys.Keys {
		var info *S3ObjectInfo
		err := f.locks.Read(ctx, objectLockPath(bucket, key), func() error {
			var err error
			info, err = f.lookupObject(ctx, bucket, key)
			return err
		})
		if err != nil {
			if err == ErrObjectNotFound {
				// Deleted between enumeration and hydration.
				continue
			}
			return nil, err
		}
		listing.Objects = append(listing.Objects, *info)
	}
	return listing, nil
}

// CopyObject streams the source object into the destination and writes
// the destination metadata in one write-locked step.
func (f *Facade) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, opts CopyOptions) (*S3ObjectInfo, error) {
	for _, b := range []string{srcBucket, dstBucket} {
		if ok, err := f.Buckets.Exists(ctx, b); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrBucketNotFound
		}
	}

	var info *S3ObjectInfo
	copyStep := func() error {
		srcInfo, err := f.lookupObject(ctx, srcBucket, srcKey)
		if err != nil {
			return err
		}
		result, err := f.Data.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey)
		if err != nil {
			return err
		}
		contentType := srcInfo.ContentType
		userMetadata := srcInfo.UserMetadata
		if opts.ReplaceMetadata {
			contentType = opts.ContentType
			userMetadata = opts.UserMetadata
		}
		if contentType == "" {
			contentType = DefaultContentType
		}
		info = &S3ObjectInfo{
			Key:          dstKey,
			Size:         result.Size,
			LastModified: time.Now(),
			ETag:         result.ETag,
			ContentType:  contentType,
			UserMetadata: userMetadata,
			Checksums:    result.Checksums,
		}
		return f.Metadata.Store(ctx, dstBucket, dstKey, info)
	}

	srcPath := objectLockPath(srcBucket, srcKey)
	dstPath := objectLockPath(dstBucket, dstKey)
	var err error
	if srcPath == dstPath {
		err = f.locks.Write(ctx, dstPath, copyStep)
	} else {
		err = f.locks.Read(ctx, srcPath, func() error {
			return f.locks.Write(ctx, dstPath, copyStep)
		})
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// InitiateMultipart starts a multipart upload.
func (f *Facade) InitiateMultipart(ctx context.Context, bucket, key string, params InitiateParams) (*MultipartUpload, error) {
	if ok, err := f.Buckets.Exists(ctx, bucket); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}
	return f.Multipart.Initiate(ctx, bucket, key, params)
}

// UploadPart stores one part, decoding aws-chunked bodies like PutObject.
func (f *Facade) UploadPart(ctx context.Context, bucket, uploadID string, partNumber int, body io.Reader, opts PutOptions) (*UploadPart, error) {
	src := body
	if opts.Chunked {
		src = &trailerGate{parser: auth.NewChunkedParser(body, opts.Validator)}
	}
	return f.Multipart.UploadPart(ctx, bucket, uploadID, partNumber, src, StoreOptions{
		Expected:  opts.Expected,
		Algorithm: opts.Algorithm,
	})
}

// CompleteMultipart assembles the upload under the destination's write
// lock and publishes the object.
func (f *Facade) CompleteMultipart(ctx context.Context, bucket, uploadID string, parts []CompletedPart) (*S3ObjectInfo, error) {
	upload, err := f.Multipart.GetUpload(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}
	var info *S3ObjectInfo
	err = f.locks.Write(ctx, objectLockPath(bucket, upload.Key), func() error {
		var err error
		info, err = f.Multipart.Complete(ctx, bucket, uploadID, parts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// AbortMultipart aborts an upload; aborting an unknown upload reports
// false without error.
func (f *Facade) AbortMultipart(ctx context.Context, bucket, uploadID string) (bool, error) {
	return f.Multipart.Abort(ctx, bucket, uploadID)
}
