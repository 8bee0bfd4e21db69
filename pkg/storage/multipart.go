package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const uploadRecordFile = "upload.json"

// InitiateParams are the caller-supplied attributes of a new multipart
// upload, inherited by the published object on completion.
type InitiateParams struct {
	ContentType       string
	UserMetadata      map[string]string
	ChecksumAlgorithm ChecksumAlgorithm
	OwnerID           string
	OwnerDisplayName  string
}

// MultipartStorage manages in-progress multipart uploads. Parts live on
// the local filesystem under <root>/<bucket>/.lamina-mpu/<upload id>/<n>;
// completion publishes through the data and metadata stores, so the final
// object lands wherever those are backed.
type MultipartStorage struct {
	root   string
	data   DataStorage
	meta   MetadataStorage
	logger *logrus.Logger

	// mu serializes read-modify-write cycles on upload records.
	mu sync.Mutex
}

// NewMultipartStorage creates a multipart store rooted at root.
func NewMultipartStorage(root string, data DataStorage, meta MetadataStorage, logger *logrus.Logger) (*MultipartStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MultipartStorage{root: root, data: data, meta: meta, logger: logger}, nil
}

func (m *MultipartStorage) uploadDir(bucket, uploadID string) (string, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	if uploadID == "" || filepath.Base(uploadID) != uploadID {
		return "", ErrNoSuchUpload
	}
	return filepath.Join(m.root, bucket, multipartDir, uploadID), nil
}

func (m *MultipartStorage) loadRecord(bucket, uploadID string) (*MultipartUpload, string, error) {
	dir, err := m.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, "", err
	}
	upload, err := readUploadRecord(filepath.Join(dir, uploadRecordFile))
	if err != nil {
		return nil, "", err
	}
	return upload, dir, nil
}

// Initiate allocates a fresh upload ID and records the upload. No object
// becomes visible.
func (m *MultipartStorage) Initiate(ctx context.Context, bucket, key string, params InitiateParams) (*MultipartUpload, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	upload := &MultipartUpload{
		UploadID:          uuid.NewString(),
		Bucket:            bucket,
		Key:               key,
		Initiated:         time.Now(),
		ContentType:       params.ContentType,
		UserMetadata:      params.UserMetadata,
		ChecksumAlgorithm: params.ChecksumAlgorithm,
		OwnerID:           params.OwnerID,
		OwnerDisplayName:  params.OwnerDisplayName,
		Parts:             make(map[int]UploadPart),
	}

	dir, err := m.uploadDir(bucket, upload.UploadID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := writeUploadRecord(filepath.Join(dir, uploadRecordFile), upload); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return upload, nil
}

// UploadPart stores one part. Re-uploading a part number overwrites the
// previous bytes. No minimum part size is enforced here; small non-final
// parts are only rejected by stricter S3 implementations.
func (m *MultipartStorage) UploadPart(ctx context.Context, bucket, uploadID string, partNumber int, src io.Reader, opts StoreOptions) (*UploadPart, error) {
	if partNumber < 1 || partNumber > 10000 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartNumber, partNumber)
	}
	if _, _, err := m.loadRecord(bucket, uploadID); err != nil {
		return nil, err
	}
	dir, err := m.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}

	sums, err := newChecksumSet(requestedAlgorithms(opts.Expected, opts.Algorithm))
	if err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(dir, TempFilePrefix+uuid.NewString())
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
	if err := os.Rename(tmpPath, filepath.Join(dir, strconv.Itoa(partNumber))); err != nil {
		return nil, err
	}

	part := UploadPart{
		PartNumber:   partNumber,
		ETag:         hex.EncodeToString(digest.Sum(nil)),
		Size:         size,
		LastModified: time.Now(),
		Checksums:    computed,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	upload, _, err := m.loadRecord(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Parts == nil {
		upload.Parts = make(map[int]UploadPart)
	}
	upload.Parts[partNumber] = part
	if err := writeUploadRecord(filepath.Join(dir, uploadRecordFile), upload); err != nil {
		return nil, err
	}
	return &part, nil
}

// Complete validates the requested part list, assembles the parts in
// order into the data store, writes the object metadata, and tears the
// upload down. The published ETag is the multipart composition of the
// part MD5s.
func (m *MultipartStorage) Complete(ctx context.Context, bucket, uploadID string, parts []CompletedPart) (*S3ObjectInfo, error) {
	upload, dir, err := m.loadRecord(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	if len(upload.Parts) == 0 {
		return nil, ErrNoSuchUpload
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty part list", ErrInvalidPart)
	}

	partETags := make([]string, 0, len(parts))
	partPaths := make([]string, 0, len(parts))
	prev := 0
	for _, requested := range parts {
		if requested.PartNumber <= prev {
			return nil, fmt.Errorf("%w: part %d after %d", ErrInvalidPartOrder, requested.PartNumber, prev)
		}
		prev = requested.PartNumber
		stored, ok := upload.Parts[requested.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d not uploaded", ErrInvalidPart, requested.PartNumber)
		}
		if !ETagsEqual(requested.ETag, stored.ETag) {
			return nil, fmt.Errorf("%w: part %d etag mismatch", ErrInvalidPart, requested.PartNumber)
		}
		partETags = append(partETags, stored.ETag)
		partPaths = append(partPaths, filepath.Join(dir, strconv.Itoa(requested.PartNumber)))
	}

	etag, err := ComposeMultipartETag(partETags)
	if err != nil {
		return nil, err
	}

	reader := &fileConcatReader{paths: partPaths}
	defer reader.Close()
	result, err := m.data.StoreMultipart(ctx, bucket, upload.Key, reader, etag)
	if err != nil {
		return nil, err
	}

	info := &S3ObjectInfo{
		Key:              upload.Key,
		Size:             result.Size,
		LastModified:     time.Now(),
		ETag:             etag,
		ContentType:      upload.ContentType,
		UserMetadata:     upload.UserMetadata,
		OwnerID:          upload.OwnerID,
		OwnerDisplayName: upload.OwnerDisplayName,
	}
	if err := m.meta.Store(ctx, bucket, upload.Key, info); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"bucket":    bucket,
			"upload_id": uploadID,
		}).Warn("multipart cleanup failed")
	}
	return info, nil
}

// Abort deletes the parts and the upload record. Aborting an unknown
// upload is not an error; it reports false.
func (m *MultipartStorage) Abort(ctx context.Context, bucket, uploadID string) (bool, error) {
	dir, err := m.uploadDir(bucket, uploadID)
	if err != nil {
		if err == ErrNoSuchUpload {
			return false, nil
		}
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// ListUploads returns the bucket's in-progress uploads ordered by
// initiation time.
func (m *MultipartStorage) ListUploads(ctx context.Context, bucket string) ([]MultipartUpload, error) {
	if err := ValidateBucketName(bucket); err != nil {
		return nil, err
	}
	base := filepath.Join(m.root, bucket, multipartDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var uploads []MultipartUpload
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		upload, err := readUploadRecord(filepath.Join(base, entry.Name(), uploadRecordFile))
		if err != nil {
			continue
		}
		uploads = append(uploads, *upload)
	}
	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].Initiated.Before(uploads[j].Initiated)
	})
	return uploads, nil
}

// ListParts returns the stored parts of one upload ordered by part
// number.
func (m *MultipartStorage) ListParts(ctx context.Context, bucket, uploadID string) ([]UploadPart, error) {
	upload, _, err := m.loadRecord(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	parts := make([]UploadPart, 0, len(upload.Parts))
	for _, part := range upload.Parts {
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts, nil
}

// GetUpload returns the upload record, or ErrNoSuchUpload.
func (m *MultipartStorage) GetUpload(ctx context.Context, bucket, uploadID string) (*MultipartUpload, error) {
	upload, _, err := m.loadRecord(bucket, uploadID)
	return upload, err
}

// fileConcatReader streams a list of files back to back, opening each
// lazily so completing a 10000-part upload never holds 10000 descriptors.
type fileConcatReader struct {
	paths []string
	cur   *os.File
}

func (r *fileConcatReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.paths) == 0 {
				return 0, io.EOF
			}
			file, err := os.Open(r.paths[0])
			if err != nil {
				return 0, err
			}
			r.paths = r.paths[1:]
			r.cur = file
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *fileConcatReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

func readUploadRecord(path string) (*MultipartUpload, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}
	var upload MultipartUpload
	if err := json.Unmarshal(encoded, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}

func writeUploadRecord(path string, upload *MultipartUpload) error {
	encoded, err := json.Marshal(upload)
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
