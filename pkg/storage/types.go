// Package storage implements the Lamina object storage engine: a data-first
// split of object bytes and object metadata into independently addressable
// stores, multipart upload orchestration, and bucket management.
package storage

import (
	"time"
)

// BucketType selects listing semantics for a bucket.
type BucketType string

const (
	// BucketTypeGeneralPurpose lists keys in lexicographic order.
	BucketTypeGeneralPurpose BucketType = "GeneralPurpose"
	// BucketTypeDirectory lists keys in native enumeration order.
	BucketTypeDirectory BucketType = "Directory"
)

// BucketInfo describes a bucket.
type BucketInfo struct {
	Name             string            `json:"name"`
	CreationDate     time.Time         `json:"creationDate"`
	Type             BucketType        `json:"type"`
	StorageClass     string            `json:"storageClass,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	OwnerID          string            `json:"ownerId,omitempty"`
	OwnerDisplayName string            `json:"ownerDisplayName,omitempty"`
}

// Checksums carries the optional base64-encoded checksums of an object or
// part. Empty fields mean the checksum is not recorded.
type Checksums struct {
	CRC32     string `json:"crc32,omitempty"`
	CRC32C    string `json:"crc32c,omitempty"`
	CRC64NVME string `json:"crc64nvme,omitempty"`
	SHA1      string `json:"sha1,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// IsZero reports whether no checksum is recorded.
func (c Checksums) IsZero() bool {
	return c == Checksums{}
}

// ChecksumAlgorithm names a supported checksum algorithm.
type ChecksumAlgorithm string

const (
	ChecksumCRC32     ChecksumAlgorithm = "CRC32"
	ChecksumCRC32C    ChecksumAlgorithm = "CRC32C"
	ChecksumCRC64NVME ChecksumAlgorithm = "CRC64NVME"
	ChecksumSHA1      ChecksumAlgorithm = "SHA1"
	ChecksumSHA256    ChecksumAlgorithm = "SHA256"
)

// S3ObjectInfo is the metadata record of an object. The ETag is stored
// unquoted.
type S3ObjectInfo struct {
	Key              string            `json:"key"`
	Size             int64             `json:"size"`
	LastModified     time.Time         `json:"lastModified"`
	ETag             string            `json:"etag"`
	ContentType      string            `json:"contentType,omitempty"`
	UserMetadata     map[string]string `json:"userMetadata,omitempty"`
	OwnerID          string            `json:"ownerId,omitempty"`
	OwnerDisplayName string            `json:"ownerDisplayName,omitempty"`
	Checksums        Checksums         `json:"checksums,omitempty"`
}

// DataInfo describes stored object bytes without touching metadata.
type DataInfo struct {
	Size    int64
	ModTime time.Time
}

// StoreResult is the outcome of a data store write.
type StoreResult struct {
	Size      int64
	ETag      string // hex, unquoted
	Checksums Checksums
}

// ByteRange is an inclusive byte range per the S3 Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// ListQuery parameterizes a key listing.
type ListQuery struct {
	Prefix     string
	Delimiter  string
	StartAfter string
	MaxKeys    int
}

// ListResult is the outcome of a key listing.
type ListResult struct {
	Keys           []string
	CommonPrefixes []string
	Truncated      bool
	NextStartAfter string
}

// MultipartUpload is the record of an in-progress multipart upload.
type MultipartUpload struct {
	UploadID          string             `json:"uploadId"`
	Bucket            string             `json:"bucket"`
	Key               string             `json:"key"`
	Initiated         time.Time          `json:"initiated"`
	ContentType       string             `json:"contentType,omitempty"`
	UserMetadata      map[string]string  `json:"userMetadata,omitempty"`
	ChecksumAlgorithm ChecksumAlgorithm  `json:"checksumAlgorithm,omitempty"`
	OwnerID           string             `json:"ownerId,omitempty"`
	OwnerDisplayName  string             `json:"ownerDisplayName,omitempty"`
	Parts             map[int]UploadPart `json:"parts,omitempty"`
}

// UploadPart describes a stored part.
type UploadPart struct {
	PartNumber   int       `json:"partNumber"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Checksums    Checksums `json:"checksums,omitempty"`
}

// CompletedPart identifies a part in a complete-multipart request.
type CompletedPart struct {
	PartNumber int
	ETag       string
	Checksums  Checksums
}

// ObjectIdentifier names an object in a multi-delete request.
type ObjectIdentifier struct {
	Key string
}

// DeleteOutcome is the per-object result of a multi-delete.
type DeleteOutcome struct {
	Deleted []string
	Errors  []DeleteError
}

// DeleteError is a failed deletion within a multi-delete.
type DeleteError struct {
	Key     string
	Code    string
	Message string
}
