package storage

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"hash/crc32"
	"hash/crc64"
)

// crc64NVMEPolynomial is the reversed CRC-64/NVME polynomial used by the
// S3 CRC64NVME checksum.
const crc64NVMEPolynomial = 0x9a6c9329ac4bc9b5

var (
	castagnoliTable = crc32.MakeTable(crc32.Castagnoli)
	nvmeTable       = crc64.MakeTable(crc64NVMEPolynomial)
)

// checksumSet computes a selected set of checksums in a single pass. It is
// an io.Writer so it can sit inside the store pipeline's MultiWriter.
type checksumSet struct {
	hashes map[ChecksumAlgorithm]hash.Hash
}

// newChecksumSet creates a checksum writer for the given algorithms.
// Unknown algorithms are rejected.
func newChecksumSet(algorithms []ChecksumAlgorithm) (*checksumSet, error) {
	set := &checksumSet{hashes: make(map[ChecksumAlgorithm]hash.Hash, len(algorithms))}
	for _, alg := range algorithms {
		h, err := newChecksumHash(alg)
		if err != nil {
			return nil, err
		}
		set.hashes[alg] = h
	}
	return set, nil
}

func (s *checksumSet) Write(p []byte) (int, error) {
	for _, h := range s.hashes {
		h.Write(p)
	}
	return len(p), nil
}

// Sums returns the base64-encoded digests.
func (s *checksumSet) Sums() Checksums {
	var out Checksums
	for alg, h := range s.hashes {
		encoded := base64.StdEncoding.EncodeToString(h.Sum(nil))
		switch alg {
		case ChecksumCRC32:
			out.CRC32 = encoded
		case ChecksumCRC32C:
			out.CRC32C = encoded
		case ChecksumCRC64NVME:
			out.CRC64NVME = encoded
		case ChecksumSHA1:
			out.SHA1 = encoded
		case ChecksumSHA256:
			out.SHA256 = encoded
		}
	}
	return out
}

func newChecksumHash(alg ChecksumAlgorithm) (hash.Hash, error) {
	switch alg {
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	case ChecksumCRC32C:
		return crc32.New(castagnoliTable), nil
	case ChecksumCRC64NVME:
		return crc64.New(nvmeTable), nil
	case ChecksumSHA1:
		return sha1.New(), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}
}

// verifyChecksums compares client-provided checksums to computed ones.
// Only provided (non-empty) fields are compared.
func verifyChecksums(expected, computed Checksums) error {
	compare := func(name, want, got string) error {
		if want != "" && want != got {
			return fmt.Errorf("%w: %s", ErrBadDigest, name)
		}
		return nil
	}
	if err := compare("CRC32", expected.CRC32, computed.CRC32); err != nil {
		return err
	}
	if err := compare("CRC32C", expected.CRC32C, computed.CRC32C); err != nil {
		return err
	}
	if err := compare("CRC64NVME", expected.CRC64NVME, computed.CRC64NVME); err != nil {
		return err
	}
	if err := compare("SHA1", expected.SHA1, computed.SHA1); err != nil {
		return err
	}
	return compare("SHA256", expected.SHA256, computed.SHA256)
}

// requestedAlgorithms lists the algorithms needed to compute the provided
// expected checksums plus any explicitly requested algorithm.
func requestedAlgorithms(expected Checksums, explicit ChecksumAlgorithm) []ChecksumAlgorithm {
	var algorithms []ChecksumAlgorithm
	add := func(alg ChecksumAlgorithm, provided string) {
		if provided != "" || alg == explicit {
			algorithms = append(algorithms, alg)
		}
	}
	add(ChecksumCRC32, expected.CRC32)
	add(ChecksumCRC32C, expected.CRC32C)
	add(ChecksumCRC64NVME, expected.CRC64NVME)
	add(ChecksumSHA1, expected.SHA1)
	add(ChecksumSHA256, expected.SHA256)
	return algorithms
}
