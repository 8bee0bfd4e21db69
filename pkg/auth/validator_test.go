package auth

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// Streaming example from the AWS SigV4 documentation: 66560 bytes of 'a'
// uploaded as a 65536-byte chunk, a 1024-byte chunk, and the terminator.
const (
	docSecretKey     = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"
	docSeedSignature = "4f232c4386841ef735655705268965c44a0e4690baa4adea153f7db9fa80a0a9"
	docChunk1Sig     = "ad80c730a21e5b8d04586a2213dd63b9a0e99e0e2307b0ade35a65485a288648"
	docChunk2Sig     = "0055627c9e194cb4542bae2aa5492e3c1575bbb81b612b7d234b86a503ef5497"
	docFinalSig      = "b6c6ea8a5354eaf15b3cb7646744f4275b71ea724fed81ceb9323e279d449df9"
)

func docValidator() *ChunkValidator {
	signingKey := DeriveSigningKey(docSecretKey, "20130524", "us-east-1", "s3")
	requestTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	return NewChunkValidator(signingKey, requestTime, "us-east-1", docSeedSignature)
}

func TestValidateChunkDocExample(t *testing.T) {
	v := docValidator()

	if !v.ValidateChunk(bytes.Repeat([]byte("a"), 65536), docChunk1Sig, false) {
		t.Fatal("chunk 1 should validate")
	}
	if v.ChunkIndex() != 1 {
		t.Errorf("chunk index = %d, want 1", v.ChunkIndex())
	}
	if !v.ValidateChunk(bytes.Repeat([]byte("a"), 1024), docChunk2Sig, false) {
		t.Fatal("chunk 2 should validate")
	}
	if !v.ValidateChunk(nil, docFinalSig, true) {
		t.Fatal("final chunk should validate")
	}
}

func TestValidateChunkMismatch(t *testing.T) {
	v := docValidator()

	data := bytes.Repeat([]byte("a"), 65536)
	data[100] ^= 0x01
	if v.ValidateChunk(data, docChunk1Sig, false) {
		t.Fatal("mutated chunk must not validate")
	}
	// State must not advance on failure.
	if v.ChunkIndex() != 0 {
		t.Errorf("chunk index advanced on failure: %d", v.ChunkIndex())
	}
	// The original chunk still validates afterwards.
	if !v.ValidateChunk(bytes.Repeat([]byte("a"), 65536), docChunk1Sig, false) {
		t.Fatal("original chunk should validate after a failed attempt")
	}
}

func TestValidateChunkOutOfOrder(t *testing.T) {
	v := docValidator()

	// Second chunk first: the rolling previous signature is wrong.
	if v.ValidateChunk(bytes.Repeat([]byte("a"), 1024), docChunk2Sig, false) {
		t.Fatal("out-of-order chunk must not validate")
	}
}

func TestValidateChunkStream(t *testing.T) {
	v := docValidator()

	ok, err := v.ValidateChunkStream(bytes.NewReader(bytes.Repeat([]byte("a"), 65536)), 65536, docChunk1Sig, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("chunk stream should validate")
	}
	ok, err = v.ValidateChunkStream(bytes.NewReader(bytes.Repeat([]byte("a"), 1024)), 1024, docChunk2Sig, false)
	if err != nil || !ok {
		t.Fatalf("chunk 2 stream: ok=%v err=%v", ok, err)
	}
}

func TestValidateChunkStreamShortRead(t *testing.T) {
	v := docValidator()

	_, err := v.ValidateChunkStream(strings.NewReader("short"), 1024, docChunk1Sig, false)
	if err == nil {
		t.Fatal("expected error for short stream")
	}
}

func TestValidateTrailer(t *testing.T) {
	signingKey := DeriveSigningKey(docSecretKey, "20130524", "us-east-1", "s3")
	requestTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	amzDate := "20130524T000000Z"
	scope := CredentialScope("20130524", "us-east-1", "s3")

	trailers := map[string]string{"x-amz-checksum-crc32c": "sOO8/Q=="}

	// Chain: seed -> final chunk -> trailer.
	finalChunkSig := SignChunk(signingKey, docSeedSignature, EmptyStringSHA256, amzDate, scope)
	trailerSig := SignTrailer(signingKey, finalChunkSig, trailers, amzDate, scope)

	v := NewChunkValidator(signingKey, requestTime, "us-east-1", docSeedSignature)
	v.ExpectsTrailers = true
	v.TrailerNames = []string{"x-amz-checksum-crc32c"}

	if !v.ValidateChunk(nil, finalChunkSig, true) {
		t.Fatal("final chunk should validate")
	}
	if !v.ValidateTrailer(trailers, trailerSig) {
		t.Fatal("trailer should validate")
	}
}

func TestValidateTrailerMissingExpectedName(t *testing.T) {
	v := docValidator()
	v.TrailerNames = []string{"x-amz-checksum-sha256"}

	if v.ValidateTrailer(map[string]string{"x-other": "1"}, "deadbeef") {
		t.Fatal("trailer set missing an expected name must not validate")
	}
}

func TestValidateTrailerCaseInsensitiveNames(t *testing.T) {
	signingKey := DeriveSigningKey(docSecretKey, "20130524", "us-east-1", "s3")
	requestTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	amzDate := "20130524T000000Z"
	scope := CredentialScope("20130524", "us-east-1", "s3")

	trailers := map[string]string{"x-amz-checksum-sha256": "abc"}
	trailerSig := SignTrailer(signingKey, docSeedSignature, trailers, amzDate, scope)

	v := NewChunkValidator(signingKey, requestTime, "us-east-1", docSeedSignature)
	v.TrailerNames = []string{"X-Amz-Checksum-SHA256"}

	if !v.ValidateTrailer(trailers, trailerSig) {
		t.Fatal("trailer names must match case-insensitively")
	}
}
