package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"
)

// ChunkValidator validates aws-chunked frame signatures against the rolling
// signature chain seeded by the request signature.
//
// Validations must be called in wire order: each successful validation
// advances the previous-signature state that the next chunk is signed over,
// so out-of-order validation cannot succeed.
type ChunkValidator struct {
	signingKey    []byte
	amzDate       string
	scope         string
	prevSignature string

	// DecodedLength is the value of x-amz-decoded-content-length, or -1.
	DecodedLength int64
	// ExpectsTrailers reports whether the body uses the trailer sentinel.
	ExpectsTrailers bool
	// TrailerNames are the lowercased names announced in x-amz-trailer.
	TrailerNames []string

	chunkIndex int
}

// NewChunkValidator creates a validator for one streaming request.
func NewChunkValidator(signingKey []byte, requestTime time.Time, region, seedSignature string) *ChunkValidator {
	amzDate := requestTime.UTC().Format(AmzDateFormat)
	return &ChunkValidator{
		signingKey:    signingKey,
		amzDate:       amzDate,
		scope:         CredentialScope(amzDate[:8], region, "s3"),
		prevSignature: seedSignature,
		DecodedLength: -1,
	}
}

// ChunkIndex returns the zero-based index of the next chunk to validate.
func (v *ChunkValidator) ChunkIndex() int {
	return v.chunkIndex
}

// ValidateChunk checks the signature of one decoded chunk. On success the
// rolling state advances; on mismatch the state is untouched and false is
// returned.
func (v *ChunkValidator) ValidateChunk(data []byte, signature string, isLast bool) bool {
	chunkHash := EmptyStringSHA256
	if len(data) > 0 {
		chunkHash = sha256Hex(data)
	}
	return v.advance(chunkHash, signature)
}

// ValidateChunkStream is ValidateChunk over a reader of known size. The
// chunk hash is computed without buffering the payload.
func (v *ChunkValidator) ValidateChunkStream(r io.Reader, size int64, signature string, isLast bool) (bool, error) {
	chunkHash := EmptyStringSHA256
	if size > 0 {
		h := sha256.New()
		if _, err := io.CopyN(h, r, size); err != nil {
			return false, err
		}
		chunkHash = hex.EncodeToString(h.Sum(nil))
	}
	return v.advance(chunkHash, signature), nil
}

// ValidateTrailer checks the trailer-block signature. All announced trailer
// names must be present (case-insensitive); extra trailers are signed as
// sent.
func (v *ChunkValidator) ValidateTrailer(trailers map[string]string, trailerSignature string) bool {
	if !v.coversExpected(trailers) {
		return false
	}
	block := BuildTrailerHeaderString(trailers)
	stringToSign := TrailerStringToSign(v.prevSignature, sha256Hex([]byte(block)), v.amzDate, v.scope)
	expected := hex.EncodeToString(hmacSHA256(v.signingKey, []byte(stringToSign)))
	return hmac.Equal([]byte(expected), []byte(trailerSignature))
}

func (v *ChunkValidator) advance(chunkHash, signature string) bool {
	stringToSign := ChunkStringToSign(v.prevSignature, chunkHash, v.amzDate, v.scope)
	expected := hex.EncodeToString(hmacSHA256(v.signingKey, []byte(stringToSign)))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return false
	}
	v.prevSignature = expected
	v.chunkIndex++
	return true
}

func (v *ChunkValidator) coversExpected(trailers map[string]string) bool {
	if len(v.TrailerNames) == 0 {
		return true
	}
	present := make(map[string]bool, len(trailers))
	for name := range trailers {
		present[strings.ToLower(name)] = true
	}
	for _, name := range v.TrailerNames {
		if !present[strings.ToLower(name)] {
			return false
		}
	}
	return true
}
