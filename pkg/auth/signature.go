// Package auth implements AWS Signature V4 authentication for S3-compatible
// servers, including streaming (aws-chunked) payload validation.
//
// Signature derivation and the streaming chunk format are described at:
// https://docs.aws.amazon.com/AmazonS3/latest/API/sigv4-streaming.html
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// SignV4Algorithm is the algorithm tag for request signatures
	SignV4Algorithm = "AWS4-HMAC-SHA256"
	// SignV4ChunkAlgorithm is the algorithm tag for per-chunk signatures
	SignV4ChunkAlgorithm = "AWS4-HMAC-SHA256-PAYLOAD"
	// SignV4TrailerAlgorithm is the algorithm tag for the trailer signature
	SignV4TrailerAlgorithm = "AWS4-HMAC-SHA256-TRAILER"

	// StreamingPayload is the x-amz-content-sha256 sentinel for chunked bodies
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	// StreamingPayloadTrailer is the sentinel for chunked bodies with trailers
	StreamingPayloadTrailer = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	// UnsignedPayload is the sentinel for unsigned bodies
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// EmptyStringSHA256 is the SHA-256 of the empty string
	EmptyStringSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// AmzDateFormat is the ISO8601 basic timestamp format used by SigV4
	AmzDateFormat = "20060102T150405Z"
)

// DeriveSigningKey derives the SigV4 signing key from the secret access key.
// The chain is HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
func DeriveSigningKey(secretAccessKey, date, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretAccessKey), []byte(date))
	dateRegionKey := hmacSHA256(dateKey, []byte(region))
	dateRegionServiceKey := hmacSHA256(dateRegionKey, []byte(service))
	return hmacSHA256(dateRegionServiceKey, []byte("aws4_request"))
}

// CredentialScope builds the scope string date/region/service/aws4_request.
func CredentialScope(date, region, service string) string {
	return strings.Join([]string{date, region, service, "aws4_request"}, "/")
}

// ChunkStringToSign builds the string to sign for a single aws-chunked frame.
func ChunkStringToSign(prevSignature, chunkSHA256Hex, amzDate, scope string) string {
	return strings.Join([]string{
		SignV4ChunkAlgorithm,
		amzDate,
		scope,
		prevSignature,
		EmptyStringSHA256,
		chunkSHA256Hex,
	}, "\n")
}

// TrailerStringToSign builds the string to sign for the trailer block that
// follows the final zero-size chunk.
func TrailerStringToSign(prevSignature, trailerSHA256Hex, amzDate, scope string) string {
	return strings.Join([]string{
		SignV4TrailerAlgorithm,
		amzDate,
		scope,
		prevSignature,
		trailerSHA256Hex,
	}, "\n")
}

// BuildTrailerHeaderString renders trailing headers into the canonical block
// that is hashed for the trailer signature: lowercased names, sorted, one
// "name:value\n" line each.
func BuildTrailerHeaderString(trailers map[string]string) string {
	lines := make([]string, 0, len(trailers))
	for name, value := range trailers {
		lines = append(lines, strings.ToLower(name)+":"+strings.TrimSpace(value)+"\n")
	}
	sort.Strings(lines)
	return strings.Join(lines, "")
}

// SignChunk computes the hex signature for a chunk given the rolling
// previous signature.
func SignChunk(signingKey []byte, prevSignature, chunkSHA256Hex, amzDate, scope string) string {
	stringToSign := ChunkStringToSign(prevSignature, chunkSHA256Hex, amzDate, scope)
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

// SignTrailer computes the hex signature for the trailer block.
func SignTrailer(signingKey []byte, prevSignature string, trailers map[string]string, amzDate, scope string) string {
	block := BuildTrailerHeaderString(trailers)
	stringToSign := TrailerStringToSign(prevSignature, sha256Hex([]byte(block)), amzDate, scope)
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

// CanonicalRequest builds the SigV4 canonical request for r.
// When isQueryAuth is true the X-Amz-Signature query parameter is excluded
// and the payload hash is UNSIGNED-PAYLOAD.
func CanonicalRequest(r *http.Request, signedHeaders string, isQueryAuth bool) string {
	uri := pathEscape(r.URL.Path)
	if uri == "" {
		uri = "/"
	}

	query := r.URL.Query()
	var queryParams []string
	for key := range query {
		if isQueryAuth && key == "X-Amz-Signature" {
			continue
		}
		for _, value := range query[key] {
			queryParams = append(queryParams, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	sort.Strings(queryParams)

	headerNames := strings.Split(signedHeaders, ";")
	var canonicalHeaders []string
	for _, name := range headerNames {
		var value string
		if strings.ToLower(name) == "host" {
			// Host is special in net/http and lives on the request
			value = r.Host
		} else {
			value = r.Header.Get(name)
		}
		canonicalHeaders = append(canonicalHeaders, fmt.Sprintf("%s:%s\n", strings.ToLower(name), strings.TrimSpace(value)))
	}
	sort.Strings(canonicalHeaders)

	var payloadHash string
	if isQueryAuth {
		payloadHash = UnsignedPayload
	} else {
		payloadHash = r.Header.Get("X-Amz-Content-Sha256")
		if payloadHash == "" {
			payloadHash = UnsignedPayload
		}
	}

	return strings.Join([]string{
		r.Method,
		uri,
		strings.Join(queryParams, "&"),
		strings.Join(canonicalHeaders, ""),
		signedHeaders,
		payloadHash,
	}, "\n")
}

// StringToSign builds the top-level SigV4 string to sign.
func StringToSign(canonicalRequest, amzDate, scope string) string {
	return strings.Join([]string{
		SignV4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// SignRequest computes the hex seed signature for a request.
func SignRequest(r *http.Request, signingKey []byte, signedHeaders, amzDate, scope string, isQueryAuth bool) string {
	stringToSign := StringToSign(CanonicalRequest(r, signedHeaders, isQueryAuth), amzDate, scope)
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

func pathEscape(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = url.QueryEscape(seg)
	}
	return strings.Join(segments, "/")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ParseAmzDate parses an ISO8601 basic timestamp (YYYYMMDDTHHMMSSZ).
func ParseAmzDate(timestamp string) (time.Time, error) {
	return time.Parse(AmzDateFormat, timestamp)
}
