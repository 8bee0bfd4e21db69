package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

// dribbleReader returns at most one byte per Read to exercise frame
// reassembly across partial source reads.
type dribbleReader struct {
	data []byte
	pos  int
}

func (r *dribbleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

type chunkedFixture struct {
	signingKey []byte
	amzDate    string
	scope      string
	seed       string
}

func newChunkedFixture() *chunkedFixture {
	return &chunkedFixture{
		signingKey: DeriveSigningKey(docSecretKey, "20130524", "us-east-1", "s3"),
		amzDate:    "20130524T000000Z",
		scope:      CredentialScope("20130524", "us-east-1", "s3"),
		seed:       docSeedSignature,
	}
}

func (f *chunkedFixture) validator() *ChunkValidator {
	requestTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	return NewChunkValidator(f.signingKey, requestTime, "us-east-1", f.seed)
}

// encode builds a signed aws-chunked stream for the given payload chunks,
// optionally followed by signed trailers.
func (f *chunkedFixture) encode(chunks [][]byte, trailers map[string]string) []byte {
	var buf bytes.Buffer
	prev := f.seed
	for _, chunk := range chunks {
		sum := sha256.Sum256(chunk)
		sig := SignChunk(f.signingKey, prev, hex.EncodeToString(sum[:]), f.amzDate, f.scope)
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", len(chunk), sig)
		buf.Write(chunk)
		buf.WriteString("\r\n")
		prev = sig
	}
	finalSig := SignChunk(f.signingKey, prev, EmptyStringSHA256, f.amzDate, f.scope)
	fmt.Fprintf(&buf, "0;chunk-signature=%s\r\n", finalSig)
	if len(trailers) > 0 {
		for _, line := range strings.Split(strings.TrimSuffix(BuildTrailerHeaderString(trailers), "\n"), "\n") {
			buf.WriteString(line + "\r\n")
		}
		trailerSig := SignTrailer(f.signingKey, finalSig, trailers, f.amzDate, f.scope)
		fmt.Fprintf(&buf, "x-amz-trailer-signature:%s\r\n", trailerSig)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func TestChunkedParserWriteTo(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{[]byte("Hello"), []byte(" World")}, nil)

	p := NewChunkedParser(bytes.NewReader(stream), f.validator())
	var sink bytes.Buffer
	n, err := p.WriteTo(&sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 11 {
		t.Errorf("bytes written = %d, want 11", n)
	}
	if sink.String() != "Hello World" {
		t.Errorf("decoded = %q", sink.String())
	}
}

func TestChunkedParserNoValidator(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{[]byte("payload")}, nil)

	p := NewChunkedParser(bytes.NewReader(stream), nil)
	var sink bytes.Buffer
	if _, err := p.WriteTo(&sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.String() != "payload" {
		t.Errorf("decoded = %q", sink.String())
	}
}

func TestChunkedParserNext(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{[]byte("one"), []byte("two")}, nil)

	p := NewChunkedParser(bytes.NewReader(stream), f.validator())

	chunk, err := p.Next()
	if err != nil || string(chunk) != "one" {
		t.Fatalf("first chunk = %q, err = %v", chunk, err)
	}
	chunk, err = p.Next()
	if err != nil || string(chunk) != "two" {
		t.Fatalf("second chunk = %q, err = %v", chunk, err)
	}
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	// EOF is sticky.
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on repeat, got %v", err)
	}
}

func TestChunkedParserSplitReads(t *testing.T) {
	// One byte per source read: every frame arrives split, so the parser
	// must keep partial frames from the start of the header line.
	f := newChunkedFixture()
	payload := bytes.Repeat([]byte("x"), 300)
	stream := f.encode([][]byte{payload[:100], payload[100:]}, nil)

	p := NewChunkedParser(&dribbleReader{data: stream}, f.validator())
	var sink bytes.Buffer
	n, err := p.WriteTo(&sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 300 {
		t.Errorf("bytes written = %d, want 300", n)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Error("decoded payload mismatch")
	}
}

func TestChunkedParserMutatedPayload(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{[]byte("Hello"), []byte(" World")}, nil)

	// Flip a payload byte of the second chunk.
	idx := bytes.Index(stream, []byte(" World"))
	stream[idx+1] ^= 0x01

	p := NewChunkedParser(bytes.NewReader(stream), f.validator())
	var sink bytes.Buffer
	_, err := p.WriteTo(&sink)
	var sigErr *ChunkSignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected ChunkSignatureError, got %v", err)
	}
	if sigErr.Index != 1 {
		t.Errorf("failing chunk index = %d, want 1", sigErr.Index)
	}
}

func TestChunkedParserMalformedSize(t *testing.T) {
	p := NewChunkedParser(strings.NewReader("zz;chunk-signature=abc\r\n"), nil)
	var sink bytes.Buffer
	if _, err := p.WriteTo(&sink); !errors.Is(err, ErrMalformedChunkHeader) {
		t.Fatalf("expected ErrMalformedChunkHeader, got %v", err)
	}
}

func TestChunkedParserChunkTooLarge(t *testing.T) {
	p := NewChunkedParser(strings.NewReader("40000000;chunk-signature=abc\r\n"), nil)
	var sink bytes.Buffer
	if _, err := p.WriteTo(&sink); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestChunkedParserTruncated(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{bytes.Repeat([]byte("y"), 64)}, nil)

	// Cut the stream inside the first chunk payload.
	p := NewChunkedParser(bytes.NewReader(stream[:40]), f.validator())
	var sink bytes.Buffer
	if _, err := p.WriteTo(&sink); !errors.Is(err, ErrTruncatedBody) {
		t.Fatalf("expected ErrTruncatedBody, got %v", err)
	}
}

func TestChunkedParserTrailers(t *testing.T) {
	f := newChunkedFixture()
	trailers := map[string]string{"x-amz-checksum-crc32c": "sOO8/Q=="}
	stream := f.encode([][]byte{[]byte("data")}, trailers)

	v := f.validator()
	v.ExpectsTrailers = true
	v.TrailerNames = []string{"x-amz-checksum-crc32c"}

	p := NewChunkedParser(bytes.NewReader(stream), v)
	var sink bytes.Buffer
	res, err := p.WriteToWithTrailers(&sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TrailerOK {
		t.Error("trailer should validate")
	}
	if res.BytesWritten != 4 {
		t.Errorf("bytes written = %d, want 4", res.BytesWritten)
	}
	if res.Trailers["x-amz-checksum-crc32c"] != "sOO8/Q==" {
		t.Errorf("trailers = %v", res.Trailers)
	}
}

func TestChunkedParserBadTrailerSignature(t *testing.T) {
	f := newChunkedFixture()
	trailers := map[string]string{"x-amz-checksum-crc32c": "sOO8/Q=="}
	stream := f.encode([][]byte{[]byte("data")}, trailers)

	// Corrupt the trailer value after signing. Byte decode still succeeds;
	// only the trailer verdict flips.
	stream = bytes.Replace(stream, []byte("sOO8/Q=="), []byte("sOO8/QQQ"), 1)

	v := f.validator()
	v.ExpectsTrailers = true

	p := NewChunkedParser(bytes.NewReader(stream), v)
	var sink bytes.Buffer
	res, err := p.WriteToWithTrailers(&sink)
	if err != nil {
		t.Fatalf("byte decode must not fail on trailer mismatch: %v", err)
	}
	if res.TrailerOK {
		t.Error("trailer must not validate")
	}
	if sink.String() != "data" {
		t.Errorf("decoded = %q", sink.String())
	}
}

func TestChunkedParserMissingTrailerSignature(t *testing.T) {
	f := newChunkedFixture()
	stream := f.encode([][]byte{[]byte("data")}, nil)

	v := f.validator()
	v.ExpectsTrailers = true

	p := NewChunkedParser(bytes.NewReader(stream), v)
	var sink bytes.Buffer
	res, err := p.WriteToWithTrailers(&sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TrailerOK {
		t.Error("expected trailer failure when signature is absent but expected")
	}
}

func TestIsChunkedUpload(t *testing.T) {
	tests := []struct {
		contentEncoding string
		contentSHA256   string
		want            bool
	}{
		{"aws-chunked", "", true},
		{"gzip, aws-chunked", "", true},
		{"", StreamingPayload, true},
		{"", StreamingPayloadTrailer, true},
		{"", UnsignedPayload, false},
		{"gzip", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := IsChunkedUpload(tt.contentEncoding, tt.contentSHA256); got != tt.want {
			t.Errorf("IsChunkedUpload(%q, %q) = %v, want %v", tt.contentEncoding, tt.contentSHA256, got, tt.want)
		}
	}
}
