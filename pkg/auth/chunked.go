package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	chunkSignaturePrefix = "chunk-signature="
	trailerSignatureName = "x-amz-trailer-signature"

	// maxChunkSize bounds a single chunk. Clients typically send 8-64 KiB
	// chunks; 16 MiB is generous while preventing memory exhaustion.
	maxChunkSize = 16 * 1024 * 1024

	// maxHeaderLine bounds the chunk header line length.
	maxHeaderLine = 4096
)

var (
	// ErrMalformedChunkHeader indicates an unparseable chunk header line
	ErrMalformedChunkHeader = errors.New("malformed chunk header")
	// ErrChunkTooLarge indicates a chunk size beyond the allowed maximum
	ErrChunkTooLarge = errors.New("chunk size too large")
	// ErrTruncatedBody indicates end of stream inside a frame
	ErrTruncatedBody = errors.New("truncated chunked body")
)

// ChunkSignatureError reports a chunk whose signature did not match.
type ChunkSignatureError struct {
	Index int
}

func (e *ChunkSignatureError) Error() string {
	return fmt.Sprintf("chunk %d signature mismatch", e.Index)
}

// StreamResult is the outcome of decoding a chunked body with trailers.
type StreamResult struct {
	BytesWritten int64
	Trailers     map[string]string
	// TrailerOK is false when a trailer signature was present or expected
	// and did not validate. The decoded bytes are still written; the
	// caller decides whether to fail the request.
	TrailerOK bool
}

// ChunkedParser decodes an aws-chunked body, validating each frame against
// an optional ChunkValidator.
//
// The parser pulls from the source into a carry buffer and only consumes a
// frame once it is complete. A header whose payload has not fully arrived
// stays in the buffer from the start of its header line, so a partial frame
// is re-scanned intact on the next source read.
type ChunkedParser struct {
	src       io.Reader
	validator *ChunkValidator

	buf     []byte
	pending []byte
	done    bool
	err     error

	trailers   map[string]string
	trailerSig string
}

// NewChunkedParser creates a parser over src. validator may be nil, in
// which case frames are decoded without signature checks.
func NewChunkedParser(src io.Reader, validator *ChunkValidator) *ChunkedParser {
	return &ChunkedParser{
		src:       src,
		validator: validator,
		trailers:  make(map[string]string),
	}
}

// Next returns the next decoded chunk payload, or io.EOF after the final
// frame. The returned slice is owned by the caller.
func (p *ChunkedParser) Next() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done {
		return nil, io.EOF
	}
	payload, last, err := p.nextFrame()
	if err != nil {
		p.err = err
		return nil, err
	}
	if last {
		return nil, io.EOF
	}
	return payload, nil
}

// WriteTo decodes the whole body into sink and returns the total decoded
// byte count.
func (p *ChunkedParser) WriteTo(sink io.Writer) (int64, error) {
	res, err := p.WriteToWithTrailers(sink)
	if err != nil {
		return res.BytesWritten, err
	}
	return res.BytesWritten, nil
}

// WriteToWithTrailers decodes the whole body into sink, collecting any
// trailing headers and validating the trailer signature. A trailer
// signature failure does not abort the byte write; it is reported through
// StreamResult.TrailerOK.
func (p *ChunkedParser) WriteToWithTrailers(sink io.Writer) (StreamResult, error) {
	res := StreamResult{TrailerOK: true}
	for {
		payload, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		n, err := sink.Write(payload)
		res.BytesWritten += int64(n)
		if err != nil {
			p.err = err
			return res, err
		}
	}
	res.Trailers = p.trailers
	res.TrailerOK = p.validateTrailers()
	return res, nil
}

// Read implements io.Reader over the decoded payload stream. After io.EOF
// the caller should check TrailersValid.
func (p *ChunkedParser) Read(out []byte) (int, error) {
	for len(p.pending) == 0 {
		payload, err := p.Next()
		if err != nil {
			return 0, err
		}
		p.pending = payload
	}
	n := copy(out, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Trailers returns the trailing headers collected after the final chunk.
func (p *ChunkedParser) Trailers() map[string]string {
	return p.trailers
}

// TrailersValid reports whether the trailer signature validated, or no
// trailer was expected. Only meaningful once the body is fully decoded.
func (p *ChunkedParser) TrailersValid() bool {
	return p.validateTrailers()
}

// nextFrame scans the carry buffer for one complete frame, filling from the
// source as needed. It returns last=true once the zero-size terminator and
// any trailers have been consumed.
func (p *ChunkedParser) nextFrame() (payload []byte, last bool, err error) {
	for {
		if i := bytes.Index(p.buf, []byte("\r\n")); i >= 0 {
			size, signature, err := parseChunkHeader(string(p.buf[:i]))
			if err != nil {
				return nil, false, err
			}

			if size == 0 {
				if p.validator != nil && !p.validator.ValidateChunk(nil, signature, true) {
					return nil, false, &ChunkSignatureError{Index: p.validator.ChunkIndex()}
				}
				p.buf = p.buf[i+2:]
				p.done = true
				if err := p.readTrailers(); err != nil {
					return nil, false, err
				}
				return nil, true, nil
			}

			frameEnd := i + 2 + size + 2
			if len(p.buf) >= frameEnd {
				body := p.buf[i+2 : i+2+size]
				if !bytes.Equal(p.buf[i+2+size:frameEnd], []byte("\r\n")) {
					return nil, false, ErrMalformedChunkHeader
				}
				if p.validator != nil && !p.validator.ValidateChunk(body, signature, false) {
					return nil, false, &ChunkSignatureError{Index: p.validator.ChunkIndex()}
				}
				out := make([]byte, size)
				copy(out, body)
				p.buf = p.buf[frameEnd:]
				return out, false, nil
			}
			// Frame incomplete: leave everything from the start of the
			// header line in the buffer and read more.
		} else if len(p.buf) > maxHeaderLine {
			return nil, false, ErrMalformedChunkHeader
		}

		if err := p.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, false, ErrTruncatedBody
			}
			return nil, false, err
		}
	}
}

// readTrailers consumes trailer lines after the final chunk up to the
// terminating blank line. End of stream is tolerated; absent trailers are
// simply not collected.
func (p *ChunkedParser) readTrailers() error {
	for {
		i := bytes.Index(p.buf, []byte("\r\n"))
		if i < 0 {
			if len(p.buf) > maxHeaderLine {
				return ErrMalformedChunkHeader
			}
			if err := p.fill(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			continue
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+2:]
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return ErrMalformedChunkHeader
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == trailerSignatureName {
			p.trailerSig = value
			continue
		}
		p.trailers[name] = value
	}
}

func (p *ChunkedParser) validateTrailers() bool {
	if p.validator == nil {
		return true
	}
	if p.trailerSig == "" {
		// No signature on the wire: only acceptable when none was expected.
		return !p.validator.ExpectsTrailers
	}
	return p.validator.ValidateTrailer(p.trailers, p.trailerSig)
}

func (p *ChunkedParser) fill() error {
	chunk := make([]byte, 32*1024)
	n, err := p.src.Read(chunk)
	if n > 0 {
		p.buf = append(p.buf, chunk[:n]...)
		return nil
	}
	if err != nil {
		return err
	}
	return io.ErrNoProgress
}

// parseChunkHeader parses "<hex-size>;chunk-signature=<hex>". The signature
// extension is optional when validation is disabled.
func parseChunkHeader(line string) (size int, signature string, err error) {
	sizeStr, rest, hasExt := strings.Cut(line, ";")
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, "", ErrMalformedChunkHeader
	}
	size64, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size64 < 0 {
		return 0, "", ErrMalformedChunkHeader
	}
	if size64 > maxChunkSize {
		return 0, "", ErrChunkTooLarge
	}
	if hasExt {
		for _, ext := range strings.Split(rest, ";") {
			ext = strings.TrimSpace(ext)
			if strings.HasPrefix(ext, chunkSignaturePrefix) {
				signature = strings.TrimPrefix(ext, chunkSignaturePrefix)
				break
			}
		}
	}
	return int(size64), signature, nil
}

// IsChunkedUpload reports whether the request body uses aws-chunked framing.
func IsChunkedUpload(contentEncoding, contentSHA256 string) bool {
	if strings.Contains(contentEncoding, "aws-chunked") {
		return true
	}
	return contentSHA256 == StreamingPayload || contentSHA256 == StreamingPayloadTrailer
}
