package auth

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestDeriveSigningKey(t *testing.T) {
	// Example from the AWS SigV4 documentation.
	key := DeriveSigningKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20150830", "us-east-1", "iam")
	want := "c4afb1cc5771d871763a393e44b703571b55cc28424d1a5e86da6ed3c154a4b9"
	if got := hex.EncodeToString(key); got != want {
		t.Errorf("signing key = %s, want %s", got, want)
	}
}

func TestCredentialScope(t *testing.T) {
	scope := CredentialScope("20130524", "us-east-1", "s3")
	if scope != "20130524/us-east-1/s3/aws4_request" {
		t.Errorf("unexpected scope %q", scope)
	}
}

func TestChunkStringToSign(t *testing.T) {
	s := ChunkStringToSign("prevsig", "chunkhash", "20130524T000000Z", "20130524/us-east-1/s3/aws4_request")
	lines := strings.Split(s, "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
	if lines[0] != SignV4ChunkAlgorithm {
		t.Errorf("algorithm line = %q", lines[0])
	}
	if lines[4] != EmptyStringSHA256 {
		t.Errorf("extension hash line = %q", lines[4])
	}
	if lines[5] != "chunkhash" {
		t.Errorf("chunk hash line = %q", lines[5])
	}
}

func TestTrailerStringToSign(t *testing.T) {
	s := TrailerStringToSign("prevsig", "trailerhash", "20130524T000000Z", "scope")
	lines := strings.Split(s, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[0] != SignV4TrailerAlgorithm {
		t.Errorf("algorithm line = %q", lines[0])
	}
}

func TestBuildTrailerHeaderString(t *testing.T) {
	tests := []struct {
		name     string
		trailers map[string]string
		want     string
	}{
		{
			name:     "empty",
			trailers: nil,
			want:     "",
		},
		{
			name:     "single",
			trailers: map[string]string{"x-amz-checksum-crc32c": "sOO8/Q=="},
			want:     "x-amz-checksum-crc32c:sOO8/Q==\n",
		},
		{
			name: "sorted by lowercased name",
			trailers: map[string]string{
				"X-Amz-Checksum-Sha256": "abc",
				"x-amz-checksum-crc32":  "def",
			},
			want: "x-amz-checksum-crc32:def\nx-amz-checksum-sha256:abc\n",
		},
		{
			name:     "value whitespace trimmed",
			trailers: map[string]string{"x-test": "  padded  "},
			want:     "x-test:padded\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildTrailerHeaderString(tt.trailers); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseAmzDate(t *testing.T) {
	ts, err := ParseAmzDate("20130524T000000Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Year() != 2013 || ts.Month() != 5 || ts.Day() != 24 {
		t.Errorf("unexpected time: %v", ts)
	}

	if _, err := ParseAmzDate("not-a-date"); err == nil {
		t.Error("expected error for malformed date")
	}
}
