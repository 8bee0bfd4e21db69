package auth

import (
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Authenticator validates AWS Signature V4 requests against a set of
// configured credentials.
type Authenticator struct {
	credentials map[string]string // accessKeyID -> secretAccessKey
	policy      AccessPolicy
	logger      *logrus.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithAccessPolicy sets the per-bucket access predicate.
func WithAccessPolicy(policy AccessPolicy) Option {
	return func(a *Authenticator) {
		a.policy = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// NewAuthenticator creates an authenticator with no credentials.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		credentials: make(map[string]string),
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddCredentials registers an access key pair.
func (a *Authenticator) AddCredentials(accessKeyID, secretAccessKey string) {
	a.credentials[accessKeyID] = secretAccessKey
}

// UserHasAccess reports whether user may perform op on bucket.
func (a *Authenticator) UserHasAccess(user, bucket string, op Operation) bool {
	if a.policy == nil {
		return true
	}
	return a.policy(user, bucket, op)
}

// RequestIdentity is the authenticated identity and streaming context of a
// request, available to handlers after Authenticate succeeds.
type RequestIdentity struct {
	AccessKeyID string
	// Validator is non-nil for aws-chunked bodies and is already seeded
	// with the request signature.
	Validator *ChunkValidator
}

// Authenticate validates the request signature and, for streaming bodies,
// constructs the per-request chunk validator.
func (a *Authenticator) Authenticate(r *http.Request) (*RequestIdentity, error) {
	if r.URL.Query().Get("X-Amz-Algorithm") != "" {
		accessKeyID, err := a.authenticateQuery(r)
		if err != nil {
			return nil, err
		}
		return &RequestIdentity{AccessKeyID: accessKeyID}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, NewError("AccessDenied", "Missing or invalid authentication information")
	}
	if !strings.HasPrefix(authHeader, SignV4Algorithm+" ") {
		return nil, NewError("InvalidArgument", "Unsupported authorization type")
	}
	return a.authenticateHeader(r, authHeader)
}

// parsedAuthorization is the decomposed Authorization header.
type parsedAuthorization struct {
	accessKeyID   string
	date          string
	region        string
	service       string
	scope         string
	signedHeaders string
	signature     string
}

func parseAuthorization(authHeader string) (*parsedAuthorization, error) {
	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(authHeader, SignV4Algorithm+" "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		}
	}

	credential := params["Credential"]
	signature := params["Signature"]
	signedHeaders := params["SignedHeaders"]
	if credential == "" || signature == "" || signedHeaders == "" {
		return nil, NewError("InvalidArgument", "Missing required authorization parameters")
	}

	credParts := strings.Split(credential, "/")
	if len(credParts) < 5 {
		return nil, NewError("InvalidArgument", "Invalid credential format")
	}

	return &parsedAuthorization{
		accessKeyID:   credParts[0],
		date:          credParts[1],
		region:        credParts[2],
		service:       credParts[3],
		scope:         strings.Join(credParts[1:], "/"),
		signedHeaders: signedHeaders,
		signature:     signature,
	}, nil
}

func (a *Authenticator) authenticateHeader(r *http.Request, authHeader string) (*RequestIdentity, error) {
	parsed, err := parseAuthorization(authHeader)
	if err != nil {
		return nil, err
	}

	secretAccessKey, exists := a.credentials[parsed.accessKeyID]
	if !exists {
		return nil, NewError("InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records")
	}

	timestamp := r.Header.Get("X-Amz-Date")
	if timestamp == "" {
		timestamp = r.Header.Get("Date")
	}

	signingKey := DeriveSigningKey(secretAccessKey, parsed.date, parsed.region, parsed.service)
	expected := SignRequest(r, signingKey, parsed.signedHeaders, timestamp, parsed.scope, false)
	if !hmac.Equal([]byte(expected), []byte(parsed.signature)) {
		return nil, NewError("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided")
	}

	identity := &RequestIdentity{AccessKeyID: parsed.accessKeyID}

	contentSHA256 := r.Header.Get("X-Amz-Content-Sha256")
	if IsChunkedUpload(r.Header.Get("Content-Encoding"), contentSHA256) {
		requestTime, err := ParseAmzDate(timestamp)
		if err != nil {
			return nil, NewError("InvalidArgument", fmt.Sprintf("Invalid X-Amz-Date: %v", err))
		}
		validator := NewChunkValidator(signingKey, requestTime, parsed.region, parsed.signature)
		validator.DecodedLength = decodedContentLength(r)
		validator.ExpectsTrailers = contentSHA256 == StreamingPayloadTrailer
		if names := r.Header.Get("X-Amz-Trailer"); names != "" {
			for _, name := range strings.Split(names, ",") {
				validator.TrailerNames = append(validator.TrailerNames, strings.ToLower(strings.TrimSpace(name)))
			}
		}
		identity.Validator = validator
	}

	return identity, nil
}

// authenticateQuery validates presigned-URL query authentication.
func (a *Authenticator) authenticateQuery(r *http.Request) (string, error) {
	query := r.URL.Query()

	algorithm := query.Get("X-Amz-Algorithm")
	credential := query.Get("X-Amz-Credential")
	date := query.Get("X-Amz-Date")
	expires := query.Get("X-Amz-Expires")
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	signature := query.Get("X-Amz-Signature")

	if algorithm != SignV4Algorithm {
		return "", NewError("InvalidArgument", "Invalid or missing algorithm")
	}
	if credential == "" || date == "" || signedHeaders == "" || signature == "" {
		return "", NewError("InvalidArgument", "Missing required query parameters")
	}

	credParts := strings.Split(credential, "/")
	if len(credParts) < 5 {
		return "", NewError("InvalidArgument", "Invalid credential format")
	}
	accessKeyID := credParts[0]
	scope := strings.Join(credParts[1:], "/")

	secretAccessKey, exists := a.credentials[accessKeyID]
	if !exists {
		return "", NewError("InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records")
	}

	if expires != "" {
		requestTime, err := ParseAmzDate(date)
		if err != nil {
			return "", NewError("InvalidArgument", fmt.Sprintf("Invalid X-Amz-Date format: %v", err))
		}
		expiresSeconds, err := strconv.Atoi(expires)
		if err != nil {
			return "", NewError("InvalidArgument", fmt.Sprintf("Invalid X-Amz-Expires value: %v", err))
		}
		if time.Now().After(requestTime.Add(time.Duration(expiresSeconds) * time.Second)) {
			return "", NewError("AccessDenied", "Presigned URL has expired")
		}
	}

	signingKey := DeriveSigningKey(secretAccessKey, credParts[1], credParts[2], credParts[3])
	expected := SignRequest(r, signingKey, signedHeaders, date, scope, true)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", NewError("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided")
	}

	return accessKeyID, nil
}

func decodedContentLength(r *http.Request) int64 {
	v := r.Header.Get("X-Amz-Decoded-Content-Length")
	if v == "" {
		return -1
	}
	length, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return length
}
