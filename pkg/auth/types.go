package auth

import "fmt"

// Error is an authentication error carrying an S3 error code.
type Error struct {
	Code    string
	Message string
}

// NewError creates an authentication error with an S3 error code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Credentials represents an access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Operation classifies a request for access checks.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// AccessPolicy decides whether a user may perform op on bucket.
// The zero policy (nil) allows everything.
type AccessPolicy func(user, bucket string, op Operation) bool
