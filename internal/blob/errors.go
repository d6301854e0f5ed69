package blob

import (
	"errors"
	"fmt"
)

// Object manager errors. Absent objects are not errors: Get returns nil data
// and Delete of an unknown object succeeds.
var (
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrBucketUnavailable   = errors.New("bucket is not accepting writes")
	ErrMalformedIdentifier = errors.New("malformed object identifier")
	ErrStorageWrite        = errors.New("segment write failed")
	ErrStorageRead         = errors.New("segment read failed")
	ErrMetadata            = errors.New("metadata operation failed")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotStarted          = errors.New("object manager not started")
	ErrAlreadyStarted      = errors.New("object manager already started")
	ErrClosed              = errors.New("object manager closed")
)

// StorageError describes a segment store fault.
type StorageError struct {
	Op        string // "write", "read", "delete" or "list"
	Bucket    string
	Segment   uint64
	Transient bool // Retries were exhausted on a retryable fault
	Err       error
}

func (e *StorageError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s/%d (%s): %v", e.Op, e.Bucket, e.Segment, kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	sentinel := ErrStorageWrite
	if e.Op == "read" || e.Op == "list" {
		sentinel = ErrStorageRead
	}
	return []error{sentinel, e.Err}
}

// IdentifierError describes why an identifier was rejected.
type IdentifierError struct {
	Token  string
	Reason error
}

func (e *IdentifierError) Error() string {
	return fmt.Sprintf("object id %q: %v", e.Token, e.Reason)
}

func (e *IdentifierError) Unwrap() []error {
	return []error{ErrMalformedIdentifier, e.Reason}
}

func metadataErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMetadata, op, err)
}
