package blob

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxBucketIDLen = 255

// validateBucketID rejects ids that cannot be used as a directory or key
// component by segment stores.
func validateBucketID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: bucket id cannot be empty", ErrInvalidArgument)
	}
	if len(id) > maxBucketIDLen {
		return fmt.Errorf("%w: bucket id longer than %d bytes", ErrInvalidArgument, maxBucketIDLen)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: bucket id is not valid UTF-8", ErrInvalidArgument)
	}
	// Null bytes truncate paths on some filesystems.
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: null bytes not allowed in bucket id", ErrInvalidArgument)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: invalid bucket id %q", ErrInvalidArgument, id)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(id, sep) {
			if part == ".." {
				return fmt.Errorf("%w: path traversal not allowed in bucket id", ErrInvalidArgument)
			}
		}
	}
	if filepath.IsAbs(id) || strings.HasPrefix(id, "/") || strings.HasPrefix(id, "\\") {
		return fmt.Errorf("%w: bucket id cannot be an absolute path", ErrInvalidArgument)
	}
	return nil
}

// slice returns data[offset:offset+length] after checking the range.
func slice(data []byte, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative offset %d or length %d", ErrInvalidArgument, offset, length)
	}
	if offset > len(data) || length > len(data)-offset {
		return nil, fmt.Errorf("%w: range [%d, %d) exceeds %d byte buffer", ErrInvalidArgument, offset, offset+length, len(data))
	}
	return data[offset : offset+length], nil
}
