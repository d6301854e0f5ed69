// Package objectid encodes and decodes blobit object identifiers.
//
// An identifier is a printable token that fully locates an object:
//
//	b1<base64url(body || crc32c(body))>
//
// The two-character prefix names the format version. Version 1 bodies are
//
//	uvarint(len(bucket)) bucket uvarint(segment) uvarint(offset) uvarint(length)
//
// Decoders are registered per version so tokens written by older formats stay
// readable after a new format is introduced; unknown versions are rejected with
// ErrUnsupportedVersion.
package objectid

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Version identifies an identifier encoding.
type Version byte

// V1 is the current identifier format.
const V1 Version = '1'

// versionMarker starts every token; the next byte is the version.
const versionMarker = 'b'

// maxBucketLen bounds the bucket id embedded in a token.
const maxBucketLen = 1024

var (
	// ErrMalformed is returned when a token cannot be decoded.
	ErrMalformed = errors.New("malformed object identifier")

	// ErrUnsupportedVersion is returned for well-formed tokens of an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported object identifier version")
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	b64        = base64.RawURLEncoding.Strict()
)

// Location is everything an identifier carries.
type Location struct {
	Bucket  string
	Segment uint64
	Offset  int64
	Length  int64
}

// String returns a debug form of the location.
func (l Location) String() string {
	return fmt.Sprintf("%s/%d@%d+%d", l.Bucket, l.Segment, l.Offset, l.Length)
}

type decoder func(body []byte) (Location, error)

var decoders = map[Version]decoder{
	V1: decodeV1,
}

// Encode returns the current-version token for loc.
func Encode(loc Location) (string, error) {
	if loc.Bucket == "" || len(loc.Bucket) > maxBucketLen {
		return "", fmt.Errorf("%w: bucket id length %d", ErrMalformed, len(loc.Bucket))
	}
	if loc.Offset < 0 || loc.Length < 0 {
		return "", fmt.Errorf("%w: negative range %d+%d", ErrMalformed, loc.Offset, loc.Length)
	}

	body := make([]byte, 0, len(loc.Bucket)+4*binary.MaxVarintLen64)
	body = binary.AppendUvarint(body, uint64(len(loc.Bucket)))
	body = append(body, loc.Bucket...)
	body = binary.AppendUvarint(body, loc.Segment)
	body = binary.AppendUvarint(body, uint64(loc.Offset))
	body = binary.AppendUvarint(body, uint64(loc.Length))
	body = binary.BigEndian.AppendUint32(body, crc32.Checksum(body, castagnoli))

	return string([]byte{versionMarker, byte(V1)}) + b64.EncodeToString(body), nil
}

// MustEncode is like Encode but panics on error.
func MustEncode(loc Location) string {
	s, err := Encode(loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses a token of any registered version.
func Decode(token string) (Location, error) {
	if len(token) < 3 || token[0] != versionMarker {
		return Location{}, fmt.Errorf("%w: missing version prefix", ErrMalformed)
	}
	v := Version(token[1])
	dec, ok := decoders[v]
	if !ok {
		return Location{}, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnsupportedVersion, string(v))
	}

	raw, err := b64.DecodeString(token[2:])
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 4 {
		return Location{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	body, sum := raw[:len(raw)-4], binary.BigEndian.Uint32(raw[len(raw)-4:])
	if crc32.Checksum(body, castagnoli) != sum {
		return Location{}, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}

	return dec(body)
}

// VersionOf reports the version tag of a token without decoding it.
func VersionOf(token string) (Version, bool) {
	if len(token) < 2 || token[0] != versionMarker {
		return 0, false
	}
	return Version(token[1]), true
}

func decodeV1(body []byte) (Location, error) {
	r := body

	next := func(field string) (uint64, error) {
		v, n := binary.Uvarint(r)
		if n <= 0 {
			return 0, fmt.Errorf("%w: bad %s", ErrMalformed, field)
		}
		r = r[n:]
		return v, nil
	}

	bucketLen, err := next("bucket length")
	if err != nil {
		return Location{}, err
	}
	if bucketLen == 0 || bucketLen > maxBucketLen || bucketLen > uint64(len(r)) {
		return Location{}, fmt.Errorf("%w: bucket length %d", ErrMalformed, bucketLen)
	}
	bucket := string(r[:bucketLen])
	r = r[bucketLen:]

	segment, err := next("segment")
	if err != nil {
		return Location{}, err
	}
	offset, err := next("offset")
	if err != nil {
		return Location{}, err
	}
	length, err := next("length")
	if err != nil {
		return Location{}, err
	}
	if len(r) != 0 {
		return Location{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r))
	}
	if offset > 1<<62 || length > 1<<62 {
		return Location{}, fmt.Errorf("%w: range out of bounds", ErrMalformed)
	}

	return Location{
		Bucket:  bucket,
		Segment: segment,
		Offset:  int64(offset),
		Length:  int64(length),
	}, nil
}
