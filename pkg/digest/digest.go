package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// FingerprintSize is the size of a Fingerprint in bytes.
const FingerprintSize = sha256.Size

// Fingerprint is the SHA-256 hash of a blob's contents. It renders as
// 64 lowercase hexadecimal digits.
type Fingerprint [FingerprintSize]byte

// FingerprintFromHex parses the 64-character lowercase hexadecimal
// representation of a Fingerprint.
func FingerprintFromHex(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != 2*FingerprintSize {
		return f, status.Errorf(codes.InvalidArgument, "Fingerprint %#v is %d characters long, while %d characters were expected", s, len(s), 2*FingerprintSize)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, status.Errorf(codes.InvalidArgument, "Fingerprint %#v is not a valid hexadecimal string: %s", s, err)
	}
	copy(f[:], b)
	return f, nil
}

// Hex returns the lowercase hexadecimal representation of the
// Fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// Digest uniquely identifies a blob in a content addressed store by
// the fingerprint of its contents and its size in bytes.
type Digest struct {
	fingerprint Fingerprint
	sizeBytes   int64
}

// Empty is the digest of the zero-byte blob. All storage providers
// handle it without performing any I/O.
var Empty = OfBytes(nil)

// New creates a Digest from a Fingerprint and a size that are already
// known to belong together.
func New(fingerprint Fingerprint, sizeBytes int64) Digest {
	return Digest{fingerprint: fingerprint, sizeBytes: sizeBytes}
}

// NewFromHex creates a Digest from the hexadecimal representation of
// its fingerprint and its size in bytes.
func NewFromHex(hash string, sizeBytes int64) (Digest, error) {
	fingerprint, err := FingerprintFromHex(hash)
	if err != nil {
		return Digest{}, err
	}
	if sizeBytes < 0 {
		return Digest{}, status.Errorf(codes.InvalidArgument, "Invalid digest size: %d bytes", sizeBytes)
	}
	return New(fingerprint, sizeBytes), nil
}

// OfBytes computes the Digest of a byte slice.
func OfBytes(b []byte) Digest {
	return Digest{
		fingerprint: sha256.Sum256(b),
		sizeBytes:   int64(len(b)),
	}
}

// OfProto marshals a Protobuf message deterministically and computes
// the digest of the resulting bytes. The marshaled form is returned as
// well, so that callers can store it without marshaling twice.
func OfProto(m proto.Message) (Digest, []byte, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return Digest{}, nil, status.Errorf(codes.Internal, "Failed to marshal message: %s", err)
	}
	return OfBytes(data), data, nil
}

// Fingerprint returns the SHA-256 fingerprint part of the Digest.
func (d Digest) Fingerprint() Fingerprint {
	return d.fingerprint
}

// SizeBytes returns the size of the blob denoted by the Digest.
func (d Digest) SizeBytes() int64 {
	return d.sizeBytes
}

// Hex returns the hexadecimal representation of the fingerprint.
func (d Digest) Hex() string {
	return d.fingerprint.Hex()
}

// IsEmpty returns whether the Digest denotes the zero-byte blob.
func (d Digest) IsEmpty() bool {
	return d == Empty
}

func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hex(), d.sizeBytes)
}

// ToProto converts the Digest to its REAPI wire representation.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      d.Hex(),
		SizeBytes: d.sizeBytes,
	}
}

// FromProto validates and converts a REAPI digest message. A nil
// message denotes the empty digest, as REAPI permits omitting digests
// of empty blobs.
func FromProto(m *remoteexecution.Digest) (Digest, error) {
	if m == nil {
		return Empty, nil
	}
	return NewFromHex(m.Hash, m.SizeBytes)
}
