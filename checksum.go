package issuecache

import (
	"crypto/md5" //nolint:gosec // md5 is the checksum format of the legacy file API
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex encoding of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashBytes computes the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Algorithm identifies the hash algorithm used in a file checksum.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
	AlgMD5    Algorithm = "md5"
)

// ErrChecksumMismatch is returned when downloaded content does not match the
// checksum announced in its file entry.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum is the expected digest of a content file, as announced by the API.
type Checksum struct {
	Alg    Algorithm
	Digest string // lowercase hex
}

// NewChecksum creates a BLAKE3 checksum for a hash.
func NewChecksum(h Hash) Checksum {
	return Checksum{Alg: AlgBLAKE3, Digest: h.String()}
}

// ParseChecksum parses a checksum string in the form "algorithm:hex".
// Plain hex strings are accepted as legacy values: 32 hex chars are MD5,
// 64 hex chars are BLAKE3.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		switch len(hexStr) {
		case md5.Size * 2:
			algoStr = string(AlgMD5)
		case HashSize * 2:
			algoStr = string(AlgBLAKE3)
		default:
			return Checksum{}, fmt.Errorf("cannot infer algorithm for checksum %q", s)
		}
	}

	alg := Algorithm(strings.ToLower(algoStr))
	size := alg.size()
	if size == 0 {
		return Checksum{}, fmt.Errorf("unsupported algorithm %q in checksum %q", algoStr, s)
	}

	hexStr = strings.ToLower(hexStr)
	if len(hexStr) != size*2 {
		return Checksum{}, fmt.Errorf("invalid %s digest length in checksum %q", alg, s)
	}
	if _, err := hex.DecodeString(hexStr); err != nil {
		return Checksum{}, fmt.Errorf("invalid hex in checksum %q: %w", s, err)
	}

	return Checksum{Alg: alg, Digest: hexStr}, nil
}

// String returns the canonical string form "algorithm:hex".
func (c Checksum) String() string {
	return string(c.Alg) + ":" + c.Digest
}

// IsZero reports whether no checksum was announced.
func (c Checksum) IsZero() bool {
	return c.Digest == ""
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return []byte{}, nil
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = Checksum{}
		return nil
	}
	parsed, err := ParseChecksum(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (a Algorithm) size() int {
	switch a {
	case AlgBLAKE3:
		return HashSize
	case AlgSHA256:
		return sha256.Size
	case AlgMD5:
		return md5.Size
	}
	return 0
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case AlgSHA256:
		return sha256.New()
	case AlgMD5:
		return md5.New() //nolint:gosec // see import
	default:
		return blake3.New()
	}
}

// VerifyingReader wraps a reader and computes the checksum of everything read
// through it, so content can be verified while it is streamed to storage.
type VerifyingReader struct {
	r        io.Reader
	h        hash.Hash
	expected Checksum
	n        int64
}

// NewVerifyingReader creates a reader that hashes content with the algorithm
// of the expected checksum. A zero checksum hashes with BLAKE3 and always
// verifies.
func NewVerifyingReader(r io.Reader, expected Checksum) *VerifyingReader {
	return &VerifyingReader{
		r:        r,
		h:        expected.Alg.newHash(),
		expected: expected,
	}
}

// Read implements io.Reader.
func (vr *VerifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		vr.h.Write(p[:n])
		vr.n += int64(n)
	}
	return n, err
}

// BytesRead returns the total number of bytes read.
func (vr *VerifyingReader) BytesRead() int64 {
	return vr.n
}

// Sum returns the hex digest of all data read so far.
func (vr *VerifyingReader) Sum() string {
	return hex.EncodeToString(vr.h.Sum(nil))
}

// Verify compares the digest of the data read so far with the expected
// checksum.
func (vr *VerifyingReader) Verify() error {
	if vr.expected.IsZero() {
		return nil
	}
	if got := vr.Sum(); got != vr.expected.Digest {
		return fmt.Errorf("%w: expected %s, got %s:%s", ErrChecksumMismatch, vr.expected, vr.expected.Alg, got)
	}
	return nil
}
