package tilecache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
)

// HashSize is the size of an MD5 digest in bytes.
//
// MD5 is not a security boundary here: the digest exists to match the
// conventional upstream /md5/{z}/{x}/{y} endpoint so a cached tile can be
// compared against the remote copy without re-downloading the payload.
const HashSize = 16

// Hash is the MD5 digest of a tile payload. The zero value means
// "no hash stored".
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros (unset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the digest of the given payload.
func HashBytes(data []byte) Hash {
	return Hash(md5.Sum(data))
}

// HashReader computes the digest of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}
