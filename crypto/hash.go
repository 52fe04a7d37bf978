package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const Size = sha256.Size

type Hash [Size]byte

var ZeroHash Hash

func Hasher(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashPair hashes the concatenation of two byte slices without the caller
// assembling the joined buffer.
func HashPair(a, b []byte) Hash {
	digest := sha256.New()
	digest.Write(a)
	digest.Write(b)
	var hash Hash
	copy(hash[:], digest.Sum(nil))
	return hash
}

func BytesToHash(data []byte) Hash {
	var hash Hash
	if len(data) != Size {
		return hash
	}
	copy(hash[:], data)
	return hash
}

func (h Hash) Equal(another Hash) bool {
	return h == another
}

func (h Hash) Equals(another []byte) bool {
	if len(another) != Size {
		return false
	}
	return bytes.Equal(h[:], another)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}
