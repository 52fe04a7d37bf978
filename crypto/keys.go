package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	TokenSize      = 33
	PrivateKeySize = 32
	SignatureSize  = 64
)

var (
	ErrKeyGen = errors.New("could not derive key")
	ErrSign   = errors.New("could not sign message")
	ErrVerify = errors.New("signature is invalid")
)

var (
	ZeroToken      Token
	ZeroPrivateKey PrivateKey
)

// Token is a compressed secp256k1 public key. It is both the identity of a
// node and its total ordering key (lexicographic byte compare).
type Token [TokenSize]byte

type PrivateKey [PrivateKeySize]byte

// Signature is a compact r||s ECDSA signature over the sha256 of the message.
type Signature [SignatureSize]byte

func RandomKeyPair() (Token, PrivateKey) {
	secret, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	var pk PrivateKey
	copy(pk[:], secret.Serialize())
	return pk.PublicKey(), pk
}

func (pk PrivateKey) PublicKey() Token {
	secret := secp256k1.PrivKeyFromBytes(pk[:])
	var token Token
	copy(token[:], secret.PubKey().SerializeCompressed())
	return token
}

func (pk PrivateKey) Sign(msg []byte) Signature {
	secret := secp256k1.PrivKeyFromBytes(pk[:])
	digest := sha256.Sum256(msg)
	compact := ecdsa.SignCompact(secret, digest[:], true)
	var signature Signature
	copy(signature[:], compact[1:])
	return signature
}

func (t Token) Verify(msg []byte, signature Signature) bool {
	pubKey, err := secp256k1.ParsePubKey(t[:])
	if err != nil {
		return false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(signature[0:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(signature[32:64]); overflow {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], pubKey)
}

func (t Token) Equal(another Token) bool {
	return t == another
}

// Less is the canonical ordering of tokens used for brackets and tie breaks.
func (t Token) Less(another Token) bool {
	return bytes.Compare(t[:], another[:]) < 0
}

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

func (t Token) Hex() string {
	return hex.EncodeToString(t[:])
}

func TokenFromString(s string) Token {
	var token Token
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != TokenSize {
		return ZeroToken
	}
	copy(token[:], decoded)
	return token
}

// SharedSecret derives the symmetric session key between two nodes: the
// secp256k1 ECDH point passed through sha256. Both ends derive the same key.
func SharedSecret(pk PrivateKey, remote Token) ([32]byte, error) {
	var key [32]byte
	pubKey, err := secp256k1.ParsePubKey(remote[:])
	if err != nil {
		return key, ErrKeyGen
	}
	secret := secp256k1.PrivKeyFromBytes(pk[:])
	shared := secp256k1.GenerateSharedSecret(secret, pubKey)
	return sha256.Sum256(shared), nil
}
