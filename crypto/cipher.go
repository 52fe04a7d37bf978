package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

const CipherKeySize = 32

var ErrDecrypt = errors.New("could not decrypt message")

// Cipher is an AES-256-CBC channel cipher. Every sealed frame carries a fresh
// random IV prepended to the ciphertext; plaintext is PKCS#7 padded.
type Cipher struct {
	block cipher.Block
}

func CipherFromKey(key []byte) Cipher {
	if len(key) != CipherKeySize {
		panic("cipher key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	return Cipher{block: block}
}

func (c Cipher) Seal(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for n := len(data); n < len(padded); n++ {
		padded[n] = byte(padding)
	}
	sealed := make([]byte, aes.BlockSize+len(padded))
	iv := sealed[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		panic(err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(sealed[aes.BlockSize:], padded)
	return sealed
}

func (c Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 2*aes.BlockSize || len(sealed)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}
	iv := sealed[:aes.BlockSize]
	data := make([]byte, len(sealed)-aes.BlockSize)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(data, sealed[aes.BlockSize:])
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, ErrDecrypt
	}
	for n := len(data) - padding; n < len(data); n++ {
		if data[n] != byte(padding) {
			return nil, ErrDecrypt
		}
	}
	return data[:len(data)-padding], nil
}
