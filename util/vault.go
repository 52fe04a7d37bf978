package util

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/riddlenet/riddle/crypto"
)

// SecureVault is a password-protected file holding a node's private key and
// any number of sealed entries. The cipher key is derived from the password
// with scrypt over a random salt stored in the file header.
type SecureVault struct {
	SecretKey crypto.PrivateKey
	Entries   [][]byte
	file      io.WriteCloser
	cipher    crypto.Cipher
}

func vaultKey(password, salt []byte) (crypto.Cipher, error) {
	key, err := scrypt.Key(password, salt, 32768, 8, 1, crypto.CipherKeySize)
	if err != nil {
		return crypto.Cipher{}, fmt.Errorf("could not derive cipher key from password: %v", err)
	}
	return crypto.CipherFromKey(key), nil
}

func (s *SecureVault) NewEntry(data []byte) error {
	sealed := s.cipher.Seal(data)
	s.Entries = append(s.Entries, data)
	bytes := make([]byte, 0)
	PutByteArray(sealed, &bytes)
	if n, err := s.file.Write(bytes); n != len(bytes) || err != nil {
		return fmt.Errorf("could not write entry to vault file: %v", err)
	}
	return nil
}

func (s *SecureVault) Close() {
	s.file.Close()
}

func NewSecureVault(password []byte, fileName string) (*SecureVault, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not create vault file: %v", err)
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	cipher, err := vaultKey(password, salt)
	if err != nil {
		return nil, err
	}
	_, secret := crypto.RandomKeyPair()
	vault := SecureVault{
		SecretKey: secret,
		Entries:   make([][]byte, 0),
		file:      file,
		cipher:    cipher,
	}
	data := make([]byte, 0)
	PutByteArray(salt, &data)
	PutByteArray(vault.cipher.Seal(secret[:]), &data)
	if n, err := file.Write(data); n != len(data) || err != nil {
		return nil, fmt.Errorf("could not write vault header: %v", err)
	}
	return &vault, nil
}

func OpenVaultFromPassword(password []byte, fileName string) (*SecureVault, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("could not read vault file: %v", err)
	}
	position := 0
	var salt []byte
	salt, position = ParseByteArray(data, position)
	if position > len(data) {
		return nil, fmt.Errorf("vault file seems corrupted")
	}
	cipher, err := vaultKey(password, salt)
	if err != nil {
		return nil, err
	}
	vault := SecureVault{
		Entries: make([][]byte, 0),
		cipher:  cipher,
	}
	items := make([][]byte, 0)
	for position < len(data) {
		var sealed []byte
		sealed, position = ParseByteArray(data, position)
		if position > len(data) {
			return nil, fmt.Errorf("vault file seems corrupted")
		}
		naked, err := vault.cipher.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("could not decrypt vault entry: %v", err)
		}
		items = append(items, naked)
	}
	if len(items) == 0 || len(items[0]) != crypto.PrivateKeySize {
		return nil, fmt.Errorf("vault file seems corrupted")
	}
	copy(vault.SecretKey[:], items[0])
	vault.Entries = items[1:]
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open vault for append: %v", err)
	}
	vault.file = file
	return &vault, nil
}
