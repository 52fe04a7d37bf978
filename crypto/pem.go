package crypto

import (
	"encoding/pem"
	"errors"
	"os"
)

var ErrPrivateKeyParse = errors.New("could not parse private key")

const privateKeyPEMType = "RIDDLE PRIVATE KEY"

func EncodePEMPrivateKey(pk PrivateKey) []byte {
	block := &pem.Block{
		Type:  privateKeyPEMType,
		Bytes: pk[:],
	}
	return pem.EncodeToMemory(block)
}

func ParsePEMPrivateKey(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyPEMType {
		return ZeroPrivateKey, ErrPrivateKeyParse
	}
	if len(block.Bytes) != PrivateKeySize {
		return ZeroPrivateKey, ErrPrivateKeyParse
	}
	var pk PrivateKey
	copy(pk[:], block.Bytes)
	return pk, nil
}

// LoadOrCreateKeyFile reads the PEM key file at path, creating it with a fresh
// keypair if it does not exist.
func LoadOrCreateKeyFile(path string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParsePEMPrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return ZeroPrivateKey, err
	}
	_, pk := RandomKeyPair()
	if err := os.WriteFile(path, EncodePEMPrivateKey(pk), 0600); err != nil {
		return ZeroPrivateKey, err
	}
	return pk, nil
}
