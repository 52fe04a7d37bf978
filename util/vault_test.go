package util

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestVaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.dat")
	vault, err := NewSecureVault([]byte("hunter2"), path)
	if err != nil {
		t.Fatal(err)
	}
	secret := vault.SecretKey
	if err := vault.NewEntry([]byte("first entry")); err != nil {
		t.Fatal(err)
	}
	if err := vault.NewEntry([]byte("second entry")); err != nil {
		t.Fatal(err)
	}
	vault.Close()

	reopened, err := OpenVaultFromPassword([]byte("hunter2"), path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.SecretKey != secret {
		t.Error("secret key did not survive a reopen")
	}
	if len(reopened.Entries) != 2 || !bytes.Equal(reopened.Entries[0], []byte("first entry")) {
		t.Error("entries did not survive a reopen")
	}
}

func TestVaultWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.dat")
	vault, err := NewSecureVault([]byte("correct"), path)
	if err != nil {
		t.Fatal(err)
	}
	vault.Close()
	if _, err := OpenVaultFromPassword([]byte("wrong"), path); err == nil {
		t.Error("wrong password must not open the vault")
	}
}

func TestVaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.dat")
	vault, err := NewSecureVault([]byte("pw"), path)
	if err != nil {
		t.Fatal(err)
	}
	vault.Close()
	if _, err := NewSecureVault([]byte("pw"), path); err == nil {
		t.Error("an existing vault must not be overwritten")
	}
}
