package cryptutil

import (
	"bytes"
	"encoding/base64"
	"os"
	"testing"
)

func TestSealOpen_Plaintext(t *testing.T) {
	os.Unsetenv(KeyEnvVar)

	blob := []byte(`{"hello":"world"}`)
	sealed, err := Seal(blob)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed[:6] != "plain:" {
		t.Fatalf("expected plain: prefix, got %q", sealed)
	}

	opened, err := Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, blob) {
		t.Errorf("round trip mismatch: got %q want %q", opened, blob)
	}
}

func TestSealOpen_WithKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	blob := []byte("snapshot payload bytes")

	sealed, err := SealWithKey(blob, key)
	if err != nil {
		t.Fatalf("SealWithKey: %v", err)
	}
	if sealed[:4] != "enc:" {
		t.Fatalf("expected enc: prefix, got %q", sealed)
	}

	opened, err := OpenWithKey(sealed, key)
	if err != nil {
		t.Fatalf("OpenWithKey: %v", err)
	}
	if !bytes.Equal(opened, blob) {
		t.Errorf("round trip mismatch: got %q want %q", opened, blob)
	}
}

func TestOpenWithKey_WrongKeyFails(t *testing.T) {
	key1 := bytes.Repeat([]byte{0x01}, 32)
	key2 := bytes.Repeat([]byte{0x02}, 32)

	sealed, err := SealWithKey([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("SealWithKey: %v", err)
	}
	if _, err := OpenWithKey(sealed, key2); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestKeyFromEnv_HexAndBase64(t *testing.T) {
	hexKey := "4142434445464748494a4b4c4d4e4f505152535455565758595a5b5c5d5e5f60"
	os.Setenv(KeyEnvVar, hexKey)
	defer os.Unsetenv(KeyEnvVar)

	key := KeyFromEnv()
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key from hex, got %d bytes", len(key))
	}

	os.Setenv(KeyEnvVar, base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32)))
	key = KeyFromEnv()
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key from base64, got %d bytes", len(key))
	}
}
