package crypto_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Hanashi/common/crypto"
)

func makeKey(t *testing.T, seed byte) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i) + seed
	}
	return key
}

func TestSealOpen_Roundtrip(t *testing.T) {
	key := makeKey(t, 0)
	plaintext := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	ciphertext, err := crypto.Seal(key, plaintext, []byte("alice"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("messages")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	recovered, err := crypto.Open(key, ciphertext, []byte("alice"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q, want %q", recovered, plaintext)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	key := makeKey(t, 0)
	c1, err := crypto.Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	c2, err := crypto.Encrypt(key, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of same plaintext produced identical ciphertext")
	}
}

func TestSeal_InvalidKeySize(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"empty", []byte{}},
		{"16-byte", make([]byte, 16)},
		{"31-byte", make([]byte, 31)},
		{"33-byte", make([]byte, 33)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := crypto.Seal(tc.key, []byte("data"), nil); !errors.Is(err, crypto.ErrInvalidKeySize) {
				t.Fatalf("Seal err = %v, want ErrInvalidKeySize", err)
			}
			if _, err := crypto.Open(tc.key, make([]byte, 64), nil); !errors.Is(err, crypto.ErrInvalidKeySize) {
				t.Fatalf("Open err = %v, want ErrInvalidKeySize", err)
			}
		})
	}
}

func TestOpen_Failures(t *testing.T) {
	key := makeKey(t, 0)
	ciphertext, err := crypto.Seal(key, []byte("secret"), []byte("alice"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	cases := []struct {
		name       string
		key        []byte
		ciphertext []byte
		aad        string
	}{
		{"wrong key", makeKey(t, 100), ciphertext, "alice"},
		{"wrong aad", key, ciphertext, "bob"},
		{"missing aad", key, ciphertext, ""},
		{"tampered", key, tampered, "alice"},
		{"too short", key, []byte("short"), "alice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var aad []byte
			if tc.aad != "" {
				aad = []byte(tc.aad)
			}
			if _, err := crypto.Open(tc.key, tc.ciphertext, aad); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestEncryptDecrypt_EmptyPlaintext(t *testing.T) {
	key := makeKey(t, 0)

	ciphertext, err := crypto.Encrypt(key, []byte{})
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}
	recovered, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt empty: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("expected empty plaintext, got %q", recovered)
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k2, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(k1) != crypto.KeySize {
		t.Errorf("len = %d, want %d", len(k1), crypto.KeySize)
	}
	if bytes.Equal(k1, k2) {
		t.Error("two generated keys are identical")
	}
}

func TestDeriveKey(t *testing.T) {
	master := makeKey(t, 7)

	a1, err := crypto.DeriveKey(master, "user-keys")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	a2, _ := crypto.DeriveKey(master, "user-keys")
	b, _ := crypto.DeriveKey(master, "other")

	if !bytes.Equal(a1, a2) {
		t.Error("derivation is not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("different labels produced the same key")
	}
	if bytes.Equal(a1, master) {
		t.Error("derived key equals master")
	}
	if _, err := crypto.DeriveKey(master[:16], "x"); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Errorf("short master err = %v, want ErrInvalidKeySize", err)
	}
}

func TestParseMasterKey(t *testing.T) {
	valid := strings.Repeat("ab", crypto.KeySize)

	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", valid, false},
		{"valid with whitespace", "  " + valid + "\n", false},
		{"empty", "", true},
		{"not hex", strings.Repeat("zz", crypto.KeySize), true},
		{"too short", "abcd", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := crypto.ParseMasterKey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(key) != crypto.KeySize {
				t.Errorf("len = %d", len(key))
			}
		})
	}
}
