package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("GenerateMasterKey() key length = %d, want %d", len(key), KeySize)
	}

	key2, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	if bytes.Equal(key, key2) {
		t.Error("GenerateMasterKey() generated identical keys")
	}
}

func TestNewKeyManager(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"valid key", 32, false},
		{"short key", 16, true},
		{"long key", 64, true},
		{"empty key", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			_, err := NewKeyManager(key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGeneratePassword(t *testing.T) {
	password, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword() error = %v", err)
	}

	decoded, err := base64.URLEncoding.DecodeString(password)
	if err != nil {
		t.Fatalf("GeneratePassword() produced invalid base64: %v", err)
	}
	if len(decoded) != PasswordLength {
		t.Errorf("GeneratePassword() decoded length = %d, want %d", len(decoded), PasswordLength)
	}

	password2, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword() error = %v", err)
	}
	if password == password2 {
		t.Error("GeneratePassword() generated identical passwords")
	}
}

func TestKeyManager_EncryptDecrypt(t *testing.T) {
	key, _ := GenerateMasterKey()
	km, _ := NewKeyManager(key)

	plaintext := []byte("test-repository-password-12345")

	ciphertext, err := km.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(plaintext, ciphertext) {
		t.Error("Encrypt() ciphertext equals plaintext")
	}

	decrypted, err := km.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("Decrypt() = %s, want %s", decrypted, plaintext)
	}
}

func TestKeyManager_Encrypt_ProducesUniqueCiphertexts(t *testing.T) {
	key, _ := GenerateMasterKey()
	km, _ := NewKeyManager(key)

	plaintext := []byte("same-plaintext-every-time")

	ct1, err := km.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ct2, err := km.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Different nonces should produce different ciphertexts
	if bytes.Equal(ct1, ct2) {
		t.Error("Encrypt() produced identical ciphertexts for same plaintext")
	}
}

func TestKeyManager_DecryptWithWrongKey(t *testing.T) {
	key, _ := GenerateMasterKey()
	km, _ := NewKeyManager(key)

	wrongKey, _ := GenerateMasterKey()
	km2, _ := NewKeyManager(wrongKey)

	ciphertext, _ := km.Encrypt([]byte("test"))

	if _, err := km2.Decrypt(ciphertext); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestKeyManager_TamperedCiphertext(t *testing.T) {
	key, _ := GenerateMasterKey()
	km, _ := NewKeyManager(key)

	ciphertext, err := km.Encrypt([]byte("sensitive-data-that-must-not-be-altered"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tests := []struct {
		name   string
		tamper func([]byte) []byte
	}{
		{
			"flip bit in nonce",
			func(ct []byte) []byte {
				tampered := append([]byte(nil), ct...)
				tampered[0] ^= 0x01
				return tampered
			},
		},
		{
			"flip bit in GCM tag",
			func(ct []byte) []byte {
				tampered := append([]byte(nil), ct...)
				tampered[len(tampered)-1] ^= 0x01
				return tampered
			},
		},
		{
			"truncate last byte",
			func(ct []byte) []byte {
				return ct[:len(ct)-1]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := km.Decrypt(tt.tamper(ciphertext)); err != ErrDecryptionFailed {
				t.Errorf("Decrypt(tampered) error = %v, want %v", err, ErrDecryptionFailed)
			}
		})
	}
}

func TestKeyManager_DecryptTooShort(t *testing.T) {
	key, _ := GenerateMasterKey()
	km, _ := NewKeyManager(key)

	if _, err := km.Decrypt([]byte("short")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short) error = %v, want %v", err, ErrInvalidCiphertext)
	}
}

func TestMasterKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateMasterKey()

	encoded := MasterKeyToBase64(key)
	decoded, err := MasterKeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("MasterKeyFromBase64() error = %v", err)
	}

	if !bytes.Equal(key, decoded) {
		t.Errorf("MasterKeyFromBase64() = %v, want %v", decoded, key)
	}
}

func TestMasterKeyFromBase64_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"wrong length", "dG9vLXNob3J0"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MasterKeyFromBase64(tt.encoded); err == nil {
				t.Error("MasterKeyFromBase64() expected error, got nil")
			}
		})
	}
}

func TestMasterKeyFromHex(t *testing.T) {
	key, _ := GenerateMasterKey()

	decoded, err := MasterKeyFromHex(hex.EncodeToString(key))
	if err != nil {
		t.Fatalf("MasterKeyFromHex() error = %v", err)
	}
	if !bytes.Equal(key, decoded) {
		t.Errorf("MasterKeyFromHex() = %v, want %v", decoded, key)
	}

	tests := []struct {
		name    string
		encoded string
	}{
		{"invalid hex", "zzzz"},
		{"wrong length", "deadbeef"},
		{"empty string", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MasterKeyFromHex(tt.encoded); err == nil {
				t.Error("MasterKeyFromHex() expected error, got nil")
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	if len(salt) != SaltSize {
		t.Errorf("GenerateSalt() length = %d, want %d", len(salt), SaltSize)
	}

	key1 := DeriveKey([]byte("correct horse battery staple"), salt)
	key2 := DeriveKey([]byte("correct horse battery staple"), salt)
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveKey() is not deterministic for same passphrase and salt")
	}
	if len(key1) != KeySize {
		t.Errorf("DeriveKey() length = %d, want %d", len(key1), KeySize)
	}

	otherSalt, _ := GenerateSalt()
	if bytes.Equal(key1, DeriveKey([]byte("correct horse battery staple"), otherSalt)) {
		t.Error("DeriveKey() ignored the salt")
	}
	if bytes.Equal(key1, DeriveKey([]byte("wrong passphrase"), salt)) {
		t.Error("DeriveKey() ignored the passphrase")
	}

	// Derived keys must work with the key manager
	km, err := NewKeyManager(key1)
	if err != nil {
		t.Fatalf("NewKeyManager(derived) error = %v", err)
	}
	ct, err := km.Encrypt([]byte("vault-payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := km.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "vault-payload" {
		t.Errorf("round-trip = %q, want %q", pt, "vault-payload")
	}
}
