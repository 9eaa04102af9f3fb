package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestVaultEncryptDecrypt(t *testing.T) {
	v := newTestVault(t)

	for _, secret := range []string{"", "x", "sk-or-v1-0123456789abcdef", "ключ\x00\xff"} {
		raw, err := v.Encrypt(secret)
		if err != nil {
			t.Fatalf("encrypt %q: %v", secret, err)
		}
		if !strings.HasPrefix(raw, FormatV1) {
			t.Fatalf("expected %q prefix, got %q", FormatV1, raw)
		}
		if secret != "" && strings.Contains(raw, secret) {
			t.Fatalf("ciphertext contains plaintext")
		}

		out, err := v.Decrypt(raw)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if out != secret {
			t.Fatalf("expected %q, got %q", secret, out)
		}
	}
}

func TestVaultEncryptIsRandomized(t *testing.T) {
	v := newTestVault(t)
	a, _ := v.Encrypt("same-secret-value")
	b, _ := v.Encrypt("same-secret-value")
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated encryption")
	}
}

func TestVaultDecryptUnknownFormat(t *testing.T) {
	v := newTestVault(t)

	for _, raw := range []string{"sk-plaintext-key", "vcv0:abcd", "", `{"kid":"k1"}`} {
		_, err := v.Decrypt(raw)
		if !errors.Is(err, ErrUnknownFormat) {
			t.Fatalf("%q: expected ErrUnknownFormat, got %v", raw, err)
		}
		var ufe *UnknownFormatError
		if !errors.As(err, &ufe) {
			t.Fatalf("%q: expected *UnknownFormatError, got %T", raw, err)
		}
	}

	_, err := v.Decrypt("vcv0:abcd")
	var ufe *UnknownFormatError
	errors.As(err, &ufe)
	if ufe.Prefix != "vcv0:" {
		t.Fatalf("expected prefix vcv0:, got %q", ufe.Prefix)
	}
}

func TestVaultDecryptTampered(t *testing.T) {
	v := newTestVault(t)
	raw, err := v.Encrypt("super-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v.Decrypt(raw[:len(raw)-4]); err == nil {
		t.Fatalf("expected error for truncated ciphertext")
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := NewVault(oldManager).Encrypt("legacy")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotatedManager, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}
	rotated := NewVault(rotatedManager)

	plain, err := rotated.Decrypt(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if stale, err := rotated.Stale(oldCipher); err != nil || !stale {
		t.Fatalf("expected old ciphertext to be stale, got %v (%v)", stale, err)
	}

	reencrypted, err := rotated.ReEncrypt(oldCipher)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if stale, err := rotated.Stale(reencrypted); err != nil || stale {
		t.Fatalf("expected re-encrypted ciphertext to be current, got %v (%v)", stale, err)
	}
	newOnly, err := NewManager("new", map[string][]byte{"new": newKey})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fresh, err := NewVault(newOnly).Decrypt(reencrypted)
	if err != nil {
		t.Fatalf("decrypt re-encrypted with new key only: %v", err)
	}
	if fresh != "legacy" {
		t.Fatalf("unexpected re-encrypted plaintext: %q", fresh)
	}
}

func TestNewManagerValidation(t *testing.T) {
	key := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if _, err := NewManager("", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for empty current id")
	}
	if _, err := NewManager("k", nil); err == nil {
		t.Fatalf("expected error for empty keys")
	}
	if _, err := NewManager("x", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewManager("k", map[string][]byte{"k": key[:16]}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return NewVault(m)
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
