package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FormatV1 tags ciphertexts holding a JSON envelope sealed by a Cipher.
const FormatV1 = "vcv1:"

var ErrUnknownFormat = errors.New("unknown ciphertext format")

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}:`)

// UnknownFormatError reports a ciphertext whose format tag is not recognized.
// Prefix is only populated when the input starts with something shaped like a
// tag, so the error never echoes arbitrary input.
type UnknownFormatError struct {
	Prefix string
}

func (e *UnknownFormatError) Error() string {
	if e.Prefix == "" {
		return ErrUnknownFormat.Error()
	}
	return fmt.Sprintf("%s %q", ErrUnknownFormat.Error(), e.Prefix)
}

func (e *UnknownFormatError) Is(target error) bool {
	return target == ErrUnknownFormat
}

// Vault turns API keys into tagged ciphertext strings suitable for storage.
type Vault struct {
	cipher Cipher
}

func NewVault(c Cipher) *Vault {
	return &Vault{cipher: c}
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	env, err := v.cipher.Seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return FormatV1 + base64.RawURLEncoding.EncodeToString(b), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	pt, err := v.cipher.Open(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt re-seals a ciphertext under the cipher's current key.
func (v *Vault) ReEncrypt(ciphertext string) (string, error) {
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plain)
}

// Stale reports whether a ciphertext was sealed under a key other than the
// cipher's current one. Ciphers that do not expose key ids are always stale.
func (v *Vault) Stale(ciphertext string) (bool, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return false, err
	}
	k, ok := v.cipher.(interface{ CurrentKeyID() string })
	if !ok {
		return true, nil
	}
	return env.KeyID != k.CurrentKeyID(), nil
}

func parseEnvelope(ciphertext string) (Envelope, error) {
	if !strings.HasPrefix(ciphertext, FormatV1) {
		return Envelope{}, &UnknownFormatError{Prefix: tagPattern.FindString(ciphertext)}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, FormatV1))
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
