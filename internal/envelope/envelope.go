// Package envelope encrypts file payloads with a fresh Fernet key per file.
//
// Keys are URL-safe base64 strings as produced by any Fernet implementation.
// Losing the key makes the ciphertext unreadable, which is how deleting a
// metadata record shreds the file.
package envelope

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrIntegrity is returned when a token was tampered with or the key is wrong.
var ErrIntegrity = errors.New("envelope: integrity check failed")

// GenerateKey returns a new random key in its encoded form.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// Encrypt seals plaintext under key.
func Encrypt(plaintext []byte, key string) ([]byte, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	tok, err := fernet.EncryptAndSign(plaintext, k)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

// Decrypt opens a token produced by Encrypt. Tokens do not expire.
// Any failure, including a malformed key, wraps ErrIntegrity.
func Decrypt(ciphertext []byte, key string) ([]byte, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	msg := fernet.VerifyAndDecrypt(ciphertext, 0, []*fernet.Key{k})
	if msg == nil {
		return nil, ErrIntegrity
	}
	return msg, nil
}
