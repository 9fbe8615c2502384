// Package crypto seals credential headers of queued writes at rest.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mdrrmo/fieldsync/internal/models"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// sealedPrefix marks a header value sealed by a Sealer.
const sealedPrefix = "sealed:v1:"

// SensitiveHeaders are the headers a Sealer encrypts.
var SensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
}

// Encrypt encrypts plaintext using AES-256-GCM.
// The key is derived from the input using SHA-256.
func Encrypt(plaintext, key []byte) (string, error) {
	derivedKey := sha256.Sum256(key)

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	derivedKey := sha256.Sum256(key)

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// Sealed reports whether v was produced by SealValue.
func Sealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Sealer encrypts sensitive header values with one secret.
type Sealer struct {
	key []byte
}

// NewSealer returns a Sealer keyed by secret.
func NewSealer(secret string) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrInvalidKey
	}
	return &Sealer{key: []byte("fieldsync:" + secret)}, nil
}

// SealValue encrypts v. Already sealed values are returned unchanged.
func (s *Sealer) SealValue(v string) (string, error) {
	if Sealed(v) {
		return v, nil
	}
	ct, err := Encrypt([]byte(v), s.key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + ct, nil
}

// OpenValue decrypts a sealed value. Plain values are returned unchanged.
func (s *Sealer) OpenValue(v string) (string, error) {
	if !Sealed(v) {
		return v, nil
	}
	pt, err := Decrypt(strings.TrimPrefix(v, sealedPrefix), s.key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SealHeaders returns a copy of h with sensitive values sealed.
func (s *Sealer) SealHeaders(h []models.Header) ([]models.Header, error) {
	if len(h) == 0 {
		return h, nil
	}
	out := make([]models.Header, len(h))
	for i, hd := range h {
		out[i] = hd
		if !SensitiveHeaders[http.CanonicalHeaderKey(hd.Name)] {
			continue
		}
		v, err := s.SealValue(hd.Value)
		if err != nil {
			return nil, err
		}
		out[i].Value = v
	}
	return out, nil
}

// OpenHeaders returns a copy of h with sealed values decrypted. Values that
// cannot be opened, for example after a key change, are left out and their
// names returned in dropped.
func (s *Sealer) OpenHeaders(h []models.Header) (out []models.Header, dropped []string) {
	if len(h) == 0 {
		return h, nil
	}
	out = make([]models.Header, 0, len(h))
	for _, hd := range h {
		v, err := s.OpenValue(hd.Value)
		if err != nil {
			dropped = append(dropped, hd.Name)
			continue
		}
		out = append(out, models.Header{Name: hd.Name, Value: v})
	}
	return out, dropped
}
