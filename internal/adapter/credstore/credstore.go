// Package credstore implements the credential-store collaborator (§4.6):
// at-rest envelope encryption for vendor API keys saved through
// credential:set/credential:get, keyed from config.Config.CredentialCipherKey.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/ascensum/gen-image-runner/internal/domain"
)

// kdfSalt is fixed rather than per-installation random: the cipher key
// already comes from a secret environment value, and a fixed salt keeps
// GetCredential/SetCredential stateless across process restarts without a
// second secret to manage.
var kdfSalt = []byte("gen-image-runner/credstore/v1")

// KV is the minimal key/value persistence credstore needs; satisfied by
// postgres.KVRepo.
type KV interface {
	Get(ctx domain.Context, key string) (string, bool, error)
	Set(ctx domain.Context, key, value string) error
}

// Store implements rpc.CredentialStore with AES-256-GCM envelope encryption.
// Every SetCredential call draws a fresh nonce, so two encryptions of the
// same plaintext never produce the same ciphertext (spec.md §8 round-trip
// law: encrypt(decrypt(x)) == x, but repeated encrypt(x) varies).
type Store struct {
	kv  KV
	key [32]byte
}

// NewStore derives a 256-bit AES key from rawKey via Argon2id and returns a
// Store backed by kv. rawKey is typically config.Config.CredentialCipherKey.
func NewStore(kv KV, rawKey string) *Store {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(rawKey), kdfSalt, 1, 64*1024, 4, 32))
	return &Store{kv: kv, key: key}
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("op=credstore.cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GetCredential decrypts and returns the plaintext stored under key, or
// domain.ErrNotFound if nothing has been saved yet.
func (s *Store) GetCredential(ctx domain.Context, key string) (string, error) {
	raw, found, err := s.kv.Get(ctx, "credential:"+key)
	if err != nil {
		return "", fmt.Errorf("op=credstore.get: %w", err)
	}
	if !found {
		return "", fmt.Errorf("op=credstore.get: %w", domain.ErrNotFound)
	}

	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("op=credstore.get.decode: %w", err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	if len(blob) < gcm.NonceSize() {
		return "", fmt.Errorf("op=credstore.get: ciphertext too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("op=credstore.get.decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SetCredential encrypts value under a fresh nonce and persists it.
func (s *Store) SetCredential(ctx domain.Context, key, value string) error {
	gcm, err := s.gcm()
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("op=credstore.set.nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(value), nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := s.kv.Set(ctx, "credential:"+key, encoded); err != nil {
		return fmt.Errorf("op=credstore.set: %w", err)
	}
	return nil
}
