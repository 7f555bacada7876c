// Package vault provides security primitives including AES-GCM encryption of
// biometric artifacts, per-owner key derivation and TLS certificate
// generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of master and derived keys (AES-256).
const KeySize = 32

// sealVersion is prepended to every sealed blob and authenticated as AAD.
const sealVersion byte = 0x01

var hkdfInfoArtifact = []byte("celerix.identity.artifact.v1")

// DeriveKey derives the artifact key of one owner from the deployment master
// key. The same owner always derives the same key.
func DeriveKey(masterKey, owner []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	info := make([]byte, 0, len(hkdfInfoArtifact)+len(owner))
	info = append(info, hkdfInfoArtifact...)
	info = append(info, owner...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// ParseMasterKey decodes a hex encoded 32-byte master key.
func ParseMasterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts plaintext under a 32-byte key. The blob layout is
//
//	[version (1)] [nonce (12)] [ciphertext+tag]
//
// The version byte and binding are authenticated, so a blob sealed for one
// owner does not open for another even under the same key.
func Seal(plaintext, key, binding []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Create the unique nonce (number used once) for this encryption
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, aad(binding)), nil
}

// Open reverses Seal.
func Open(blob, key, binding []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < 1+nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("unsupported blob version %d", blob[0])
	}

	nonce, ciphertext := blob[1:1+nonceSize], blob[1+nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad(binding))
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong key or tampered data)")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// GCM is a standard mode that provides authenticated encryption
	return cipher.NewGCM(block)
}

func aad(binding []byte) []byte {
	return append([]byte{sealVersion}, binding...)
}
