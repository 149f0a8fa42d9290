// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package seal defines the cipher backend interface used to protect a
// device's secrets at rest and the header that identifies which backend
// produced a sealed file.
//
// Every sealed file begins with
//
//	magic   [8]byte "DEVIDKEY"
//	tag     uint8   backend identifier
//	version uint8   backend format version
//
// followed by a backend-specific body. Backends authenticate their complete
// header (including these ten bytes) as AEAD associated data, so a header
// cannot be swapped between files.
package seal

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fido-device-onboard/go-devid"
)

// Backend seals and unseals secrets and recognizes its own ciphertexts.
type Backend interface {
	// Name is the cipher name reported for files sealed by this backend.
	Name() string

	// Seal encrypts plaintext, returning a complete file body including
	// the header.
	Seal(plaintext []byte) ([]byte, error)

	// Unseal decrypts a file body. Any failure wraps devid.ErrCrypto.
	Unseal(ciphertext []byte) ([]byte, error)

	// Probe reports whether ciphertext carries this backend's header. It
	// must not require any secret.
	Probe(ciphertext []byte) bool
}

// Tag identifies a backend in the file header.
type Tag uint8

// Backend tags
const (
	PasswordTag Tag = 1
	TPMTag      Tag = 2
)

// String returns the cipher name of the backend with this tag.
func (t Tag) String() string {
	switch t {
	case PasswordTag:
		return "password"
	case TPMTag:
		return "tpm"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Hardware-backed ciphers are recognized first.
var detectOrder = []Tag{TPMTag, PasswordTag}

// Detect identifies the backend that sealed data from its header alone. It
// returns devid.ErrUnknownCipher when no known header matches.
func Detect(data []byte) (Tag, error) {
	for _, tag := range detectOrder {
		if HasHeader(data, tag) {
			return tag, nil
		}
	}
	return 0, devid.ErrUnknownCipher
}

var magic = []byte("DEVIDKEY")

// HeaderSize is the length of the common header prefix.
const HeaderSize = 10

// Header returns the common header prefix for a backend tag and version.
func Header(tag Tag, version uint8) []byte {
	h := make([]byte, 0, HeaderSize)
	h = append(h, magic...)
	return append(h, byte(tag), version)
}

// HasHeader reports whether data begins with the common header of a tag.
// Any format version matches.
func HasHeader(data []byte, tag Tag) bool {
	return len(data) >= HeaderSize && bytes.Equal(data[:len(magic)], magic) && Tag(data[len(magic)]) == tag
}

// SplitHeader checks the common header of data and returns the format
// version and the remainder.
func SplitHeader(data []byte, tag Tag) (version uint8, rest []byte, err error) {
	if !HasHeader(data, tag) {
		return 0, nil, fmt.Errorf("%w: missing or foreign cipher header", devid.ErrCrypto)
	}
	return data[HeaderSize-1], data[HeaderSize:], nil
}

// KeySize is the size of keys accepted by Encrypt and Decrypt.
const KeySize = chacha20poly1305.KeySize

// Encrypt seals plaintext with XChaCha20-Poly1305 under key, binding the
// associated data. The random nonce is prepended to the result.
func Encrypt(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devid.ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: error generating nonce: %w", devid.ErrCrypto, err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Decrypt opens a nonce-prefixed ciphertext produced by Encrypt.
func Decrypt(key, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devid.ErrCrypto, err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", devid.ErrCrypto)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed (wrong key or corrupted data)", devid.ErrCrypto)
	}
	return plaintext, nil
}
