// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package password implements a credential cipher backend which derives the
// sealing key from a passphrase.
package password

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/seal"
)

// Name is the cipher name of files sealed by the password backend.
const Name = "password"

const (
	formatVersion = 1
	saltSize      = 16
	paramsSize    = 4 + 4 + 1
)

// Params are the Argon2id cost parameters. They are stored in each file so
// that files sealed with older parameters remain readable.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follow the RFC 9106 second recommended option.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// MaxParams bounds the parameters accepted when unsealing so that a crafted
// file cannot demand unbounded time or memory.
var MaxParams = Params{Time: 16, Memory: 1024 * 1024, Threads: 16}

// Option configures a Backend.
type Option func(*Backend)

// WithParams sets the key derivation parameters used when sealing.
func WithParams(p Params) Option {
	return func(b *Backend) { b.params = p }
}

// Backend seals credential files with a key derived from a passphrase.
//
// Layout after the common header:
//
//	time    uint32
//	memory  uint32
//	threads uint8
//	salt    [16]byte
//	body    XChaCha20-Poly1305 ciphertext
//
// Everything before the body is authenticated as associated data.
type Backend struct {
	passphrase []byte
	params     Params
}

var _ seal.Backend = (*Backend)(nil)

// New returns a backend for the given passphrase.
func New(passphrase string, opts ...Option) *Backend {
	b := &Backend{passphrase: []byte(passphrase), params: DefaultParams}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements seal.Backend.
func (b *Backend) Name() string { return Name }

// Probe implements seal.Backend.
func (b *Backend) Probe(ciphertext []byte) bool {
	return seal.HasHeader(ciphertext, seal.PasswordTag)
}

// Seal implements seal.Backend.
func (b *Backend) Seal(plaintext []byte) ([]byte, error) {
	if err := b.params.check(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: error generating salt: %w", devid.ErrCrypto, err)
	}

	header := seal.Header(seal.PasswordTag, formatVersion)
	header = binary.BigEndian.AppendUint32(header, b.params.Time)
	header = binary.BigEndian.AppendUint32(header, b.params.Memory)
	header = append(header, b.params.Threads)
	header = append(header, salt...)

	body, err := seal.Encrypt(b.derive(salt, b.params), plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// Unseal implements seal.Backend.
func (b *Backend) Unseal(ciphertext []byte) ([]byte, error) {
	version, rest, err := seal.SplitHeader(ciphertext, seal.PasswordTag)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: password: unsupported format version %d", devid.ErrCrypto, version)
	}
	if len(rest) < paramsSize+saltSize {
		return nil, fmt.Errorf("%w: password: truncated header", devid.ErrCrypto)
	}
	params := Params{
		Time:    binary.BigEndian.Uint32(rest[0:4]),
		Memory:  binary.BigEndian.Uint32(rest[4:8]),
		Threads: rest[8],
	}
	if err := params.check(); err != nil {
		return nil, err
	}
	salt := rest[paramsSize : paramsSize+saltSize]

	headerLen := seal.HeaderSize + paramsSize + saltSize
	header, body := ciphertext[:headerLen], ciphertext[headerLen:]
	return seal.Decrypt(b.derive(salt, params), body, header)
}

func (b *Backend) derive(salt []byte, p Params) []byte {
	return argon2.IDKey(b.passphrase, salt, p.Time, p.Memory, p.Threads, seal.KeySize)
}

func (p Params) check() error {
	switch {
	case p.Time < 1 || p.Threads < 1 || p.Memory < 8*uint32(p.Threads):
		return fmt.Errorf("%w: password: invalid key derivation parameters %+v", devid.ErrCrypto, p)
	case p.Time > MaxParams.Time || p.Memory > MaxParams.Memory || p.Threads > MaxParams.Threads:
		return fmt.Errorf("%w: password: key derivation parameters %+v exceed limits", devid.ErrCrypto, p)
	}
	return nil
}
