// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/seal"
)

// Name is the cipher name of files sealed by the TPM backend.
const Name = "tpm"

const formatVersion = 1

// Backend seals credential files with a data key that only the TPM can
// release. Each file carries a keyed-hash sealed object, created under an
// owner hierarchy storage key chosen by the key ID, whose sensitive data is
// the data key and whose user auth is derived from the PIN.
//
// Layout after the common header:
//
//	keyID   uint32
//	public  uint16 length + TPM2B_PUBLIC contents
//	private uint16 length + TPM2B_PRIVATE buffer
//	body    XChaCha20-Poly1305 ciphertext
//
// Everything before the body is authenticated as associated data.
type Backend struct {
	tpm   TPM
	keyID uint32
	auth  []byte
}

var _ seal.Backend = (*Backend)(nil)

// NewBackend returns a backend for the token reachable through t. The key ID
// selects the storage primary key and the PIN authorizes unsealing.
func NewBackend(t TPM, keyID uint32, pin string) *Backend {
	auth := sha256.Sum256([]byte(pin))
	return &Backend{tpm: t, keyID: keyID, auth: auth[:]}
}

// Name implements seal.Backend.
func (b *Backend) Name() string { return Name }

// Probe implements seal.Backend.
func (b *Backend) Probe(ciphertext []byte) bool {
	return seal.HasHeader(ciphertext, seal.TPMTag)
}

// Seal implements seal.Backend.
func (b *Backend) Seal(plaintext []byte) (_ []byte, err error) {
	dek := make([]byte, seal.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("%w: error generating data key: %w", devid.ErrCrypto, err)
	}

	srk, err := b.storageKey()
	if err != nil {
		return nil, err
	}
	defer b.flush(srk.Handle, &err)

	created, err := tpm2.Create{
		ParentHandle: *srk,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: b.auth},
				Data:     tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{Buffer: dek}),
			},
		},
		InPublic: tpm2.New2B(sealedTemplate()),
	}.Execute(b.tpm)
	if err != nil {
		return nil, fmt.Errorf("%w: tpm: create sealed object: %w", devid.ErrCrypto, err)
	}

	header := seal.Header(seal.TPMTag, formatVersion)
	header = binary.BigEndian.AppendUint32(header, b.keyID)
	header, err = appendBlob(header, created.OutPublic.Bytes())
	if err != nil {
		return nil, err
	}
	header, err = appendBlob(header, created.OutPrivate.Buffer)
	if err != nil {
		return nil, err
	}

	body, err := seal.Encrypt(dek, plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// Unseal implements seal.Backend.
func (b *Backend) Unseal(ciphertext []byte) (_ []byte, err error) {
	version, rest, err := seal.SplitHeader(ciphertext, seal.TPMTag)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: tpm: unsupported format version %d", devid.ErrCrypto, version)
	}

	r := bytes.NewReader(rest)
	var keyID uint32
	if err := binary.Read(r, binary.BigEndian, &keyID); err != nil {
		return nil, fmt.Errorf("%w: tpm: truncated header", devid.ErrCrypto)
	}
	if keyID != b.keyID {
		return nil, fmt.Errorf("%w: tpm: sealed under key id %d, not %d", devid.ErrCrypto, keyID, b.keyID)
	}
	pub, err := readBlob(r)
	if err != nil {
		return nil, err
	}
	priv, err := readBlob(r)
	if err != nil {
		return nil, err
	}
	headerLen := len(ciphertext) - r.Len()
	header, body := ciphertext[:headerLen], ciphertext[headerLen:]

	srk, err := b.storageKey()
	if err != nil {
		return nil, err
	}
	defer b.flush(srk.Handle, &err)

	loaded, err := tpm2.Load{
		ParentHandle: *srk,
		InPrivate:    tpm2.TPM2BPrivate{Buffer: priv},
		InPublic:     tpm2.BytesAs2B[tpm2.TPMTPublic](pub),
	}.Execute(b.tpm)
	if err != nil {
		return nil, fmt.Errorf("%w: tpm: load sealed object: %w", devid.ErrCrypto, err)
	}
	defer b.flush(loaded.ObjectHandle, &err)

	unsealed, err := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loaded.ObjectHandle,
			Name:   loaded.Name,
			Auth:   tpm2.PasswordAuth(b.auth),
		},
	}.Execute(b.tpm)
	if err != nil {
		return nil, fmt.Errorf("%w: tpm: unseal data key: %w", devid.ErrCrypto, err)
	}

	return seal.Decrypt(unsealed.OutData.Buffer, body, header)
}

// Primary keys are derived from the owner seed and the template, so the
// storage key never needs to be persisted. The key ID is mixed into the
// template's unique field so different IDs yield unrelated parents.
func (b *Backend) storageKey() (*tpm2.NamedHandle, error) {
	template := tpm2.ECCSRKTemplate
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], b.keyID)
	x := sha256.Sum256(append([]byte("devid storage key "), id[:]...))
	template.Unique = tpm2.NewTPMUPublicID(tpm2.TPMAlgECC, &tpm2.TPMSECCPoint{
		X: tpm2.TPM2BECCParameter{Buffer: x[:]},
		Y: tpm2.TPM2BECCParameter{Buffer: make([]byte, 32)},
	})

	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(template),
	}.Execute(b.tpm)
	if err != nil {
		return nil, fmt.Errorf("%w: tpm: create storage key: %w", devid.ErrCrypto, err)
	}
	return &tpm2.NamedHandle{
		Handle: resp.ObjectHandle,
		Name:   resp.Name,
	}, nil
}

func (b *Backend) flush(handle tpm2.TPMHandle, err *error) {
	if _, flushErr := (tpm2.FlushContext{FlushHandle: handle}).Execute(b.tpm); flushErr != nil && *err == nil {
		*err = fmt.Errorf("%w: tpm: flush context: %w", devid.ErrCrypto, flushErr)
	}
}

func sealedTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:     true, // Object can never be duplicated
			FixedParent:  true, // Object can never be moved to a new parent
			UserWithAuth: true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgKeyedHash,
			&tpm2.TPMSKeyedHashParms{
				Scheme: tpm2.TPMTKeyedHashScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
	}
}

func appendBlob(b, blob []byte) ([]byte, error) {
	if len(blob) > 0xFFFF {
		return nil, fmt.Errorf("%w: tpm: blob too large", devid.ErrCrypto)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(blob)))
	return append(b, blob...), nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("%w: tpm: truncated header", devid.ErrCrypto)
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: tpm: truncated header", devid.ErrCrypto)
		}
		return nil, fmt.Errorf("%w: tpm: %w", devid.ErrCrypto, err)
	}
	return blob, nil
}
