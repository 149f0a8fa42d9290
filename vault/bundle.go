// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package vault

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/fido-device-onboard/go-devid"
)

// Bundle is everything a device needs to act on behalf of its user. It is
// only ever stored sealed.
type Bundle struct {
	OrganizationID devid.OrganizationID
	DeviceID       devid.DeviceID

	SigningKey        ed25519.PrivateKey
	PrivateKey        [32]byte // X25519
	LocalSymmetricKey [32]byte
	UserManifest      ManifestAccess
}

// ManifestAccess locates and decrypts the user's root manifest.
type ManifestAccess struct {
	ID  uuid.UUID
	Key [32]byte
}

// NewBundle generates fresh key material for a device.
func NewBundle(org devid.OrganizationID, device devid.DeviceID) (*Bundle, error) {
	if _, err := devid.ParseOrganizationID(string(org)); err != nil {
		return nil, err
	}
	if _, err := devid.ParseDeviceID(string(device)); err != nil {
		return nil, err
	}

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: error generating signing key: %w", devid.ErrCrypto, err)
	}
	manifestID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: error generating manifest id: %w", devid.ErrCrypto, err)
	}
	b := &Bundle{
		OrganizationID: org,
		DeviceID:       device,
		SigningKey:     signingKey,
		UserManifest:   ManifestAccess{ID: manifestID},
	}
	for _, key := range [][]byte{b.PrivateKey[:], b.LocalSymmetricKey[:], b.UserManifest.Key[:]} {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: error generating key: %w", devid.ErrCrypto, err)
		}
	}
	return b, nil
}

// PublicKey returns the X25519 public key matching PrivateKey.
func (b *Bundle) PublicKey() ([]byte, error) {
	pub, err := curve25519.X25519(b.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devid.ErrCrypto, err)
	}
	return pub, nil
}

// VerifyKey returns the public half of SigningKey.
func (b *Bundle) VerifyKey() ed25519.PublicKey {
	return b.SigningKey.Public().(ed25519.PublicKey)
}

// Validate checks the schema of a bundle.
func (b *Bundle) Validate() error {
	if _, err := devid.ParseOrganizationID(string(b.OrganizationID)); err != nil {
		return err
	}
	if _, err := devid.ParseDeviceID(string(b.DeviceID)); err != nil {
		return err
	}
	if len(b.SigningKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: signing key must be %d bytes, got %d", devid.ErrValidation, ed25519.PrivateKeySize, len(b.SigningKey))
	}
	if !bytes.Equal(ed25519.NewKeyFromSeed(b.SigningKey.Seed()), b.SigningKey) {
		return fmt.Errorf("%w: signing key public half does not match its seed", devid.ErrValidation)
	}
	if b.UserManifest.ID == uuid.Nil {
		return fmt.Errorf("%w: missing user manifest id", devid.ErrValidation)
	}
	var zero [32]byte
	for name, key := range map[string][32]byte{
		"private key":         b.PrivateKey,
		"local symmetric key": b.LocalSymmetricKey,
		"user manifest key":   b.UserManifest.Key,
	} {
		if key == zero {
			return fmt.Errorf("%w: missing %s", devid.ErrValidation, name)
		}
	}
	return nil
}

type bundleWire struct {
	OrganizationID    string       `cbor:"1,keyasint"`
	DeviceID          string       `cbor:"2,keyasint"`
	SigningKey        []byte       `cbor:"3,keyasint"`
	PrivateKey        []byte       `cbor:"4,keyasint"`
	LocalSymmetricKey []byte       `cbor:"5,keyasint"`
	UserManifest      manifestWire `cbor:"6,keyasint"`
}

type manifestWire struct {
	ID  []byte `cbor:"1,keyasint"`
	Key []byte `cbor:"2,keyasint"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// MarshalBinary validates and encodes the bundle as CBOR.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(bundleWire{
		OrganizationID:    string(b.OrganizationID),
		DeviceID:          string(b.DeviceID),
		SigningKey:        b.SigningKey.Seed(),
		PrivateKey:        b.PrivateKey[:],
		LocalSymmetricKey: b.LocalSymmetricKey[:],
		UserManifest: manifestWire{
			ID:  b.UserManifest.ID[:],
			Key: b.UserManifest.Key[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devid.ErrPacking, err)
	}
	return data, nil
}

// UnmarshalBinary decodes a CBOR bundle. Data which is not a single well
// formed CBOR item fails with devid.ErrPacking. Well formed data that does
// not describe a valid bundle fails with devid.ErrValidation.
func (b *Bundle) UnmarshalBinary(data []byte) error {
	if err := cbor.Wellformed(data); err != nil {
		return fmt.Errorf("%w: %w", devid.ErrPacking, err)
	}

	var wire bundleWire
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %w", devid.ErrValidation, err)
	}

	decoded := Bundle{
		OrganizationID: devid.OrganizationID(wire.OrganizationID),
		DeviceID:       devid.DeviceID(wire.DeviceID),
	}
	if len(wire.SigningKey) != ed25519.SeedSize {
		return fmt.Errorf("%w: signing key seed must be %d bytes", devid.ErrValidation, ed25519.SeedSize)
	}
	decoded.SigningKey = ed25519.NewKeyFromSeed(wire.SigningKey)
	for _, field := range []struct {
		name string
		src  []byte
		dst  []byte
	}{
		{"private key", wire.PrivateKey, decoded.PrivateKey[:]},
		{"local symmetric key", wire.LocalSymmetricKey, decoded.LocalSymmetricKey[:]},
		{"user manifest key", wire.UserManifest.Key, decoded.UserManifest.Key[:]},
	} {
		if len(field.src) != len(field.dst) {
			return fmt.Errorf("%w: %s must be %d bytes", devid.ErrValidation, field.name, len(field.dst))
		}
		copy(field.dst, field.src)
	}
	id, err := uuid.FromBytes(wire.UserManifest.ID)
	if err != nil {
		return fmt.Errorf("%w: user manifest id: %w", devid.ErrValidation, err)
	}
	decoded.UserManifest.ID = id

	if err := decoded.Validate(); err != nil {
		return err
	}
	*b = decoded
	return nil
}
