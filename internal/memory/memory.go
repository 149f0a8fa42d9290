// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements the directory store using non-persistent memory.
// It is used to exercise the directory and enrollment services in tests.
package memory

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fido-device-onboard/go-devid"
)

// Store keeps every organization's records in maps guarded by one mutex.
// Connections are limited by a weighted semaphore to model a bounded pool.
type Store struct {
	pool *semaphore.Weighted

	mu   sync.Mutex
	orgs map[devid.OrganizationID]*organization
}

type organization struct {
	users             map[devid.UserID]*devid.User
	devices           map[devid.DeviceID]*deviceRow
	userInvitations   map[devid.UserID]*devid.UserInvitation
	deviceInvitations map[devid.DeviceID]*devid.DeviceInvitation
}

type deviceRow struct {
	device devid.Device
	answer []byte
}

var _ devid.Store = (*Store)(nil)

// NewStore initializes an empty store allowing up to poolSize concurrently
// acquired connections.
func NewStore(poolSize int) *Store {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Store{
		pool: semaphore.NewWeighted(int64(poolSize)),
		orgs: make(map[devid.OrganizationID]*organization),
	}
}

// Acquire implements devid.Store.
func (s *Store) Acquire(ctx context.Context) (devid.Conn, error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &conn{store: s}, nil
}

type conn struct {
	store *Store
	once  sync.Once
}

func (c *conn) Release() { c.once.Do(func() { c.store.pool.Release(1) }) }

// lock must be held by the caller
func (c *conn) org(id devid.OrganizationID) *organization {
	o, ok := c.store.orgs[id]
	if !ok {
		o = &organization{
			users:             make(map[devid.UserID]*devid.User),
			devices:           make(map[devid.DeviceID]*deviceRow),
			userInvitations:   make(map[devid.UserID]*devid.UserInvitation),
			deviceInvitations: make(map[devid.DeviceID]*devid.DeviceInvitation),
		}
		c.store.orgs[id] = o
	}
	return o
}

func (c *conn) lock() func() {
	c.store.mu.Lock()
	return c.store.mu.Unlock
}

func (o *organization) certifierExists(id devid.DeviceID) bool {
	if id.IsZero() {
		return true
	}
	_, ok := o.devices[id]
	return ok
}

func (c *conn) CreateUser(_ context.Context, orgID devid.OrganizationID, user *devid.User, firstDevice *devid.Device) error {
	defer c.lock()()
	o := c.org(orgID)

	if _, exists := o.users[user.UserID]; exists {
		return devid.ErrAlreadyExists
	}
	if _, exists := o.devices[firstDevice.DeviceID]; exists {
		return devid.ErrAlreadyExists
	}
	if !o.certifierExists(user.Certifier) || !o.certifierExists(firstDevice.Certifier) {
		return devid.ErrCertifierNotFound
	}

	u := *user
	u.Certificate = bytes.Clone(user.Certificate)
	o.users[u.UserID] = &u
	o.devices[firstDevice.DeviceID] = &deviceRow{device: cloneDevice(firstDevice)}
	return nil
}

func (c *conn) User(_ context.Context, orgID devid.OrganizationID, id devid.UserID) (*devid.User, error) {
	defer c.lock()()
	u, ok := c.org(orgID).users[id]
	if !ok {
		return nil, devid.ErrUserNotFound
	}
	clone := *u
	clone.Certificate = bytes.Clone(u.Certificate)
	return &clone, nil
}

func (c *conn) FindUsers(_ context.Context, orgID devid.OrganizationID, q devid.UserQuery) ([]devid.UserID, int, error) {
	defer c.lock()()
	o := c.org(orgID)

	var matches []devid.UserID
	for id := range o.users {
		if !strings.Contains(devid.FoldQuery(string(id)), q.Folded) {
			continue
		}
		if q.OmitRevoked && !o.hasActiveDevice(id) {
			continue
		}
		matches = append(matches, id)
	}
	slices.Sort(matches)

	total := len(matches)
	if q.Offset >= total {
		return []devid.UserID{}, total, nil
	}
	matches = matches[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, total, nil
}

func (o *organization) hasActiveDevice(id devid.UserID) bool {
	for _, row := range o.devices {
		if row.device.UserID() == id && !row.device.Revoked() {
			return true
		}
	}
	return false
}

func (c *conn) CreateDevice(_ context.Context, orgID devid.OrganizationID, device *devid.Device, encryptedAnswer []byte) error {
	defer c.lock()()
	o := c.org(orgID)

	if _, ok := o.users[device.UserID()]; !ok {
		return devid.ErrUserNotFound
	}
	if _, exists := o.devices[device.DeviceID]; exists {
		return devid.ErrAlreadyExists
	}
	if !o.certifierExists(device.Certifier) {
		return devid.ErrCertifierNotFound
	}
	o.devices[device.DeviceID] = &deviceRow{
		device: cloneDevice(device),
		answer: bytes.Clone(encryptedAnswer),
	}
	return nil
}

func (c *conn) Device(_ context.Context, orgID devid.OrganizationID, id devid.DeviceID) (*devid.Device, error) {
	defer c.lock()()
	row, ok := c.org(orgID).devices[id]
	if !ok {
		return nil, devid.ErrDeviceNotFound
	}
	d := cloneDevice(&row.device)
	return &d, nil
}

func (c *conn) UserDevices(_ context.Context, orgID devid.OrganizationID, id devid.UserID) ([]*devid.Device, error) {
	defer c.lock()()
	var devices []*devid.Device
	for _, row := range c.org(orgID).devices {
		if row.device.UserID() != id {
			continue
		}
		d := cloneDevice(&row.device)
		devices = append(devices, &d)
	}
	slices.SortFunc(devices, func(a, b *devid.Device) int { return strings.Compare(string(a.DeviceID), string(b.DeviceID)) })
	return devices, nil
}

func (c *conn) DeviceAnswer(_ context.Context, orgID devid.OrganizationID, id devid.DeviceID) ([]byte, error) {
	defer c.lock()()
	row, ok := c.org(orgID).devices[id]
	if !ok {
		return nil, devid.ErrDeviceNotFound
	}
	return bytes.Clone(row.answer), nil
}

func (c *conn) RevokeDevice(_ context.Context, orgID devid.OrganizationID, id devid.DeviceID, rev devid.Revocation) error {
	defer c.lock()()
	o := c.org(orgID)

	row, ok := o.devices[id]
	if !ok {
		return devid.ErrDeviceNotFound
	}
	if row.device.Revoked() {
		return devid.ErrAlreadyRevoked
	}
	if !o.certifierExists(rev.Certifier) {
		return devid.ErrCertifierNotFound
	}
	row.device.RevokedOn = rev.RevokedOn
	row.device.RevokedCertificate = bytes.Clone(rev.Certificate)
	row.device.RevokedCertifier = rev.Certifier
	return nil
}

// A pending invitation created at or after staleBefore blocks a new one.
func blocks(state devid.InvitationState, createdOn, staleBefore time.Time) bool {
	return state == devid.InvitationPending && (staleBefore.IsZero() || !createdOn.Before(staleBefore))
}

func (c *conn) CreateUserInvitation(_ context.Context, orgID devid.OrganizationID, inv *devid.UserInvitation, staleBefore time.Time) error {
	defer c.lock()()
	o := c.org(orgID)
	if old, ok := o.userInvitations[inv.UserID]; ok && blocks(old.State, old.CreatedOn, staleBefore) {
		return devid.ErrAlreadyExists
	}
	clone := *inv
	clone.EncryptedClaim = bytes.Clone(inv.EncryptedClaim)
	o.userInvitations[inv.UserID] = &clone
	return nil
}

func (c *conn) UserInvitation(_ context.Context, orgID devid.OrganizationID, id devid.UserID) (*devid.UserInvitation, error) {
	defer c.lock()()
	inv, ok := c.org(orgID).userInvitations[id]
	if !ok {
		return nil, devid.ErrInvitationNotFound
	}
	clone := *inv
	clone.EncryptedClaim = bytes.Clone(inv.EncryptedClaim)
	return &clone, nil
}

func (c *conn) TransitionUserInvitation(_ context.Context, orgID devid.OrganizationID, id devid.UserID, tr devid.InvitationTransition) error {
	defer c.lock()()
	inv, ok := c.org(orgID).userInvitations[id]
	if !ok {
		return devid.ErrInvitationNotFound
	}
	if inv.State != tr.From || !inv.CreatedOn.Equal(tr.CreatedOn) {
		return devid.ErrConflict
	}
	inv.State = tr.To
	if tr.To == devid.InvitationClaimed {
		inv.ClaimedOn = tr.At
		inv.EncryptedClaim = bytes.Clone(tr.Payload)
	}
	return nil
}

func (c *conn) CreateDeviceInvitation(_ context.Context, orgID devid.OrganizationID, inv *devid.DeviceInvitation, staleBefore time.Time) error {
	defer c.lock()()
	o := c.org(orgID)
	if old, ok := o.deviceInvitations[inv.DeviceID]; ok && blocks(old.State, old.CreatedOn, staleBefore) {
		return devid.ErrAlreadyExists
	}
	clone := *inv
	clone.EncryptedClaim = bytes.Clone(inv.EncryptedClaim)
	o.deviceInvitations[inv.DeviceID] = &clone
	return nil
}

func (c *conn) DeviceInvitation(_ context.Context, orgID devid.OrganizationID, id devid.DeviceID) (*devid.DeviceInvitation, error) {
	defer c.lock()()
	inv, ok := c.org(orgID).deviceInvitations[id]
	if !ok {
		return nil, devid.ErrInvitationNotFound
	}
	clone := *inv
	clone.EncryptedClaim = bytes.Clone(inv.EncryptedClaim)
	return &clone, nil
}

func (c *conn) TransitionDeviceInvitation(_ context.Context, orgID devid.OrganizationID, id devid.DeviceID, tr devid.InvitationTransition) error {
	defer c.lock()()
	inv, ok := c.org(orgID).deviceInvitations[id]
	if !ok {
		return devid.ErrInvitationNotFound
	}
	if inv.State != tr.From || !inv.CreatedOn.Equal(tr.CreatedOn) {
		return devid.ErrConflict
	}
	inv.State = tr.To
	if tr.To == devid.InvitationClaimed {
		inv.ClaimedOn = tr.At
		inv.EncryptedClaim = bytes.Clone(tr.Payload)
	}
	return nil
}

func cloneDevice(d *devid.Device) devid.Device {
	clone := *d
	clone.Certificate = bytes.Clone(d.Certificate)
	clone.RevokedCertificate = bytes.Clone(d.RevokedCertificate)
	return clone
}
