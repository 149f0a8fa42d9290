// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fido-device-onboard/go-devid"
)

// resolver walks certifier references. Devices fetched by one walk are kept
// in the arena and reused by later walks of the same request.
type resolver struct {
	conn  devid.Conn
	org   devid.OrganizationID
	arena map[devid.DeviceID]*devid.Device
}

func newResolver(conn devid.Conn, org devid.OrganizationID) *resolver {
	return &resolver{
		conn:  conn,
		org:   org,
		arena: make(map[devid.DeviceID]*devid.Device),
	}
}

func (r *resolver) device(ctx context.Context, id devid.DeviceID) (*devid.Device, error) {
	if d, ok := r.arena[id]; ok {
		return d, nil
	}
	d, err := r.conn.Device(ctx, r.org, id)
	if errors.Is(err, devid.ErrDeviceNotFound) {
		return nil, fmt.Errorf("%w: certifier %s does not exist", devid.ErrTrustChainBroken, id)
	}
	if err != nil {
		return nil, err
	}
	r.arena[id] = d
	return d, nil
}

// chain returns the devices from the root of trust to from, root first. A
// zero from yields an empty chain.
func (r *resolver) chain(ctx context.Context, from devid.DeviceID) (devid.TrustChain, error) {
	visited := make(map[devid.DeviceID]struct{})
	var walk devid.TrustChain
	for id := from; !id.IsZero(); {
		if _, seen := visited[id]; seen {
			return nil, fmt.Errorf("%w: cycle through %s", devid.ErrTrustChainBroken, id)
		}
		visited[id] = struct{}{}

		d, err := r.device(ctx, id)
		if err != nil {
			return nil, err
		}
		walk = append(walk, d)
		id = d.Certifier
	}
	slices.Reverse(walk)
	return walk, nil
}

// union merges the chains of every anchor. Chains are root first, so
// appending unseen devices in chain order keeps each device after its
// certifier.
func (r *resolver) union(ctx context.Context, anchors []devid.DeviceID) (devid.TrustChain, error) {
	seen := make(map[devid.DeviceID]struct{})
	var merged devid.TrustChain
	for _, anchor := range anchors {
		if _, ok := seen[anchor]; ok || anchor.IsZero() {
			continue
		}
		chain, err := r.chain(ctx, anchor)
		if err != nil {
			return nil, err
		}
		for _, d := range chain {
			if _, ok := seen[d.DeviceID]; ok {
				continue
			}
			seen[d.DeviceID] = struct{}{}
			merged = append(merged, d)
		}
	}
	return merged, nil
}
