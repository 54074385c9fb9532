// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openbmc/go-pldm/wire"
)

// FirmwareInventory holds the identification data collected from a
// firmware-update-capable terminus at init time. The package parser
// matches device-id records against the descriptor blob.
type FirmwareInventory struct {
	TID TID

	// Descriptors is the raw descriptor block from
	// QueryDeviceIdentifiers, in wire form.
	Descriptors []byte

	// ActiveVersion is the active component image set version from
	// GetFirmwareParameters.
	ActiveVersion string
}

// fwuInit collects firmware inventory for tid and caches it on the agent.
// Devices that fail inventory are not update candidates but remain
// otherwise functional.
func (a *UpdateAgent) fwuInit(ctx context.Context, tid TID) error {
	inv := &FirmwareInventory{TID: tid}

	body, err := a.mediator.Request(ctx, tid, TypeFirmwareUpdate, CmdQueryDeviceIdentifiers,
		nil, fwuCommandTimeout, fwuRetryCount)
	if err != nil {
		return fmt.Errorf("QueryDeviceIdentifiers: %w", err)
	}
	if err := ccOnly("QueryDeviceIdentifiers", body); err != nil {
		return err
	}
	d := wire.NewDecoder(body[1:])
	deviceIdentifiersLen := d.Uint32()
	d.Skip(1) // descriptorCount
	inv.Descriptors = append([]byte(nil), d.Bytes(int(deviceIdentifiersLen))...)
	if err := d.Err(); err != nil {
		return fmt.Errorf("QueryDeviceIdentifiers response: %w", err)
	}

	body, err = a.mediator.Request(ctx, tid, TypeFirmwareUpdate, CmdGetFirmwareParameters,
		nil, fwuCommandTimeout, fwuRetryCount)
	if err != nil {
		return fmt.Errorf("GetFirmwareParameters: %w", err)
	}
	if err := ccOnly("GetFirmwareParameters", body); err != nil {
		return err
	}
	d = wire.NewDecoder(body[1:])
	d.Skip(4) // capabilitiesDuringUpdate
	d.Skip(2) // componentCount
	activeVerType := d.Uint8()
	activeVerLen := d.Uint8()
	d.Skip(1) // pendingCompImageSetVersionStringType
	pendingVerLen := d.Uint8()
	activeVer := d.Bytes(int(activeVerLen))
	d.Skip(int(pendingVerLen))
	if err := d.Err(); err != nil {
		return fmt.Errorf("GetFirmwareParameters response: %w", err)
	}
	if activeVerType == 1 { // ASCII
		inv.ActiveVersion = string(activeVer)
	}

	a.mu.Lock()
	if a.inventory == nil {
		a.inventory = make(map[TID]*FirmwareInventory)
	}
	a.inventory[tid] = inv
	a.mu.Unlock()
	slog.Info("firmware update init success", "tid", tid,
		"activeVersion", inv.ActiveVersion)
	return nil
}

// Inventory returns the firmware inventory cached for tid.
func (a *UpdateAgent) Inventory(tid TID) (*FirmwareInventory, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inv, ok := a.inventory[tid]
	return inv, ok
}

// deleteFWDevice releases the firmware update resources of a removed
// terminus.
func (a *UpdateAgent) deleteFWDevice(tid TID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inventory[tid]; !ok {
		slog.Warn("firmware update device not matched for removal", "tid", tid)
		return
	}
	delete(a.inventory, tid)
	slog.Info("firmware update device resources deleted", "tid", tid)
}
