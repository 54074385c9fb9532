// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openbmc/go-pldm/wire"
)

// CommandSupport records which PLDM types and commands a terminus supports,
// as discovered during base negotiation.
type CommandSupport struct {
	// commands[type][cmd] present means the command is supported.
	commands map[Type]map[Command]bool
}

// SupportsType reports whether the terminus supports a PLDM type.
func (s *CommandSupport) SupportsType(t Type) bool {
	if s == nil {
		return false
	}
	_, ok := s.commands[t]
	return ok
}

// SupportsCommand reports whether the terminus supports a command of a type.
func (s *CommandSupport) SupportsCommand(t Type, c Command) bool {
	if s == nil {
		return false
	}
	return s.commands[t][c]
}

// Base drives DSP0240 negotiation and tracks per-terminus support tables.
type Base struct {
	mediator *Mediator
	support  map[TID]*CommandSupport
	nextTID  TID
}

// NewBase returns a Base allocating TIDs starting at 1.
func NewBase(mediator *Mediator) *Base {
	return &Base{
		mediator: mediator,
		support:  make(map[TID]*CommandSupport),
	}
}

// Support returns the support table negotiated for tid.
func (b *Base) Support(tid TID) (*CommandSupport, bool) {
	s, ok := b.support[tid]
	return s, ok
}

// Delete releases the base state for tid.
func (b *Base) Delete(tid TID) {
	delete(b.support, tid)
	b.mediator.RemoveEntry(tid)
}

// allocateTID returns the next unused TID.
func (b *Base) allocateTID() (TID, error) {
	for i := 0; i < 0xFE; i++ {
		b.nextTID++
		if b.nextTID == InvalidTID {
			b.nextTID = 1
		}
		if _, used := b.support[b.nextTID]; !used {
			return b.nextTID, nil
		}
	}
	return InvalidTID, fmt.Errorf("TID space exhausted")
}

// Init performs base negotiation with the endpoint: assign a TID, then
// learn the supported types and commands. On success the endpoint is
// mapped and the support table stored.
func (b *Base) Init(ctx context.Context, eid EID) (TID, error) {
	tid, err := b.allocateTID()
	if err != nil {
		return InvalidTID, err
	}
	// Map before the first request so the mediator can route by TID; undo
	// on any failure.
	if err := b.mediator.AddEntry(tid, eid); err != nil {
		return InvalidTID, err
	}
	fail := func(err error) (TID, error) {
		b.mediator.RemoveEntry(tid)
		return InvalidTID, err
	}

	if err := b.setTID(ctx, tid); err != nil {
		// Some termini do not implement SetTID; fall back to GetTID to
		// confirm the device answers. The TID it reports is only logged;
		// the assigned TID stays in use.
		reported, gerr := b.getTID(ctx, tid)
		if gerr != nil {
			return fail(fmt.Errorf("TID assignment: %w", err))
		}
		slog.Debug("SetTID unsupported, device reports TID", "eid", eid,
			"reported", reported)
	}

	types, err := b.getPLDMTypes(ctx, tid)
	if err != nil {
		return fail(err)
	}
	support := &CommandSupport{commands: make(map[Type]map[Command]bool)}
	for _, t := range types {
		cmds, err := b.getPLDMCommands(ctx, tid, t)
		if err != nil {
			slog.Error("GetPLDMCommands failed", "tid", tid, "pldmType", t, "err", err)
			continue
		}
		support.commands[t] = cmds
	}
	b.support[tid] = support
	slog.Info("PLDM base init success", "tid", tid, "eid", eid, "types", len(types))
	return tid, nil
}

func (b *Base) setTID(ctx context.Context, tid TID) error {
	e := wire.NewEncoder()
	e.Uint8(uint8(tid))
	body, err := b.mediator.Request(ctx, tid, TypeBase, CmdSetTID,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetTID: %w", err)
	}
	return ccOnly("SetTID", body)
}

func (b *Base) getTID(ctx context.Context, tid TID) (TID, error) {
	body, err := b.mediator.Request(ctx, tid, TypeBase, CmdGetTID,
		nil, commandTimeout, commandRetryCount)
	if err != nil {
		return InvalidTID, fmt.Errorf("GetTID: %w", err)
	}
	if err := ccOnly("GetTID", body); err != nil {
		return InvalidTID, err
	}
	if len(body) < 2 {
		return InvalidTID, fmt.Errorf("GetTID: short response")
	}
	return TID(body[1]), nil
}

func (b *Base) getPLDMTypes(ctx context.Context, tid TID) ([]Type, error) {
	body, err := b.mediator.Request(ctx, tid, TypeBase, CmdGetPLDMTypes,
		nil, commandTimeout, commandRetryCount)
	if err != nil {
		return nil, fmt.Errorf("GetPLDMTypes: %w", err)
	}
	if err := ccOnly("GetPLDMTypes", body); err != nil {
		return nil, err
	}
	d := wire.NewDecoder(body[1:])
	bitmap := d.Bytes(8)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("GetPLDMTypes response: %w", err)
	}
	var types []Type
	for i, byteVal := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if byteVal&(1<<bit) != 0 {
				types = append(types, Type(i*8+bit))
			}
		}
	}
	return types, nil
}

func (b *Base) getPLDMCommands(ctx context.Context, tid TID, t Type) (map[Command]bool, error) {
	e := wire.NewEncoder()
	e.Uint8(uint8(t))
	e.Uint32(0) // version: not filtered
	body, err := b.mediator.Request(ctx, tid, TypeBase, CmdGetPLDMCommands,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return nil, fmt.Errorf("GetPLDMCommands: %w", err)
	}
	if err := ccOnly("GetPLDMCommands", body); err != nil {
		return nil, err
	}
	d := wire.NewDecoder(body[1:])
	bitmap := d.Bytes(32)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("GetPLDMCommands response: %w", err)
	}
	cmds := make(map[Command]bool)
	for i, byteVal := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if byteVal&(1<<bit) != 0 {
				cmds[Command(i*8+bit)] = true
			}
		}
	}
	return cmds, nil
}
