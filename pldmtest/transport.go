// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package pldmtest provides an in-memory Transport backed by scripted
// terminus simulators, used to exercise the protocol engines without a
// bus.
package pldmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbmc/go-pldm"
)

// Handler answers one command. It receives the decoded request header and
// payload and returns the full response message (PLDM header included,
// without the MCTP type byte). Returning nil simulates a dropped request.
type Handler func(hdr pldm.Header, payload []byte) []byte

// Device is one scripted terminus.
type Device struct {
	EID pldm.EID

	mu       sync.Mutex
	handlers map[uint16]Handler

	// OnOneway receives UA one-way sends (responses to FD-initiated
	// requests), without the MCTP type byte.
	OnOneway func(payload []byte)
}

// NewDevice returns a Device with no handlers.
func NewDevice(eid pldm.EID) *Device {
	return &Device{EID: eid, handlers: make(map[uint16]Handler)}
}

func handlerKey(t pldm.Type, c pldm.Command) uint16 {
	return uint16(t)<<8 | uint16(c)
}

// Handle registers the handler for one command.
func (d *Device) Handle(t pldm.Type, c pldm.Command, fn Handler) {
	d.mu.Lock()
	d.handlers[handlerKey(t, c)] = fn
	d.mu.Unlock()
}

func (d *Device) dispatch(msg []byte) []byte {
	hdr, payload, err := pldm.DecodeHeader(msg)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	fn := d.handlers[handlerKey(hdr.Type, hdr.Command)]
	d.mu.Unlock()
	if fn == nil {
		return RespondCC(hdr, pldm.CCErrorUnsupportedCmd)
	}
	return fn(hdr, payload)
}

// RespondCC builds a response echoing hdr with a completion code and any
// extra payload bytes.
func RespondCC(hdr pldm.Header, cc pldm.CompletionCode, extra ...byte) []byte {
	body := append([]byte{uint8(cc)}, extra...)
	return pldm.EncodeHeader(pldm.Header{
		Kind:       pldm.PacketResponse,
		InstanceID: hdr.InstanceID,
		Type:       hdr.Type,
		Command:    hdr.Command,
	}, body)
}

// Transport is an in-memory pldm.Transport routing to scripted devices.
type Transport struct {
	mu      sync.Mutex
	devices map[pldm.EID]*Device
	recv    func(eid pldm.EID, msgTag uint8, tagOwner bool, payload []byte)
}

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{devices: make(map[pldm.EID]*Device)}
}

// Add attaches a device to the transport.
func (t *Transport) Add(d *Device) {
	t.mu.Lock()
	t.devices[d.EID] = d
	t.mu.Unlock()
}

// OnMessage registers the unsolicited packet receiver (the daemon's
// HandleMessage).
func (t *Transport) OnMessage(fn func(eid pldm.EID, msgTag uint8, tagOwner bool, payload []byte)) {
	t.mu.Lock()
	t.recv = fn
	t.mu.Unlock()
}

// Inject delivers an FD-initiated PLDM message (without the MCTP type
// byte) to the registered receiver, as if it arrived from eid.
func (t *Transport) Inject(eid pldm.EID, msgTag uint8, tagOwner bool, msg []byte) {
	t.mu.Lock()
	fn := t.recv
	t.mu.Unlock()
	if fn == nil {
		return
	}
	fn(eid, msgTag, tagOwner, append([]byte{0x01}, msg...))
}

func (t *Transport) device(eid pldm.EID) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[eid]
	return d, ok
}

// SendReceive implements pldm.Transport.
func (t *Transport) SendReceive(ctx context.Context, eid pldm.EID, payload []byte, timeout time.Duration) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	d, ok := t.device(eid)
	if !ok {
		return nil, fmt.Errorf("no device at EID %d", eid)
	}
	if len(payload) < 1 || payload[0] != 0x01 {
		return nil, fmt.Errorf("payload is not typed PLDM")
	}
	resp := d.dispatch(payload[1:])
	if resp == nil {
		return nil, fmt.Errorf("no response from EID %d", eid)
	}
	return append([]byte{0x01}, resp...), nil
}

// Send implements pldm.Transport. One-way sends are handed to the
// device's OnOneway hook on a separate goroutine, mirroring a real bus
// where the send returns before the peer reacts.
func (t *Transport) Send(ctx context.Context, eid pldm.EID, msgTag uint8, tagOwner bool, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d, ok := t.device(eid)
	if !ok {
		return fmt.Errorf("no device at EID %d", eid)
	}
	if len(payload) < 1 || payload[0] != 0x01 {
		return fmt.Errorf("payload is not typed PLDM")
	}
	d.mu.Lock()
	fn := d.OnOneway
	d.mu.Unlock()
	if fn != nil {
		go fn(append([]byte(nil), payload[1:]...))
	}
	return nil
}
