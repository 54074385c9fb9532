// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openbmc/go-pldm"
	"github.com/openbmc/go-pldm/pldmtest"
)

// scriptTransport replays canned raw responses, recording each request.
type scriptTransport struct {
	mu        sync.Mutex
	responses [][]byte
	errs      []error
	requests  [][]byte
}

func (t *scriptTransport) SendReceive(_ context.Context, _ pldm.EID, payload []byte, _ time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, append([]byte(nil), payload...))
	if len(t.responses) == 0 {
		return nil, errors.New("no response scripted")
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	var err error
	if len(t.errs) > 0 {
		err = t.errs[0]
		t.errs = t.errs[1:]
	}
	return resp, err
}

func (t *scriptTransport) Send(_ context.Context, _ pldm.EID, _ uint8, _ bool, _ []byte) error {
	return nil
}

func (t *scriptTransport) sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func newMediator(t *testing.T, transport pldm.Transport) *pldm.Mediator {
	t.Helper()
	m := pldm.NewMediator(transport)
	if err := m.AddEntry(1, 8); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	return m
}

// The response must echo the request's instance id; mismatches are retried
// and never returned to the caller.
func TestSendReceiveInstanceIDMismatch(t *testing.T) {
	good := func(instanceID uint8) []byte {
		return append([]byte{0x01}, pldm.EncodeHeader(pldm.Header{
			Kind:       pldm.PacketResponse,
			InstanceID: instanceID,
			Type:       pldm.TypeBase,
			Command:    pldm.CmdGetTID,
		}, []byte{0x00, 0x05})...)
	}

	transport := &scriptTransport{responses: [][]byte{good(0x1F), good(0x01)}}
	m := newMediator(t, transport)

	// The first allocated instance id for the TID is 1.
	req := pldm.EncodeHeader(pldm.Header{
		Kind:       pldm.PacketRequest,
		InstanceID: m.NextInstanceID(1),
		Type:       pldm.TypeBase,
		Command:    pldm.CmdGetTID,
	}, nil)
	resp, err := m.SendReceive(context.Background(), 1, time.Millisecond, 3, req)
	if err != nil {
		t.Fatalf("SendReceive: %v", err)
	}
	hdr, _, err := pldm.DecodeHeader(resp)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.InstanceID != 0x01 {
		t.Errorf("returned instance id 0x%02X, want 0x01", hdr.InstanceID)
	}
	if transport.sent() != 2 {
		t.Errorf("transport sends: got %d, want 2 (one retry)", transport.sent())
	}
}

func TestSendReceiveRetryConditions(t *testing.T) {
	reqHdr := pldm.Header{
		Kind: pldm.PacketRequest, InstanceID: 1,
		Type: pldm.TypeBase, Command: pldm.CmdGetTID,
	}
	notAResponse := append([]byte{0x01}, pldm.EncodeHeader(pldm.Header{
		Kind: pldm.PacketRequest, InstanceID: 1,
		Type: pldm.TypeBase, Command: pldm.CmdGetTID,
	}, []byte{0x00})...)

	for _, test := range []struct {
		name string
		resp []byte
	}{
		{"short response", []byte{0x01, 0x00}},
		{"not typed PLDM", []byte{0x7E, 0x00, 0x00, 0x00, 0x00}},
		{"not a response", notAResponse},
	} {
		t.Run(test.name, func(t *testing.T) {
			transport := &scriptTransport{responses: [][]byte{test.resp, test.resp, test.resp}}
			m := newMediator(t, transport)
			req := pldm.EncodeHeader(reqHdr, nil)
			_, err := m.SendReceive(context.Background(), 1, time.Millisecond, 3, req)
			if !errors.Is(err, pldm.ErrTimeout) {
				t.Fatalf("expected ErrTimeout after retries, got %v", err)
			}
			if transport.sent() != 3 {
				t.Errorf("transport sends: got %d, want 3", transport.sent())
			}
		})
	}
}

func TestSendReceiveRetryCapIsFive(t *testing.T) {
	transport := &scriptTransport{}
	m := newMediator(t, transport)
	req := pldm.EncodeHeader(pldm.Header{
		Kind: pldm.PacketRequest, InstanceID: 1,
		Type: pldm.TypeBase, Command: pldm.CmdGetTID,
	}, nil)
	_, err := m.SendReceive(context.Background(), 1, time.Millisecond, 99, req)
	if !errors.Is(err, pldm.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if transport.sent() != 5 {
		t.Errorf("transport sends: got %d, want cap of 5", transport.sent())
	}
}

func TestInstanceIDAdvancesModulo32(t *testing.T) {
	m := pldm.NewMediator(&scriptTransport{})
	seen := make(map[uint8]bool)
	for i := 0; i < 32; i++ {
		id := m.NextInstanceID(1)
		if id > 0x1F {
			t.Fatalf("instance id %d out of 5-bit range", id)
		}
		if seen[id] {
			t.Fatalf("instance id %d repeated within 32 allocations", id)
		}
		seen[id] = true
	}
	// Counters are per TID.
	if id := m.NextInstanceID(2); id != 1 {
		t.Errorf("TID 2 first instance id: got %d, want 1", id)
	}
}

// While a reservation is held, traffic for any other {TID, type} pair must
// fail synchronously with ErrBusy.
func TestReserveBandwidthInterlock(t *testing.T) {
	transport := pldmtest.NewTransport()
	dev := pldmtest.NewDevice(8)
	dev.Handle(pldm.TypeBase, pldm.CmdGetTID, func(hdr pldm.Header, _ []byte) []byte {
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, 0x01)
	})
	transport.Add(dev)

	m := pldm.NewMediator(transport)
	if err := m.AddEntry(1, 8); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := m.AddEntry(2, 9); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if err := m.Reserve(1, pldm.TypeFirmwareUpdate, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// A second reservation for another pair is denied.
	if err := m.Reserve(2, pldm.TypeFirmwareUpdate, time.Minute); !errors.Is(err, pldm.ErrBusy) {
		t.Errorf("Reserve for other TID: got %v, want ErrBusy", err)
	}
	// Re-reserving the same pair renews.
	if err := m.Reserve(1, pldm.TypeFirmwareUpdate, time.Minute); err != nil {
		t.Errorf("Reserve renewal: %v", err)
	}

	makeReq := func(tid pldm.TID, typ pldm.Type) []byte {
		return pldm.EncodeHeader(pldm.Header{
			Kind: pldm.PacketRequest, InstanceID: m.NextInstanceID(tid),
			Type: typ, Command: pldm.CmdGetTID,
		}, nil)
	}

	// Other TID: refused.
	if _, err := m.SendReceive(context.Background(), 2, time.Second, 1, makeReq(2, pldm.TypeBase)); !errors.Is(err, pldm.ErrBusy) {
		t.Errorf("SendReceive other TID: got %v, want ErrBusy", err)
	}
	// Same TID, other type: refused.
	if _, err := m.SendReceive(context.Background(), 1, time.Second, 1, makeReq(1, pldm.TypeBase)); !errors.Is(err, pldm.ErrBusy) {
		t.Errorf("SendReceive other type: got %v, want ErrBusy", err)
	}

	// Release by a non-holder is refused and leaves the interlock active.
	if err := m.Release(2, pldm.TypeFirmwareUpdate); err == nil {
		t.Error("Release by non-holder must fail")
	}
	if err := m.Release(1, pldm.TypeBase); err == nil {
		t.Error("Release with wrong type must fail")
	}
	if err := m.Release(1, pldm.TypeFirmwareUpdate); err != nil {
		t.Fatalf("Release by holder: %v", err)
	}

	// Traffic flows again after release.
	if _, err := m.SendReceive(context.Background(), 2, time.Second, 1, makeReq(2, pldm.TypeBase)); err == nil {
		t.Error("expected transport error for unmapped EID 9, not interlock refusal")
	} else if errors.Is(err, pldm.ErrBusy) {
		t.Errorf("still blocked after release: %v", err)
	}
}

func TestMediatorRejectsDuplicateEID(t *testing.T) {
	m := pldm.NewMediator(&scriptTransport{})
	if err := m.AddEntry(1, 8); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := m.AddEntry(2, 8); err == nil {
		t.Fatal("expected error mapping EID 8 to a second TID")
	}
	if tid, ok := m.TIDOf(8); !ok || tid != 1 {
		t.Errorf("TIDOf(8): got %d, %v", tid, ok)
	}
}

func TestSendReceiveUnknownTID(t *testing.T) {
	m := pldm.NewMediator(&scriptTransport{})
	req := pldm.EncodeHeader(pldm.Header{
		Kind: pldm.PacketRequest, InstanceID: 1,
		Type: pldm.TypeBase, Command: pldm.CmdGetTID,
	}, nil)
	if _, err := m.SendReceive(context.Background(), 9, time.Millisecond, 1, req); !errors.Is(err, pldm.ErrUnknownTID) {
		t.Fatalf("expected ErrUnknownTID, got %v", err)
	}
}

func TestRequestValidatesEcho(t *testing.T) {
	transport := pldmtest.NewTransport()
	dev := pldmtest.NewDevice(8)
	// Respond with the wrong command echoed.
	dev.Handle(pldm.TypeBase, pldm.CmdGetTID, func(hdr pldm.Header, _ []byte) []byte {
		return pldm.EncodeHeader(pldm.Header{
			Kind: pldm.PacketResponse, InstanceID: hdr.InstanceID,
			Type: pldm.TypeBase, Command: pldm.CmdSetTID,
		}, []byte{0x00})
	})
	transport.Add(dev)
	m := pldm.NewMediator(transport)
	if err := m.AddEntry(1, 8); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	_, err := m.Request(context.Background(), 1, pldm.TypeBase, pldm.CmdGetTID, nil, time.Second, 1)
	if err == nil {
		t.Fatal("expected command echo mismatch error")
	}
	if got := fmt.Sprint(err); got == "" {
		t.Error("empty error text")
	}
}
