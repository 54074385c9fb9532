// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Invariant: the emitted transfer flag matches the (offset, offset+length
// vs dataSize) table for every outgoing data chunk.
func TestSetTransferFlag(t *testing.T) {
	for _, test := range []struct {
		offset, length, dataSize uint64
		want                     uint8
	}{
		{0, 32, 100, TransferStart},
		{32, 32, 100, TransferMiddle},
		{64, 36, 100, TransferEnd},
		{96, 4, 100, TransferEnd},
		{0, 100, 100, TransferStartAndEnd},
		{0, 150, 100, TransferStartAndEnd},
		{0, 32, 32, TransferStartAndEnd},
		{32, 32, 64, TransferEnd},
	} {
		got := setTransferFlag(test.offset, test.length, test.dataSize)
		if got != test.want {
			t.Errorf("setTransferFlag(%d, %d, %d): got %d, want %d",
				test.offset, test.length, test.dataSize, got, test.want)
		}
	}
}

func TestCalcMaxNumReq(t *testing.T) {
	for _, test := range []struct {
		dataSize, want uint64
	}{
		{0, 0},
		{1, 1},
		{32, 1},
		{33, 2},
		{4096, 128},
		{8192, 256},
		{8193, 257},
	} {
		if got := calcMaxNumReq(test.dataSize); got != test.want {
			t.Errorf("calcMaxNumReq(%d): got %d, want %d", test.dataSize, got, test.want)
		}
	}
}

func TestPassComponentTableFlag(t *testing.T) {
	if got := passComponentTableFlag(0, 1); got != TransferStartAndEnd {
		t.Errorf("single component: got %d", got)
	}
	flags := []uint8{
		passComponentTableFlag(0, 3),
		passComponentTableFlag(1, 3),
		passComponentTableFlag(2, 3),
	}
	want := []uint8{TransferStart, TransferMiddle, TransferEnd}
	for i := range flags {
		if flags[i] != want[i] {
			t.Errorf("component %d of 3: got %d, want %d", i, flags[i], want[i])
		}
	}
}

func TestDataWindow(t *testing.T) {
	// GetFirstPart rewinds to offset 0 regardless of the handle.
	off, length, key, err := dataWindow(&fdDataRequest{handle: 9, op: OpGetFirstPart}, 100)
	if err != nil || off != 0 || length != 32 || key != 0 {
		t.Errorf("first part: off %d len %d key %d err %v", off, length, key, err)
	}
	// Subsequent requests address handle * baseline.
	off, length, key, err = dataWindow(&fdDataRequest{handle: 3, op: OpGetNextPart}, 100)
	if err != nil || off != 96 || length != 4 || key != 3 {
		t.Errorf("next part: off %d len %d key %d err %v", off, length, key, err)
	}
	// A handle beyond the data is an error.
	if _, _, _, err := dataWindow(&fdDataRequest{handle: 5, op: OpGetNextPart}, 100); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestReserveTimeout(t *testing.T) {
	if got := reserveTimeout(0); got != 3*time.Second {
		t.Errorf("empty image: got %v", got)
	}
	// 160 KB at 2730 B/s is 60 s; tripled with the constant offset.
	if got := reserveTimeout(160 * 1024); got != time.Duration((1+160*1024/2730)*3)*time.Second {
		t.Errorf("160KB image: got %v", got)
	}
}

type nullTransport struct{}

func (nullTransport) SendReceive(context.Context, EID, []byte, time.Duration) ([]byte, error) {
	return nil, errors.New("no device")
}

func (nullTransport) Send(context.Context, EID, uint8, bool, []byte) error { return nil }

func newGatingSession(t *testing.T, state FDState, updateMode bool) *updateSession {
	t.Helper()
	m := NewMediator(nullTransport{})
	if err := m.AddEntry(1, 8); err != nil {
		t.Fatal(err)
	}
	agent := NewUpdateAgent(m, nil)
	return &updateSession{
		agent:          agent,
		ctx:            context.Background(),
		tid:            1,
		deviceIDRecord: &DeviceIDRecord{},
		state:          state,
		updateMode:     updateMode,
		reqCh:          make(chan fdRequest, 1),
	}
}

// Invariant: every FD-initiated command accepted only in its permitted FD
// state; otherwise the engine answers with command-not-expected and does
// not mutate state.
func TestFDStateGating(t *testing.T) {
	req := fdRequest{
		hdr:     Header{Kind: PacketRequest, InstanceID: 1, Type: TypeFirmwareUpdate},
		payload: []byte{0x00},
	}

	for _, test := range []struct {
		name    string
		state   FDState
		handler func(*updateSession, fdRequest) error
	}{
		{"TransferComplete outside DOWNLOAD", FDVerify, (*updateSession).handleTransferComplete},
		{"VerifyComplete outside VERIFY", FDDownload, (*updateSession).handleVerifyComplete},
		{"ApplyComplete outside APPLY", FDReadyXfer, (*updateSession).handleApplyComplete},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newGatingSession(t, test.state, true)
			err := test.handler(s, req)
			cc, ok := CompletionOf(err)
			if !ok || cc != CCCommandNotExpected {
				t.Fatalf("got %v, want COMMAND_NOT_EXPECTED", err)
			}
			if s.state != test.state {
				t.Errorf("state mutated to %v", s.state)
			}
		})
	}
}

func TestUAStateGating(t *testing.T) {
	// UA-initiated commands also refuse in the wrong state, without wire
	// traffic (nullTransport would error the request if reached).
	s := newGatingSession(t, FDIdle, true)
	if err := s.requestUpdate(); err == nil {
		t.Error("RequestUpdate in update mode must be refused")
	}

	s = newGatingSession(t, FDReadyXfer, true)
	if _, _, err := s.updateComponent(Component{}); err == nil {
		// FDReadyXfer is the right state; the null transport fails the
		// request, which is the expected path here.
		t.Error("expected transport error")
	}

	s = newGatingSession(t, FDLearnComponents, true)
	if _, _, err := s.updateComponent(Component{}); err == nil {
		t.Error("UpdateComponent outside READY XFER must be refused")
	} else if cc, ok := CompletionOf(err); !ok || cc != CCCommandNotExpected {
		t.Errorf("got %v, want COMMAND_NOT_EXPECTED", err)
	}

	s = newGatingSession(t, FDLearnComponents, true)
	if err := s.cancelUpdateComponent(); err == nil {
		t.Error("CancelUpdateComponent outside DOWNLOAD/VERIFY/APPLY must be refused")
	}

	s = newGatingSession(t, FDActivate, true)
	if err := s.cancelUpdate(); err == nil {
		t.Error("CancelUpdate in ACTIVATE must be refused")
	} else if cc, ok := CompletionOf(err); !ok || cc != CCCommandNotExpected {
		t.Errorf("got %v, want COMMAND_NOT_EXPECTED", err)
	}

	s = newGatingSession(t, FDLearnComponents, false)
	if _, err := s.activateFirmware(); err == nil {
		t.Error("ActivateFirmware outside update mode must be refused")
	}
}

// The expected-command filter drops packets for the wrong TID or command.
func TestExpectedCommandFilter(t *testing.T) {
	s := newGatingSession(t, FDDownload, true)
	s.armExpected(CmdRequestFirmwareData)

	hdr := Header{Kind: PacketRequest, Type: TypeFirmwareUpdate, Command: CmdVerifyComplete}
	s.deliver(1, hdr, []byte{0}, 0)
	select {
	case <-s.reqCh:
		t.Fatal("unexpected command was delivered")
	default:
	}

	hdr.Command = CmdRequestFirmwareData
	s.deliver(9, hdr, []byte{0}, 0) // wrong TID
	select {
	case <-s.reqCh:
		t.Fatal("packet for wrong TID was delivered")
	default:
	}

	s.deliver(1, hdr, []byte{0}, 0)
	select {
	case req := <-s.reqCh:
		if req.hdr.Command != CmdRequestFirmwareData {
			t.Errorf("delivered command %v", req.hdr.Command)
		}
	default:
		t.Fatal("matching packet was not delivered")
	}

	// TransferComplete is accepted while RequestFirmwareData is expected.
	s.armExpected(CmdRequestFirmwareData)
	hdr.Command = CmdTransferComplete
	s.deliver(1, hdr, []byte{0}, 0)
	select {
	case req := <-s.reqCh:
		if req.hdr.Command != CmdTransferComplete {
			t.Errorf("delivered command %v", req.hdr.Command)
		}
	default:
		t.Fatal("TransferComplete fast path not taken")
	}
}

func TestFindMaxNumReqAllowsRequeries(t *testing.T) {
	if findMaxNumReq(0) != 0 {
		t.Error("zero data must yield zero requests")
	}
	unique := calcMaxNumReq(4096)
	if cap := findMaxNumReq(4096); cap <= unique {
		t.Errorf("cap %d must exceed unique count %d", cap, unique)
	}
}
