// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm_test

import (
	"context"
	"sync"
	"testing"

	"github.com/openbmc/go-pldm"
	"github.com/openbmc/go-pldm/pldmtest"
	"github.com/openbmc/go-pldm/wire"
)

// serveBaseOnly scripts base negotiation advertising only the base type.
// The recorded order slice, if non-nil, captures init order by EID.
func serveBaseOnly(dev *pldmtest.Device, mu *sync.Mutex, order *[]pldm.EID) {
	dev.Handle(pldm.TypeBase, pldm.CmdSetTID, func(hdr pldm.Header, _ []byte) []byte {
		if order != nil {
			mu.Lock()
			*order = append(*order, dev.EID)
			mu.Unlock()
		}
		return pldmtest.RespondCC(hdr, pldm.CCSuccess)
	})
	dev.Handle(pldm.TypeBase, pldm.CmdGetPLDMTypes, func(hdr pldm.Header, _ []byte) []byte {
		e := wire.NewEncoder()
		e.Uint8(0x01) // base only
		for i := 0; i < 7; i++ {
			e.Uint8(0)
		}
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})
	dev.Handle(pldm.TypeBase, pldm.CmdGetPLDMCommands, func(hdr pldm.Header, _ []byte) []byte {
		bitmap := make([]byte, 32)
		bitmap[0] = 0x3E // SetTID..GetPLDMCommands
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, bitmap...)
	})
}

func TestDeviceInitAndRemoval(t *testing.T) {
	transport := pldmtest.NewTransport()
	dev := pldmtest.NewDevice(8)
	serveBaseOnly(dev, nil, nil)
	transport.Add(dev)

	daemon := pldm.NewDaemon(transport, nil)
	daemon.DeviceAdded(context.Background(), 8)

	tid, ok := daemon.Mediator.TIDOf(8)
	if !ok {
		t.Fatal("EID 8 not mapped after init")
	}
	if _, ok := daemon.Base.Support(tid); !ok {
		t.Fatal("no support table after init")
	}

	daemon.DeviceRemoved(8)
	if _, ok := daemon.Mediator.TIDOf(8); ok {
		t.Error("EID still mapped after removal")
	}
	if _, ok := daemon.Base.Support(tid); ok {
		t.Error("support table still present after removal")
	}
}

// Discovery events arriving during a running init are queued and drained
// in FIFO order by the same worker.
func TestDeviceInitQueueFIFO(t *testing.T) {
	transport := pldmtest.NewTransport()
	var mu sync.Mutex
	var order []pldm.EID
	devices := make(map[pldm.EID]*pldmtest.Device)
	for _, eid := range []pldm.EID{8, 9, 10} {
		dev := pldmtest.NewDevice(eid)
		serveBaseOnly(dev, &mu, &order)
		transport.Add(dev)
		devices[eid] = dev
	}

	daemon := pldm.NewDaemon(transport, nil)
	ctx := context.Background()

	// Discovery events fired while EID 8's init is still running must
	// queue and be drained by the same worker, in arrival order.
	enqueued := false
	devices[8].Handle(pldm.TypeBase, pldm.CmdGetPLDMTypes, func(hdr pldm.Header, _ []byte) []byte {
		if !enqueued {
			enqueued = true
			daemon.DeviceAdded(ctx, 9)
			daemon.DeviceAdded(ctx, 10)
		}
		e := wire.NewEncoder()
		e.Uint8(0x01)
		for i := 0; i < 7; i++ {
			e.Uint8(0)
		}
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	daemon.DeviceAdded(ctx, 8)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("inits run: got %d, want 3", len(order))
	}
	want := []pldm.EID{8, 9, 10}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("init order[%d]: got %d, want %d", i, order[i], want[i])
		}
	}
}

func TestHandleMessageDiscardsUnmapped(t *testing.T) {
	transport := pldmtest.NewTransport()
	daemon := pldm.NewDaemon(transport, nil)
	// Unmapped EID: must not panic and must not route anywhere.
	daemon.HandleMessage(42, 0, true, []byte{0x01, 0x82, 0x05, 0x15})
	// Non-PLDM message type: dropped.
	daemon.HandleMessage(42, 0, true, []byte{0x7E, 0x00})
	// Runt payload: dropped.
	daemon.HandleMessage(42, 0, true, nil)
}

func TestShutdownDeletesAllDevices(t *testing.T) {
	transport := pldmtest.NewTransport()
	for _, eid := range []pldm.EID{8, 9} {
		dev := pldmtest.NewDevice(eid)
		serveBaseOnly(dev, nil, nil)
		transport.Add(dev)
	}
	daemon := pldm.NewDaemon(transport, nil)
	ctx := context.Background()
	daemon.DeviceAdded(ctx, 8)
	daemon.DeviceAdded(ctx, 9)

	daemon.Shutdown()
	if got := len(daemon.Mediator.TIDs()); got != 0 {
		t.Errorf("TIDs after shutdown: got %d, want 0", got)
	}
}
