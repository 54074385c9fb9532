// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/openbmc/go-pldm"
	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/pldmtest"
	"github.com/openbmc/go-pldm/wire"
)

const (
	testTID pldm.TID = 1
	testEID pldm.EID = 8
)

var testEntity = pdr.Entity{Type: 135, Instance: 1, Container: 2}

// minimalRepo is a Terminus Locator plus any extra records.
func minimalRepo(extra ...[]byte) [][]byte {
	records := [][]byte{
		pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, uint8(testTID), 100),
	}
	return append(records, extra...)
}

func newPlatform(t *testing.T, dev *pldmtest.Device) (*pldm.Platform, *pldmtest.Recorder) {
	t.Helper()
	transport := pldmtest.NewTransport()
	transport.Add(dev)
	m := pldm.NewMediator(transport)
	if err := m.AddEntry(testTID, dev.EID); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	rec := &pldmtest.Recorder{}
	return pldm.NewPlatform(m, rec), rec
}

// S1: one numeric sensor, raw=40, resolution 1, offset 0. The published
// reading is 40.0, available and functional.
func TestNumericSensorMinimalRead(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	state := pldmtest.NewSensorState()
	state.Set(1, 40)
	state.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.NumericSensorRecord(2, pldmtest.NumericSensorConfig{
			SensorID: 1, Entity: testEntity, DataSize: pdr.DataSizeUint8,
			Resolution: 1, Offset: 0, BaseUnit: 2,
		}),
	))

	platform, rec := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}

	reading, ok := rec.LastNumeric(1)
	if !ok {
		t.Fatal("no numeric reading published")
	}
	if reading.Value != 40.0 || !reading.Available || !reading.Functional {
		t.Errorf("reading: %+v", reading)
	}
}

// S2: three consecutive poll failures mark the sensor non-functional
// exactly once; the next success restores it.
func TestNumericSensorDebounce(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	state := pldmtest.NewSensorState()
	state.Set(1, 40)
	state.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.NumericSensorRecord(2, pldmtest.NumericSensorConfig{
			SensorID: 1, Entity: testEntity, DataSize: pdr.DataSizeUint8, Resolution: 1,
		}),
	))

	platform, rec := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	sensor := terminus.NumericSensors[1]

	state.SetFail(true)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := sensor.Poll(ctx); err == nil {
			t.Fatal("expected poll failure")
		}
		if _, _, functional := sensor.Value(); !functional {
			t.Fatalf("sensor non-functional after %d failures", i+1)
		}
	}
	if err := sensor.Poll(ctx); err == nil {
		t.Fatal("expected poll failure")
	}
	if _, _, functional := sensor.Value(); functional {
		t.Fatal("sensor still functional after third failure")
	}
	if last, ok := rec.LastNumeric(1); !ok || !math.IsNaN(last.Value) {
		t.Errorf("expected NaN publication, got %+v", last)
	}

	state.SetFail(false)
	state.Set(1, 25)
	if err := sensor.Poll(ctx); err != nil {
		t.Fatalf("poll after recovery: %v", err)
	}
	value, _, functional := sensor.Value()
	if !functional || value != 25.0 {
		t.Errorf("after recovery: value %v functional %v", value, functional)
	}
}

// S3: a state transition from 1 to 2 emits exactly one state-change event
// carrying the readable names, and updates the publication.
func TestStateSensorChangeEvent(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	state := pldmtest.NewSensorState()
	state.SetStates(5, 1, 1)
	state.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.StateSensorRecord(2, 5, testEntity, pdr.InitNone, 1, []uint8{1, 2, 3}),
	))

	platform, rec := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	sensor := terminus.StateSensors[5]

	state.SetStates(5, 2, 1)
	if err := sensor.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(rec.StateChanges) != 1 {
		t.Fatalf("state change events: got %d, want 1", len(rec.StateChanges))
	}
	ev := rec.StateChanges[0]
	// State set 1 is Health State: 1=Normal, 2=Non-Critical.
	if ev.StateSetName != "Health State" || ev.FromState != "Normal" || ev.ToState != "Non-Critical" {
		t.Errorf("event: %+v", ev)
	}
	reading, _ := rec.LastState(5)
	if reading.Current != 2 || reading.Previous != 1 {
		t.Errorf("publication: %+v", reading)
	}
}

// S4: set(55) issues one SetNumericEffecterValue, then after the
// transition interval one GetNumericEffecterValue, then publishes 55.
func TestNumericEffecterSetAndReread(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	state := pldmtest.NewSensorState()
	state.Serve(dev)
	eff := pldmtest.NewEffecterState()
	eff.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.NumericEffecterRecord(2, pldmtest.NumericEffecterConfig{
			EffecterID: 3, Entity: testEntity, DataSize: pdr.DataSizeUint8,
			Resolution: 1, Offset: 0, TransitionInterval: 0.05,
			MaxSettable: 100, MinSettable: 0,
		}),
	))

	platform, rec := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	handler := terminus.NumericEffecters[3]

	if min, max := handler.Bounds(); min != 0 || max != 100 {
		t.Fatalf("bounds: [%v, %v]", min, max)
	}

	_, getsBefore := eff.Counts()
	start := time.Now()
	if err := handler.Set(context.Background(), 55); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Set returned before the transition interval: %v", elapsed)
	}
	sets, gets := eff.Counts()
	if sets != 1 {
		t.Errorf("SetNumericEffecterValue on the wire: got %d, want 1", sets)
	}
	if gets != getsBefore+1 {
		t.Errorf("GetNumericEffecterValue after set: got %d", gets-getsBefore)
	}
	reading, ok := rec.LastNumeric(3)
	if !ok || reading.Value != 55.0 {
		t.Errorf("published value: %+v", reading)
	}
}

// Invariant 7: an out-of-range set is refused without any wire traffic.
func TestNumericEffecterSetOutOfRange(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	eff := pldmtest.NewEffecterState()
	eff.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.NumericEffecterRecord(2, pldmtest.NumericEffecterConfig{
			EffecterID: 3, Entity: testEntity, DataSize: pdr.DataSizeUint8,
			Resolution: 1, MaxSettable: 100, MinSettable: 10,
		}),
	))

	platform, _ := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	handler := terminus.NumericEffecters[3]

	setsBefore, _ := eff.Counts()
	for _, v := range []float64{9.9, 101, math.Inf(1), math.NaN()} {
		if err := handler.Set(context.Background(), v); !errors.Is(err, pldm.ErrOutOfRange) {
			t.Errorf("Set(%v): got %v, want ErrOutOfRange", v, err)
		}
	}
	if sets, _ := eff.Counts(); sets != setsBefore {
		t.Errorf("out-of-range sets reached the wire: %d", sets-setsBefore)
	}
}

func TestStateEffecterSetUnsupportedState(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	eff := pldmtest.NewEffecterState()
	eff.State[4] = 1
	eff.Serve(dev)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.StateEffecterRecord(2, 4, testEntity, pdr.InitNone, 11, []uint8{1, 2}),
	))

	platform, _ := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	handler := terminus.StateEffecters[4]

	setsBefore, _ := eff.Counts()
	if err := handler.Set(context.Background(), 7); !errors.Is(err, pldm.ErrUnsupportedState) {
		t.Fatalf("Set(7): got %v, want ErrUnsupportedState", err)
	}
	if sets, _ := eff.Counts(); sets != setsBefore {
		t.Error("unsupported state reached the wire")
	}

	if err := handler.Set(context.Background(), 2); err != nil {
		t.Fatalf("Set(2): %v", err)
	}
	current, _, _, _ := handler.States()
	if current != 2 {
		t.Errorf("current state after set: got %d", current)
	}
}

// S5: a multipart record whose END fragment carries a bad CRC is not
// inserted; the scan continues to the next handle.
func TestMultipartPDRBadCRC(t *testing.T) {
	badRecord := pldmtest.StateSensorRecord(2, 5, testEntity, pdr.InitNone, 1, []uint8{1})
	goodRecord := pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, uint8(testTID), 100)

	dev := pldmtest.NewDevice(testEID)
	state := pldmtest.NewSensorState()
	state.Serve(dev)

	dev.Handle(pldm.TypePlatform, pldm.CmdGetPDRRepositoryInfo, func(hdr pldm.Header, _ []byte) []byte {
		e := wire.NewEncoder()
		e.Uint8(0) // available
		for i := 0; i < 26; i++ {
			e.Uint8(0)
		}
		e.Uint32(2) // recordCount
		e.Uint32(uint32(len(badRecord) + len(goodRecord)))
		e.Uint32(256) // largestRecordSize
		e.Uint8(10)
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	dev.Handle(pldm.TypePlatform, pldm.CmdGetPDR, func(hdr pldm.Header, payload []byte) []byte {
		dec := wire.NewDecoder(payload)
		handle := dec.Uint32()
		dec.Uint32() // dataTransferHandle
		op := dec.Uint8()

		e := wire.NewEncoder()
		switch {
		case handle == 0 && op == pldm.OpGetFirstPart:
			// First fragment of the bad record: 8 bytes, START.
			e.Uint32(1) // nextRecordHandle -> good record
			e.Uint32(1) // nextDataTransferHandle
			e.Uint8(pldm.TransferStart)
			e.Uint16(8)
			e.Write(badRecord[:8])
		case handle == 0:
			// Second fragment: rest of the record, END, wrong CRC.
			rest := badRecord[8:]
			e.Uint32(1)
			e.Uint32(0)
			e.Uint8(pldm.TransferEnd)
			e.Uint16(uint16(len(rest)))
			e.Write(rest)
			e.Uint8(wire.CRC8(badRecord) ^ 0xFF)
		default:
			// The good record, single part.
			e.Uint32(0)
			e.Uint32(0)
			e.Uint8(pldm.TransferStartAndEnd)
			e.Uint16(uint16(len(goodRecord)))
			e.Write(goodRecord)
		}
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	platform, _ := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	terminus, _ := platform.Terminus(testTID)
	if terminus.Repo.Count() != 1 {
		t.Errorf("repo count: got %d, want 1 (bad-CRC record discarded)", terminus.Repo.Count())
	}
	if _, ok := terminus.Repo.Record(2); ok {
		t.Error("bad-CRC record was inserted")
	}
	if _, ok := terminus.Repo.Record(1); !ok {
		t.Error("good record missing; scan did not continue past the bad record")
	}
}

// More than one valid Terminus Locator PDR aborts ingestion.
func TestMultipleTerminusLocatorsFatal(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	pldmtest.ServePDRRepo(dev, [][]byte{
		pldmtest.TerminusLocatorRecord(1, pdr.TerminusLocatorValid, 1, 100),
		pldmtest.TerminusLocatorRecord(2, pdr.TerminusLocatorValid, 1, 100),
	})
	platform, _ := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err == nil {
		t.Fatal("expected ingestion abort for duplicate terminus locators")
	}
}

func TestRepositoryInfoGate(t *testing.T) {
	dev := pldmtest.NewDevice(testEID)
	dev.Handle(pldm.TypePlatform, pldm.CmdGetPDRRepositoryInfo, func(hdr pldm.Header, _ []byte) []byte {
		e := wire.NewEncoder()
		e.Uint8(2) // failed state
		for i := 0; i < 26; i++ {
			e.Uint8(0)
		}
		e.Uint32(5)
		e.Uint32(100)
		e.Uint32(64)
		e.Uint8(10)
		return pldmtest.RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})
	platform, _ := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err == nil {
		t.Fatal("expected abort when repository state is not available")
	}
}

// Inventory publication: the entity tree yields one inventory node per
// entity, and FRU record sets attach to their entity's path.
func TestInventoryPublication(t *testing.T) {
	root := pdr.Entity{Type: 45, Instance: 1, Container: 100}
	dev := pldmtest.NewDevice(testEID)
	pldmtest.ServePDRRepo(dev, minimalRepo(
		pldmtest.EntityAssociationRecord(2, root, testEntity),
		pldmtest.EntityAuxNamesRecord(3, root, 0, "Chassis"),
		pldmtest.EntityAuxNamesRecord(4, testEntity, 0, "CPU"),
		pldmtest.FRURecordSetRecord(5, 0x33, testEntity),
	))
	platform, rec := newPlatform(t, dev)
	if err := platform.Init(context.Background(), testTID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(rec.Inventory) != 2 {
		t.Errorf("inventory nodes: got %d, want 2", len(rec.Inventory))
	}
	if len(rec.FRUs) != 1 {
		t.Fatalf("FRU publications: got %d, want 1", len(rec.FRUs))
	}
	if rec.FRUs[0].Path != "/system/1/Chassis/CPU" {
		t.Errorf("FRU path: got %q", rec.FRUs[0].Path)
	}
	if rec.FRUs[0].RecordSetID != 0x33 {
		t.Errorf("FRU record set id: got %d", rec.FRUs[0].RecordSetID)
	}
}
