// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldmtest

import (
	"sync"

	"github.com/openbmc/go-pldm"
	"github.com/openbmc/go-pldm/wire"
)

// ServePDRRepo scripts GetPDRRepositoryInfo and single-part GetPDR over
// the given records, chained in order.
func ServePDRRepo(d *Device, records [][]byte) {
	largest := 0
	for _, rec := range records {
		if len(rec) > largest {
			largest = len(rec)
		}
	}

	d.Handle(pldm.TypePlatform, pldm.CmdGetPDRRepositoryInfo, func(hdr pldm.Header, _ []byte) []byte {
		e := wire.NewEncoder()
		e.Uint8(0) // repositoryState: available
		for i := 0; i < 26; i++ {
			e.Uint8(0) // updateTime + OEMUpdateTime
		}
		e.Uint32(uint32(len(records)))
		size := 0
		for _, rec := range records {
			size += len(rec)
		}
		e.Uint32(uint32(size))
		e.Uint32(uint32(largest))
		e.Uint8(10) // dataTransferHandleTimeout
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	d.Handle(pldm.TypePlatform, pldm.CmdGetPDR, func(hdr pldm.Header, payload []byte) []byte {
		dec := wire.NewDecoder(payload)
		handle := dec.Uint32()
		if dec.Err() != nil {
			return RespondCC(hdr, pldm.CCErrorInvalidData)
		}
		idx := 0
		if handle != 0 {
			idx = -1
			for i, rec := range records {
				if h, err := pldmHeaderHandle(rec); err == nil && h == handle {
					idx = i
					break
				}
			}
			if idx < 0 {
				return RespondCC(hdr, pldm.CCErrorInvalidData)
			}
		}
		rec := records[idx]
		next := uint32(0)
		if idx+1 < len(records) {
			next, _ = pldmHeaderHandle(records[idx+1])
		}
		e := wire.NewEncoder()
		e.Uint32(next)
		e.Uint32(0) // nextDataTransferHandle
		e.Uint8(0x05) // transferFlag: START_AND_END
		e.Uint16(uint16(len(rec)))
		e.Write(rec)
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})
}

func pldmHeaderHandle(rec []byte) (uint32, error) {
	d := wire.NewDecoder(rec)
	h := d.Uint32()
	return h, d.Err()
}

// SensorState scripts the monitoring command set of a simple device: all
// enables succeed, numeric sensors read from Raw, state sensors from
// Present/Previous. Mutate the fields between polls to script scenarios.
type SensorState struct {
	mu sync.Mutex

	// Raw is the numeric reading returned per sensor id.
	Raw map[uint16]uint32

	// DataSize is the sensorDataSize byte returned in readings.
	DataSize uint8

	// OpState is the sensor operational state returned.
	OpState uint8

	// Present and Previous are state sensor readings per sensor id.
	Present  map[uint16]uint8
	Previous map[uint16]uint8

	// Fail makes every read command return an error completion code.
	Fail bool

	// Reads counts GetSensorReading/GetStateSensorReadings calls.
	Reads int
}

// NewSensorState returns a SensorState with enabled sensors and uint8
// readings.
func NewSensorState() *SensorState {
	return &SensorState{
		Raw:      make(map[uint16]uint32),
		Present:  make(map[uint16]uint8),
		Previous: make(map[uint16]uint8),
	}
}

// Set updates the raw numeric reading for a sensor.
func (s *SensorState) Set(id uint16, raw uint32) {
	s.mu.Lock()
	s.Raw[id] = raw
	s.mu.Unlock()
}

// SetStates updates a state sensor's present/previous pair.
func (s *SensorState) SetStates(id uint16, present, previous uint8) {
	s.mu.Lock()
	s.Present[id] = present
	s.Previous[id] = previous
	s.mu.Unlock()
}

// SetFail toggles read failures.
func (s *SensorState) SetFail(fail bool) {
	s.mu.Lock()
	s.Fail = fail
	s.mu.Unlock()
}

// Serve registers the monitoring handlers on d.
func (s *SensorState) Serve(d *Device) {
	ccOK := func(hdr pldm.Header, _ []byte) []byte {
		return RespondCC(hdr, pldm.CCSuccess)
	}
	d.Handle(pldm.TypePlatform, pldm.CmdSetNumericSensorEnable, ccOK)
	d.Handle(pldm.TypePlatform, pldm.CmdSetStateSensorEnables, ccOK)
	d.Handle(pldm.TypePlatform, pldm.CmdSetNumericEffecterEnable, ccOK)
	d.Handle(pldm.TypePlatform, pldm.CmdSetStateEffecterEnable, ccOK)

	d.Handle(pldm.TypePlatform, pldm.CmdGetSensorReading, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Reads++
		if s.Fail {
			return RespondCC(hdr, pldm.CCError)
		}
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		e := wire.NewEncoder()
		e.Uint8(s.DataSize)
		e.Uint8(s.OpState)
		e.Uint8(0) // eventMessageEnable
		e.Uint8(0) // presentState
		e.Uint8(0) // previousState
		e.Uint8(0) // eventState
		encodeSized(e, s.DataSize, s.Raw[id])
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	d.Handle(pldm.TypePlatform, pldm.CmdGetStateSensorReadings, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Reads++
		if s.Fail {
			return RespondCC(hdr, pldm.CCError)
		}
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		e := wire.NewEncoder()
		e.Uint8(1) // compositeSensorCount
		e.Uint8(s.OpState)
		e.Uint8(s.Present[id])
		e.Uint8(s.Previous[id])
		e.Uint8(0) // eventState
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})
}

func encodeSized(e *wire.Encoder, dataSize uint8, v uint32) {
	switch dataSize {
	case 0, 1:
		e.Uint8(uint8(v))
	case 2, 3:
		e.Uint16(uint16(v))
	default:
		e.Uint32(v)
	}
}

// EffecterState scripts numeric and state effecter reads and sets.
type EffecterState struct {
	mu sync.Mutex

	// Value is the present numeric value per effecter id, in raw units.
	Value map[uint16]uint32

	// State is the present state per effecter id.
	State map[uint16]uint8

	// DataSize is the effecterDataSize byte returned in readings.
	DataSize uint8

	// OpState is the effecter operational state returned.
	OpState uint8

	// SetCalls counts Set*Effecter* commands received.
	SetCalls int
	// GetCalls counts Get*Effecter* commands received.
	GetCalls int
}

// NewEffecterState returns an EffecterState with enabled effecters.
func NewEffecterState() *EffecterState {
	return &EffecterState{
		Value:   make(map[uint16]uint32),
		State:   make(map[uint16]uint8),
		OpState: 1, // enabled, no update pending
	}
}

// Counts returns the set/get call counters.
func (s *EffecterState) Counts() (sets, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SetCalls, s.GetCalls
}

// Serve registers the effecter handlers on d.
func (s *EffecterState) Serve(d *Device) {
	ccOK := func(hdr pldm.Header, _ []byte) []byte {
		return RespondCC(hdr, pldm.CCSuccess)
	}
	d.Handle(pldm.TypePlatform, pldm.CmdSetNumericEffecterEnable, ccOK)
	d.Handle(pldm.TypePlatform, pldm.CmdSetStateEffecterEnable, ccOK)

	d.Handle(pldm.TypePlatform, pldm.CmdSetNumericEffecterValue, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.SetCalls++
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		size := dec.Uint8()
		var v uint32
		switch size {
		case 0, 1:
			v = uint32(dec.Uint8())
		case 2, 3:
			v = uint32(dec.Uint16())
		default:
			v = dec.Uint32()
		}
		if dec.Err() != nil {
			return RespondCC(hdr, pldm.CCErrorInvalidData)
		}
		s.Value[id] = v
		return RespondCC(hdr, pldm.CCSuccess)
	})

	d.Handle(pldm.TypePlatform, pldm.CmdGetNumericEffecterValue, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.GetCalls++
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		e := wire.NewEncoder()
		e.Uint8(s.DataSize)
		e.Uint8(s.OpState)
		encodeSized(e, s.DataSize, s.Value[id]) // pendingValue
		encodeSized(e, s.DataSize, s.Value[id]) // presentValue
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})

	d.Handle(pldm.TypePlatform, pldm.CmdSetStateEffecterStates, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.SetCalls++
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		dec.Uint8() // compositeEffecterCount
		dec.Uint8() // setRequest
		state := dec.Uint8()
		if dec.Err() != nil {
			return RespondCC(hdr, pldm.CCErrorInvalidData)
		}
		s.State[id] = state
		return RespondCC(hdr, pldm.CCSuccess)
	})

	d.Handle(pldm.TypePlatform, pldm.CmdGetStateEffecterStates, func(hdr pldm.Header, payload []byte) []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.GetCalls++
		dec := wire.NewDecoder(payload)
		id := dec.Uint16()
		e := wire.NewEncoder()
		e.Uint8(1) // compositeEffecterCount
		e.Uint8(s.OpState)
		e.Uint8(s.State[id]) // pendingState
		e.Uint8(s.State[id]) // presentState
		return RespondCC(hdr, pldm.CCSuccess, e.Bytes()...)
	})
}
