// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package pdr holds the Platform Descriptor Record repository for a single
// terminus: raw record storage keyed by record handle, typed views over each
// PDR kind, auxiliary-name extraction, and the entity-association tree that
// anchors sensors, effecters, and FRUs onto the inventory hierarchy.
package pdr

import (
	"fmt"

	"github.com/openbmc/go-pldm/wire"
)

// RecordHandle identifies a PDR within a repository. Handles are opaque and
// non-zero; zero means "start" on request and "end of chain" on response.
type RecordHandle uint32

// PDR types (DSP0248 table 76).
const (
	TypeTerminusLocator    uint8 = 1
	TypeNumericSensor      uint8 = 2
	TypeNumericSensorInit  uint8 = 3
	TypeStateSensor        uint8 = 4
	TypeStateSensorInit    uint8 = 5
	TypeSensorAuxNames     uint8 = 6
	TypeOEMUnit            uint8 = 7
	TypeOEMStateSet        uint8 = 8
	TypeNumericEffecter    uint8 = 9
	TypeNumericEffecterInit uint8 = 10
	TypeStateEffecter      uint8 = 11
	TypeStateEffecterInit  uint8 = 12
	TypeEffecterAuxNames   uint8 = 13
	TypeEntityAssociation  uint8 = 15
	TypeEntityAuxNames     uint8 = 16
	TypeFRURecordSet       uint8 = 20
	TypeOEM                uint8 = 127
)

// HeaderSize is the size of the common PDR header.
const HeaderSize = 10

// Header is the common PDR header present in every record.
type Header struct {
	RecordHandle RecordHandle
	Version      uint8
	Type         uint8
	ChangeNum    uint16
	Length       uint16
}

// DecodeHeader reads the common PDR header from record.
func DecodeHeader(record []byte) (Header, error) {
	d := wire.NewDecoder(record)
	h := Header{
		RecordHandle: RecordHandle(d.Uint32()),
		Version:      d.Uint8(),
		Type:         d.Uint8(),
		ChangeNum:    d.Uint16(),
		Length:       d.Uint16(),
	}
	if err := d.Err(); err != nil {
		return Header{}, fmt.Errorf("PDR header: %w", err)
	}
	return h, nil
}

// Entity identifies a physical or logical unit inside a terminus. Two
// entities are the same iff all three fields match.
type Entity struct {
	Type      uint16
	Instance  uint16
	Container uint16
}

func (e Entity) String() string {
	return fmt.Sprintf("%d_%d_%d", e.Type, e.Instance, e.Container)
}

func decodeEntity(d *wire.Decoder) Entity {
	return Entity{
		Type:      d.Uint16(),
		Instance:  d.Uint16(),
		Container: d.Uint16(),
	}
}

// Repo is an append-only store of raw PDR records keyed by record handle.
// It is written once during terminus init and read-only thereafter.
type Repo struct {
	records map[RecordHandle][]byte
	order   []RecordHandle
}

// NewRepo returns an empty repository.
func NewRepo() *Repo {
	return &Repo{records: make(map[RecordHandle][]byte)}
}

// Add inserts record under its own header's record handle. Adding a record
// whose handle is already present leaves the store unchanged.
func (r *Repo) Add(record []byte) error {
	h, err := DecodeHeader(record)
	if err != nil {
		return err
	}
	if h.RecordHandle == 0 {
		return fmt.Errorf("record handle 0 is reserved")
	}
	if _, ok := r.records[h.RecordHandle]; ok {
		return nil
	}
	r.records[h.RecordHandle] = record
	r.order = append(r.order, h.RecordHandle)
	return nil
}

// Count returns the number of stored records.
func (r *Repo) Count() int { return len(r.records) }

// Record returns the raw bytes stored under handle.
func (r *Repo) Record(handle RecordHandle) ([]byte, bool) {
	rec, ok := r.records[handle]
	return rec, ok
}

// ByType returns every record of the given PDR type, in insertion order.
func (r *Repo) ByType(pdrType uint8) [][]byte {
	var out [][]byte
	for _, handle := range r.order {
		rec := r.records[handle]
		if len(rec) > 5 && rec[5] == pdrType {
			out = append(out, rec)
		}
	}
	return out
}

// All returns every record in insertion order.
func (r *Repo) All() [][]byte {
	out := make([][]byte, 0, len(r.order))
	for _, handle := range r.order {
		out = append(out, r.records[handle])
	}
	return out
}
