// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldmtest

import (
	"fmt"

	"github.com/openbmc/go-pldm"
)

// MemoryPackage is a pldm.Package held in memory for tests.
type MemoryPackage struct {
	Matched    []pldm.MatchedTerminus
	Records    map[uint8]*pldm.DeviceIDRecord
	Comps      []pldm.Component
	Image      []byte
	Updatable  uint64
}

// NewSingleComponentPackage builds a package with one device-id record
// applying every component to tid, with component images laid out
// back-to-back in the image area.
func NewSingleComponentPackage(tid pldm.TID, images ...[]byte) *MemoryPackage {
	p := &MemoryPackage{
		Matched: []pldm.MatchedTerminus{{DeviceIDRecord: 0, TID: tid}},
		Records: map[uint8]*pldm.DeviceIDRecord{},
	}
	var applicable uint64
	var offset uint32
	for i, img := range images {
		applicable |= 1 << uint(i)
		p.Comps = append(p.Comps, pldm.Component{
			Classification:  0x000A,
			Identifier:      uint16(0x100 + i),
			ComparisonStamp: uint32(i + 1),
			Version:         fmt.Sprintf("v1.%d", i),
			Size:            uint32(len(img)),
			LocationOffset:  offset,
		})
		p.Image = append(p.Image, img...)
		offset += uint32(len(img))
		p.Updatable += uint64(len(img))
	}
	p.Records[0] = &pldm.DeviceIDRecord{
		Index:                    0,
		ApplicableComponents:     applicable,
		ComponentImageSetVersion: "set-v1",
	}
	return p
}

// MatchedTermini implements pldm.Package.
func (p *MemoryPackage) MatchedTermini() []pldm.MatchedTerminus { return p.Matched }

// DeviceIDRecord implements pldm.Package.
func (p *MemoryPackage) DeviceIDRecord(index uint8) (*pldm.DeviceIDRecord, bool) {
	r, ok := p.Records[index]
	return r, ok
}

// Components implements pldm.Package.
func (p *MemoryPackage) Components() []pldm.Component { return p.Comps }

// ReadData implements pldm.Package.
func (p *MemoryPackage) ReadData(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(p.Image)) {
		return nil, fmt.Errorf("read [%d, %d) beyond image of %d bytes",
			offset, offset+length, len(p.Image))
	}
	return append([]byte(nil), p.Image[offset:offset+length]...), nil
}

// UpdatableImageSize implements pldm.Package.
func (p *MemoryPackage) UpdatableImageSize() uint64 { return p.Updatable }
