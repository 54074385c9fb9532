// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/openbmc/go-pldm/wire"
)

// maxNameLen bounds both the language tag and the name string, in code
// units. A longer string means the PDR is not null terminated correctly and
// every subsequent decode would be garbage, so the whole name is rejected.
const maxNameLen = 64

const supportedLangTag = "en"

// sanitizeName replaces every character outside [a-zA-Z0-9_/] with an
// underscore so the name can be used as an object path element. A name that
// collapses entirely to underscores is rejected.
func sanitizeName(name string) (string, bool) {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '/':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return "", false
	}
	return out, true
}

// decodeAuxName walks nameCount (language tag, UTF-16BE name) pairs and
// returns the sanitized English name, if present.
func decodeAuxName(nameCount uint8, data []byte) (string, error) {
	d := wire.NewDecoder(data)
	for i := 0; i < int(nameCount) && d.Remaining() > 0; i++ {
		langTag, err := readASCIIZ(d)
		if err != nil {
			return "", err
		}
		name, err := readUTF16Z(d)
		if err != nil {
			return "", err
		}
		if langTag != supportedLangTag {
			continue
		}
		out, ok := sanitizeName(name)
		if !ok {
			return "", fmt.Errorf("auxiliary name has no printable characters")
		}
		return out, nil
	}
	return "", fmt.Errorf("no English auxiliary name present")
}

func readASCIIZ(d *wire.Decoder) (string, error) {
	var b strings.Builder
	for i := 0; ; i++ {
		if i > maxNameLen {
			return "", fmt.Errorf("language tag longer than %d bytes", maxNameLen)
		}
		c := d.Uint8()
		if err := d.Err(); err != nil {
			return "", err
		}
		if c == 0 {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func readUTF16Z(d *wire.Decoder) (string, error) {
	var units []uint16
	for i := 0; ; i++ {
		if i > maxNameLen {
			return "", fmt.Errorf("auxiliary name longer than %d code units", maxNameLen)
		}
		// Names are stored big endian per DSP0248.
		hi := d.Uint8()
		lo := d.Uint8()
		if err := d.Err(); err != nil {
			return "", err
		}
		u := uint16(hi)<<8 | uint16(lo)
		if u == 0 {
			return string(utf16.Decode(units)), nil
		}
		units = append(units, u)
	}
}

// EntityAuxName is one decoded Entity Auxiliary Names PDR entry. A shared
// name count > 0 expands to an instance range, each instance getting a
// numbered variant of the name.
type EntityAuxName struct {
	Entity Entity
	Name   string
}

// ParseEntityAuxNames decodes an Entity Auxiliary Names PDR into one entry
// per covered entity instance.
func ParseEntityAuxNames(record []byte) ([]EntityAuxName, error) {
	if _, err := DecodeHeader(record); err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	entity := decodeEntity(d)
	sharedCount := d.Uint8()
	nameCount := d.Uint8()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("entity auxiliary names PDR: %w", err)
	}
	name, err := decodeAuxName(nameCount, d.Rest())
	if err != nil {
		return nil, fmt.Errorf("entity auxiliary names PDR: %w", err)
	}

	if sharedCount == 0 {
		return []EntityAuxName{{Entity: entity, Name: name}}, nil
	}

	// entityInstance gives the start of the range. A shared count of 2
	// with instance 100 covers instances {100, 101, 102}.
	var out []EntityAuxName
	for i := 0; i <= int(sharedCount); i++ {
		e := entity
		e.Instance = entity.Instance + uint16(i)
		out = append(out, EntityAuxName{
			Entity: e,
			Name:   fmt.Sprintf("%s_%d", name, i),
		})
	}
	return out, nil
}

// SensorAuxName is the decoded form of a Sensor or Effecter Auxiliary Names
// PDR; both share the same layout with the id naming a sensor or effecter.
type SensorAuxName struct {
	ID   uint16
	Name string
}

// ParseSensorAuxNames decodes a Sensor (or Effecter) Auxiliary Names PDR.
// Composite names beyond the first are not supported and are skipped.
func ParseSensorAuxNames(record []byte) (*SensorAuxName, error) {
	if _, err := DecodeHeader(record); err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	d.Skip(2) // terminusHandle
	id := d.Uint16()
	d.Skip(1) // sensorCount (composite not supported)
	nameCount := d.Uint8()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("auxiliary names PDR: %w", err)
	}
	name, err := decodeAuxName(nameCount, d.Rest())
	if err != nil {
		return nil, fmt.Errorf("auxiliary names PDR: %w", err)
	}
	return &SensorAuxName{ID: id, Name: name}, nil
}
