// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr

import (
	"fmt"

	"github.com/openbmc/go-pldm/wire"
)

// DataSize selects the wire encoding of a numeric sensor or effecter value
// (DSP0248 sensorDataSize / effecterDataSize).
type DataSize uint8

// Numeric reading encodings
const (
	DataSizeUint8  DataSize = 0
	DataSizeSint8  DataSize = 1
	DataSizeUint16 DataSize = 2
	DataSizeSint16 DataSize = 3
	DataSizeUint32 DataSize = 4
	DataSizeSint32 DataSize = 5
)

// ByteLen returns the encoded length of a value of this size.
func (s DataSize) ByteLen() (int, error) {
	switch s {
	case DataSizeUint8, DataSizeSint8:
		return 1, nil
	case DataSizeUint16, DataSizeSint16:
		return 2, nil
	case DataSizeUint32, DataSizeSint32:
		return 4, nil
	}
	return 0, fmt.Errorf("data size %d not recognized", s)
}

// Decode reads one value of this size from d and widens it to float64.
func (s DataSize) Decode(d *wire.Decoder) float64 {
	switch s {
	case DataSizeUint8:
		return float64(d.Uint8())
	case DataSizeSint8:
		return float64(d.Int8())
	case DataSizeUint16:
		return float64(d.Uint16())
	case DataSizeSint16:
		return float64(d.Int16())
	case DataSizeUint32:
		return float64(d.Uint32())
	case DataSizeSint32:
		return float64(d.Int32())
	}
	return 0
}

// Encode appends v, truncated to this size, to e.
func (s DataSize) Encode(e *wire.Encoder, v float64) {
	switch s {
	case DataSizeUint8:
		e.Uint8(uint8(v))
	case DataSizeSint8:
		e.Int8(int8(v))
	case DataSizeUint16:
		e.Uint16(uint16(v))
	case DataSizeSint16:
		e.Int16(int16(v))
	case DataSizeUint32:
		e.Uint32(uint32(v))
	case DataSizeSint32:
		e.Int32(int32(v))
	}
}

// InitHint is the sensor/effecter initialization hint from the PDR.
type InitHint uint8

// Initialization hints
const (
	InitNone    InitHint = 0
	InitUsePDR  InitHint = 1
	InitEnable  InitHint = 2
	InitDisable InitHint = 3
)

// Terminus Locator PDR validity.
const (
	TerminusLocatorInvalid uint8 = 0
	TerminusLocatorValid   uint8 = 1
)

// TerminusLocator is the typed view of a Terminus Locator PDR.
type TerminusLocator struct {
	Header         Header
	TerminusHandle uint16
	Validity       uint8
	TID            uint8
	ContainerID    uint16
}

// ParseTerminusLocator decodes a Terminus Locator PDR.
func ParseTerminusLocator(record []byte) (*TerminusLocator, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	t := &TerminusLocator{
		Header:         h,
		TerminusHandle: d.Uint16(),
		Validity:       d.Uint8(),
		TID:            d.Uint8(),
		ContainerID:    d.Uint16(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("terminus locator PDR: %w", err)
	}
	return t, nil
}

// PatchTID overwrites the TID byte inside a raw Terminus Locator record.
// The update agent assigns TIDs itself, so the stored record must carry the
// assigned value rather than whatever the device reported.
func PatchTID(record []byte, tid uint8) error {
	if len(record) < HeaderSize+4 {
		return fmt.Errorf("terminus locator PDR too short to patch")
	}
	record[HeaderSize+3] = tid
	return nil
}

// Thresholds carries the optional numeric sensor threshold values converted
// to physical units. A nil entry means the threshold is not supported.
type Thresholds struct {
	WarningHigh  *float64
	WarningLow   *float64
	CriticalHigh *float64
	CriticalLow  *float64
}

// supportedThresholds bit positions (DSP0248 table 78).
const (
	thresholdUpperWarning  = 1 << 0
	thresholdUpperCritical = 1 << 1
	thresholdUpperFatal    = 1 << 2
	thresholdLowerWarning  = 1 << 3
	thresholdLowerCritical = 1 << 4
	thresholdLowerFatal    = 1 << 5
)

// rangeFieldFormat value for real32 range fields.
const rangeFormatReal32 = 7

func decodeRangeField(d *wire.Decoder, format uint8) float64 {
	if format == rangeFormatReal32 {
		return float64(d.Float32())
	}
	return DataSize(format).Decode(d)
}

// NumericSensor is the typed view of a Numeric Sensor PDR. Only the fields
// the sensor engine consumes are retained.
type NumericSensor struct {
	Header         Header
	TerminusHandle uint16
	SensorID       uint16
	Entity         Entity
	Init           InitHint
	HasAuxName     bool
	BaseUnit       uint8
	UnitModifier   int8
	DataSize       DataSize
	Resolution     float32
	Offset         float32
	Accuracy       uint16
	PlusTolerance  uint8
	MinusTolerance uint8
	Hysteresis     float64
	UpdateInterval float32
	MaxReadable    float64
	MinReadable    float64
	Thresholds     Thresholds
}

// Convert applies the PDR's linear conversion to a raw reading. The
// intermediate is float32 to match the resolution/offset encoding.
func (p *NumericSensor) Convert(raw float64) float64 {
	return float64(float32(raw)*p.Resolution + p.Offset)
}

// ParseNumericSensor decodes a Numeric Sensor PDR.
func ParseNumericSensor(record []byte) (*NumericSensor, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	p := &NumericSensor{Header: h}
	p.TerminusHandle = d.Uint16()
	p.SensorID = d.Uint16()
	p.Entity = decodeEntity(d)
	p.Init = InitHint(d.Uint8())
	p.HasAuxName = d.Uint8() != 0
	p.BaseUnit = d.Uint8()
	p.UnitModifier = d.Int8()
	d.Skip(1) // rateUnit
	d.Skip(1) // baseOEMUnitHandle
	d.Skip(1) // auxUnit
	d.Skip(1) // auxUnitModifier
	d.Skip(1) // auxRateUnit
	d.Skip(1) // rel
	d.Skip(1) // auxOEMUnitHandle
	d.Skip(1) // isLinear
	p.DataSize = DataSize(d.Uint8())
	if _, err := p.DataSize.ByteLen(); err != nil {
		return nil, fmt.Errorf("numeric sensor PDR: %w", err)
	}
	p.Resolution = d.Float32()
	p.Offset = d.Float32()
	p.Accuracy = d.Uint16()
	p.PlusTolerance = d.Uint8()
	p.MinusTolerance = d.Uint8()
	rawHysteresis := p.DataSize.Decode(d)
	supported := d.Uint8()
	d.Skip(1) // thresholdAndHysteresisVolatility
	d.Skip(4) // stateTransitionInterval
	p.UpdateInterval = d.Float32()
	p.MaxReadable = p.DataSize.Decode(d)
	p.MinReadable = p.DataSize.Decode(d)
	rangeFormat := d.Uint8()
	rangeSupport := d.Uint8()

	// The hysteresis from the PDR is in raw units. Scale without the
	// offset: it is a delta, not an absolute reading.
	p.Hysteresis = float64(float32(rawHysteresis) * p.Resolution)

	// rangeFieldSupport bits: nominalValue, normalMax, normalMin,
	// warningHigh, warningLow, criticalHigh, criticalLow, fatalHigh.
	readRange := func(bit uint8) *float64 {
		if rangeSupport&(1<<bit) == 0 {
			return nil
		}
		v := decodeRangeField(d, rangeFormat)
		return &v
	}
	readRange(0) // nominalValue
	readRange(1) // normalMax
	readRange(2) // normalMin
	if supported&thresholdUpperWarning != 0 {
		p.Thresholds.WarningHigh = readRange(3)
	} else {
		readRange(3)
	}
	if supported&thresholdLowerWarning != 0 {
		p.Thresholds.WarningLow = readRange(4)
	} else {
		readRange(4)
	}
	if supported&thresholdUpperCritical != 0 {
		p.Thresholds.CriticalHigh = readRange(5)
	} else {
		readRange(5)
	}
	if supported&thresholdLowerCritical != 0 {
		p.Thresholds.CriticalLow = readRange(6)
	} else {
		readRange(6)
	}

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("numeric sensor PDR: %w", err)
	}
	return p, nil
}

// maxPossibleStatesSize bounds the possible-states bitmap per DSP0248
// table 81.
const maxPossibleStatesSize = 0x20

func decodePossibleStates(d *wire.Decoder) (uint16, []uint8, error) {
	stateSetID := d.Uint16()
	size := d.Uint8()
	if size > maxPossibleStatesSize {
		size = maxPossibleStatesSize
	}
	bitmap := d.Bytes(int(size))
	if err := d.Err(); err != nil {
		return 0, nil, err
	}
	var values []uint8
	position := 0
	for _, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				values = append(values, uint8(position))
			}
			position++
		}
	}
	return stateSetID, values, nil
}

// StateSensor is the typed view of a State Sensor PDR. Composite sensors
// are not supported; only the first state set is retained.
type StateSensor struct {
	Header         Header
	TerminusHandle uint16
	SensorID       uint16
	Entity         Entity
	Init           InitHint
	HasAuxName     bool
	CompositeCount uint8
	StateSetID     uint16
	PossibleStates []uint8
}

// HasState reports whether state appears in the possible-state set.
func (p *StateSensor) HasState(state uint8) bool {
	for _, s := range p.PossibleStates {
		if s == state {
			return true
		}
	}
	return false
}

// ParseStateSensor decodes a State Sensor PDR.
func ParseStateSensor(record []byte) (*StateSensor, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	p := &StateSensor{Header: h}
	p.TerminusHandle = d.Uint16()
	p.SensorID = d.Uint16()
	p.Entity = decodeEntity(d)
	p.Init = InitHint(d.Uint8())
	p.HasAuxName = d.Uint8() != 0
	p.CompositeCount = d.Uint8()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("state sensor PDR: %w", err)
	}
	stateSetID, values, err := decodePossibleStates(d)
	if err != nil {
		return nil, fmt.Errorf("state sensor PDR: %w", err)
	}
	p.StateSetID = stateSetID
	p.PossibleStates = values
	return p, nil
}

// NumericEffecter is the typed view of a Numeric Effecter PDR.
type NumericEffecter struct {
	Header             Header
	TerminusHandle     uint16
	EffecterID         uint16
	Entity             Entity
	Init               InitHint
	HasAuxName         bool
	BaseUnit           uint8
	UnitModifier       int8
	DataSize           DataSize
	Resolution         float32
	Offset             float32
	TransitionInterval float32
	MaxSettable        float64
	MinSettable        float64
}

// Convert applies the PDR's linear conversion to a raw value.
func (p *NumericEffecter) Convert(raw float64) float64 {
	return float64(float32(raw)*p.Resolution + p.Offset)
}

// Unconvert inverts the linear conversion, producing the raw value to put
// on the wire for a desired physical value.
func (p *NumericEffecter) Unconvert(phys float64) (float64, error) {
	if p.Resolution == 0 {
		return 0, fmt.Errorf("effecter resolution is zero")
	}
	return float64((float32(phys) - p.Offset) / p.Resolution), nil
}

// ParseNumericEffecter decodes a Numeric Effecter PDR.
func ParseNumericEffecter(record []byte) (*NumericEffecter, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	p := &NumericEffecter{Header: h}
	p.TerminusHandle = d.Uint16()
	p.EffecterID = d.Uint16()
	p.Entity = decodeEntity(d)
	d.Skip(2) // effecterSemanticID
	p.Init = InitHint(d.Uint8())
	p.HasAuxName = d.Uint8() != 0
	p.BaseUnit = d.Uint8()
	p.UnitModifier = d.Int8()
	d.Skip(1) // rateUnit
	d.Skip(1) // baseOEMUnitHandle
	d.Skip(1) // auxUnit
	d.Skip(1) // auxUnitModifier
	d.Skip(1) // auxRateUnit
	d.Skip(1) // auxOEMUnitHandle
	d.Skip(1) // isLinear
	p.DataSize = DataSize(d.Uint8())
	if _, err := p.DataSize.ByteLen(); err != nil {
		return nil, fmt.Errorf("numeric effecter PDR: %w", err)
	}
	p.Resolution = d.Float32()
	p.Offset = d.Float32()
	d.Skip(2) // accuracy
	d.Skip(1) // plusTolerance
	d.Skip(1) // minusTolerance
	d.Skip(4) // stateTransitionInterval
	p.TransitionInterval = d.Float32()
	p.MaxSettable = p.DataSize.Decode(d)
	p.MinSettable = p.DataSize.Decode(d)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("numeric effecter PDR: %w", err)
	}
	return p, nil
}

// StateEffecter is the typed view of a State Effecter PDR. Composite
// effecters are not supported; only the first state set is retained.
type StateEffecter struct {
	Header         Header
	TerminusHandle uint16
	EffecterID     uint16
	Entity         Entity
	Init           InitHint
	HasDescription bool
	CompositeCount uint8
	StateSetID     uint16
	PossibleStates []uint8
}

// HasState reports whether state appears in the possible-state set.
func (p *StateEffecter) HasState(state uint8) bool {
	for _, s := range p.PossibleStates {
		if s == state {
			return true
		}
	}
	return false
}

// ParseStateEffecter decodes a State Effecter PDR.
func ParseStateEffecter(record []byte) (*StateEffecter, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	p := &StateEffecter{Header: h}
	p.TerminusHandle = d.Uint16()
	p.EffecterID = d.Uint16()
	p.Entity = decodeEntity(d)
	d.Skip(2) // effecterSemanticID
	p.Init = InitHint(d.Uint8())
	p.HasDescription = d.Uint8() != 0
	p.CompositeCount = d.Uint8()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("state effecter PDR: %w", err)
	}
	stateSetID, values, err := decodePossibleStates(d)
	if err != nil {
		return nil, fmt.Errorf("state effecter PDR: %w", err)
	}
	p.StateSetID = stateSetID
	p.PossibleStates = values
	return p, nil
}

// Association is the flat view of one Entity Association PDR: a container
// entity and the entities it contains.
type Association struct {
	Container Entity
	Children  []Entity
}

// ParseEntityAssociation decodes an Entity Association PDR.
func ParseEntityAssociation(record []byte) (*Association, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	_ = h
	d := wire.NewDecoder(record[HeaderSize:])
	d.Skip(2) // containerID of the PDR itself
	d.Skip(1) // associationType
	a := &Association{Container: decodeEntity(d)}
	count := d.Uint8()
	for i := 0; i < int(count); i++ {
		a.Children = append(a.Children, decodeEntity(d))
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("entity association PDR: %w", err)
	}
	if len(a.Children) == 0 {
		return nil, fmt.Errorf("entity association PDR has no contained entities")
	}
	return a, nil
}

// FRURecordSet is the typed view of a FRU Record Set PDR.
type FRURecordSet struct {
	Header         Header
	TerminusHandle uint16
	RecordSetID    uint16
	Entity         Entity
}

// ParseFRURecordSet decodes a FRU Record Set PDR.
func ParseFRURecordSet(record []byte) (*FRURecordSet, error) {
	h, err := DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(record[HeaderSize:])
	p := &FRURecordSet{Header: h}
	p.TerminusHandle = d.Uint16()
	p.RecordSetID = d.Uint16()
	p.Entity = decodeEntity(d)
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("FRU record set PDR: %w", err)
	}
	return p, nil
}
