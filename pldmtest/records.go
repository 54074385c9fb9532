// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldmtest

import (
	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/wire"
)

// recordHeader encodes the common PDR header.
func recordHeader(handle uint32, pdrType uint8, bodyLen int) *wire.Encoder {
	e := wire.NewEncoder()
	e.Uint32(handle)
	e.Uint8(1) // version
	e.Uint8(pdrType)
	e.Uint16(1) // recordChangeNumber
	e.Uint16(uint16(bodyLen))
	return e
}

func withHeader(handle uint32, pdrType uint8, body []byte) []byte {
	e := recordHeader(handle, pdrType, len(body))
	e.Write(body)
	return e.Bytes()
}

func encodeEntity(e *wire.Encoder, entity pdr.Entity) {
	e.Uint16(entity.Type)
	e.Uint16(entity.Instance)
	e.Uint16(entity.Container)
}

// TerminusLocatorRecord builds a Terminus Locator PDR.
func TerminusLocatorRecord(handle uint32, validity, tid uint8, containerID uint16) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint8(validity)
	e.Uint8(tid)
	e.Uint16(containerID)
	e.Uint8(1) // locatorType: UID
	e.Uint8(1) // locatorSize
	e.Uint8(0) // locator value
	return withHeader(handle, pdr.TypeTerminusLocator, e.Bytes())
}

// NumericSensorConfig parameterizes NumericSensorRecord.
type NumericSensorConfig struct {
	SensorID   uint16
	Entity     pdr.Entity
	Init       pdr.InitHint
	HasAuxName bool
	BaseUnit   uint8
	DataSize   pdr.DataSize
	Resolution float32
	Offset     float32
	Hysteresis float64

	WarningHigh  *float64
	WarningLow   *float64
	CriticalHigh *float64
	CriticalLow  *float64
}

// NumericSensorRecord builds a Numeric Sensor PDR.
func NumericSensorRecord(handle uint32, cfg NumericSensorConfig) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(cfg.SensorID)
	encodeEntity(e, cfg.Entity)
	e.Uint8(uint8(cfg.Init))
	if cfg.HasAuxName {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
	e.Uint8(cfg.BaseUnit)
	e.Int8(0)  // unitModifier
	e.Uint8(0) // rateUnit
	e.Uint8(0) // baseOEMUnitHandle
	e.Uint8(0) // auxUnit
	e.Int8(0)  // auxUnitModifier
	e.Uint8(0) // auxRateUnit
	e.Uint8(0) // rel
	e.Uint8(0) // auxOEMUnitHandle
	e.Uint8(1) // isLinear
	e.Uint8(uint8(cfg.DataSize))
	e.Float32(cfg.Resolution)
	e.Float32(cfg.Offset)
	e.Uint16(0) // accuracy
	e.Uint8(0)  // plusTolerance
	e.Uint8(0)  // minusTolerance
	rawHyst := 0.0
	if cfg.Resolution != 0 {
		rawHyst = cfg.Hysteresis / float64(cfg.Resolution)
	}
	cfg.DataSize.Encode(e, rawHyst)
	var supported uint8
	var rangeSupport uint8
	if cfg.WarningHigh != nil {
		supported |= 1 << 0
		rangeSupport |= 1 << 3
	}
	if cfg.CriticalHigh != nil {
		supported |= 1 << 1
		rangeSupport |= 1 << 5
	}
	if cfg.WarningLow != nil {
		supported |= 1 << 3
		rangeSupport |= 1 << 4
	}
	if cfg.CriticalLow != nil {
		supported |= 1 << 4
		rangeSupport |= 1 << 6
	}
	e.Uint8(supported)
	e.Uint8(0)      // thresholdAndHysteresisVolatility
	e.Float32(0)    // stateTransitionInterval
	e.Float32(1)    // updateInterval
	cfg.DataSize.Encode(e, 255) // maxReadable
	cfg.DataSize.Encode(e, 0)   // minReadable
	e.Uint8(7)      // rangeFieldFormat: real32
	e.Uint8(rangeSupport)
	for _, v := range []*float64{cfg.WarningHigh, cfg.WarningLow, cfg.CriticalHigh, cfg.CriticalLow} {
		if v != nil {
			e.Float32(float32(*v))
		}
	}
	return withHeader(handle, pdr.TypeNumericSensor, e.Bytes())
}

// StateSensorRecord builds a State Sensor PDR with one state set.
func StateSensorRecord(handle uint32, sensorID uint16, entity pdr.Entity, init pdr.InitHint, stateSetID uint16, states []uint8) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(sensorID)
	encodeEntity(e, entity)
	e.Uint8(uint8(init))
	e.Uint8(0) // sensorAuxiliaryNamesPDR
	e.Uint8(1) // compositeSensorCount
	e.Uint16(stateSetID)
	e.Uint8(1) // possibleStatesSize
	var bitmap uint8
	for _, s := range states {
		bitmap |= 1 << s
	}
	e.Uint8(bitmap)
	return withHeader(handle, pdr.TypeStateSensor, e.Bytes())
}

// NumericEffecterConfig parameterizes NumericEffecterRecord.
type NumericEffecterConfig struct {
	EffecterID         uint16
	Entity             pdr.Entity
	Init               pdr.InitHint
	BaseUnit           uint8
	DataSize           pdr.DataSize
	Resolution         float32
	Offset             float32
	TransitionInterval float32
	MaxSettable        float64
	MinSettable        float64
}

// NumericEffecterRecord builds a Numeric Effecter PDR.
func NumericEffecterRecord(handle uint32, cfg NumericEffecterConfig) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(cfg.EffecterID)
	encodeEntity(e, cfg.Entity)
	e.Uint16(0) // effecterSemanticID
	e.Uint8(uint8(cfg.Init))
	e.Uint8(0) // effecterAuxiliaryNames
	e.Uint8(cfg.BaseUnit)
	e.Int8(0)  // unitModifier
	e.Uint8(0) // rateUnit
	e.Uint8(0) // baseOEMUnitHandle
	e.Uint8(0) // auxUnit
	e.Int8(0)  // auxUnitModifier
	e.Uint8(0) // auxRateUnit
	e.Uint8(0) // auxOEMUnitHandle
	e.Uint8(1) // isLinear
	e.Uint8(uint8(cfg.DataSize))
	e.Float32(cfg.Resolution)
	e.Float32(cfg.Offset)
	e.Uint16(0) // accuracy
	e.Uint8(0)  // plusTolerance
	e.Uint8(0)  // minusTolerance
	e.Float32(0) // stateTransitionInterval
	e.Float32(cfg.TransitionInterval)
	cfg.DataSize.Encode(e, cfg.MaxSettable)
	cfg.DataSize.Encode(e, cfg.MinSettable)
	return withHeader(handle, pdr.TypeNumericEffecter, e.Bytes())
}

// StateEffecterRecord builds a State Effecter PDR with one state set.
func StateEffecterRecord(handle uint32, effecterID uint16, entity pdr.Entity, init pdr.InitHint, stateSetID uint16, states []uint8) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(effecterID)
	encodeEntity(e, entity)
	e.Uint16(0) // effecterSemanticID
	e.Uint8(uint8(init))
	e.Uint8(0) // hasDescriptionPDR
	e.Uint8(1) // compositeEffecterCount
	e.Uint16(stateSetID)
	e.Uint8(1) // possibleStatesSize
	var bitmap uint8
	for _, s := range states {
		bitmap |= 1 << s
	}
	e.Uint8(bitmap)
	return withHeader(handle, pdr.TypeStateEffecter, e.Bytes())
}

// EntityAssociationRecord builds an Entity Association PDR.
func EntityAssociationRecord(handle uint32, container pdr.Entity, children ...pdr.Entity) []byte {
	e := wire.NewEncoder()
	e.Uint16(container.Container) // containerID
	e.Uint8(0)                    // associationType: physical
	encodeEntity(e, container)
	e.Uint8(uint8(len(children)))
	for _, c := range children {
		encodeEntity(e, c)
	}
	return withHeader(handle, pdr.TypeEntityAssociation, e.Bytes())
}

// EntityAuxNamesRecord builds an Entity Auxiliary Names PDR with one
// English name.
func EntityAuxNamesRecord(handle uint32, entity pdr.Entity, sharedCount uint8, name string) []byte {
	e := wire.NewEncoder()
	encodeEntity(e, entity)
	e.Uint8(sharedCount)
	e.Uint8(1) // nameStringCount
	e.Write([]byte("en"))
	e.Uint8(0)
	for _, r := range name {
		e.Uint8(uint8(r >> 8))
		e.Uint8(uint8(r))
	}
	e.Uint8(0)
	e.Uint8(0)
	return withHeader(handle, pdr.TypeEntityAuxNames, e.Bytes())
}

// SensorAuxNamesRecord builds a Sensor Auxiliary Names PDR with one
// English name. Pass pdr.TypeEffecterAuxNames as pdrType for the effecter
// variant.
func SensorAuxNamesRecord(handle uint32, pdrType uint8, id uint16, name string) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(id)
	e.Uint8(1) // sensorCount
	e.Uint8(1) // nameStringCount
	e.Write([]byte("en"))
	e.Uint8(0)
	for _, r := range name {
		e.Uint8(uint8(r >> 8))
		e.Uint8(uint8(r))
	}
	e.Uint8(0)
	e.Uint8(0)
	return withHeader(handle, pdrType, e.Bytes())
}

// FRURecordSetRecord builds a FRU Record Set PDR.
func FRURecordSetRecord(handle uint32, rsi uint16, entity pdr.Entity) []byte {
	e := wire.NewEncoder()
	e.Uint16(1) // terminusHandle
	e.Uint16(rsi)
	encodeEntity(e, entity)
	return withHeader(handle, pdr.TypeFRURecordSet, e.Bytes())
}
