// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// thresholdAlarm tracks one threshold's asserted state with hysteresis.
type thresholdAlarm struct {
	value      float64
	hysteresis float64
	level      string // "warning" or "critical"
	high       bool   // direction: true = alarm when value >= threshold
	asserted   bool
}

// check updates the alarm for a new reading and reports whether the
// asserted state changed. An asserted alarm de-asserts only once the value
// crosses back past threshold ± hysteresis in the safe direction.
func (a *thresholdAlarm) check(value float64) bool {
	was := a.asserted
	if a.high {
		if value >= a.value {
			a.asserted = true
		} else if value < a.value-a.hysteresis {
			a.asserted = false
		}
	} else {
		if value <= a.value {
			a.asserted = true
		} else if value > a.value+a.hysteresis {
			a.asserted = false
		}
	}
	return a.asserted != was
}

// NumericSensorHandler drives one numeric sensor: enable, poll, decode,
// scale, threshold evaluation, and publication with error debounce.
type NumericSensorHandler struct {
	mediator  *Mediator
	publisher publish.Publisher
	tid       TID
	name      string
	path      string
	pdr       *pdr.NumericSensor

	alarms []*thresholdAlarm

	// hysteresisPublish is the minimum delta required to publish a new
	// value, to avoid property flapping on minuscule changes.
	hysteresisPublish float64

	value      float64
	hasValue   bool
	errCount   int
	functional bool
	available  bool
	disabled   bool
}

func newNumericSensorHandler(m *Mediator, pub publish.Publisher, tid TID, name, path string, sensorPDR *pdr.NumericSensor) *NumericSensorHandler {
	h := &NumericSensorHandler{
		mediator:  m,
		publisher: pub,
		tid:       tid,
		name:      name,
		path:      path,
		pdr:       sensorPDR,
		value:     math.NaN(),
	}
	th := sensorPDR.Thresholds
	for _, t := range []struct {
		v     *float64
		level string
		high  bool
	}{
		{th.WarningHigh, "warning", true}, {th.CriticalHigh, "critical", true},
		{th.WarningLow, "warning", false}, {th.CriticalLow, "critical", false},
	} {
		if t.v != nil {
			h.alarms = append(h.alarms, &thresholdAlarm{
				value:      *t.v,
				hysteresis: sensorPDR.Hysteresis,
				level:      t.level,
				high:       t.high,
			})
		}
	}
	return h
}

// Enable translates the PDR's init hint into an operational state and
// issues SetNumericSensorEnable. The use-init-pdr hint is unsupported.
func (h *NumericSensorHandler) Enable(ctx context.Context) error {
	var opState uint8
	switch h.pdr.Init {
	case pdr.InitNone, pdr.InitEnable:
		opState = sensorOpEnabled
	case pdr.InitDisable:
		opState = sensorOpDisabled
		h.disabled = true
	case pdr.InitUsePDR:
		slog.Warn("numeric sensor initialization PDR not supported",
			"tid", h.tid, "sensorID", h.pdr.SensorID)
		return ErrUnsupportedInit
	default:
		return fmt.Errorf("invalid sensorInit value %d in PDR", h.pdr.Init)
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.SensorID)
	e.Uint8(opState)
	e.Uint8(noEventGeneration)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetNumericSensorEnable,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetNumericSensorEnable: %w", err)
	}
	if err := ccOnly("SetNumericSensorEnable", body); err != nil {
		return err
	}
	slog.Debug("SetNumericSensorEnable success", "tid", h.tid, "sensorID", h.pdr.SensorID)
	return nil
}

// Poll issues GetSensorReading and publishes the result. Transport and
// decode failures count toward the error debounce.
func (h *NumericSensorHandler) Poll(ctx context.Context) error {
	if err := h.readOnce(ctx); err != nil {
		h.incrementError()
		return err
	}
	h.errCount = 0
	return nil
}

func (h *NumericSensorHandler) readOnce(ctx context.Context) error {
	e := wire.NewEncoder()
	e.Uint16(h.pdr.SensorID)
	e.Uint8(0) // rearmEventState
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdGetSensorReading,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("GetSensorReading: %w", err)
	}
	if err := ccOnly("GetSensorReading", body); err != nil {
		return err
	}

	d := wire.NewDecoder(body[1:])
	dataSize := pdr.DataSize(d.Uint8())
	opState := d.Uint8()
	d.Skip(1) // eventMessageEnable
	d.Skip(1) // presentState
	d.Skip(1) // previousState
	d.Skip(1) // eventState
	raw := dataSize.Decode(d)
	if err := d.Err(); err != nil {
		return fmt.Errorf("GetSensorReading response: %w", err)
	}

	switch opState {
	case sensorOpEnabled:
		if dataSize != h.pdr.DataSize {
			return fmt.Errorf("sensor data size mismatch: got %d, want %d",
				dataSize, h.pdr.DataSize)
		}
		h.updateValue(h.pdr.Convert(raw), true, true)
	case sensorOpDisabled:
		h.updateValue(math.NaN(), true, false)
	case sensorOpUnavailable:
		h.updateValue(math.NaN(), false, false)
	default:
		slog.Debug("numeric sensor operational status unknown",
			"tid", h.tid, "sensorID", h.pdr.SensorID, "opState", opState)
	}
	return nil
}

func (h *NumericSensorHandler) incrementError() {
	if h.errCount >= sensorErrorThreshold {
		return
	}
	h.errCount++
	if h.errCount == sensorErrorThreshold {
		slog.Error("numeric sensor reading failed", "tid", h.tid,
			"sensorID", h.pdr.SensorID)
		h.updateValue(math.NaN(), true, false)
	}
}

// requiresUpdate applies the publish hysteresis to suppress flapping.
func (h *NumericSensorHandler) requiresUpdate(old, new float64) bool {
	if math.IsNaN(old) != math.IsNaN(new) {
		return true
	}
	if math.IsNaN(old) && math.IsNaN(new) {
		return false
	}
	return math.Abs(new-old) >= h.hysteresisPublish
}

func (h *NumericSensorHandler) updateValue(value float64, available, functional bool) {
	changed := !h.hasValue ||
		available != h.available || functional != h.functional ||
		h.requiresUpdate(h.value, value)

	if !math.IsNaN(value) {
		for _, alarm := range h.alarms {
			if alarm.check(value) {
				direction := "low"
				if alarm.high {
					direction = "high"
				}
				slog.Info("sensor threshold crossing", "tid", h.tid,
					"sensor", h.name, "level", alarm.level,
					"direction", direction, "asserted", alarm.asserted,
					"value", value)
			}
		}
	}

	h.value = value
	h.available = available
	h.functional = functional
	h.hasValue = true
	if !changed {
		return
	}

	err := h.publisher.PublishNumeric(publish.NumericReading{
		TID:        uint8(h.tid),
		ID:         h.pdr.SensorID,
		Name:       h.name,
		Path:       h.path,
		Unit:       h.pdr.BaseUnit,
		Value:      value,
		Available:  available,
		Functional: functional,
	})
	if err != nil {
		slog.Warn("numeric reading publication failed", "tid", h.tid,
			"sensor", h.name, "err", err)
	}
}

// Value returns the last published value and flags.
func (h *NumericSensorHandler) Value() (value float64, available, functional bool) {
	return h.value, h.available, h.functional
}
