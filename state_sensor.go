// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// StateSensorHandler drives one state sensor: enable, poll, compare to the
// previous publication, and emit a state-change event on transitions.
type StateSensorHandler struct {
	mediator  *Mediator
	publisher publish.Publisher
	tid       TID
	name      string
	path      string
	pdr       *pdr.StateSensor

	current     uint8
	previous    uint8
	hasReading  bool
	errCount    int
	disabled    bool
	available   bool
	functional  bool
	initialized bool
}

func newStateSensorHandler(m *Mediator, pub publish.Publisher, tid TID, name, path string, sensorPDR *pdr.StateSensor) *StateSensorHandler {
	return &StateSensorHandler{
		mediator:  m,
		publisher: pub,
		tid:       tid,
		name:      name,
		path:      path,
		pdr:       sensorPDR,
		current:   invalidStateValue,
		previous:  invalidStateValue,
	}
}

// Enable translates the init hint and issues SetStateSensorEnables for the
// single (non-composite) sensor instance.
func (h *StateSensorHandler) Enable(ctx context.Context) error {
	var opState uint8
	switch h.pdr.Init {
	case pdr.InitNone, pdr.InitEnable:
		opState = sensorOpEnabled
	case pdr.InitDisable:
		opState = sensorOpDisabled
		h.disabled = true
		h.updateState(invalidStateValue, invalidStateValue, true, false)
	case pdr.InitUsePDR:
		slog.Warn("state sensor initialization PDR not supported",
			"tid", h.tid, "sensorID", h.pdr.SensorID)
		return ErrUnsupportedInit
	default:
		return fmt.Errorf("invalid sensorInit value %d in state sensor PDR", h.pdr.Init)
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.SensorID)
	e.Uint8(1) // compositeSensorCount
	e.Uint8(opState)
	e.Uint8(noEventGeneration)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetStateSensorEnables,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetStateSensorEnables: %w", err)
	}
	if err := ccOnly("SetStateSensorEnables", body); err != nil {
		return err
	}
	slog.Debug("SetStateSensorEnables success", "tid", h.tid, "sensorID", h.pdr.SensorID)
	return nil
}

// Poll issues GetStateSensorReadings. A sensor disabled by its init hint is
// never read.
func (h *StateSensorHandler) Poll(ctx context.Context) error {
	if h.disabled {
		return nil
	}
	if err := h.readOnce(ctx); err != nil {
		h.incrementError()
		return err
	}
	h.errCount = 0
	return nil
}

func (h *StateSensorHandler) readOnce(ctx context.Context) error {
	e := wire.NewEncoder()
	e.Uint16(h.pdr.SensorID)
	e.Uint8(0) // sensorRearm bitfield
	e.Uint8(0) // reserved
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdGetStateSensorReadings,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("GetStateSensorReadings: %w", err)
	}
	if err := ccOnly("GetStateSensorReadings", body); err != nil {
		return err
	}

	d := wire.NewDecoder(body[1:])
	count := d.Uint8()
	if count == 0 {
		return fmt.Errorf("GetStateSensorReadings: empty composite sensor count")
	}
	// Composite sensors not supported; handle only the first field.
	opState := d.Uint8()
	present := d.Uint8()
	previous := d.Uint8()
	d.Skip(1) // eventState
	if err := d.Err(); err != nil {
		return fmt.Errorf("GetStateSensorReadings response: %w", err)
	}

	switch opState {
	case sensorOpEnabled:
		h.updateState(present, previous, true, true)
	case sensorOpDisabled:
		h.updateState(invalidStateValue, invalidStateValue, true, false)
	case sensorOpUnavailable:
		h.updateState(invalidStateValue, invalidStateValue, false, false)
	default:
		slog.Debug("state sensor operational status unknown",
			"tid", h.tid, "sensorID", h.pdr.SensorID, "opState", opState)
	}
	return nil
}

func (h *StateSensorHandler) incrementError() {
	if h.errCount >= sensorErrorThreshold {
		return
	}
	h.errCount++
	if h.errCount == sensorErrorThreshold {
		slog.Error("state sensor reading failed", "tid", h.tid,
			"sensorID", h.pdr.SensorID)
		h.updateState(invalidStateValue, invalidStateValue, true, false)
	}
}

// updateState publishes a new reading, emitting a state-change event first
// when both old and new states are valid and differ.
func (h *StateSensorHandler) updateState(current, previous uint8, available, functional bool) {
	if h.initialized && current != invalidStateValue && previous != invalidStateValue &&
		(h.current != current || h.previous != previous) {
		h.emitStateChange(current, previous)
	}

	changed := !h.hasReading || h.current != current || h.previous != previous ||
		h.available != available || h.functional != functional
	h.current = current
	h.previous = previous
	h.available = available
	h.functional = functional
	h.hasReading = true
	h.initialized = true
	if !changed {
		return
	}

	err := h.publisher.PublishState(publish.StateReading{
		TID:        uint8(h.tid),
		ID:         h.pdr.SensorID,
		Name:       h.name,
		Path:       h.path,
		StateSetID: h.pdr.StateSetID,
		Current:    current,
		Previous:   previous,
		Available:  available,
		Functional: functional,
	})
	if err != nil {
		slog.Warn("state reading publication failed", "tid", h.tid,
			"sensor", h.name, "err", err)
	}
}

func (h *StateSensorHandler) emitStateChange(current, previous uint8) {
	setName, fromName, toName, ok := stateSetNames(h.pdr.StateSetID, previous, current)
	if !ok {
		return
	}
	ev := publish.StateChangeEvent{
		TID:          uint8(h.tid),
		Name:         h.name,
		StateSetName: setName,
		FromState:    fromName,
		ToState:      toName,
	}
	slog.Info("state sensor changed", "tid", h.tid, "sensor", h.name,
		"stateSet", setName, "from", fromName, "to", toName)
	if err := h.publisher.PublishStateChange(ev); err != nil {
		slog.Warn("state change event publication failed", "tid", h.tid,
			"sensor", h.name, "err", err)
	}
}

// States returns the last published state pair and flags.
func (h *StateSensorHandler) States() (current, previous uint8, available, functional bool) {
	return h.current, h.previous, h.available, h.functional
}
