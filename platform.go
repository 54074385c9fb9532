// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbmc/go-pldm/metrics"
	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
)

// Monitoring command defaults.
const (
	commandTimeout    = 100 * time.Millisecond
	commandRetryCount = 3

	// sensorErrorThreshold consecutive poll failures mark a sensor
	// non-functional; any success resets the counter.
	sensorErrorThreshold = 3

	// effecterErrorThreshold is the effecter equivalent.
	effecterErrorThreshold = 5

	// stateTransitionInterval is the wait before re-reading a state
	// effecter that reported UPDATEPENDING.
	stateTransitionInterval = 3 * time.Millisecond
)

// Sensor operational states (DSP0248).
const (
	sensorOpEnabled        uint8 = 0
	sensorOpDisabled       uint8 = 1
	sensorOpUnavailable    uint8 = 2
	sensorOpStatusUnknown  uint8 = 3
	sensorOpFailed         uint8 = 4
	sensorOpInitializing   uint8 = 5
	sensorOpShuttingDown   uint8 = 6
	sensorOpInTest         uint8 = 7
)

// Effecter operational states (DSP0248).
const (
	effecterOpEnabledUpdatePending   uint8 = 0
	effecterOpEnabledNoUpdatePending uint8 = 1
	effecterOpDisabled               uint8 = 2
	effecterOpUnavailable            uint8 = 3
)

// Event message generation controls for enable requests.
const (
	noEventGeneration uint8 = 0
	disableEvents     uint8 = 1
)

// invalidStateValue marks a state reading as not present.
const invalidStateValue uint8 = 0xFF

// requestSet is the set-request operation in SetStateEffecterStates.
const requestSet uint8 = 1

// Terminus is the per-device state created at discovery and destroyed at
// removal: the PDR repository, parsed descriptors, the entity tree, and the
// sensor/effecter handlers bound to it.
type Terminus struct {
	TID         TID
	ContainerID uint16
	DeviceName  string

	Repo *pdr.Repo
	Tree *pdr.EntityNode

	NumericSensors   map[uint16]*NumericSensorHandler
	StateSensors     map[uint16]*StateSensorHandler
	NumericEffecters map[uint16]*NumericEffecterHandler
	StateEffecters   map[uint16]*StateEffecterHandler

	entityNames   map[pdr.Entity]string
	sensorNames   map[uint16]string
	effecterNames map[uint16]string
	entityPaths   pdr.PathMap

	decorateBaseboard bool
}

// Platform drives the monitoring and control subsystem: PDR ingestion and
// the sensor/effecter engines for every terminus.
type Platform struct {
	mediator  *Mediator
	publisher publish.Publisher

	// ExposeChassis publishes a per-device chassis inventory node named
	// after the device.
	ExposeChassis bool

	// DecorateBaseboard anchors sensors with no associated entity under
	// the shared baseboard path instead of the terminus root.
	DecorateBaseboard bool

	termini map[TID]*Terminus
}

// NewPlatform returns a Platform publishing through pub.
func NewPlatform(mediator *Mediator, pub publish.Publisher) *Platform {
	if pub == nil {
		pub = publish.Discard{}
	}
	return &Platform{
		mediator:  mediator,
		publisher: pub,
		termini:   make(map[TID]*Terminus),
	}
}

// Terminus returns the terminus state for tid.
func (p *Platform) Terminus(tid TID) (*Terminus, bool) {
	t, ok := p.termini[tid]
	return t, ok
}

// Init runs monitoring and control initialization for one terminus: PDR
// ingestion, descriptor parsing, inventory publication, and the enable and
// first poll of every sensor and effecter.
func (p *Platform) Init(ctx context.Context, tid TID) error {
	t := &Terminus{
		TID:              tid,
		decorateBaseboard: p.DecorateBaseboard,
		NumericSensors:   make(map[uint16]*NumericSensorHandler),
		StateSensors:     make(map[uint16]*StateSensorHandler),
		NumericEffecters: make(map[uint16]*NumericEffecterHandler),
		StateEffecters:   make(map[uint16]*StateEffecterHandler),
		entityNames:      make(map[pdr.Entity]string),
		sensorNames:      make(map[uint16]string),
		effecterNames:    make(map[uint16]string),
	}

	if err := p.ingestPDRs(ctx, t); err != nil {
		return fmt.Errorf("PDR ingestion for TID %d: %w", tid, err)
	}
	p.parsePDRs(t)

	p.initSensors(ctx, t)
	p.initEffecters(ctx, t)

	// The path map has served inventory publication; drop it.
	t.entityPaths = nil

	p.termini[tid] = t
	metrics.SensorsPerTerminus.WithLabelValues(tidLabel(tid)).
		Set(float64(len(t.NumericSensors) + len(t.StateSensors)))
	return nil
}

// Delete releases all monitoring state for tid.
func (p *Platform) Delete(tid TID) {
	t, ok := p.termini[tid]
	if !ok {
		return
	}
	for _, h := range t.StateEffecters {
		h.shutdown()
	}
	for _, h := range t.NumericEffecters {
		h.shutdown()
	}
	delete(p.termini, tid)
	metrics.SensorsPerTerminus.DeleteLabelValues(tidLabel(tid))
	metrics.PDRRecords.DeleteLabelValues(tidLabel(tid))
	if err := p.publisher.RemoveTerminus(uint8(tid)); err != nil {
		slog.Warn("publisher terminus removal failed", "tid", tid, "err", err)
	}
	slog.Info("monitoring state deleted", "tid", tid)
}

// PollAll runs one poll pass over every sensor and effecter of tid,
// sequentially. Effecters are read-only here; sets arrive via their own
// entry points.
func (p *Platform) PollAll(ctx context.Context, tid TID) {
	t, ok := p.termini[tid]
	if !ok {
		return
	}
	for _, h := range t.NumericSensors {
		if err := h.Poll(ctx); err != nil {
			slog.Debug("numeric sensor poll failed", "tid", tid,
				"sensorID", h.pdr.SensorID, "err", err)
			metrics.PollErrors.WithLabelValues(tidLabel(tid)).Inc()
		}
	}
	for _, h := range t.StateSensors {
		if err := h.Poll(ctx); err != nil {
			slog.Debug("state sensor poll failed", "tid", tid,
				"sensorID", h.pdr.SensorID, "err", err)
			metrics.PollErrors.WithLabelValues(tidLabel(tid)).Inc()
		}
	}
	for _, h := range t.NumericEffecters {
		if err := h.Poll(ctx); err != nil {
			slog.Debug("numeric effecter poll failed", "tid", tid,
				"effecterID", h.pdr.EffecterID, "err", err)
			metrics.PollErrors.WithLabelValues(tidLabel(tid)).Inc()
		}
	}
	for _, h := range t.StateEffecters {
		if err := h.Poll(ctx); err != nil {
			slog.Debug("state effecter poll failed", "tid", tid,
				"effecterID", h.pdr.EffecterID, "err", err)
			metrics.PollErrors.WithLabelValues(tidLabel(tid)).Inc()
		}
	}
}

func (p *Platform) initSensors(ctx context.Context, t *Terminus) {
	for id, h := range t.NumericSensors {
		if err := h.Enable(ctx); err != nil {
			slog.Error("numeric sensor enable failed", "tid", t.TID,
				"sensorID", id, "err", err)
			delete(t.NumericSensors, id)
			continue
		}
		if err := h.Poll(ctx); err != nil {
			slog.Debug("initial numeric sensor poll failed", "tid", t.TID,
				"sensorID", id, "err", err)
		}
	}
	for id, h := range t.StateSensors {
		if err := h.Enable(ctx); err != nil {
			slog.Error("state sensor enable failed", "tid", t.TID,
				"sensorID", id, "err", err)
			delete(t.StateSensors, id)
			continue
		}
		if err := h.Poll(ctx); err != nil {
			slog.Debug("initial state sensor poll failed", "tid", t.TID,
				"sensorID", id, "err", err)
		}
	}
}

func (p *Platform) initEffecters(ctx context.Context, t *Terminus) {
	for id, h := range t.NumericEffecters {
		if err := h.Enable(ctx); err != nil {
			slog.Error("numeric effecter enable failed", "tid", t.TID,
				"effecterID", id, "err", err)
			delete(t.NumericEffecters, id)
			continue
		}
		if err := h.Poll(ctx); err != nil {
			slog.Debug("initial numeric effecter poll failed", "tid", t.TID,
				"effecterID", id, "err", err)
		}
	}
	for id, h := range t.StateEffecters {
		if err := h.Enable(ctx); err != nil {
			slog.Error("state effecter enable failed", "tid", t.TID,
				"effecterID", id, "err", err)
			delete(t.StateEffecters, id)
			continue
		}
		if err := h.Poll(ctx); err != nil {
			slog.Debug("initial state effecter poll failed", "tid", t.TID,
				"effecterID", id, "err", err)
		}
	}
}

func tidLabel(tid TID) string { return fmt.Sprintf("%d", tid) }
