// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// NumericEffecterHandler drives one numeric effecter: enable, read and
// publish the present value, and validated Set with a transition wait and
// re-read.
type NumericEffecterHandler struct {
	mediator  *Mediator
	publisher publish.Publisher
	tid       TID
	name      string
	path      string
	pdr       *pdr.NumericEffecter

	maxSettable float64
	minSettable float64

	value         float64
	hasValue      bool
	errCount      int
	cmdRetryCount int
	available     bool
	functional    bool

	done chan struct{}
}

func newNumericEffecterHandler(m *Mediator, pub publish.Publisher, tid TID, name, path string, effecterPDR *pdr.NumericEffecter) *NumericEffecterHandler {
	return &NumericEffecterHandler{
		mediator:    m,
		publisher:   pub,
		tid:         tid,
		name:        name,
		path:        path,
		pdr:         effecterPDR,
		maxSettable: effecterPDR.Convert(effecterPDR.MaxSettable),
		minSettable: effecterPDR.Convert(effecterPDR.MinSettable),
		value:       math.NaN(),
		done:        make(chan struct{}),
	}
}

func (h *NumericEffecterHandler) shutdown() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Enable maps the init hint (no-init and enable both mean
// enabled-no-update-pending) and issues SetNumericEffecterEnable.
func (h *NumericEffecterHandler) Enable(ctx context.Context) error {
	var opState uint8
	switch h.pdr.Init {
	case pdr.InitNone, pdr.InitEnable:
		opState = effecterOpEnabledNoUpdatePending
	case pdr.InitDisable:
		opState = effecterOpDisabled
	case pdr.InitUsePDR:
		slog.Warn("numeric effecter initialization PDR not supported",
			"tid", h.tid, "effecterID", h.pdr.EffecterID)
		return ErrUnsupportedInit
	default:
		return fmt.Errorf("invalid effecterInit value %d in PDR", h.pdr.Init)
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	e.Uint8(opState)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetNumericEffecterEnable,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetNumericEffecterEnable: %w", err)
	}
	if err := ccOnly("SetNumericEffecterEnable", body); err != nil {
		return err
	}
	slog.Debug("SetNumericEffecterEnable success", "tid", h.tid,
		"effecterID", h.pdr.EffecterID)
	return nil
}

// Bounds returns the settable range in physical units.
func (h *NumericEffecterHandler) Bounds() (min, max float64) {
	return h.minSettable, h.maxSettable
}

// Poll issues GetNumericEffecterValue and publishes the present value. An
// UPDATEPENDING operational state waits one transition interval and
// re-polls, up to the command retry count.
func (h *NumericEffecterHandler) Poll(ctx context.Context) error {
	if err := h.readOnce(ctx); err != nil {
		h.incrementError()
		return err
	}
	return nil
}

func (h *NumericEffecterHandler) readOnce(ctx context.Context) error {
	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdGetNumericEffecterValue,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("GetNumericEffecterValue: %w", err)
	}
	if err := ccOnly("GetNumericEffecterValue", body); err != nil {
		return err
	}

	d := wire.NewDecoder(body[1:])
	dataSize := pdr.DataSize(d.Uint8())
	opState := d.Uint8()
	_ = dataSize.Decode(d) // pendingValue
	present := dataSize.Decode(d)
	if err := d.Err(); err != nil {
		return fmt.Errorf("GetNumericEffecterValue response: %w", err)
	}

	switch opState {
	case effecterOpEnabledUpdatePending:
		h.cmdRetryCount++
		if h.cmdRetryCount > commandRetryCount {
			slog.Warn("numeric effecter UPDATEPENDING max retry count reached",
				"tid", h.tid, "effecterID", h.pdr.EffecterID,
				"retries", h.cmdRetryCount)
			h.cmdRetryCount = 0
			return fmt.Errorf("effecter stuck in update pending")
		}
		if err := h.waitTransition(ctx, h.transitionInterval()); err != nil {
			return err
		}
		return h.readOnce(ctx)
	case effecterOpEnabledNoUpdatePending:
		if dataSize != h.pdr.DataSize {
			h.cmdRetryCount = 0
			return fmt.Errorf("effecter data size mismatch: got %d, want %d",
				dataSize, h.pdr.DataSize)
		}
		h.updateValue(h.pdr.Convert(present), true, true)
	case effecterOpDisabled:
		h.updateValue(math.NaN(), true, false)
	case effecterOpUnavailable:
		h.updateValue(math.NaN(), false, false)
		h.cmdRetryCount = 0
		return fmt.Errorf("numeric effecter unavailable")
	default:
		h.cmdRetryCount = 0
		slog.Debug("numeric effecter operational status unknown",
			"tid", h.tid, "effecterID", h.pdr.EffecterID, "opState", opState)
		return nil
	}
	h.cmdRetryCount = 0
	h.errCount = 0
	return nil
}

// transitionInterval converts the PDR's transition interval (seconds, may
// be NaN) to a duration.
func (h *NumericEffecterHandler) transitionInterval() time.Duration {
	ti := float64(h.pdr.TransitionInterval)
	if math.IsNaN(ti) || ti <= 0 {
		return 0
	}
	return time.Duration(math.Round(ti * float64(time.Second)))
}

func (h *NumericEffecterHandler) waitTransition(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-h.done:
		return fmt.Errorf("effecter handler shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set validates value against the settable bounds, encodes it with the
// PDR's data size, issues SetNumericEffecterValue, then waits the
// transition interval and re-reads to refresh the published value. A value
// outside bounds returns ErrOutOfRange without any wire traffic.
func (h *NumericEffecterHandler) Set(ctx context.Context, value float64) error {
	if math.IsNaN(value) || value < h.minSettable || value > h.maxSettable {
		slog.Error("invalid effecter value", "tid", h.tid,
			"effecterID", h.pdr.EffecterID, "value", value,
			"min", h.minSettable, "max", h.maxSettable)
		return ErrOutOfRange
	}

	raw, err := h.pdr.Unconvert(value)
	if err != nil {
		return fmt.Errorf("effecter value calculation failed: %w", err)
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	e.Uint8(uint8(h.pdr.DataSize))
	h.pdr.DataSize.Encode(e, math.Round(raw))
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetNumericEffecterValue,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetNumericEffecterValue: %w", err)
	}
	if err := ccOnly("SetNumericEffecterValue", body); err != nil {
		h.incrementError()
		return err
	}
	slog.Debug("SetNumericEffecterValue success", "tid", h.tid,
		"effecterID", h.pdr.EffecterID, "value", value)

	if h.cmdRetryCount != 0 {
		slog.Debug("numeric effecter update-pending retry in progress",
			"tid", h.tid, "effecterID", h.pdr.EffecterID)
		return nil
	}
	if err := h.waitTransition(ctx, h.transitionInterval()); err != nil {
		return err
	}
	if err := h.Poll(ctx); err != nil {
		slog.Error("numeric effecter re-read after set failed", "tid", h.tid,
			"effecterID", h.pdr.EffecterID, "err", err)
		return err
	}
	return nil
}

func (h *NumericEffecterHandler) incrementError() {
	if h.errCount >= effecterErrorThreshold {
		return
	}
	h.errCount++
	if h.errCount == effecterErrorThreshold {
		slog.Warn("numeric effecter reading failed", "tid", h.tid,
			"effecterID", h.pdr.EffecterID)
		h.updateValue(math.NaN(), true, false)
	}
}

func (h *NumericEffecterHandler) updateValue(value float64, available, functional bool) {
	changed := !h.hasValue || h.available != available || h.functional != functional ||
		(math.IsNaN(h.value) != math.IsNaN(value)) ||
		(!math.IsNaN(value) && value != h.value)
	h.value = value
	h.available = available
	h.functional = functional
	h.hasValue = true
	if functional {
		h.errCount = 0
	}
	if !changed {
		return
	}

	err := h.publisher.PublishNumeric(publish.NumericReading{
		TID:        uint8(h.tid),
		ID:         h.pdr.EffecterID,
		Name:       h.name,
		Path:       h.path,
		Unit:       h.pdr.BaseUnit,
		Value:      value,
		Available:  available,
		Functional: functional,
	})
	if err != nil {
		slog.Warn("numeric effecter publication failed", "tid", h.tid,
			"effecter", h.name, "err", err)
	}
}

// Value returns the last published value and flags.
func (h *NumericEffecterHandler) Value() (value float64, available, functional bool) {
	return h.value, h.available, h.functional
}
