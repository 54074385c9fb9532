// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbmc/go-pldm/pdr"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// StateEffecterHandler drives one state effecter: enable, read and publish
// the present/pending states, and validated Set with a transition wait.
type StateEffecterHandler struct {
	mediator  *Mediator
	publisher publish.Publisher
	tid       TID
	name      string
	path      string
	pdr       *pdr.StateEffecter

	current       uint8
	pending       uint8
	hasReading    bool
	errCount      int
	cmdRetryCount int
	available     bool
	functional    bool

	done chan struct{}
}

func newStateEffecterHandler(m *Mediator, pub publish.Publisher, tid TID, name, path string, effecterPDR *pdr.StateEffecter) *StateEffecterHandler {
	return &StateEffecterHandler{
		mediator:  m,
		publisher: pub,
		tid:       tid,
		name:      name,
		path:      path,
		pdr:       effecterPDR,
		current:   invalidStateValue,
		pending:   invalidStateValue,
		done:      make(chan struct{}),
	}
}

func (h *StateEffecterHandler) shutdown() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Enable maps the init hint and issues SetStateEffecterEnable for the
// single (non-composite) effecter instance.
func (h *StateEffecterHandler) Enable(ctx context.Context) error {
	var opState uint8
	switch h.pdr.Init {
	case pdr.InitNone, pdr.InitEnable:
		opState = effecterOpEnabledNoUpdatePending
	case pdr.InitDisable:
		opState = effecterOpDisabled
	case pdr.InitUsePDR:
		slog.Warn("state effecter initialization PDR not supported",
			"tid", h.tid, "effecterID", h.pdr.EffecterID)
		return ErrUnsupportedInit
	default:
		return fmt.Errorf("invalid effecterInit value %d in state effecter PDR", h.pdr.Init)
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	e.Uint8(1) // compositeEffecterCount
	e.Uint8(opState)
	e.Uint8(disableEvents)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetStateEffecterEnable,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetStateEffecterEnable: %w", err)
	}
	if err := ccOnly("SetStateEffecterEnable", body); err != nil {
		return err
	}
	slog.Debug("SetStateEffecterEnable success", "tid", h.tid,
		"effecterID", h.pdr.EffecterID)
	return nil
}

// Poll issues GetStateEffecterStates and publishes the result. An
// UPDATEPENDING operational state waits one transition interval and
// re-polls, up to the command retry count.
func (h *StateEffecterHandler) Poll(ctx context.Context) error {
	if err := h.readOnce(ctx); err != nil {
		h.incrementError()
		return err
	}
	return nil
}

func (h *StateEffecterHandler) readOnce(ctx context.Context) error {
	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdGetStateEffecterStates,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("GetStateEffecterStates: %w", err)
	}
	if err := ccOnly("GetStateEffecterStates", body); err != nil {
		return err
	}

	d := wire.NewDecoder(body[1:])
	count := d.Uint8()
	if count == 0 {
		return fmt.Errorf("GetStateEffecterStates: invalid composite effecter count")
	}
	// Composite effecters not supported; handle only the first field.
	opState := d.Uint8()
	pending := d.Uint8()
	present := d.Uint8()
	if err := d.Err(); err != nil {
		return fmt.Errorf("GetStateEffecterStates response: %w", err)
	}

	switch opState {
	case effecterOpEnabledUpdatePending:
		h.cmdRetryCount++
		if h.cmdRetryCount > commandRetryCount {
			slog.Warn("state effecter UPDATEPENDING max retry count reached",
				"tid", h.tid, "effecterID", h.pdr.EffecterID,
				"retries", h.cmdRetryCount)
			h.cmdRetryCount = 0
			return fmt.Errorf("effecter stuck in update pending")
		}
		if err := h.waitTransition(ctx); err != nil {
			return err
		}
		return h.readOnce(ctx)
	case effecterOpEnabledNoUpdatePending:
		h.updateState(present, pending, true, true)
	case effecterOpDisabled:
		h.updateState(invalidStateValue, invalidStateValue, true, false)
	case effecterOpUnavailable:
		h.updateState(invalidStateValue, invalidStateValue, false, false)
		h.cmdRetryCount = 0
		return fmt.Errorf("state effecter unavailable")
	default:
		h.cmdRetryCount = 0
		slog.Debug("state effecter operational status unknown",
			"tid", h.tid, "effecterID", h.pdr.EffecterID, "opState", opState)
		return nil
	}
	h.cmdRetryCount = 0
	h.errCount = 0
	return nil
}

func (h *StateEffecterHandler) waitTransition(ctx context.Context) error {
	timer := time.NewTimer(stateTransitionInterval)
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

// Set validates state against the possible-state set, issues
// SetStateEffecterStates, then waits one transition interval and re-reads.
// A state outside the set returns ErrUnsupportedState without any wire
// traffic.
func (h *StateEffecterHandler) Set(ctx context.Context, state uint8) error {
	if !h.pdr.HasState(state) {
		slog.Warn("state not supported by effecter", "tid", h.tid,
			"effecterID", h.pdr.EffecterID, "state", state)
		return ErrUnsupportedState
	}

	e := wire.NewEncoder()
	e.Uint16(h.pdr.EffecterID)
	e.Uint8(1) // compositeEffecterCount
	e.Uint8(requestSet)
	e.Uint8(state)
	body, err := h.mediator.Request(ctx, h.tid, TypePlatform, CmdSetStateEffecterStates,
		e.Bytes(), commandTimeout, commandRetryCount)
	if err != nil {
		return fmt.Errorf("SetStateEffecterStates: %w", err)
	}
	if err := ccOnly("SetStateEffecterStates", body); err != nil {
		h.incrementError()
		return err
	}
	slog.Debug("SetStateEffecterStates success", "tid", h.tid,
		"effecterID", h.pdr.EffecterID, "state", state)

	if h.cmdRetryCount != 0 {
		slog.Debug("state effecter update-pending retry in progress",
			"tid", h.tid, "effecterID", h.pdr.EffecterID)
		return nil
	}
	if err := h.waitTransition(ctx); err != nil {
		return err
	}
	if err := h.Poll(ctx); err != nil {
		slog.Error("state effecter re-read after set failed", "tid", h.tid,
			"effecterID", h.pdr.EffecterID, "err", err)
		return err
	}
	return nil
}

func (h *StateEffecterHandler) incrementError() {
	if h.errCount >= effecterErrorThreshold {
		return
	}
	h.errCount++
	if h.errCount == effecterErrorThreshold {
		slog.Warn("state effecter reading failed", "tid", h.tid,
			"effecterID", h.pdr.EffecterID)
		h.updateState(invalidStateValue, invalidStateValue, true, false)
	}
}

func (h *StateEffecterHandler) updateState(current, pending uint8, available, functional bool) {
	changed := !h.hasReading || h.current != current || h.pending != pending ||
		h.available != available || h.functional != functional
	h.current = current
	h.pending = pending
	h.available = available
	h.functional = functional
	h.hasReading = true
	if functional {
		h.errCount = 0
	}
	if !changed {
		return
	}

	err := h.publisher.PublishState(publish.StateReading{
		TID:        uint8(h.tid),
		ID:         h.pdr.EffecterID,
		Name:       h.name,
		Path:       h.path,
		StateSetID: h.pdr.StateSetID,
		Current:    current,
		Previous:   pending,
		Available:  available,
		Functional: functional,
	})
	if err != nil {
		slog.Warn("state effecter publication failed", "tid", h.tid,
			"effecter", h.name, "err", err)
	}
}

// States returns the last published present/pending pair and flags.
func (h *StateEffecterHandler) States() (current, pending uint8, available, functional bool) {
	return h.current, h.pending, h.available, h.functional
}
