// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openbmc/go-pldm/metrics"
)

// Transport performs MCTP message passing to a single bus of endpoints. It
// may be implemented over SMBus, PCIe VDM, a serial binding, and others.
type Transport interface {
	// SendReceive sends an MCTP payload to eid and waits up to timeout for
	// the matching response payload.
	SendReceive(ctx context.Context, eid EID, payload []byte, timeout time.Duration) ([]byte, error)

	// Send transmits an MCTP payload without awaiting a response. The
	// message tag and tag-owner bit are passed through to the binding.
	Send(ctx context.Context, eid EID, msgTag uint8, tagOwner bool, payload []byte) error
}

// maxRetryCount is the upper cap applied to any caller-provided retry count.
const maxRetryCount = 5

const minPldmMsgSize = 4 // MCTP type byte + PLDM header

// Mediator owns the TID address space of one transport: the TID to EID
// bijection, per-TID instance-id counters, the request retry loop, and the
// reserve-bandwidth interlock. All methods are safe for concurrent use.
type Mediator struct {
	transport Transport

	mu          sync.Mutex
	tidMap      map[TID]EID
	instanceIDs map[TID]uint8

	rsvActive bool
	rsvTID    TID
	rsvType   Type
}

// NewMediator returns a Mediator sending through transport.
func NewMediator(transport Transport) *Mediator {
	return &Mediator{
		transport:   transport,
		tidMap:      make(map[TID]EID),
		instanceIDs: make(map[TID]uint8),
	}
}

// AddEntry maps tid to eid. An EID already mapped to another TID is refused.
func (m *Mediator) AddEntry(tid TID, eid EID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, e := range m.tidMap {
		if e == eid && t != tid {
			return fmt.Errorf("EID %d is already mapped to TID %d", eid, t)
		}
	}
	m.tidMap[tid] = eid
	slog.Info("mapper: TID mapped", "tid", tid, "eid", eid)
	return nil
}

// RemoveEntry drops the mapping for tid. In-flight retries for the TID abort
// on their next iteration.
func (m *Mediator) RemoveEntry(tid TID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tidMap[tid]; ok {
		delete(m.tidMap, tid)
		delete(m.instanceIDs, tid)
		slog.Info("mapper: TID removed", "tid", tid)
	}
}

// EIDOf returns the endpoint mapped to tid.
func (m *Mediator) EIDOf(tid TID) (EID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eid, ok := m.tidMap[tid]
	return eid, ok
}

// TIDOf returns the TID mapped to eid.
func (m *Mediator) TIDOf(eid EID) (TID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, e := range m.tidMap {
		if e == eid {
			return t, true
		}
	}
	return 0, false
}

// TIDs returns every mapped TID.
func (m *Mediator) TIDs() []TID {
	m.mu.Lock()
	defer m.mu.Unlock()
	tids := make([]TID, 0, len(m.tidMap))
	for t := range m.tidMap {
		tids = append(tids, t)
	}
	return tids
}

// NextInstanceID advances and returns the 5-bit instance-id counter for tid.
func (m *Mediator) NextInstanceID(tid TID) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := (m.instanceIDs[tid] + 1) & instanceIDMask
	m.instanceIDs[tid] = id
	return id
}

// blocked reports whether traffic for {tid, typ} must be refused because the
// reservation is held by a different pair.
func (m *Mediator) blocked(tid TID, typ Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rsvActive && !(tid == m.rsvTID && typ == m.rsvType)
}

// Reserve grants {tid, typ} exclusive use of the link. While held, requests
// for any other pair fail immediately with ErrBusy. The timeout is advisory
// for the transport binding; the caller is responsible for re-reserving.
func (m *Mediator) Reserve(tid TID, typ Type, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rsvActive && !(tid == m.rsvTID && typ == m.rsvType) {
		slog.Info("reserve bandwidth already active",
			"tid", m.rsvTID, "pldmType", m.rsvType)
		return ErrBusy
	}
	if _, ok := m.tidMap[tid]; !ok {
		return ErrUnknownTID
	}
	m.rsvActive = true
	m.rsvTID = tid
	m.rsvType = typ
	slog.Debug("reserve bandwidth acquired", "tid", tid, "pldmType", typ, "timeout", timeout)
	return nil
}

// Release returns the link to shared use. Only the current holder may
// release.
func (m *Mediator) Release(tid TID, typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rsvActive {
		return fmt.Errorf("release bandwidth: reservation is not active")
	}
	if tid != m.rsvTID || typ != m.rsvType {
		return fmt.Errorf("release bandwidth: not held by TID %d type %d", tid, typ)
	}
	m.rsvActive = false
	m.rsvTID = InvalidTID
	m.rsvType = invalidType
	slog.Debug("reserve bandwidth released", "tid", tid, "pldmType", typ)
	return nil
}

// SendReceive sends a PLDM request to tid and returns the response payload
// stripped of its MCTP type byte. The request is retried, up to retries
// times (capped at 5), when:
//
//  1. no transport response arrives within timeout,
//  2. the response is shorter than 4 bytes,
//  3. the response is not typed PLDM,
//  4. the Rq/D bits say the packet is not a response, or
//  5. the response instance-id does not match the request.
func (m *Mediator) SendReceive(ctx context.Context, tid TID, timeout time.Duration, retries int, req []byte) ([]byte, error) {
	if len(req) < 2 {
		return nil, fmt.Errorf("request shorter than PLDM header")
	}
	reqType := Type(req[1] & typeMask)
	if m.blocked(tid, reqType) {
		slog.Info("send refused, reserve bandwidth active",
			"tid", tid, "pldmType", reqType)
		return nil, ErrBusy
	}
	if retries > maxRetryCount {
		retries = maxRetryCount
	}

	// Insert MCTP message type at the start of the payload.
	mctpReq := append([]byte{mctpMsgTypePLDM}, req...)
	reqInstanceID := req[0] & instanceIDMask

	for retry := 0; retry < retries; retry++ {
		// A device removal updates the mapper mid-flight; abort the
		// retry loop immediately rather than sending into the void.
		eid, ok := m.EIDOf(tid)
		if !ok {
			return nil, ErrUnknownTID
		}

		resp, err := m.transport.SendReceive(ctx, eid, mctpReq, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.CommandRetries.Inc()
			continue
		}
		if len(resp) < minPldmMsgSize {
			slog.Warn("invalid response length", "tid", tid, "len", len(resp))
			metrics.CommandRetries.Inc()
			continue
		}
		if resp[0] != mctpMsgTypePLDM {
			slog.Warn("response is not of message type PLDM", "tid", tid)
			metrics.CommandRetries.Inc()
			continue
		}
		pldmResp := resp[1:]
		if kind := PacketKind(pldmResp[0] & rqDMask >> rqDShift); kind != PacketResponse {
			slog.Warn("PLDM message received is not a response", "tid", tid)
			metrics.CommandRetries.Inc()
			continue
		}
		if pldmResp[0]&instanceIDMask != reqInstanceID {
			slog.Warn("instance ID check failed", "tid", tid)
			metrics.CommandRetries.Inc()
			continue
		}
		return pldmResp, nil
	}
	slog.Error("retry count exceeded, no response", "tid", tid)
	return nil, ErrTimeout
}

// SendOneway transmits a PLDM message without awaiting a response, retrying
// transport errors up to retries times (capped at 5). Used for
// responder-role replies during firmware update.
func (m *Mediator) SendOneway(ctx context.Context, tid TID, retries int, msgTag uint8, tagOwner bool, payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("message shorter than PLDM header")
	}
	if typ := Type(payload[1] & typeMask); m.blocked(tid, typ) {
		slog.Info("send refused, reserve bandwidth active",
			"tid", tid, "pldmType", typ)
		return ErrBusy
	}
	eid, ok := m.EIDOf(tid)
	if !ok {
		return ErrUnknownTID
	}
	if retries > maxRetryCount {
		retries = maxRetryCount
	}

	mctpPayload := append([]byte{mctpMsgTypePLDM}, payload...)
	var err error
	for retry := 0; retry < retries; retry++ {
		if err = m.transport.Send(ctx, eid, msgTag, tagOwner, mctpPayload); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.CommandRetries.Inc()
	}
	slog.Warn("send failed, retry count exceeded", "tid", tid, "err", err)
	return err
}

// Request encodes a request header around payload, sends it, validates that
// the response echoes cmd, and returns the response payload (starting at the
// completion code).
func (m *Mediator) Request(ctx context.Context, tid TID, typ Type, cmd Command, payload []byte, timeout time.Duration, retries int) ([]byte, error) {
	req := EncodeHeader(Header{
		Kind:       PacketRequest,
		InstanceID: m.NextInstanceID(tid),
		Type:       typ,
		Command:    cmd,
	}, payload)

	resp, err := m.SendReceive(ctx, tid, timeout, retries, req)
	if err != nil {
		return nil, err
	}
	hdr, body, err := DecodeHeader(resp)
	if err != nil {
		return nil, err
	}
	if hdr.Type != typ || hdr.Command != cmd {
		return nil, fmt.Errorf("response type/command mismatch: got %d/%d, want %d/%d",
			hdr.Type, hdr.Command, typ, cmd)
	}
	return body, nil
}
