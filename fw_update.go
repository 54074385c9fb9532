// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbmc/go-pldm/metrics"
	"github.com/openbmc/go-pldm/publish"
	"github.com/openbmc/go-pldm/wire"
)

// FDState is the firmware-device state as tracked by the update agent.
type FDState uint8

// FD states (DSP0267).
const (
	FDIdle FDState = iota
	FDLearnComponents
	FDReadyXfer
	FDDownload
	FDVerify
	FDApply
	FDActivate
)

func (s FDState) String() string {
	switch s {
	case FDIdle:
		return "IDLE"
	case FDLearnComponents:
		return "LEARN COMPONENTS"
	case FDReadyXfer:
		return "READY XFER"
	case FDDownload:
		return "DOWNLOAD"
	case FDVerify:
		return "VERIFY"
	case FDApply:
		return "APPLY"
	case FDActivate:
		return "ACTIVATE"
	}
	return fmt.Sprintf("FDState(%d)", uint8(s))
}

// Firmware update timing and retry constants.
const (
	fwuCommandTimeout = 100 * time.Millisecond
	fwuRetryCount     = 3

	// fdCmdTimeout guards each expected FD-initiated command.
	fdCmdTimeout = 5 * time.Second

	// requestFirmwareDataIdleTimeout guards the download pump, which can
	// legitimately sit idle while the FD writes flash.
	requestFirmwareDataIdleTimeout = 90 * time.Second

	// retryRequestUpdateDelay is the backoff after a retry-later
	// completion on RequestUpdate.
	retryRequestUpdateDelay = 5 * time.Second

	// delayBetweenCommands spaces consecutive UA-initiated commands.
	delayBetweenCommands = 500 * time.Millisecond

	// progressLogStep is the percent interval for transfer progress logs.
	progressLogStep = 25

	// reserveBytesPerSec is the observed update throughput used to size
	// the bandwidth reservation.
	reserveBytesPerSec = 2730

	// reserveRenewMargin is subtracted from the reservation timeout to
	// re-reserve before expiry.
	reserveRenewMargin = 5 * time.Second
)

// Transfer/verify/apply result codes (DSP0267).
const (
	fwuTransferSuccess          uint8 = 0x00
	fwuVerifySuccess            uint8 = 0x00
	fwuApplySuccess             uint8 = 0x00
	fwuApplySuccessWithActivate uint8 = 0x01
)

// componentCanBeUpdated is the ComponentResponse accepting an update.
const componentCanBeUpdated uint8 = 0x00

// fdRequest is one FD-initiated request delivered to the waiting session.
type fdRequest struct {
	hdr     Header
	payload []byte
	msgTag  uint8
}

// updateSession is the per-device firmware update state, created at
// RequestUpdate and destroyed at ActivateFirmware or CancelUpdate.
type updateSession struct {
	agent *UpdateAgent
	ctx   context.Context

	id             string
	tid            TID
	deviceIDRecord *DeviceIDRecord
	components     []Component

	state      FDState
	updateMode bool

	applicable  uint64
	currentComp int

	fdMetaDataLen     uint16
	fdWillSendPkgData bool
	fdMetaData        []byte

	// Expected-command filter. Packets for other commands or termini are
	// dropped with a debug log.
	mu          sync.Mutex
	expectedCmd Command
	reqCh       chan fdRequest

	rsvActive bool
	rsvStop   chan struct{}

	componentApplied bool
}

// UpdateAgent implements the DSP0267 Update Agent: it drives UA-initiated
// commands and answers FD-initiated ones for the single active session.
// Sessions are exclusive; a second StartUpdate while one runs is refused.
type UpdateAgent struct {
	mediator  *Mediator
	publisher publish.Publisher

	// PauseSensorPolling and ResumeSensorPolling bracket every update
	// run; sensor traffic would starve the reserved link.
	PauseSensorPolling  func()
	ResumeSensorPolling func()

	// TriggerRediscovery re-discovers a device after activation.
	TriggerRediscovery func(tid TID)

	mu        sync.Mutex
	pkg       Package
	session   *updateSession
	inventory map[TID]*FirmwareInventory
}

// NewUpdateAgent returns an UpdateAgent publishing through pub.
func NewUpdateAgent(mediator *Mediator, pub publish.Publisher) *UpdateAgent {
	if pub == nil {
		pub = publish.Discard{}
	}
	return &UpdateAgent{mediator: mediator, publisher: pub}
}

// HandleRequest routes an FD-initiated firmware update packet to the
// active session. Packets with no session, a foreign TID, or an unexpected
// command are dropped.
func (a *UpdateAgent) HandleRequest(tid TID, msgTag uint8, tagOwner bool, message []byte) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		slog.Debug("firmware update not in progress, dropping packet", "tid", tid)
		return
	}
	if !tagOwner {
		slog.Debug("tag owner bit not set, dropping unexpected packet", "tid", tid)
		return
	}
	hdr, payload, err := DecodeHeader(message)
	if err != nil {
		slog.Debug("invalid firmware update request", "tid", tid, "err", err)
		return
	}
	s.deliver(tid, hdr, payload, msgTag)
}

func (s *updateSession) deliver(tid TID, hdr Header, payload []byte, msgTag uint8) {
	s.mu.Lock()
	expected := s.expectedCmd
	// TransferComplete may arrive while the download pump still expects
	// RequestFirmwareData; it marks the end of the stream.
	if expected == CmdRequestFirmwareData && hdr.Command == CmdTransferComplete {
		s.expectedCmd = CmdTransferComplete
		expected = CmdTransferComplete
		slog.Info("TransferComplete received", "tid", tid)
	}
	s.mu.Unlock()

	if tid != s.tid || hdr.Command != expected {
		slog.Debug("firmware update in progress, dropping unmatched packet",
			"tid", tid, "cmd", FwuCommandName(hdr.Command),
			"expected", FwuCommandName(expected), "sessionTID", s.tid)
		return
	}
	select {
	case s.reqCh <- fdRequest{hdr: hdr, payload: payload, msgTag: msgTag}:
	default:
		slog.Debug("dropping firmware update packet, request pending",
			"tid", tid, "cmd", FwuCommandName(hdr.Command))
	}
}

func (s *updateSession) armExpected(cmd Command) {
	s.mu.Lock()
	s.expectedCmd = cmd
	s.mu.Unlock()
}

func (s *updateSession) clearExpected() {
	s.mu.Lock()
	s.expectedCmd = 0
	// Drain any request matched after the phase decided to stop.
	select {
	case <-s.reqCh:
	default:
	}
	s.mu.Unlock()
}

// waitRequest blocks until a matched FD request arrives or the idle timer
// fires.
func (s *updateSession) waitRequest(timeout time.Duration) (fdRequest, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-s.reqCh:
		return req, true
	case <-timer.C:
		return fdRequest{}, false
	case <-s.ctx.Done():
		return fdRequest{}, false
	}
}

func (s *updateSession) respondError(instanceID uint8, cmd Command, cc CompletionCode) {
	resp := encodeErrorResponse(instanceID, cmd, cc)
	if err := s.agent.mediator.SendOneway(s.ctx, s.tid, fwuRetryCount, 0, false, resp); err != nil {
		slog.Error("error completion code send failed", "tid", s.tid,
			"cmd", FwuCommandName(cmd), "err", err)
	}
}

func (s *updateSession) setState(state FDState) {
	s.state = state
	slog.Info("FD changed state", "tid", s.tid, "state", state.String())
}

func (s *updateSession) isComponentApplicable() bool {
	return s.applicable>>uint(s.currentComp)&1 == 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request is the session-scoped helper for UA-initiated commands.
func (s *updateSession) request(cmd Command, payload []byte) ([]byte, error) {
	body, err := s.agent.mediator.Request(s.ctx, s.tid, TypeFirmwareUpdate, cmd,
		payload, fwuCommandTimeout, fwuRetryCount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FwuCommandName(cmd), err)
	}
	return body, nil
}

// requestUpdate issues RequestUpdate, honoring the retry-later completion
// code with a backoff, up to the retry cap.
func (s *updateSession) requestUpdate() error {
	if s.updateMode {
		return &CompletionError{Cmd: "RequestUpdate", Code: CCAlreadyInUpdateMode}
	}
	if s.state != FDIdle {
		return &CompletionError{Cmd: "RequestUpdate", Code: CCNotInUpdateMode}
	}

	verStr := s.deviceIDRecord.ComponentImageSetVersion
	e := wire.NewEncoder()
	e.Uint32(BaselineTransferSize) // maxTransferSize
	e.Uint16(s.numApplicable())
	e.Uint8(1) // maxOutstandingTransferRequests
	e.Uint16(uint16(len(s.deviceIDRecord.PackageData)))
	e.Uint8(1) // version string type: ASCII
	e.Uint8(uint8(len(verStr)))
	e.Write([]byte(verStr))

	for try := 0; ; try++ {
		body, err := s.request(CmdRequestUpdate, e.Bytes())
		if err != nil {
			return err
		}
		cc := CompletionCode(body[0])
		if cc == CCRetryRequestUpdate {
			if try >= fwuRetryCount {
				slog.Error("FD cannot enter update mode, retries exhausted",
					"tid", s.tid, "tries", try+1)
				return &CompletionError{Cmd: "RequestUpdate", Code: cc}
			}
			slog.Warn("FD requests RequestUpdate retry", "tid", s.tid)
			if err := sleepCtx(s.ctx, retryRequestUpdateDelay); err != nil {
				return err
			}
			continue
		}
		if cc != CCSuccess {
			return &CompletionError{Cmd: "RequestUpdate", Code: cc}
		}
		d := wire.NewDecoder(body[1:])
		s.fdMetaDataLen = d.Uint16()
		s.fdWillSendPkgData = d.Uint8() == 0x01
		if err := d.Err(); err != nil {
			return fmt.Errorf("RequestUpdate response: %w", err)
		}
		return nil
	}
}

func (s *updateSession) numApplicable() uint16 {
	var n uint16
	for v := s.applicable; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// servePackageData answers the FD's GetPackageData pulls, when announced.
func (s *updateSession) servePackageData() error {
	if s.state != FDLearnComponents || !s.updateMode {
		return &CompletionError{Cmd: "GetPackageData", Code: CCCommandNotExpected}
	}
	if !s.fdWillSendPkgData {
		return nil
	}
	if len(s.deviceIDRecord.PackageData) == 0 {
		return fmt.Errorf("FD announced GetPackageData but record carries none")
	}
	return s.serveDataPhase(CmdGetPackageData, s.deviceIDRecord.PackageData)
}

// getDeviceMetaData pulls the FD's metadata with the multipart
// GetDeviceMetaData command.
func (s *updateSession) getDeviceMetaData() error {
	if !s.updateMode {
		return &CompletionError{Cmd: "GetDeviceMetaData", Code: CCNotInUpdateMode}
	}
	if s.state != FDLearnComponents {
		return &CompletionError{Cmd: "GetDeviceMetaData", Code: CCCommandNotExpected}
	}
	if s.fdMetaDataLen == 0 {
		return nil
	}

	var handle uint32
	op := OpGetFirstPart
	responses := 0
	for {
		e := wire.NewEncoder()
		e.Uint32(handle)
		e.Uint8(op)
		body, err := s.request(CmdGetDeviceMetaData, e.Bytes())
		if err != nil {
			return err
		}
		if err := ccOnly("GetDeviceMetaData", body); err != nil {
			return err
		}
		d := wire.NewDecoder(body[1:])
		nextHandle := d.Uint32()
		flag := d.Uint8()
		portion := d.Rest()
		if err := d.Err(); err != nil {
			return fmt.Errorf("GetDeviceMetaData response: %w", err)
		}
		s.fdMetaData = append(s.fdMetaData, portion...)

		if flag == TransferEnd || flag == TransferStartAndEnd {
			slog.Debug("GetDeviceMetaData successful", "tid", s.tid,
				"bytes", len(s.fdMetaData))
			return nil
		}
		handle = nextHandle
		op = OpGetNextPart
		responses++
		if responses >= deviceMetaDataResponseCount {
			s.fdMetaData = nil
			return fmt.Errorf("GetDeviceMetaData responses exceed limit")
		}
	}
}

// deviceMetaDataResponseCount bounds the GetDeviceMetaData pull loop.
const deviceMetaDataResponseCount = 100

// serveMetaData pushes the saved metadata back when the FD pulls it with
// GetMetaData after apply.
func (s *updateSession) serveMetaData() error {
	if s.state == FDLearnComponents || s.state == FDIdle {
		return &CompletionError{Cmd: "GetMetaData", Code: CCCommandNotExpected}
	}
	if s.fdMetaDataLen == 0 || len(s.fdMetaData) == 0 {
		return nil
	}
	return s.serveDataPhase(CmdGetMetaData, s.fdMetaData)
}

// passComponentTableFlag selects the transfer flag for the Nth applicable
// component passed.
func passComponentTableFlag(index, total uint16) uint8 {
	if total == 1 {
		return TransferStartAndEnd
	}
	switch {
	case index == 0:
		return TransferStart
	case index+1 == total:
		return TransferEnd
	default:
		return TransferMiddle
	}
}

// passComponentTable announces every applicable component to the FD, once
// each.
func (s *updateSession) passComponentTable() error {
	if !s.updateMode {
		return &CompletionError{Cmd: "PassComponentTable", Code: CCNotInUpdateMode}
	}
	if s.state != FDLearnComponents {
		return &CompletionError{Cmd: "PassComponentTable", Code: CCCommandNotExpected}
	}

	total := s.numApplicable()
	var passed, accepted uint16
	for i, comp := range s.components {
		s.currentComp = i
		if !s.isComponentApplicable() {
			slog.Warn("component not applicable, skipping PassComponentTable",
				"tid", s.tid, "component", i)
			continue
		}
		flag := passComponentTableFlag(passed, total)
		passed++

		e := wire.NewEncoder()
		e.Uint8(flag)
		e.Uint16(comp.Classification)
		e.Uint16(comp.Identifier)
		e.Uint8(0) // componentClassificationIndex
		e.Uint32(comp.ComparisonStamp)
		e.Uint8(1) // version string type: ASCII
		e.Uint8(uint8(len(comp.Version)))
		e.Write([]byte(comp.Version))

		body, err := s.request(CmdPassComponentTable, e.Bytes())
		if err != nil {
			slog.Warn("PassComponentTable command failed", "tid", s.tid,
				"component", i, "err", err)
			continue
		}
		if err := ccOnly("PassComponentTable", body); err != nil {
			slog.Warn("PassComponentTable command failed", "tid", s.tid,
				"component", i, "err", err)
			continue
		}
		d := wire.NewDecoder(body[1:])
		compResp := d.Uint8()
		compRespCode := d.Uint8()
		if err := d.Err(); err != nil {
			slog.Warn("PassComponentTable response invalid", "tid", s.tid,
				"component", i, "err", err)
			continue
		}
		slog.Info("PassComponentTable command success", "tid", s.tid,
			"component", i, "componentResponse", compResp,
			"componentResponseCode", compRespCode)
		accepted++
		if err := sleepCtx(s.ctx, delayBetweenCommands); err != nil {
			return err
		}
	}
	if accepted == 0 {
		return fmt.Errorf("no component accepted by FD")
	}
	return nil
}

// updateComponent issues UpdateComponent for the current component.
func (s *updateSession) updateComponent(comp Component) (compResp, compRespCode uint8, err error) {
	if !s.updateMode {
		return 0, 0, &CompletionError{Cmd: "UpdateComponent", Code: CCNotInUpdateMode}
	}
	if s.state != FDReadyXfer {
		return 0, 0, &CompletionError{Cmd: "UpdateComponent", Code: CCCommandNotExpected}
	}

	e := wire.NewEncoder()
	e.Uint16(comp.Classification)
	e.Uint16(comp.Identifier)
	e.Uint8(0) // componentClassificationIndex
	e.Uint32(comp.ComparisonStamp)
	e.Uint32(comp.Size)
	e.Uint32(0) // updateOptionFlags
	e.Uint8(1)  // version string type: ASCII
	e.Uint8(uint8(len(comp.Version)))
	e.Write([]byte(comp.Version))

	body, err := s.request(CmdUpdateComponent, e.Bytes())
	if err != nil {
		return 0, 0, err
	}
	if err := ccOnly("UpdateComponent", body); err != nil {
		return 0, 0, err
	}
	d := wire.NewDecoder(body[1:])
	compResp = d.Uint8()
	compRespCode = d.Uint8()
	d.Skip(4) // updateOptionFlagsEnabled
	d.Skip(2) // timeBeforeRequestFWData
	if err := d.Err(); err != nil {
		return 0, 0, fmt.Errorf("UpdateComponent response: %w", err)
	}
	return compResp, compRespCode, nil
}

// handleTransferComplete validates and answers the FD's TransferComplete.
func (s *updateSession) handleTransferComplete(req fdRequest) error {
	if !s.updateMode || s.state != FDDownload {
		s.respondError(req.hdr.InstanceID, CmdTransferComplete, CCCommandNotExpected)
		return &CompletionError{Cmd: "TransferComplete", Code: CCCommandNotExpected}
	}
	return s.handleResultCommand(req, CmdTransferComplete, func(result uint8) bool {
		return result == fwuTransferSuccess
	})
}

// handleVerifyComplete validates and answers the FD's VerifyComplete.
func (s *updateSession) handleVerifyComplete(req fdRequest) error {
	if !s.updateMode || s.state != FDVerify {
		s.respondError(req.hdr.InstanceID, CmdVerifyComplete, CCCommandNotExpected)
		return &CompletionError{Cmd: "VerifyComplete", Code: CCCommandNotExpected}
	}
	return s.handleResultCommand(req, CmdVerifyComplete, func(result uint8) bool {
		return result == fwuVerifySuccess
	})
}

// handleApplyComplete validates and answers the FD's ApplyComplete.
func (s *updateSession) handleApplyComplete(req fdRequest) error {
	if !s.updateMode || s.state != FDApply {
		s.respondError(req.hdr.InstanceID, CmdApplyComplete, CCCommandNotExpected)
		return &CompletionError{Cmd: "ApplyComplete", Code: CCCommandNotExpected}
	}
	return s.handleResultCommand(req, CmdApplyComplete, func(result uint8) bool {
		return result == fwuApplySuccess || result == fwuApplySuccessWithActivate
	})
}

// handleResultCommand decodes a one-byte result request, answers it, and
// fails when the result is not a success value.
func (s *updateSession) handleResultCommand(req fdRequest, cmd Command, resultOK func(uint8) bool) error {
	d := wire.NewDecoder(req.payload)
	result := d.Uint8()
	if err := d.Err(); err != nil {
		slog.Warn("result command decode failed", "tid", s.tid,
			"cmd", FwuCommandName(cmd), "err", err)
		s.respondError(req.hdr.InstanceID, cmd, CCErrorInvalidData)
		return err
	}
	respCode := CCSuccess
	if !resultOK(result) {
		slog.Warn("FD reported failure result", "tid", s.tid,
			"cmd", FwuCommandName(cmd), "result", result)
		respCode = CCErrorInvalidData
	}
	resp := encodeErrorResponse(req.hdr.InstanceID, cmd, respCode)
	if err := s.agent.mediator.SendOneway(s.ctx, s.tid, fwuRetryCount, req.msgTag, false, resp); err != nil {
		return fmt.Errorf("%s: send response: %w", FwuCommandName(cmd), err)
	}
	if respCode != CCSuccess {
		return fmt.Errorf("%s: FD result %d", FwuCommandName(cmd), result)
	}
	return nil
}

// activateFirmware issues ActivateFirmware and returns the estimated
// self-contained activation time in seconds.
func (s *updateSession) activateFirmware() (uint16, error) {
	if !s.updateMode {
		return 0, &CompletionError{Cmd: "ActivateFirmware", Code: CCNotInUpdateMode}
	}
	if s.state != FDReadyXfer {
		return 0, &CompletionError{Cmd: "ActivateFirmware", Code: CCCommandNotExpected}
	}
	e := wire.NewEncoder()
	e.Uint8(1) // selfContainedActivationRequest
	body, err := s.request(CmdActivateFirmware, e.Bytes())
	if err != nil {
		return 0, err
	}
	if err := ccOnly("ActivateFirmware", body); err != nil {
		return 0, err
	}
	d := wire.NewDecoder(body[1:])
	estimated := d.Uint16()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("ActivateFirmware response: %w", err)
	}
	s.setState(FDActivate)
	return estimated, nil
}

// cancelUpdateComponent aborts the current component, returning the FD to
// READY XFER. Legal only in DOWNLOAD, VERIFY, or APPLY.
func (s *updateSession) cancelUpdateComponent() error {
	if !s.updateMode {
		return &CompletionError{Cmd: "CancelUpdateComponent", Code: CCNotInUpdateMode}
	}
	switch s.state {
	case FDDownload, FDVerify, FDApply:
	default:
		return &CompletionError{Cmd: "CancelUpdateComponent", Code: CCCommandNotExpected}
	}
	body, err := s.request(CmdCancelUpdateComponent, nil)
	if err != nil {
		return err
	}
	if err := ccOnly("CancelUpdateComponent", body); err != nil {
		return err
	}
	s.setState(FDReadyXfer)
	return nil
}

// cancelUpdate unconditionally aborts the session, returning the FD to
// IDLE. Legal in any state but IDLE and ACTIVATE.
func (s *updateSession) cancelUpdate() error {
	if !s.updateMode {
		return fmt.Errorf("cancel update outside update mode")
	}
	if s.state == FDIdle || s.state == FDActivate {
		return &CompletionError{Cmd: "CancelUpdate", Code: CCCommandNotExpected}
	}
	body, err := s.request(CmdCancelUpdate, nil)
	if err != nil {
		return err
	}
	if err := ccOnly("CancelUpdate", body); err != nil {
		return err
	}
	// nonFunctioningComponentIndication + bitmap follow; log only.
	d := wire.NewDecoder(body[1:])
	indication := d.Uint8()
	bitmap := d.Uint64()
	if d.Err() == nil && indication != 0 {
		slog.Warn("CancelUpdate reports non-functioning components",
			"tid", s.tid, "bitmap", bitmap)
	}
	s.setState(FDIdle)
	return nil
}

// getStatus queries the FD's update status. The decoded progress percent
// feeds the published session progress.
func (s *updateSession) getStatus() (uint8, error) {
	body, err := s.request(CmdGetStatus, nil)
	if err != nil {
		return 0, err
	}
	if err := ccOnly("GetStatus", body); err != nil {
		return 0, err
	}
	d := wire.NewDecoder(body[1:])
	d.Skip(1) // currentState
	d.Skip(1) // previousState
	d.Skip(1) // auxState
	d.Skip(1) // auxStateStatus
	progress := d.Uint8()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("GetStatus response: %w", err)
	}
	return progress, nil
}

// reserveTimeout sizes the bandwidth reservation from the updatable image
// size at the observed throughput, with 3x headroom.
func reserveTimeout(updatableImageSize uint64) time.Duration {
	secs := (1 + updatableImageSize/reserveBytesPerSec) * 3
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// startReserveBandwidth acquires the link reservation and re-arms it on a
// repeating timer until the session releases it.
func (s *updateSession) startReserveBandwidth() {
	timeout := reserveTimeout(s.agent.pkg.UpdatableImageSize())
	if err := s.agent.mediator.Reserve(s.tid, TypeFirmwareUpdate, timeout); err != nil {
		slog.Warn("reserveBandwidth failed", "tid", s.tid, "err", err)
		return
	}
	s.rsvActive = true
	s.rsvStop = make(chan struct{})

	renew := timeout - reserveRenewMargin
	if renew <= 0 {
		renew = timeout / 2
	}
	go func() {
		ticker := time.NewTicker(renew)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.agent.mediator.Reserve(s.tid, TypeFirmwareUpdate, timeout); err != nil {
					slog.Warn("reserveBandwidth renewal failed", "tid", s.tid, "err", err)
				}
			case <-s.rsvStop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *updateSession) releaseReserveBandwidth() {
	if !s.rsvActive {
		return
	}
	s.rsvActive = false
	close(s.rsvStop)
	if err := s.agent.mediator.Release(s.tid, TypeFirmwareUpdate); err != nil {
		slog.Error("releaseBandwidth failed", "tid", s.tid, "err", err)
	}
}

// terminate escalates a failed session: CancelUpdate on the wire and
// release of the reservation.
func (s *updateSession) terminate() {
	slog.Error("unexpected error: firmware update stopped", "tid", s.tid)
	if err := s.cancelUpdate(); err != nil {
		slog.Error("unable to send CancelUpdate", "tid", s.tid, "err", err)
	}
	s.releaseReserveBandwidth()
}

func (s *updateSession) publishProgress(percent uint8) {
	metrics.FirmwareUpdateProgress.WithLabelValues(tidLabel(s.tid)).Set(float64(percent))
	err := s.agent.publisher.PublishUpdateStatus(publish.UpdateStatus{
		SessionID: s.id,
		TID:       uint8(s.tid),
		Progress:  percent,
	})
	if err != nil {
		slog.Warn("update progress publication failed", "tid", s.tid, "err", err)
	}
}

// runUpdate drives the full T.131 dialog for one device and returns the
// estimated activation time on success.
func (s *updateSession) runUpdate() (uint16, error) {
	if err := s.requestUpdate(); err != nil {
		slog.Warn("FD cannot be put in update mode", "tid", s.tid, "err", err)
		return 0, err
	}
	slog.Info("RequestUpdate command is success", "tid", s.tid)
	s.updateMode = true
	s.setState(FDLearnComponents)
	if err := sleepCtx(s.ctx, delayBetweenCommands); err != nil {
		return 0, err
	}
	s.startReserveBandwidth()

	if err := s.servePackageData(); err != nil {
		return 0, fmt.Errorf("send package data: %w", err)
	}
	if err := s.getDeviceMetaData(); err != nil {
		return 0, fmt.Errorf("get device meta data: %w", err)
	}
	if err := s.passComponentTable(); err != nil {
		return 0, fmt.Errorf("pass component table: %w", err)
	}
	slog.Info("PassComponentTable command is success", "tid", s.tid)
	s.setState(FDReadyXfer)

	total := len(s.components)
	for i, comp := range s.components {
		s.currentComp = i
		if !s.isComponentApplicable() {
			slog.Warn("component not applicable", "tid", s.tid, "component", i)
			s.publishProgress(uint8((i + 1) * 100 / total))
			continue
		}

		compResp, compRespCode, err := s.updateComponent(comp)
		if err != nil {
			slog.Warn("UpdateComponent failed", "tid", s.tid, "component", i, "err", err)
			continue
		}
		if compResp != componentCanBeUpdated {
			slog.Warn("component will not be updated", "tid", s.tid,
				"component", i, "componentCompatibilityResponseCode", compRespCode)
			s.publishProgress(uint8((i + 1) * 100 / total))
			continue
		}
		s.setState(FDDownload)
		slog.Info("UpdateComponent command is success", "tid", s.tid, "component", i)

		if err := s.serveFirmwareData(comp); err != nil {
			slog.Warn("RequestFirmwareData pump failed", "tid", s.tid,
				"component", i, "err", err)
			if cerr := s.cancelUpdateComponent(); cerr != nil {
				slog.Warn("CancelUpdateComponent failed", "tid", s.tid,
					"component", i, "err", cerr)
			}
			continue
		}
		s.publishProgress(uint8((i + 1) * 100 / total))

		// TransferComplete has been matched by the pump's filter.
		req, ok := s.waitRequest(fdCmdTimeout)
		s.clearExpected()
		if !ok {
			slog.Warn("timeout waiting for TransferComplete", "tid", s.tid, "component", i)
			continue
		}
		if err := s.handleTransferComplete(req); err != nil {
			slog.Warn("TransferComplete failed", "tid", s.tid, "component", i, "err", err)
			if cerr := s.cancelUpdateComponent(); cerr != nil {
				slog.Warn("CancelUpdateComponent failed", "tid", s.tid,
					"component", i, "err", cerr)
			}
			continue
		}
		slog.Info("TransferComplete command is success", "tid", s.tid, "component", i)
		s.setState(FDVerify)

		s.armExpected(CmdVerifyComplete)
		req, ok = s.waitRequest(fdCmdTimeout)
		s.clearExpected()
		if !ok {
			slog.Warn("timeout waiting for VerifyComplete", "tid", s.tid, "component", i)
			continue
		}
		if err := s.handleVerifyComplete(req); err != nil {
			slog.Warn("VerifyComplete failed", "tid", s.tid, "component", i, "err", err)
			if cerr := s.cancelUpdateComponent(); cerr != nil {
				slog.Warn("CancelUpdateComponent failed", "tid", s.tid,
					"component", i, "err", cerr)
			}
			continue
		}
		slog.Info("VerifyComplete command is success", "tid", s.tid, "component", i)
		s.setState(FDApply)

		s.armExpected(CmdApplyComplete)
		req, ok = s.waitRequest(fdCmdTimeout)
		s.clearExpected()
		if !ok {
			slog.Warn("timeout waiting for ApplyComplete", "tid", s.tid, "component", i)
			continue
		}
		if err := s.handleApplyComplete(req); err != nil {
			slog.Warn("ApplyComplete failed", "tid", s.tid, "component", i, "err", err)
			continue
		}
		s.componentApplied = true
		slog.Info("ApplyComplete command is success", "tid", s.tid, "component", i)
		s.setState(FDReadyXfer)
	}

	// The FD may pull saved metadata after apply.
	if s.fdMetaDataLen != 0 {
		if err := s.serveMetaData(); err != nil {
			return 0, fmt.Errorf("send meta data: %w", err)
		}
	}

	s.releaseReserveBandwidth()

	if !s.componentApplied {
		return 0, fmt.Errorf("firmware update failed: no component applied")
	}

	estimated, err := s.activateFirmware()
	if err != nil {
		slog.Error("ActivateFirmware failed", "tid", s.tid, "err", err)
		return 0, err
	}
	slog.Info("ActivateFirmware command is success", "tid", s.tid)
	slog.Info("firmware update completed successfully", "tid", s.tid)
	return estimated, nil
}

// StartUpdate runs the update described by pkg against every matched
// terminus, serially. Sensor polling is paused for the duration. The
// published activation status is Active iff at least one device reached
// ActivateFirmware successfully.
func (a *UpdateAgent) StartUpdate(ctx context.Context, pkg Package) error {
	a.mu.Lock()
	if a.session != nil || a.pkg != nil {
		a.mu.Unlock()
		return fmt.Errorf("cannot start firmware update: update already in progress")
	}
	a.pkg = pkg
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.pkg = nil
		a.session = nil
		a.mu.Unlock()
	}()

	if a.PauseSensorPolling != nil {
		a.PauseSensorPolling()
	}
	defer func() {
		if a.ResumeSensorPolling != nil {
			a.ResumeSensorPolling()
		}
	}()

	sessionID := uuid.NewString()
	matched := pkg.MatchedTermini()
	anyActivated := false
	var maxActivation uint16

	for _, m := range matched {
		record, ok := pkg.DeviceIDRecord(m.DeviceIDRecord)
		if !ok {
			slog.Error("device id record not found", "record", m.DeviceIDRecord, "tid", m.TID)
			continue
		}
		s := &updateSession{
			agent:          a,
			ctx:            ctx,
			id:             sessionID,
			tid:            m.TID,
			deviceIDRecord: record,
			components:     pkg.Components(),
			applicable:     record.ApplicableComponents,
			reqCh:          make(chan fdRequest, 1),
		}
		a.mu.Lock()
		a.session = s
		a.mu.Unlock()

		estimated, err := s.runUpdate()
		if err != nil {
			slog.Error("runUpdate failed", "tid", m.TID, "err", err)
			s.terminate()
		} else {
			anyActivated = true
			if estimated > maxActivation {
				maxActivation = estimated
			}
		}
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		metrics.FirmwareUpdateProgress.DeleteLabelValues(tidLabel(m.TID))
	}

	// Wait out the longest self-contained activation before triggering
	// rediscovery of the updated devices.
	if maxActivation > 0 {
		if err := sleepCtx(ctx, time.Duration(maxActivation)*time.Second); err != nil {
			return err
		}
	}
	if a.TriggerRediscovery != nil {
		for _, m := range matched {
			a.TriggerRediscovery(m.TID)
		}
	}

	activation := publish.ActivationFailed
	if anyActivated {
		activation = publish.ActivationActive
	}
	for _, m := range matched {
		err := a.publisher.PublishUpdateStatus(publish.UpdateStatus{
			SessionID:  sessionID,
			TID:        uint8(m.TID),
			Progress:   100,
			Activation: activation,
		})
		if err != nil {
			slog.Warn("activation status publication failed", "tid", m.TID, "err", err)
		}
	}
	if !anyActivated {
		return fmt.Errorf("firmware update failed for all matched devices")
	}
	return nil
}
