// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"fmt"
	"log/slog"

	"github.com/openbmc/go-pldm/metrics"
	"github.com/openbmc/go-pldm/wire"
)

// BaselineTransferSize is the mandatory minimum payload per firmware
// transfer PDU (DSP0267).
const BaselineTransferSize = 32

// calcMaxNumReq returns the number of unique data requests needed to move
// dataSize bytes at the baseline transfer size: ceil(dataSize / baseline).
func calcMaxNumReq(dataSize uint64) uint64 {
	if dataSize == 0 {
		return 0
	}
	return (dataSize + BaselineTransferSize - 1) / BaselineTransferSize
}

// findMaxNumReq returns the hard cap on requests accepted during one
// data-bearing phase. Re-queries of lost fragments are allowed, but a
// device asking for more than double the unique count plus slack is
// misbehaving and the phase fails.
func findMaxNumReq(dataSize uint64) uint64 {
	unique := calcMaxNumReq(dataSize)
	if unique == 0 {
		return 0
	}
	return 2*unique + 8
}

// setTransferFlag selects the flag for an outgoing data portion. Callers
// must ensure dataSize > 0; the (0, 0, 0) input is undefined.
func setTransferFlag(offset, length, dataSize uint64) uint8 {
	if offset+length < dataSize {
		if offset == 0 {
			return TransferStart
		}
		return TransferMiddle
	}
	if offset == 0 {
		return TransferStartAndEnd
	}
	return TransferEnd
}

// fdDataRequest is a decoded GetPackageData/GetMetaData pull from the FD.
type fdDataRequest struct {
	instanceID uint8
	handle     uint32
	op         uint8
}

func decodeFDDataRequest(hdr Header, payload []byte) (*fdDataRequest, error) {
	d := wire.NewDecoder(payload)
	req := &fdDataRequest{
		instanceID: hdr.InstanceID,
		handle:     d.Uint32(),
		op:         d.Uint8(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%s request: %w", FwuCommandName(hdr.Command), err)
	}
	return req, nil
}

// dataWindow resolves one pull request against a data buffer: GetFirstPart
// rewinds the cursor to zero; any other request addresses the chunk at
// handle * baseline. The final chunk is truncated to the remaining bytes.
// The returned key identifies the unique chunk for progress accounting.
func dataWindow(req *fdDataRequest, dataSize uint64) (offset, length, key uint64, err error) {
	length = BaselineTransferSize
	if req.op == OpGetFirstPart {
		offset = 0
		key = 0
	} else {
		offset = uint64(req.handle) * BaselineTransferSize
		key = uint64(req.handle)
	}
	if offset+length > dataSize {
		if offset >= dataSize {
			return 0, 0, 0, fmt.Errorf("data request offset %d beyond size %d", offset, dataSize)
		}
		length = dataSize - offset
	}
	return offset, length, key, nil
}

// encodeDataResponse builds the response for one served data portion.
func encodeDataResponse(hdr Header, nextHandle uint32, flag uint8, portion []byte) []byte {
	e := wire.NewEncoder()
	e.Uint8(uint8(CCSuccess))
	e.Uint32(nextHandle)
	e.Uint8(flag)
	e.Write(portion)
	return EncodeHeader(Header{
		Kind:       PacketResponse,
		InstanceID: hdr.InstanceID,
		Type:       TypeFirmwareUpdate,
		Command:    hdr.Command,
	}, e.Bytes())
}

// encodeErrorResponse builds a completion-code-only error response echoing
// the FD request's instance id.
func encodeErrorResponse(instanceID uint8, cmd Command, cc CompletionCode) []byte {
	e := wire.NewEncoder()
	e.Uint8(uint8(cc))
	return EncodeHeader(Header{
		Kind:       PacketResponse,
		InstanceID: instanceID,
		Type:       TypeFirmwareUpdate,
		Command:    cmd,
	}, e.Bytes())
}

// serveDataPhase runs one FD-pulled data phase (GetPackageData or
// GetMetaData): wait for each pull, serve the addressed portion, and stop
// once every unique chunk has been served or the request cap is exhausted.
func (s *updateSession) serveDataPhase(cmd Command, data []byte) error {
	dataSize := uint64(len(data))
	maxNumReq := findMaxNumReq(dataSize)
	numExpected := calcMaxNumReq(dataSize)
	if maxNumReq == 0 {
		return fmt.Errorf("%s: no data to serve", FwuCommandName(cmd))
	}
	served := make(map[uint64]bool)

	for ; maxNumReq > 0; maxNumReq-- {
		s.armExpected(cmd)
		req, ok := s.waitRequest(fdCmdTimeout)
		if !ok {
			s.clearExpected()
			return fmt.Errorf("timeout waiting for %s packet", FwuCommandName(cmd))
		}

		pull, err := decodeFDDataRequest(req.hdr, req.payload)
		if err != nil {
			slog.Error("data pull decode failed", "tid", s.tid,
				"cmd", FwuCommandName(cmd), "err", err)
			s.respondError(req.hdr.InstanceID, cmd, CCErrorInvalidData)
			s.clearExpected()
			return err
		}
		offset, length, key, err := dataWindow(pull, dataSize)
		if err != nil {
			slog.Error("data pull out of range", "tid", s.tid,
				"cmd", FwuCommandName(cmd), "err", err)
			s.respondError(req.hdr.InstanceID, cmd, CCError)
			s.clearExpected()
			return err
		}

		flag := setTransferFlag(offset, length, dataSize)
		resp := encodeDataResponse(req.hdr, pull.handle+1, flag, data[offset:offset+length])
		if err := s.agent.mediator.SendOneway(s.ctx, s.tid, fwuRetryCount, req.msgTag, false, resp); err != nil {
			s.clearExpected()
			return fmt.Errorf("%s: send response: %w", FwuCommandName(cmd), err)
		}
		served[key] = true

		if uint64(len(served)) == numExpected {
			slog.Info("data phase complete", "tid", s.tid,
				"cmd", FwuCommandName(cmd), "bytes", dataSize)
			s.clearExpected()
			return nil
		}
	}
	s.clearExpected()
	return fmt.Errorf("%s: requests exceed limit", FwuCommandName(cmd))
}

// serveFirmwareData pumps the current component's bytes to the FD. The
// pump ends when the FD sends TransferComplete (observed by the expected-
// command filter), and fails when the request cap or the idle timer
// expires.
func (s *updateSession) serveFirmwareData(comp Component) error {
	remaining := findMaxNumReq(uint64(comp.Size))
	if remaining == 0 {
		return fmt.Errorf("component %d has no data", s.currentComp)
	}
	prevProgress := 0

	for ; remaining > 0; remaining-- {
		s.armExpected(CmdRequestFirmwareData)
		req, ok := s.waitRequest(requestFirmwareDataIdleTimeout)
		if !ok {
			return fmt.Errorf("timeout waiting for RequestFirmwareData packet")
		}
		if req.hdr.Command == CmdTransferComplete {
			// FD received the last byte; requeue the request for the
			// TransferComplete handler.
			s.reqCh <- req
			return nil
		}

		d := wire.NewDecoder(req.payload)
		offset := d.Uint32()
		length := d.Uint32()
		if err := d.Err(); err != nil {
			slog.Error("RequestFirmwareData decode failed", "tid", s.tid, "err", err)
			s.respondError(req.hdr.InstanceID, CmdRequestFirmwareData, CCErrorInvalidData)
			return fmt.Errorf("RequestFirmwareData: %w", err)
		}
		if uint64(offset)+uint64(length) > uint64(comp.Size)+BaselineTransferSize {
			// The FD may over-request past the image end by up to one
			// baseline to keep fixed-size reads; beyond that it is
			// out of range.
			s.respondError(req.hdr.InstanceID, CmdRequestFirmwareData, CCDataOutOfRange)
			return fmt.Errorf("RequestFirmwareData offset %d length %d beyond component size %d",
				offset, length, comp.Size)
		}
		readLen := length
		if uint64(offset)+uint64(length) > uint64(comp.Size) {
			if offset >= comp.Size {
				s.respondError(req.hdr.InstanceID, CmdRequestFirmwareData, CCDataOutOfRange)
				return fmt.Errorf("RequestFirmwareData offset %d beyond component size %d",
					offset, comp.Size)
			}
			readLen = comp.Size - offset
		}

		data, err := s.agent.pkg.ReadData(comp.LocationOffset+offset, readLen)
		if err != nil {
			slog.Error("update image read failed", "tid", s.tid, "err", err)
			s.respondError(req.hdr.InstanceID, CmdRequestFirmwareData, CCError)
			return fmt.Errorf("package read: %w", err)
		}
		// Pad to the requested length; bytes past the image end are
		// unspecified filler.
		for uint32(len(data)) < length {
			data = append(data, 0)
		}

		e := wire.NewEncoder()
		e.Uint8(uint8(CCSuccess))
		e.Write(data)
		resp := EncodeHeader(Header{
			Kind:       PacketResponse,
			InstanceID: req.hdr.InstanceID,
			Type:       TypeFirmwareUpdate,
			Command:    CmdRequestFirmwareData,
		}, e.Bytes())
		if err := s.agent.mediator.SendOneway(s.ctx, s.tid, fwuRetryCount, req.msgTag, false, resp); err != nil {
			return fmt.Errorf("RequestFirmwareData: send response: %w", err)
		}
		metrics.FirmwareBytesServed.Add(float64(len(data)))

		progress := int((uint64(offset) + uint64(length)) * 100 / uint64(comp.Size))
		if progress > 100 {
			progress = 100
		}
		if progress-prevProgress >= progressLogStep {
			prevProgress = progress
			slog.Info("update package transferred", "tid", s.tid,
				"component", s.currentComp+1, "percent", progress)
		}
	}
	return fmt.Errorf("exceeded maximum number of RequestFirmwareData requests")
}
