// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"errors"
	"fmt"
)

// CompletionCode is the first byte of every PLDM response payload.
type CompletionCode uint8

// Generic completion codes (DSP0240).
const (
	CCSuccess              CompletionCode = 0x00
	CCError                CompletionCode = 0x01
	CCErrorInvalidData     CompletionCode = 0x02
	CCErrorInvalidLength   CompletionCode = 0x03
	CCErrorNotReady        CompletionCode = 0x04
	CCErrorUnsupportedCmd  CompletionCode = 0x05
	CCErrorInvalidPLDMType CompletionCode = 0x20
)

// Firmware update completion codes (DSP0267).
const (
	CCNotInUpdateMode      CompletionCode = 0x80
	CCAlreadyInUpdateMode  CompletionCode = 0x81
	CCDataOutOfRange       CompletionCode = 0x82
	CCInvalidTransferLen   CompletionCode = 0x83
	CCInvalidStateForCmd   CompletionCode = 0x84
	CCIncompleteUpdate     CompletionCode = 0x85
	CCBusyInBackground     CompletionCode = 0x86
	CCCancelPending        CompletionCode = 0x87
	CCCommandNotExpected   CompletionCode = 0x88
	CCRetryRequestFwData   CompletionCode = 0x89
	CCUnableToInitiate     CompletionCode = 0x8A
	CCActivationNotReqd    CompletionCode = 0x8B
	CCSelfContainedPending CompletionCode = 0x8C
	CCNoDeviceMetadata     CompletionCode = 0x8D
	CCRetryRequestUpdate   CompletionCode = 0x8E
	CCNoPackageData        CompletionCode = 0x8F
	CCInvalidDataHandle    CompletionCode = 0x90
)

// CompletionError is a non-success completion code returned by a terminus.
type CompletionError struct {
	Cmd  string
	Code CompletionCode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s: completion code 0x%02X", e.Cmd, uint8(e.Code))
}

// CompletionOf returns the completion code carried by err, if any.
func CompletionOf(err error) (CompletionCode, bool) {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// Sentinel errors shared across the protocol engines.
var (
	// ErrBusy means the reserve-bandwidth interlock is held by another
	// {TID, type} pair and the request was refused without touching the
	// transport.
	ErrBusy = errors.New("reserve bandwidth active for another terminus")

	// ErrTimeout means no valid response arrived within the retry budget.
	ErrTimeout = errors.New("retry count exceeded, no response")

	// ErrUnknownTID means the TID is not mapped to any endpoint.
	ErrUnknownTID = errors.New("TID is not mapped to any endpoint")

	// ErrOutOfRange means an effecter set value fell outside the settable
	// bounds from the PDR.
	ErrOutOfRange = errors.New("value outside settable range")

	// ErrUnsupportedState means a state effecter was asked to assume a
	// state not present in its possible-state set.
	ErrUnsupportedState = errors.New("state not supported by effecter")

	// ErrUnsupportedInit means the descriptor's init hint requires a
	// Sensor/Effecter Initialization PDR, which is not driven.
	ErrUnsupportedInit = errors.New("initialization PDR not supported")
)

// ccOnly decodes a response consisting only of a completion code and turns a
// non-success code into a *CompletionError.
func ccOnly(cmd string, payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("%s: empty response payload", cmd)
	}
	if cc := CompletionCode(payload[0]); cc != CCSuccess {
		return &CompletionError{Cmd: cmd, Code: cc}
	}
	return nil
}
