// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pldm

import (
	"fmt"

	"github.com/openbmc/go-pldm/wire"
)

// TID is the 1-byte terminus identifier assigned during base negotiation.
type TID uint8

// EID is an MCTP endpoint identifier.
type EID uint8

// InvalidTID is reserved by DSP0240 and never assigned to a terminus.
const InvalidTID TID = 0x00

// Type is a PLDM message type (DSP0245).
type Type uint8

// PLDM message types
const (
	TypeBase           Type = 0x00
	TypeSMBIOS         Type = 0x01
	TypePlatform       Type = 0x02
	TypeBIOS           Type = 0x03
	TypeFRU            Type = 0x04
	TypeFirmwareUpdate Type = 0x05
	TypeRDE            Type = 0x06
	TypeOEM            Type = 0x3F

	invalidType Type = 0xFF
)

// Command is a PLDM command code within a message type.
type Command uint8

// Header field masks and shifts for the standard PLDM message header.
const (
	instanceIDMask = 0x1F
	typeMask       = 0x3F
	rqDMask        = 0xC0
	rqDShift       = 6
)

// HeaderSize is the size of the PLDM message header on the wire.
const HeaderSize = 3

// mctpMsgTypePLDM is the MCTP message-type byte prefixed to every PLDM
// payload before it reaches the transport (DSP0236 table 3).
const mctpMsgTypePLDM uint8 = 0x01

// PacketKind is the Rq/D classification of a PLDM message.
type PacketKind uint8

// Rq/D values
const (
	PacketResponse       PacketKind = 0x0
	PacketReserved       PacketKind = 0x1
	PacketRequest        PacketKind = 0x2
	PacketUnacknowledged PacketKind = 0x3
)

// Header is the decoded form of the PLDM message header.
type Header struct {
	Kind       PacketKind
	InstanceID uint8
	Type       Type
	Command    Command
}

// EncodeHeader serializes h followed by payload into a full PLDM message.
func EncodeHeader(h Header, payload []byte) []byte {
	e := wire.NewEncoder()
	e.Uint8(uint8(h.Kind)<<rqDShift | h.InstanceID&instanceIDMask)
	e.Uint8(uint8(h.Type) & typeMask)
	e.Uint8(uint8(h.Command))
	e.Write(payload)
	return e.Bytes()
}

// DecodeHeader splits msg into its header and payload.
func DecodeHeader(msg []byte) (Header, []byte, error) {
	if len(msg) < HeaderSize {
		return Header{}, nil, fmt.Errorf("message of %d bytes shorter than PLDM header", len(msg))
	}
	return Header{
		Kind:       PacketKind(msg[0] & rqDMask >> rqDShift),
		InstanceID: msg[0] & instanceIDMask,
		Type:       Type(msg[1] & typeMask),
		Command:    Command(msg[2]),
	}, msg[HeaderSize:], nil
}

// Transfer operation flags for multipart pulls (GetPDR, GetDeviceMetaData).
const (
	OpGetNextPart  uint8 = 0x00
	OpGetFirstPart uint8 = 0x01
)

// Transfer flags marking what portion of a multipart transfer a fragment
// represents.
const (
	TransferStart       uint8 = 0x00
	TransferMiddle      uint8 = 0x01
	TransferEnd         uint8 = 0x04
	TransferStartAndEnd uint8 = 0x05
)

// Base protocol commands (DSP0240).
const (
	CmdSetTID          Command = 0x01
	CmdGetTID          Command = 0x02
	CmdGetPLDMVersion  Command = 0x03
	CmdGetPLDMTypes    Command = 0x04
	CmdGetPLDMCommands Command = 0x05
)

// Monitoring and control commands (DSP0248).
const (
	CmdSetNumericSensorEnable   Command = 0x10
	CmdGetSensorReading         Command = 0x11
	CmdSetStateSensorEnables    Command = 0x20
	CmdGetStateSensorReadings   Command = 0x21
	CmdSetNumericEffecterEnable Command = 0x30
	CmdSetNumericEffecterValue  Command = 0x31
	CmdGetNumericEffecterValue  Command = 0x32
	CmdSetStateEffecterEnable   Command = 0x38
	CmdSetStateEffecterStates   Command = 0x39
	CmdGetStateEffecterStates   Command = 0x3A
	CmdGetPDRRepositoryInfo     Command = 0x50
	CmdGetPDR                   Command = 0x51
)

// Firmware update commands (DSP0267).
const (
	CmdQueryDeviceIdentifiers Command = 0x01
	CmdGetFirmwareParameters  Command = 0x02
	CmdRequestUpdate          Command = 0x10
	CmdGetPackageData         Command = 0x11
	CmdGetDeviceMetaData      Command = 0x12
	CmdPassComponentTable     Command = 0x13
	CmdUpdateComponent        Command = 0x14
	CmdRequestFirmwareData    Command = 0x15
	CmdTransferComplete       Command = 0x16
	CmdVerifyComplete         Command = 0x17
	CmdApplyComplete          Command = 0x18
	CmdGetMetaData            Command = 0x19
	CmdActivateFirmware       Command = 0x1A
	CmdGetStatus              Command = 0x1B
	CmdCancelUpdateComponent  Command = 0x1C
	CmdCancelUpdate           Command = 0x1D
)

var fwuCommandNames = map[Command]string{
	CmdRequestUpdate:         "RequestUpdate",
	CmdGetPackageData:        "GetPackageData",
	CmdGetDeviceMetaData:     "GetDeviceMetaData",
	CmdPassComponentTable:    "PassComponentTable",
	CmdUpdateComponent:       "UpdateComponent",
	CmdRequestFirmwareData:   "RequestFirmwareData",
	CmdTransferComplete:      "TransferComplete",
	CmdVerifyComplete:        "VerifyComplete",
	CmdApplyComplete:         "ApplyComplete",
	CmdGetMetaData:           "GetMetaData",
	CmdActivateFirmware:      "ActivateFirmware",
	CmdGetStatus:             "GetStatus",
	CmdCancelUpdateComponent: "CancelUpdateComponent",
	CmdCancelUpdate:          "CancelUpdate",
}

// FwuCommandName returns a readable name for a firmware update command.
func FwuCommandName(c Command) string {
	if name, ok := fwuCommandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}
