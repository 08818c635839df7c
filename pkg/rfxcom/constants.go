// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package rfxcom decodes the length-prefixed binary frames of RFXtrx 433 MHz
// transceivers and drives their start-up handshake.
//
// A frame is [length, type, subtype, seqnbr, payload...] where length counts
// every byte after itself.
package rfxcom

import "time"

// Frame size limits (value of the length byte)
const (
	MinLength = 4
	MaxLength = 36
)

// PacketType is byte 1 of a frame
type PacketType uint8

// Packet types
const (
	TypeInterfaceControl   PacketType = 0x00
	TypeInterfaceMessage   PacketType = 0x01
	TypeTransmitterMessage PacketType = 0x02
	TypeLighting2          PacketType = 0x11
	TypeTemperature        PacketType = 0x50
	TypeHumidity           PacketType = 0x51
	TypeTempHumidity       PacketType = 0x52
	TypeWind               PacketType = 0x56
	TypeCartelectronic     PacketType = 0x60
)

// Interface message subtypes
const (
	SubtypeModeResponse   = 0x00
	SubtypeStartReceiver  = 0x07
	SubtypeWrongCommand   = 0xFF
	SubtypeInterfaceCmd   = 0x00
	SubtypeTransmitterErr = 0x00
	SubtypeTransmitterAck = 0x01
)

// Cartelectronic subtypes
const (
	SubtypeCartelectronicTIC     = 0x01
	SubtypeCartelectronicEncoder = 0x02
)

// Lighting2 subtypes
const (
	SubtypeLighting2AC       = 0x00
	SubtypeLighting2HomeEasy = 0x01
	SubtypeLighting2Anslut   = 0x02
	SubtypeLighting2Kambrook = 0x03
)

// InterfaceCommand is the cmnd byte of an interface message
type InterfaceCommand uint8

// Interface commands
const (
	CmdReset         InterfaceCommand = 0x00
	CmdGetStatus     InterfaceCommand = 0x02
	CmdStartReceiver InterfaceCommand = 0x07
)

// Lighting2 commands
const (
	Lighting2Off      = 0x00
	Lighting2On       = 0x01
	Lighting2Level    = 0x02
	Lighting2GroupOff = 0x03
	Lighting2GroupOn  = 0x04
	Lighting2GroupLvl = 0x05
)

// Lighting2 dim levels
const (
	Lighting2MaxLevel = 0x0F
)

// Copyright is the payload of a successful start receiver response
const Copyright = "Copyright RFXCOM"

// Handshake timings
const (
	// DefaultStartupDelay leaves the receiver time to leave its boot window;
	// addressing it earlier enters the flash bootloader.
	DefaultStartupDelay     = 5500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	resetSettle             = 500 * time.Millisecond
	flushSettle             = 500 * time.Millisecond
)

// Minimum frame sizes (including the length byte) per packet type
var minFrameSize = map[PacketType]int{
	TypeInterfaceMessage:   5,
	TypeTransmitterMessage: 5,
	TypeLighting2:          12,
	TypeTemperature:        9,
	TypeHumidity:           9,
	TypeTempHumidity:       11,
	TypeWind:               17,
	TypeCartelectronic:     5,
}

// Minimum Cartelectronic frame sizes per subtype
var minCartelectronicSize = map[uint8]int{
	SubtypeCartelectronicTIC:     22,
	SubtypeCartelectronicEncoder: 18,
}

// Minimum frame size of the start receiver response
const startReceiverSize = 21

// Transmitter acknowledgement codes (subtype 0x01)
const (
	AckOK         = 0x00
	AckDelayed    = 0x01
	AckNAK        = 0x02
	AckNAKAddress = 0x03
)
