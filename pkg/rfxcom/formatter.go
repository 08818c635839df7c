// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import (
	"fmt"
	"strings"
)

// FormatPacket formats a frame into a human-readable line
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	return fmt.Sprintf("[%s] %s (0x%02X/0x%02X) seq=%d len=%d %s",
		timestamp, FormatPacketType(p.Type()), uint8(p.Type()), p.Subtype(), p.Seq(), p.Length(), FormatHex(p.raw))
}

// FormatPacketType returns the human-readable name for a packet type
func FormatPacketType(t PacketType) string {
	switch t {
	case TypeInterfaceControl:
		return "INTERFACE_CONTROL"
	case TypeInterfaceMessage:
		return "INTERFACE_MESSAGE"
	case TypeTransmitterMessage:
		return "TRANSMITTER_MESSAGE"
	case TypeLighting2:
		return "LIGHTING2"
	case TypeTemperature:
		return "TEMPERATURE"
	case TypeHumidity:
		return "HUMIDITY"
	case TypeTempHumidity:
		return "TEMP_HUMIDITY"
	case TypeWind:
		return "WIND"
	case TypeCartelectronic:
		return "CARTELECTRONIC"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", uint8(t))
	}
}

// FormatHex renders bytes as space separated hex pairs
func FormatHex(b []byte) string {
	var s strings.Builder
	for i, v := range b {
		if i > 0 {
			s.WriteByte(' ')
		}
		fmt.Fprintf(&s, "%02X", v)
	}
	return s.String()
}

// FormatStatus describes an interface message
func FormatStatus(st *Status) string {
	switch st.Subtype {
	case SubtypeModeResponse:
		return fmt.Sprintf("mode response cmd=0x%02X transceiver=0x%02X firmware=%d", st.Command, st.TransceiverType, st.Firmware)
	case SubtypeStartReceiver:
		return fmt.Sprintf("start receiver response %q", st.Copyright)
	case SubtypeWrongCommand:
		return fmt.Sprintf("wrong command response cmd=0x%02X", st.Command)
	default:
		return fmt.Sprintf("interface message subtype 0x%02X", st.Subtype)
	}
}
