// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import "fmt"

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyShortPacket AnomalyType = iota
	AnomalyLengthMismatch
	AnomalyInvalidHumidity
	AnomalyInvalidDirection
	AnomalyInvalidLevel
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// Unwrap maps structural anomalies onto ErrShortPacket
func (v *ValidationError) Unwrap() error {
	if v.Type == AnomalyShortPacket {
		return ErrShortPacket
	}
	return nil
}

// Fatal reports whether the packet cannot be decoded at all
func (v *ValidationError) Fatal() bool {
	return v.Type == AnomalyShortPacket || v.Type == AnomalyLengthMismatch
}

// ValidatePacket checks the frame structure and value ranges.
// Returns a slice of validation errors (empty if packet is valid)
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if int(p.Length())+1 != len(p.raw) {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("frame is %d bytes, length byte says %d", len(p.raw), int(p.Length())+1),
			Details: map[string]interface{}{"length": len(p.raw), "expected": int(p.Length()) + 1},
		}}
	}

	minSize, known := minFrameSize[p.Type()]
	if !known {
		return errors
	}
	switch {
	case p.Type() == TypeCartelectronic:
		if m, ok := minCartelectronicSize[p.Subtype()]; ok {
			minSize = m
		}
	case p.Type() == TypeInterfaceMessage && p.Subtype() == SubtypeStartReceiver:
		minSize = startReceiverSize
	}
	if len(p.raw) < minSize {
		return []ValidationError{shortPacket(p, minSize)}
	}

	switch p.Type() {
	case TypeHumidity:
		errors = append(errors, validateHumidity(p.raw[6])...)
	case TypeTempHumidity:
		errors = append(errors, validateHumidity(p.raw[8])...)
	case TypeWind:
		errors = append(errors, validateWind(p)...)
	case TypeLighting2:
		errors = append(errors, validateLighting2(p)...)
	}

	return errors
}

func shortPacket(p *Packet, minSize int) ValidationError {
	return ValidationError{
		Type:    AnomalyShortPacket,
		Message: fmt.Sprintf("%s frame too short: %d bytes (min %d)", FormatPacketType(p.Type()), len(p.raw), minSize),
		Details: map[string]interface{}{"type": uint8(p.Type()), "length": len(p.raw), "min": minSize},
	}
}

func validateHumidity(h byte) []ValidationError {
	if h > 100 {
		return []ValidationError{{
			Type:    AnomalyInvalidHumidity,
			Message: fmt.Sprintf("humidity out of range: %d%%", h),
			Details: map[string]interface{}{"humidity": h},
		}}
	}
	return nil
}

func validateWind(p *Packet) []ValidationError {
	dir := int(p.raw[6])<<8 | int(p.raw[7])
	if dir > 359 {
		return []ValidationError{{
			Type:    AnomalyInvalidDirection,
			Message: fmt.Sprintf("wind direction out of range: %d", dir),
			Details: map[string]interface{}{"direction": dir},
		}}
	}
	return nil
}

func validateLighting2(p *Packet) []ValidationError {
	level := p.raw[10]
	if level > Lighting2MaxLevel {
		return []ValidationError{{
			Type:    AnomalyInvalidLevel,
			Message: fmt.Sprintf("dim level out of range: %d", level),
			Details: map[string]interface{}{"level": level},
		}}
	}
	return nil
}
