// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package teleinfo decodes the "télé-information client" (TIC) output of
// French electricity meters.
//
// The meter repeats blocks of lines framed by ETX STX. Each line is
// LABEL SP VALUE SP CHECKSUM, terminated by CR LF.
package teleinfo

import (
	"strings"

	"github.com/pkg/errors"
)

// Line and block delimiters
const (
	BlockDelimiter = "\r\x03\x02\n"
	LineDelimiter  = "\r\n"
)

var (
	// ErrChecksum is returned for a line whose checksum does not match
	ErrChecksum = errors.New("invalid checksum")
	// ErrMalformed is returned for a line without label, value and checksum
	ErrMalformed = errors.New("malformed line")
)

// Checksum computes the checksum character of a line body (label, space and
// value): the sum of the characters, masked to 6 bits, offset into the
// printable range 0x20..0x5F.
func Checksum(body string) byte {
	var sum int
	for i := 0; i < len(body); i++ {
		sum += int(body[i])
	}
	return byte(sum&0x3F) + 0x20
}

// ValidLine checks the trailing checksum character of line. The two last
// characters (separator and checksum) are excluded from the sum.
func ValidLine(line string) error {
	if len(line) < 3 {
		return errors.Wrapf(ErrMalformed, "%q", line)
	}
	want := Checksum(line[:len(line)-2])
	if got := line[len(line)-1]; got != want {
		return errors.Wrapf(ErrChecksum, "%q: got %q, want %q", line, got, want)
	}
	return nil
}

// FormatLine renders a label and value with their checksum
func FormatLine(label, value string) string {
	body := label + " " + value
	return body + " " + string(Checksum(body))
}

// ParseLine validates line and returns its label and value. Dots in the
// value are removed.
func ParseLine(line string) (label, value string, err error) {
	tokens := strings.Split(line, " ")
	if len(tokens) <= 2 {
		return "", "", errors.Wrapf(ErrMalformed, "%q", line)
	}
	if err := ValidLine(line); err != nil {
		return "", "", err
	}
	return tokens[0], strings.ReplaceAll(tokens[1], ".", ""), nil
}
