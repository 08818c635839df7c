// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Meridian - RFXtrx and teleinfo meter gateway
//
// Decodes 433MHz sensor frames and French electricity meter blocks into
// rate-limited readings.

package main

import (
	"os"

	"github.com/Thermoquad/meridian/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
