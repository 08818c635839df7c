// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/rfxcom"
	"github.com/Thermoquad/meridian/pkg/teleinfo"
)

var (
	frameTestTimeout int
)

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test connection by waiting for a valid frame",
	Long: `Wait for a valid frame on the link until timeout.

For the RF receiver a valid frame is any well-formed frame received from the
device, usually the answer to the start-up handshake. For a meter it is a
complete block whose every line passes its checksum.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for testing connectivity to a receiver, a meter or a WebSocket bridge.`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 15, "Timeout in seconds to wait for a frame")
}

// errorRecorder reports the first transport error
type errorRecorder struct {
	link.NopMetrics
	errs chan string
}

func (r errorRecorder) LinkError(name, kind string) {
	select {
	case r.errs <- kind:
	default:
	}
}

// validFrame reports whether ev is a frame the device sent correctly
func validFrame(ev frameEvent) bool {
	if ev.Err != nil || ev.Dir != link.In {
		return false
	}
	if ev.Packet != nil {
		for _, v := range rfxcom.ValidatePacket(ev.Packet) {
			if v.Fatal() {
				return false
			}
		}
		return true
	}
	frame, invalid := teleinfo.ParseBlock(ev.Block)
	return invalid == 0 && frame.Len() > 0
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	frames := make(chan frameEvent, 1)
	skipped := 0
	tap := newFrameTap(func(ev frameEvent) {
		if !validFrame(ev) {
			if ev.Dir == link.In {
				skipped++
			}
			return
		}
		select {
		case frames <- ev:
		default:
		}
	})
	rec := errorRecorder{errs: make(chan string, 1)}

	driver, connInfo, err := openLink(nil, rec, tap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Meridian - Frame Test\n")
	fmt.Printf("Connection: %s (%s)\n", connInfo, protocol)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := driver.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	select {
	case ev := <-frames:
		driver.Free()
		if skipped > 0 {
			fmt.Printf("(skipped %d invalid frames before a valid one)\n", skipped)
		}
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Println(ev)
		os.Exit(0)

	case kind := <-rec.errs:
		driver.Free()
		fmt.Fprintf(os.Stderr, "Connection error: %s failed\n", kind)
		os.Exit(2)

	case <-time.After(time.Duration(frameTestTimeout) * time.Second):
		driver.Free()
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
		os.Exit(1)
	}

	return nil
}
