// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/bus"
	"github.com/Thermoquad/meridian/pkg/reading"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously display the frames of one link as they arrive.

Every RF frame is printed with its timestamp, direction, packet type and raw
bytes, followed by any validation warning. Meter blocks are printed line by
line, with '!' marking lines whose checksum is wrong. Decoded readings are
printed as they are emitted; rate-limiting is disabled.

The RF receiver goes through its start-up handshake first, so the first
frames appear after a few seconds.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	tap := newFrameTap(func(ev frameEvent) {
		fmt.Println(ev)
	})
	emitter := bus.EmitterFunc(func(event string, r reading.Reading) {
		fmt.Printf("  => %s %s\n", event, r)
	})

	driver, connInfo, err := openLink(emitter, link.NopMetrics{}, tap)
	if err != nil {
		return err
	}

	fmt.Printf("Meridian - Raw Frame Log\n")
	fmt.Printf("Connection: %s (%s)\n", connInfo, protocol)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := driver.Init(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	driver.Free()
	return nil
}
