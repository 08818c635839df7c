// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/capture"
	"github.com/Thermoquad/meridian/internal/link"
)

var captureDuration time.Duration

var captureCmd = &cobra.Command{
	Use:   "capture <file>",
	Short: "Record the raw traffic of one link",
	Long: `Record every byte received from and sent to one link into a capture file.

The link runs exactly as in the gateway, so the RF receiver handshake is
recorded too. Stop with Ctrl+C or --duration. The capture can be decoded
offline with the replay command.

Supports both serial and WebSocket connections.`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().DurationVar(&captureDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runCapture(cmd *cobra.Command, args []string) error {
	w, err := capture.Create(args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	driver, connInfo, err := openLink(nil, link.NopMetrics{}, w)
	if err != nil {
		return err
	}

	fmt.Printf("Meridian - Capture\n")
	fmt.Printf("Connection: %s (%s)\n", connInfo, protocol)
	fmt.Printf("Writing: %s\n", args[0])
	fmt.Printf("Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if captureDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureDuration)
		defer cancel()
	}

	if err := driver.Init(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	driver.Free()

	fmt.Printf("Captured %d records\n", w.Count())
	return w.Err()
}
