// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/metrics"
	"github.com/Thermoquad/meridian/pkg/bus"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI showing links and latest readings",
	Long: `Run the gateway inside a terminal UI.

The screen shows the state and counters of every link, a table with the
latest reading of each device, and the recent log. Readings are not
published anywhere else.

Press ':' to type a command (same syntax as run --commands):
  write <mac> <percent>
  config <link> <mac> <key> <value>

Press 'q' to quit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// logWriter turns log lines into TUI messages
type logWriter struct {
	p *tea.Program
}

func (w *logWriter) Write(b []byte) (int, error) {
	if w.p != nil {
		w.p.Send(logLineMsg(strings.TrimRight(string(b), "\n")))
	}
	return len(b), nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	lw := &logWriter{}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: lw, NoColor: true, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()

	stats := metrics.NewStatistics()
	events := bus.NewChannel(eventBuffer)
	router, err := buildRouter(cfg, events, stats, nil)
	if err != nil {
		return err
	}

	m := initialMonitorModel(router, stats)
	p := tea.NewProgram(m, tea.WithAltScreen())
	lw.p = p

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go forwardReadings(ctx, p, events, stats)
	go func() {
		if err := router.Init(ctx); err != nil {
			p.Send(logLineMsg(fmt.Sprintf("init failed: %v", err)))
		}
	}()

	_, err = p.Run()
	cancel()
	router.Free()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// forwardReadings sends readings to the TUI in batches
func forwardReadings(ctx context.Context, p *tea.Program, events *bus.Channel, stats *metrics.Statistics) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var batch readingsMsg
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events.Events():
			if ev.Name == bus.EventValue {
				stats.ObserveReading(ev.Reading)
			}
			batch = append(batch, ev)
		case <-ticker.C:
			if len(batch) > 0 {
				p.Send(batch)
				batch = nil
			}
		}
	}
}
