// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/meridian/internal/capture"
	"github.com/Thermoquad/meridian/internal/config"
	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/internal/metrics"
	"github.com/Thermoquad/meridian/pkg/bus"
	"github.com/Thermoquad/meridian/pkg/reading"
)

var (
	metricsAddr string
	captureFile string
	eventBuffer int
	commands    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Start every link named in the configuration and publish readings.

Each reading is written to stdout as one JSON line:
  {"id":"...","event":"value","reading":{...}}

Prometheus metrics are served on --metrics-addr under /metrics.

With --commands, lines read from stdin drive the links:
  write <mac> <percent>                 switch or dim a lighting2 device
  config <link> <mac> <key> <value>     change a link setting (port, trace)

--port and --url override the RF receiver settings of the configuration.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (empty disables)")
	runCmd.Flags().StringVar(&captureFile, "capture", "", "Record raw link traffic to this file")
	runCmd.Flags().IntVar(&eventBuffer, "buffer", 256, "Readings buffered before new ones are dropped")
	runCmd.Flags().BoolVar(&commands, "commands", false, "Read link commands from stdin")
}

// applyFlags lets the connection flags override the RF receiver settings
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if portName != "" {
		cfg.RFXCom.Port = portName
		cfg.Bridge = config.Bridge{}
	}
	if baudRate > 0 {
		cfg.RFXCom.Baud = baudRate
	}
	if wsURL != "" {
		cfg.RFXCom.Port = ""
		cfg.Bridge = config.Bridge{URL: wsURL, Username: wsUsername, NoSSLVerify: wsNoSSLVerify}
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := metrics.NewStatistics()
	registry := prometheus.NewRegistry()
	if err := stats.Register(registry); err != nil {
		return errors.Wrap(err, "register metrics")
	}

	var tap link.Tap
	if captureFile != "" {
		w, err := capture.Create(captureFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Err(); err != nil {
				logger.Error().Err(err).Msg("Capture incomplete")
			}
			w.Close()
			logger.Info().Int("records", w.Count()).Str("file", captureFile).Msg("Capture closed")
		}()
		tap = w
	}

	events := bus.NewChannel(eventBuffer)
	events.OnDrop(func(ev bus.Event) {
		logger.Warn().Str("mac", ev.Reading.Mac()).Str("event", ev.Name).Msg("Reading dropped, publisher lagging")
	})

	router, err := buildRouter(cfg, events, stats, tap)
	if err != nil {
		return err
	}
	logger.Info().Strs("links", router.Names()).Str("metrics", cfg.MetricsAddr).Msg("Starting gateway")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := router.Init(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		router.Free()
		return nil
	})
	g.Go(func() error {
		return publish(gctx, events, stats, os.Stdout)
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, registry)
	})
	if commands {
		// Scan blocks on stdin and cannot be interrupted
		go readCommands(os.Stdin, router)
	}

	err = g.Wait()
	logger.Info().Msg("Gateway stopped")
	os.Stderr.WriteString(stats.String())
	return err
}

// publish writes every event as a JSON line until ctx is done
func publish(ctx context.Context, events *bus.Channel, stats *metrics.Statistics, out io.Writer) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events.Events():
			if ev.Name == bus.EventValue {
				stats.ObserveReading(ev.Reading)
			}
			msg := struct {
				ID      string          `json:"id"`
				Event   string          `json:"event"`
				Reading reading.Reading `json:"reading"`
			}{ev.ID.String(), ev.Name, ev.Reading}
			if err := enc.Encode(msg); err != nil {
				return errors.Wrap(err, "publish")
			}
		}
	}
}

// serveMetrics serves /metrics on addr until ctx is done
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Starting Prometheus server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

// readCommands applies stdin commands to the router until EOF
func readCommands(in io.Reader, router *bus.Router) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := runCommand(router, scanner.Text()); err != nil {
			logger.Error().Err(err).Str("command", scanner.Text()).Msg("Command failed")
		}
	}
}

// runCommand applies one command line
func runCommand(router *bus.Router, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "write":
		if len(fields) != 3 {
			return errors.New("usage: write <mac> <percent>")
		}
		return router.Write(reading.New(fields[1], reading.ClassSwitch, fields[2]))
	case "config":
		if len(fields) != 5 {
			return errors.New("usage: config <link> <mac> <key> <value>")
		}
		return router.Config(fields[1], fields[2], fields[3], fields[4])
	default:
		return errors.Errorf("unknown command %q", fields[0])
	}
}
