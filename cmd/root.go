// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logJSON    bool

	// Single link flags for the diagnostic commands
	protocol string
	portName string
	baudRate int

	// WebSocket bridge flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "RFXtrx and teleinfo meter gateway",
	Long: `Meridian - A gateway for RFXtrx 433MHz receivers and French teleinfo meters.

Decodes sensor frames from an RFXtrx receiver and historic TIC blocks from
electricity meters, rate-limits them per device, and publishes readings.
The run command starts the gateway; the other commands help diagnose a
single link.

Connection modes for diagnostic commands:
  Serial:    --port /dev/ttyUSB0 [--protocol rfxcom|teleinfo] [--baud 38400]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the MERIDIAN_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default "+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")

	rootCmd.PersistentFlags().StringVar(&protocol, "protocol", protoRFXCom, "Link protocol (rfxcom or teleinfo)")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate override (serial only)")

	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging(cmd *cobra.Command, args []string) error {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	if logJSON {
		out = os.Stderr
	}
	logger = zerolog.New(out).With().Timestamp().Logger()

	switch {
	case logLevel != "":
		lvl, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(lvl)
	case os.Getenv("TRACE") != "":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case os.Getenv("DEBUG") != "":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return nil
}

// loadConfig reads --config, or the default path when it exists. The level
// from the file applies unless --log-level or the environment set one.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOptional(config.DefaultPath)
	}
	if err != nil {
		return nil, err
	}
	if logLevel == "" && os.Getenv("TRACE") == "" && os.Getenv("DEBUG") == "" {
		zerolog.SetGlobalLevel(cfg.Level())
	}
	if cfg.LogJSON && !logJSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return cfg, nil
}
