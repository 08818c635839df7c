// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/meridian/internal/capture"
	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/internal/metrics"
	"github.com/Thermoquad/meridian/pkg/counter"
	"github.com/Thermoquad/meridian/pkg/gate"
	"github.com/Thermoquad/meridian/pkg/reading"
	"github.com/Thermoquad/meridian/pkg/rfxcom"
	"github.com/Thermoquad/meridian/pkg/teleinfo"
)

var (
	replaySpeed float64
	replayQuiet bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Decode a capture file offline",
	Long: `Decode the frames of a capture file as if they were arriving live.

Frames are printed as raw_log prints them, followed by the readings they
decode to. Rate-limiting is disabled; meter totals and RF counters derive
their deltas across the capture. A statistics summary closes the output.

--speed 1 reproduces the original timing, --speed 10 runs ten times faster
and --speed 0 (the default) decodes as fast as possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Replay speed factor (0 for no delay)")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Print readings only")
}

// replayer decodes frames offline, one decoder per link
type replayer struct {
	out    io.Writer
	quiet  bool
	stats  *metrics.Statistics
	rf     map[string]*rfxcom.Decoder
	meters map[string]*counter.Memory
}

func newReplayer(out io.Writer, quiet bool) *replayer {
	return &replayer{
		out:    out,
		quiet:  quiet,
		stats:  metrics.NewStatistics(),
		rf:     make(map[string]*rfxcom.Decoder),
		meters: make(map[string]*counter.Memory),
	}
}

func (r *replayer) frame(ev frameEvent) {
	if !r.quiet {
		fmt.Fprintln(r.out, ev)
	}
	if ev.Dir != link.In {
		return
	}
	switch {
	case ev.Err != nil:
		r.stats.FrameError(ev.Link, "framing")
	case ev.Packet != nil:
		r.packet(ev)
	default:
		r.block(ev)
	}
}

func (r *replayer) packet(ev frameEvent) {
	for _, v := range rfxcom.ValidatePacket(ev.Packet) {
		if v.Fatal() {
			r.stats.FrameError(ev.Link, "invalid")
			return
		}
	}
	dec, ok := r.rf[ev.Link]
	if !ok {
		dec = rfxcom.NewDecoder(gate.New(nil, time.Nanosecond), counter.New())
		r.rf[ev.Link] = dec
	}
	r.stats.FrameDecoded(ev.Link, rfxcom.FormatPacketType(ev.Packet.Type()))
	res, err := dec.Decode(ev.Packet)
	if err != nil {
		r.stats.FrameError(ev.Link, "decode")
		fmt.Fprintf(r.out, "  !! %v\n", err)
	}
	if res.Status != nil {
		fmt.Fprintf(r.out, "  == %s\n", rfxcom.FormatStatus(res.Status))
	}
	if res.Ack != nil {
		fmt.Fprintf(r.out, "  == transmitter %s\n", res.Ack)
	}
	for _, rd := range res.Readings {
		r.reading(ev.Link, rd)
	}
}

func (r *replayer) block(ev frameEvent) {
	frame, invalid := teleinfo.ParseBlock(ev.Block)
	for i := 0; i < invalid; i++ {
		r.stats.FrameError(ev.Link, "checksum")
	}
	frame.Fill()
	if !frame.Complete() {
		r.stats.FrameError(ev.Link, "incomplete")
		return
	}
	r.stats.FrameDecoded(ev.Link, "TIC")

	mem, ok := r.meters[ev.Link]
	if !ok {
		mem = counter.New()
		r.meters[ev.Link] = mem
	}
	totals, err := frame.AddPeriods(mem)
	if err != nil {
		mem.Forget(frame.Mac())
		r.stats.FrameError(ev.Link, "rollback")
		fmt.Fprintf(r.out, "  !! %v\n", err)
		return
	}
	mem.Commit(frame.Mac(), totals, ev.Time)
	r.reading(ev.Link, frame.Reading(ev.Time))
}

func (r *replayer) reading(name string, rd reading.Reading) {
	r.stats.ReadingEmitted(name, "value")
	r.stats.ObserveReading(rd)
	fmt.Fprintf(r.out, "  => %s\n", rd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	rd, err := capture.Open(args[0])
	if err != nil {
		return err
	}
	defer rd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Meridian - Replay\n")
	fmt.Printf("Capture: %s (started %s)\n\n", args[0], rd.Started().Format(time.RFC3339))

	r := newReplayer(os.Stdout, replayQuiet)
	tap := newFrameTap(r.frame)
	err = capture.Replay(ctx, rd, replaySpeed, func(rec capture.Record) error {
		if rec.Direction == link.In {
			r.stats.BytesIn(rec.Link, len(rec.Data))
		} else {
			r.stats.BytesOut(rec.Link, len(rec.Data))
		}
		tap.feed(rec.Time, rec.Link, rec.Direction, rec.Data)
		return nil
	})
	fmt.Println()
	fmt.Print(r.stats.String())
	if err == context.Canceled {
		return nil
	}
	return err
}
