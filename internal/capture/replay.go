// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"context"
	"io"
	"time"
)

// Replay hands every record of r to fn. With speed > 0 the original spacing
// of the records is reproduced, divided by speed; with speed 0 records are
// delivered as fast as fn takes them. Returns nil at the end of the capture.
func Replay(ctx context.Context, r *Reader, speed float64, fn func(Record) error) error {
	var prev time.Time
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if speed > 0 && !prev.IsZero() {
			if gap := rec.Time.Sub(prev); gap > 0 {
				timer := time.NewTimer(time.Duration(float64(gap) / speed))
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		prev = rec.Time

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
