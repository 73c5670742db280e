// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package trace

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// FrameSink receives replayed frames; *jdom.Bus satisfies it
type FrameSink interface {
	ProcessFrame(frame []byte)
}

// Player replays the received frames of a trace
type Player struct {
	// Speed scales the recorded pacing; 0 replays as fast as possible
	Speed float64
	// Outbound also replays frames that were sent, not just received
	Outbound bool
	// Clock paces playback
	Clock jdom.Scheduler
}

// Play feeds the records of r into sink and returns how many were played
func (p *Player) Play(ctx context.Context, r *Reader, sink FrameSink) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = jdom.WallClock()
	}
	start := clock.Now()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if rec.Direction == DirectionOut && !p.Outbound {
			continue
		}
		if p.Speed > 0 {
			due := time.Duration(float64(rec.Offset) / p.Speed)
			if wait := due - clock.Now().Sub(start); wait > 0 {
				if err := jdom.Sleep(ctx, clock, wait); err != nil {
					return n, err
				}
			}
		}
		sink.ProcessFrame(rec.Frame)
		n++
	}
}
