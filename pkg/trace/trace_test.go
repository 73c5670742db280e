// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package trace_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/trace"
)

var simID = jdpacket.DeviceID{0x7a, 0x7b, 0, 0, 0, 0, 0, 3}

type collector struct {
	frames [][]byte
}

func (c *collector) ProcessFrame(frame []byte) {
	c.frames = append(c.frames, frame)
}

// ============================================================================
// Recorder / Reader
// ============================================================================

func TestRecordAndRead(t *testing.T) {
	clock := jdtest.NewManualScheduler()
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "unit", trace.WithClock(clock), trace.WithSessionID("s-1"))
	require.NoError(t, err)

	rec.Record(trace.DirectionIn, []byte{1, 2, 3})
	clock.Advance(25 * time.Millisecond)
	rec.Record(trace.DirectionOut, []byte{4})
	require.NoError(t, rec.Close())
	rec.Record(trace.DirectionIn, []byte{5})
	assert.Equal(t, 2, rec.Count())
	assert.NoError(t, rec.Err())

	r, err := trace.NewReader(&buf)
	require.NoError(t, err)
	h := r.Header()
	assert.Equal(t, "s-1", h.SessionID)
	assert.Equal(t, "unit", h.Source)
	assert.True(t, h.Started.Equal(rec.Header().Started))

	all, err := r.All()
	require.NoError(t, err)
	assert.Equal(t, []trace.Record{
		{Offset: 0, Direction: trace.DirectionIn, Frame: []byte{1, 2, 3}},
		{Offset: 25 * time.Millisecond, Direction: trace.DirectionOut, Frame: []byte{4}},
	}, all)
}

func TestSessionIDsAreUnique(t *testing.T) {
	var a, b bytes.Buffer
	ra, err := trace.NewRecorder(&a, "")
	require.NoError(t, err)
	rb, err := trace.NewRecorder(&b, "")
	require.NoError(t, err)
	assert.NotEqual(t, ra.Header().SessionID, rb.Header().SessionID)
	assert.Len(t, ra.Header().SessionID, 36)
}

func TestReaderRejectsGarbage(t *testing.T) {
	_, err := trace.NewReader(bytes.NewReader([]byte{0xff, 0x00}))
	assert.ErrorIs(t, err, trace.ErrBadHeader)

	_, err = trace.NewReader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, trace.ErrBadHeader)
}

func TestCreateAndOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.jdtrace")
	rec, err := trace.Create(path, "file")
	require.NoError(t, err)
	rec.Record(trace.DirectionIn, []byte{9})
	require.NoError(t, rec.Close())

	r, err := trace.Open(path)
	require.NoError(t, err)
	defer r.Close()
	all, err := r.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte{9}, all[0].Frame)
}

// ============================================================================
// Player
// ============================================================================

func TestPlayerSkipsOutbound(t *testing.T) {
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "")
	require.NoError(t, err)
	rec.Record(trace.DirectionIn, []byte{1})
	rec.Record(trace.DirectionOut, []byte{2})
	rec.Record(trace.DirectionIn, []byte{3})

	data := buf.Bytes()
	r, err := trace.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var c collector
	n, err := (&trace.Player{}).Play(context.Background(), r, &c)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{{1}, {3}}, c.frames)

	r, err = trace.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	c = collector{}
	n, err = (&trace.Player{Outbound: true}).Play(context.Background(), r, &c)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPlayerKeepsPacing(t *testing.T) {
	clock := jdtest.NewManualScheduler()
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "", trace.WithClock(clock))
	require.NoError(t, err)
	rec.Record(trace.DirectionIn, []byte{1})
	clock.Advance(40 * time.Millisecond)
	rec.Record(trace.DirectionIn, []byte{2})

	r, err := trace.NewReader(&buf)
	require.NoError(t, err)
	var c collector
	start := time.Now()
	n, err := (&trace.Player{Speed: 2}).Play(context.Background(), r, &c)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPlayerHonoursCancel(t *testing.T) {
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "")
	require.NoError(t, err)
	rec.Record(trace.DirectionIn, []byte{1})

	r, err := trace.NewReader(&buf)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&trace.Player{}).Play(ctx, r, &collector{})
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Tap
// ============================================================================

func TestTapRecordsAndReplaysIntoBus(t *testing.T) {
	hub := jdtest.NewHub()
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "hub")
	require.NoError(t, err)

	tap := trace.NewTap(hub.Endpoint(), rec)
	bus := jdom.NewBus(tap, jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	require.NoError(t, bus.Connect(context.Background()))
	defer bus.Close()

	sim := jdtest.NewSimDevice(hub, simID, jdpacket.ServiceClassButton)
	require.NoError(t, sim.Announce())
	require.NotNil(t, bus.Device(simID).Service(1))
	require.NoError(t, bus.Device(simID).SendCommand(1, jdpacket.NewRegisterGet(jdpacket.RegReading)))

	r, err := trace.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	all, err := r.All()
	require.NoError(t, err)
	var in, out int
	for _, rc := range all {
		if rc.Direction == trace.DirectionIn {
			in++
		} else {
			out++
		}
	}
	assert.GreaterOrEqual(t, in, 1)
	assert.GreaterOrEqual(t, out, 1)

	// a second bus learns the device from the trace alone
	replay := jdom.NewBus(jdtest.NewHub().Endpoint(), jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	require.NoError(t, replay.Connect(context.Background()))
	defer replay.Close()

	r, err = trace.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = (&trace.Player{}).Play(context.Background(), r, replay)
	require.NoError(t, err)
	require.NotNil(t, replay.Device(simID))
	assert.Equal(t, []uint32{jdpacket.ServiceClassControl, jdpacket.ServiceClassButton}, replay.Device(simID).ServiceClasses())
}
