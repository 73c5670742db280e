// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/transport"
)

// frameSink collects received frames
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newSink() *frameSink {
	return &frameSink{got: make(chan struct{}, 16)}
}

func (s *frameSink) receive(frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *frameSink) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	pkt := jdpacket.NewRegisterReport(jdpacket.RegReading, []byte{0x7e, 0x7d, 0x7f, 1})
	pkt.SetDeviceID(jdpacket.DeviceID{1, 2, 3, 4, 5, 6, 7, 8})
	pkt.SetServiceIndex(1)
	frame, err := pkt.Encode()
	require.NoError(t, err)
	return frame
}

var _ jdom.Transport = (*transport.Stream)(nil)
var _ jdom.Transport = (*transport.WebSocket)(nil)

// ============================================================================
// Stream
// ============================================================================

func pipeStream(t *testing.T) (*transport.Stream, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	s := transport.NewStream("pipe", func(context.Context) (io.ReadWriteCloser, error) { return local, nil })
	t.Cleanup(func() { _ = remote.Close() })
	return s, remote
}

func TestStreamReceivesStuffedFrames(t *testing.T) {
	s, remote := pipeStream(t)
	sink := newSink()
	require.NoError(t, s.Open(context.Background(), sink.receive))
	defer s.Close()

	frame := testFrame(t)
	wire := append([]byte{0x00, 0x55}, jdpacket.EncodeStream(frame)...)
	wire = append(wire, jdpacket.EncodeStream(frame)...)
	go func() { _, _ = remote.Write(wire) }()

	got := sink.wait(t, 2)
	assert.Equal(t, frame, got[0])
	assert.Equal(t, frame, got[1])
	assert.Equal(t, uint64(2), s.Stats().Frames)
}

func TestStreamCountsFramingErrors(t *testing.T) {
	s, remote := pipeStream(t)
	sink := newSink()
	require.NoError(t, s.Open(context.Background(), sink.receive))
	defer s.Close()

	frame := testFrame(t)
	wire := append([]byte{jdpacket.EndByte}, jdpacket.EncodeStream(frame)...)
	go func() { _, _ = remote.Write(wire) }()

	sink.wait(t, 1)
	assert.Equal(t, uint64(1), s.Stats().FramingErrors)
}

func TestStreamSendStuffs(t *testing.T) {
	s, remote := pipeStream(t)
	require.NoError(t, s.Open(context.Background(), func([]byte) {}))
	defer s.Close()

	frame := testFrame(t)
	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := remote.Read(buf)
		read <- buf[:n]
	}()
	require.NoError(t, s.Send(frame))
	assert.Equal(t, jdpacket.EncodeStream(frame), <-read)
}

func TestStreamReadErrorStops(t *testing.T) {
	s, remote := pipeStream(t)
	require.NoError(t, s.Open(context.Background(), func([]byte) {}))
	assert.ErrorIs(t, s.Open(context.Background(), func([]byte) {}), transport.ErrAlreadyOpen)

	require.NoError(t, remote.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
	assert.Error(t, s.Err())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte{1}), transport.ErrConnectionClosed)
}

// ============================================================================
// WebSocket
// ============================================================================

type bridge struct {
	auth     chan string
	received chan []byte
	conn     chan *websocket.Conn
}

func newBridge(t *testing.T, tlsServer bool) (*httptest.Server, *bridge) {
	t.Helper()
	b := &bridge{auth: make(chan string, 1), received: make(chan []byte, 4), conn: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.auth <- r.Header.Get("Authorization")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conn <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			b.received <- data
		}
	})
	var srv *httptest.Server
	if tlsServer {
		srv = httptest.NewTLSServer(h)
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	return srv, b
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRejectsScheme(t *testing.T) {
	_, err := transport.NewWebSocket("http://example.com/bus")
	assert.Error(t, err)
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, b := newBridge(t, false)
	ws, err := transport.NewWebSocket(wsURL(srv), transport.WithBasicAuth("user", "pw"))
	require.NoError(t, err)

	sink := newSink()
	require.NoError(t, ws.Open(context.Background(), sink.receive))
	defer ws.Close()
	assert.Equal(t, "Basic dXNlcjpwdw==", <-b.auth)
	server := <-b.conn

	frame := testFrame(t)
	require.NoError(t, ws.Send(frame))
	assert.Equal(t, frame, <-b.received)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, frame))
	got := sink.wait(t, 1)
	assert.Equal(t, [][]byte{frame}, got)
}

func TestWebSocketInsecureTLS(t *testing.T) {
	srv, b := newBridge(t, true)

	strict, err := transport.NewWebSocket(wsURL(srv))
	require.NoError(t, err)
	assert.Error(t, strict.Open(context.Background(), func([]byte) {}))

	ws, err := transport.NewWebSocket(wsURL(srv), transport.WithInsecureTLS(true))
	require.NoError(t, err)
	require.NoError(t, ws.Open(context.Background(), func([]byte) {}))
	assert.Empty(t, <-b.auth)
	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Send([]byte{1}), transport.ErrConnectionClosed)
}

// ============================================================================
// Offline
// ============================================================================

func TestOfflineFeedsBusByHand(t *testing.T) {
	off := transport.NewOffline("trace.jdt")
	bus := jdom.NewBus(off, jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	require.NoError(t, bus.Connect(context.Background()))
	defer bus.Close()

	id := jdpacket.DeviceID{9, 8, 7, 6, 5, 4, 3, 2}
	ann := jdpacket.NewAnnounce(1, jdpacket.ServiceClassButton)
	ann.SetDeviceID(id)
	frame, err := ann.Encode()
	require.NoError(t, err)
	bus.ProcessFrame(frame)

	dev := bus.Device(id)
	require.NotNil(t, dev)
	assert.Equal(t, []uint32{jdpacket.ServiceClassControl, jdpacket.ServiceClassButton}, dev.ServiceClasses())

	before := off.Sent()
	require.NoError(t, bus.SendMulticommand(jdpacket.ServiceClassControl, jdpacket.NewAnnounceRequest()))
	assert.Equal(t, before+1, off.Sent())
	assert.Equal(t, "trace.jdt", off.String())
}

func TestOfflineRejectsSendWhenClosed(t *testing.T) {
	off := transport.NewOffline("x")
	assert.ErrorIs(t, off.Send([]byte{1}), transport.ErrConnectionClosed)
	require.NoError(t, off.Open(context.Background(), nil))
	assert.ErrorIs(t, off.Open(context.Background(), nil), transport.ErrAlreadyOpen)
	require.NoError(t, off.Send([]byte{1}))
	require.NoError(t, off.Close())
	assert.ErrorIs(t, off.Send([]byte{1}), transport.ErrConnectionClosed)
}
