// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
	closeGrace       = time.Second
)

// WebSocket carries one frame per binary message to a bus bridge
type WebSocket struct {
	url    string
	opts   options
	logger *slog.Logger

	mu     sync.Mutex
	writeM sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
	err    error
}

// NewWebSocket creates a transport for a ws:// or wss:// URL
func NewWebSocket(rawURL string, opts ...Option) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}
	o := buildOptions(opts)
	return &WebSocket{url: rawURL, opts: o, logger: o.logger}, nil
}

// String describes the connection
func (w *WebSocket) String() string {
	return "websocket " + w.url
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if w.opts.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	headers := http.Header{}
	if w.opts.username != "" && w.opts.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.opts.username + ":" + w.opts.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, w.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return conn, nil
}

// Open dials the bridge and starts delivering binary messages to receive
func (w *WebSocket) Open(ctx context.Context, receive jdom.FrameHandler) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyOpen
	}
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn, w.closed, w.err = conn, false, nil
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.Info("transport open", "connection", w.String())
	go w.readLoop(conn, receive, done)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, receive jdom.FrameHandler, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			if !closed {
				w.err = err
			}
			w.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Warn("transport read failed", "connection", w.String(), "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		receive(data)
	}
}

// Send writes one frame as a binary message
func (w *WebSocket) Send(frame []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	w.writeM.Lock()
	defer w.writeM.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%s: write: %w", w, err)
	}
	return nil
}

// Close sends a close message and waits for the reader to stop
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	w.conn, w.closed = nil, true
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	w.writeM.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	w.writeM.Unlock()

	err := conn.Close()
	<-done
	w.logger.Info("transport closed", "connection", w.String())
	return err
}

// Done is closed when the reader stops, either after Close or a read error
func (w *WebSocket) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Err returns the read error that stopped the transport, if any
func (w *WebSocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
