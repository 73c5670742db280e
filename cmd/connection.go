// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/jdbus/internal/logging"
	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/trace"
	"github.com/Thermoquad/jdbus/pkg/transport"
)

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// ExitCode maps an error returned by Execute to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Message returns the text to print for an error returned by Execute, or ""
// when the command already reported the failure
func Message(err error) string {
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return ""
	}
	return err.Error()
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("JDBUS_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// openTransport builds the serial or WebSocket transport named by the configuration
func openTransport() (jdom.Transport, string, error) {
	t := cfg.Transport
	opts := []transport.Option{transport.WithLogger(logger)}

	if t.URL != "" {
		if t.Username != "" {
			password, err := GetPassword()
			if err != nil {
				return nil, "", err
			}
			opts = append(opts, transport.WithBasicAuth(t.Username, password))
		}
		opts = append(opts, transport.WithInsecureTLS(t.Insecure))

		ws, err := transport.NewWebSocket(t.URL, opts...)
		if err != nil {
			return nil, "", err
		}
		return ws, fmt.Sprintf("WebSocket: %s", t.URL), nil
	}

	if t.Port != "" {
		return transport.NewSerial(t.Port, t.Baud, opts...), fmt.Sprintf("Serial: %s @ %d baud", t.Port, t.Baud), nil
	}

	ports, _ := transport.ListSerialPorts()
	if len(ports) > 0 {
		return nil, "", fmt.Errorf("either --port or --url must be specified (available ports: %s)", strings.Join(ports, ", "))
	}
	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// busOptions maps the bus configuration to bus options
func busOptions() []jdom.Option {
	announce := cfg.Bus.AnnounceEvery
	if !cfg.Bus.Announces() {
		announce = 0
	}
	return []jdom.Option{
		jdom.WithLogger(logger),
		jdom.WithLostDelay(cfg.Bus.LostAfter),
		jdom.WithDisconnectDelay(cfg.Bus.RemoveAfter),
		jdom.WithAnnounceInterval(announce),
	}
}

// session is a connected bus with its optional trace recorder
type session struct {
	bus    *jdom.Bus
	desc   string
	rec    *trace.Recorder
	link   linkWatcher
	detach func()
}

// linkWatcher is implemented by transports that notice the link going away
type linkWatcher interface {
	Done() <-chan struct{}
}

// openBus connects a bus over the configured transport. When record is not
// empty every frame is also written to that trace file.
func openBus(ctx context.Context, record string) (*session, error) {
	t, desc, err := openTransport()
	if err != nil {
		return nil, err
	}

	s := &session{desc: desc}
	if c, ok := t.(linkWatcher); ok {
		s.link = c
	}
	if record != "" {
		s.rec, err = trace.Create(record, desc)
		if err != nil {
			return nil, err
		}
		t = trace.NewTap(t, s.rec)
	}

	s.bus = jdom.NewBus(t, busOptions()...)
	s.detach = logging.NewBusAdapter(logger).Attach(s.bus)
	if err := s.bus.Connect(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect %s: %w", desc, err)
	}
	return s, nil
}

// settle asks devices to announce and waits for the answers
func settle(ctx context.Context, bus *jdom.Bus) error {
	if err := requestAnnounce(bus); err != nil {
		return err
	}
	return jdom.Sleep(ctx, bus.Scheduler(), settleWait)
}

// requestAnnounce asks every device on the bus to announce itself
func requestAnnounce(bus *jdom.Bus) error {
	return bus.SendMulticommand(jdpacket.ServiceClassControl, jdpacket.NewAnnounceRequest())
}

// Done is closed when the current link drops. It is nil for transports that
// cannot tell.
func (s *session) Done() <-chan struct{} {
	if s.link == nil {
		return nil
	}
	return s.link.Done()
}

// Close disconnects the bus and finishes the trace file
func (s *session) Close() {
	s.bus.Close()
	s.detach()
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			logger.Error("trace close failed", "error", err)
			return
		}
		logger.Info("trace written", "records", s.rec.Count(), "session", s.rec.Header().SessionID)
	}
}
