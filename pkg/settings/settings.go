// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package settings is a client for the key/value settings service.
//
// Keys are strings, values are raw bytes. Keys starting with "$" are secret:
// devices store them but never return their value.
package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/pipes"
)

// Settings service commands
const (
	CmdGet      = 0x80
	CmdSet      = 0x81
	CmdListKeys = 0x82
	CmdList     = 0x83
	CmdDelete   = 0x84
	CmdClear    = 0x85

	// EventChange is raised by the device when a setting changes
	EventChange = 0x03

	entryFormat = "z b"
	keyFormat   = "s"
)

// SecretPrefix marks keys whose value the device never reveals
const SecretPrefix = "$"

// ErrKeyMismatch is returned when the device answers a get for another key
var ErrKeyMismatch = errors.New("settings: response for a different key")

// Entry is one setting
type Entry struct {
	Key   string
	Value []byte
}

// Secret reports whether the entry's value is hidden by the device
func (e Entry) Secret() bool {
	return IsSecret(e.Key)
}

// IsSecret reports whether key names a secret setting
func IsSecret(key string) bool {
	return strings.HasPrefix(key, SecretPrefix)
}

// Client talks to a settings service
type Client struct {
	svc *jdom.Service
}

// NewClient wraps a settings service
func NewClient(svc *jdom.Service) (*Client, error) {
	if svc.Class() != jdpacket.ServiceClassSettings {
		return nil, fmt.Errorf("%s is not a settings service", svc)
	}
	return &Client{svc: svc}, nil
}

// FindClient returns a client for the first settings service on the bus
func FindClient(bus *jdom.Bus) (*Client, error) {
	for _, d := range bus.DevicesWithService(jdpacket.ServiceClassSettings) {
		return NewClient(d.ServicesOfClass(jdpacket.ServiceClassSettings)[0])
	}
	return nil, errors.New("settings: no settings service on the bus")
}

// Service returns the wrapped service
func (c *Client) Service() *jdom.Service {
	return c.svc
}

func (c *Client) readPipe(ctx context.Context, cmd uint16) ([][]byte, error) {
	r, err := pipes.NewInPipeReader(c.svc.Device().Bus())
	if err != nil {
		return nil, err
	}
	defer r.Close()

	open, err := r.OpenCommand(cmd)
	if err != nil {
		return nil, err
	}
	if err := c.svc.SendCommandWithAck(ctx, open); err != nil {
		return nil, err
	}
	return r.ReadData(ctx)
}

// List returns every setting. Secret values come back as the device sends
// them, usually empty.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	data, err := c.readPipe(ctx, CmdList)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	out := make([]Entry, 0, len(data))
	for _, d := range data {
		v, err := jdpacket.Unpack(entryFormat, d)
		if err != nil {
			return nil, err
		}
		if len(v) == 0 || v[0].(string) == "" {
			continue
		}
		e := Entry{Key: v[0].(string), Value: []byte{}}
		if len(v) > 1 {
			e.Value = v[1].([]byte)
		}
		out = append(out, e)
	}
	return out, nil
}

// ListKeys returns the setting keys
func (c *Client) ListKeys(ctx context.Context) ([]string, error) {
	data, err := c.readPipe(ctx, CmdListKeys)
	if err != nil {
		return nil, fmt.Errorf("settings: list keys: %w", err)
	}
	var keys []string
	for _, d := range data {
		if k := string(bytes.TrimRight(d, "\x00")); k != "" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Get reads one setting. A missing key yields an empty value.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	req, err := jdpacket.Pack(keyFormat, key)
	if err != nil {
		return nil, err
	}

	got := make(chan *jdpacket.Packet, 1)
	unsub := c.svc.SubscribeReports(func(pkt *jdpacket.Packet) {
		if pkt.ServiceCommand() != CmdGet {
			return
		}
		select {
		case got <- pkt:
		default:
		}
	})
	defer unsub()

	if err := c.svc.SendCommand(jdpacket.NewPacket(CmdGet, req)); err != nil {
		return nil, err
	}

	var resp *jdpacket.Packet
	select {
	case resp = <-got:
	case <-ctx.Done():
		return nil, fmt.Errorf("settings: get %q: %w", key, ctx.Err())
	}

	v, err := jdpacket.Unpack(entryFormat, resp.Data())
	if err != nil {
		return nil, err
	}
	if len(v) == 0 || v[0].(string) != key {
		return nil, fmt.Errorf("%w: asked %q", ErrKeyMismatch, key)
	}
	if len(v) < 2 {
		return []byte{}, nil
	}
	return v[1].([]byte), nil
}

// GetString reads one setting as a string
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	v, err := c.Get(ctx, key)
	return string(v), err
}

// Set writes one setting; a nil value deletes the key
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if value == nil {
		return c.Delete(ctx, key)
	}
	if key == "" {
		return errors.New("settings: empty key")
	}
	data, err := jdpacket.Pack(entryFormat, key, value)
	if err != nil {
		return err
	}
	return c.svc.SendCommandWithAck(ctx, jdpacket.NewPacket(CmdSet, data))
}

// SetString writes a string setting; an empty string deletes the key
func (c *Client) SetString(ctx context.Context, key, value string) error {
	if value == "" {
		return c.Delete(ctx, key)
	}
	return c.Set(ctx, key, []byte(value))
}

// Delete removes one setting
func (c *Client) Delete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	data, err := jdpacket.Pack(keyFormat, key)
	if err != nil {
		return err
	}
	return c.svc.SendCommandWithAck(ctx, jdpacket.NewPacket(CmdDelete, data))
}

// Clear removes every setting
func (c *Client) Clear(ctx context.Context) error {
	return c.svc.SendCommandWithAck(ctx, jdpacket.NewPacket(CmdClear, nil))
}

// OnChange calls fn whenever the device reports a settings change
func (c *Client) OnChange(fn func()) (unsubscribe func()) {
	return c.svc.Event(EventChange).Subscribe(func(jdom.EventOccurrence) { fn() })
}
