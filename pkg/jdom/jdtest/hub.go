// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdtest

import (
	"context"
	"errors"
	"sync"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// ErrEndpointClosed is returned when sending on a closed endpoint
var ErrEndpointClosed = errors.New("jdtest: endpoint closed")

// Hub is an in-memory shared medium. A frame sent by one endpoint is
// delivered synchronously to every other open endpoint.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	sent      [][]byte
	drop      func(frame []byte) bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Endpoint attaches a new transport to the hub
func (h *Hub) Endpoint() *Endpoint {
	e := &Endpoint{hub: h}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

// SetDrop installs a filter; frames for which it returns true are lost
func (h *Hub) SetDrop(drop func(frame []byte) bool) {
	h.mu.Lock()
	h.drop = drop
	h.mu.Unlock()
}

// Frames returns every frame sent through the hub, dropped ones included
func (h *Hub) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

// Inject delivers a frame to every open endpoint as if sent by an outsider
func (h *Hub) Inject(frame []byte) {
	h.deliver(nil, frame)
}

func (h *Hub) deliver(from *Endpoint, frame []byte) {
	h.mu.Lock()
	h.sent = append(h.sent, append([]byte(nil), frame...))
	if h.drop != nil && h.drop(frame) {
		h.mu.Unlock()
		return
	}
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()

	for _, e := range targets {
		if recv := e.handler(); recv != nil {
			recv(append([]byte(nil), frame...))
		}
	}
}

// Endpoint is a jdom.Transport attached to a Hub
type Endpoint struct {
	hub *Hub

	mu      sync.Mutex
	receive jdom.FrameHandler
	opens   int

	// OpenHook, when set, runs inside Open before the endpoint goes live;
	// a non-nil error fails the open.
	OpenHook func(ctx context.Context) error

	// CloseHook, when set, runs inside Close before delivery stops
	CloseHook func()
}

func (e *Endpoint) handler() jdom.FrameHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receive
}

// Open starts delivering hub frames to receive
func (e *Endpoint) Open(ctx context.Context, receive jdom.FrameHandler) error {
	if e.OpenHook != nil {
		if err := e.OpenHook(ctx); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.receive = receive
	e.opens++
	e.mu.Unlock()
	return nil
}

// Send delivers frame to the other endpoints
func (e *Endpoint) Send(frame []byte) error {
	if e.handler() == nil {
		return ErrEndpointClosed
	}
	e.hub.deliver(e, frame)
	return nil
}

// Close stops delivery to this endpoint
func (e *Endpoint) Close() error {
	if e.CloseHook != nil {
		e.CloseHook()
	}
	e.mu.Lock()
	e.receive = nil
	e.mu.Unlock()
	return nil
}

// Opens returns how many times the endpoint was opened
func (e *Endpoint) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}
