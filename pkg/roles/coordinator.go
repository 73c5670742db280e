// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package roles

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/pipes"
)

// Role manager service protocol
const (
	CmdGetRole           = 0x80
	CmdSetRole           = 0x81
	CmdListStoredRoles   = 0x82
	CmdListRequiredRoles = 0x83
	CmdClearAllRoles     = 0x84

	RegAutoBind          = 0x80
	RegAllRolesAllocated = 0x181

	storedRoleFormat   = "b[8] u8 s"
	requiredRoleFormat = "b[8] u32 u8 s"
	roleQueryFormat    = "b[8] u8"

	pipeResponseTimeout = 5 * time.Second
)

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithStore sets where stored roles are persisted
func WithStore(s Store) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithCoordinatorLogger sets the coordinator logger
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// Coordinator is a role manager service hosted on the bus's own device.
// It owns the stored role table, binds the program's required roles and
// answers role manager commands from other clients.
type Coordinator struct {
	bus    *jdom.Bus
	store  Store
	logger *slog.Logger
	index  uint8

	mu       sync.Mutex
	required []Requirement
	bindings []Binding
	stored   []StoredRole
	autoBind bool
	hash     uint32
	counter  uint8

	changes jdom.Emitter[[]Binding]
}

// NewCoordinator hosts a role manager service on bus for reqs
func NewCoordinator(bus *jdom.Bus, reqs []Requirement, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		bus:      bus,
		store:    &MemoryStore{},
		logger:   bus.Logger(),
		required: slices.Clone(reqs),
		bindings: BindingsFor(reqs),
		autoBind: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	stored, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	c.stored = stored
	c.hash = Hash(c.bindings)
	c.index = bus.HostService(jdpacket.ServiceClassRoleManager, c.handle)
	return c, nil
}

// Index returns the service index of the hosted role manager
func (c *Coordinator) Index() uint8 {
	return c.index
}

// Bindings returns a copy of the required role bindings
func (c *Coordinator) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.bindings)
}

// StoredRoles returns a copy of the stored role table
func (c *Coordinator) StoredRoles() []StoredRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stored)
}

// AllRolesAllocated reports whether every required role is bound
func (c *Coordinator) AllRolesAllocated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return allBound(c.bindings)
}

// Subscribe registers a listener called after each pass that moved an
// assignment
func (c *Coordinator) Subscribe(fn func([]Binding)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// Start re-runs AutoBind whenever a device announces or leaves
func (c *Coordinator) Start() (stop func()) {
	return c.bus.Subscribe(func(ev jdom.BusEvent) {
		switch ev.Kind {
		case jdom.EventDeviceAnnounce, jdom.EventDeviceDisconnect:
			c.AutoBind()
		}
	})
}

// AutoBind applies the stored roles, then, when auto binding is enabled,
// matches the remaining roles and stores the new assignments. A change
// event is sent when the assignment moved.
func (c *Coordinator) AutoBind() bool {
	cands := Candidates(c.bus)

	c.mu.Lock()
	bindings := BindingsFor(c.required)
	c.applyStoredLocked(bindings, cands)

	var assigned []Binding
	if c.autoBind {
		res := Match(bindings, cands)
		bindings, assigned = res.Bindings, res.Assigned
		for _, b := range assigned {
			c.setStoredLocked(b.DeviceID, b.ServiceIndex, b.Role)
		}
	}
	c.bindings = bindings
	h := Hash(bindings)
	changed := h != c.hash
	c.hash = h
	snapshot := slices.Clone(bindings)
	stored := slices.Clone(c.stored)
	c.mu.Unlock()

	if len(assigned) > 0 {
		if err := c.store.Save(stored); err != nil {
			c.logger.Warn("saving roles failed", "error", err)
		}
		for _, b := range assigned {
			c.logger.Debug("autobind", "role", b.Role, "device", b.DeviceID.String(), "service_index", b.ServiceIndex)
		}
	}
	if changed {
		c.logger.Info("role bindings changed")
		c.sendChange()
		c.changes.Emit(snapshot)
	}
	return changed
}

// applyStoredLocked binds roles to the slots the stored table names when the
// device is present and the slot class matches
func (c *Coordinator) applyStoredLocked(bindings []Binding, cands []Candidate) {
	for _, s := range c.stored {
		i := slices.IndexFunc(bindings, func(b Binding) bool { return b.Role == s.Role && !b.Bound })
		if i < 0 {
			continue
		}
		ci := slices.IndexFunc(cands, func(cd Candidate) bool { return cd.ID == s.DeviceID })
		if ci < 0 || int(s.ServiceIndex) >= len(cands[ci].Services) ||
			cands[ci].Services[s.ServiceIndex] != bindings[i].ServiceClass {
			continue
		}
		bindings[i].DeviceID, bindings[i].ServiceIndex, bindings[i].Bound = s.DeviceID, s.ServiceIndex, true
	}
}

// setStoredLocked records role at a slot; an empty role clears the slot.
// A role lives in at most one slot.
func (c *Coordinator) setStoredLocked(id jdpacket.DeviceID, idx uint8, role string) {
	c.stored = slices.DeleteFunc(c.stored, func(s StoredRole) bool {
		return (s.DeviceID == id && s.ServiceIndex == idx) || (role != "" && s.Role == role)
	})
	if role != "" {
		c.stored = append(c.stored, StoredRole{DeviceID: id, ServiceIndex: idx, Role: role})
	}
}

func (c *Coordinator) storedRoleLocked(id jdpacket.DeviceID, idx uint8) string {
	for _, s := range c.stored {
		if s.DeviceID == id && s.ServiceIndex == idx {
			return s.Role
		}
	}
	return ""
}

// SetRole stores a role for a slot and rebinds
func (c *Coordinator) SetRole(id jdpacket.DeviceID, idx uint8, role string) error {
	c.mu.Lock()
	c.setStoredLocked(id, idx, role)
	stored := slices.Clone(c.stored)
	c.mu.Unlock()
	if err := c.store.Save(stored); err != nil {
		return err
	}
	c.AutoBind()
	return nil
}

// ClearRoles empties the stored role table and rebinds
func (c *Coordinator) ClearRoles() error {
	c.mu.Lock()
	c.stored = nil
	c.mu.Unlock()
	if err := c.store.Save(nil); err != nil {
		return err
	}
	c.AutoBind()
	return nil
}

func (c *Coordinator) sendChange() {
	c.mu.Lock()
	counter := c.counter
	c.counter = (c.counter + 1) & jdpacket.CmdEventCounterMask
	c.mu.Unlock()
	if err := c.bus.SendReport(c.index, jdpacket.NewEvent(jdpacket.EventChange, counter, nil)); err != nil {
		c.logger.Debug("change event not sent", "error", err)
	}
}

func (c *Coordinator) report(pkt *jdpacket.Packet) {
	if err := c.bus.SendReport(c.index, pkt); err != nil {
		c.logger.Debug("report not sent", "command", pkt.ServiceCommand(), "error", err)
	}
}

// handle answers commands addressed to the hosted service. It runs in the
// bus receive path, so pipe responses go to their own goroutine.
func (c *Coordinator) handle(pkt *jdpacket.Packet) {
	data := pkt.Data()
	switch cmd := pkt.ServiceCommand(); {
	case cmd == jdpacket.CmdGetReg|RegAutoBind:
		c.mu.Lock()
		on := c.autoBind
		c.mu.Unlock()
		v := byte(0)
		if on {
			v = 1
		}
		c.report(jdpacket.NewRegisterReport(RegAutoBind, []byte{v}))

	case cmd == jdpacket.CmdSetReg|RegAutoBind:
		if len(data) < 1 {
			return
		}
		c.mu.Lock()
		c.autoBind = data[0] != 0
		c.mu.Unlock()
		c.AutoBind()

	case cmd == jdpacket.CmdGetReg|RegAllRolesAllocated:
		v := byte(0)
		if c.AllRolesAllocated() {
			v = 1
		}
		c.report(jdpacket.NewRegisterReport(RegAllRolesAllocated, []byte{v}))

	case cmd == CmdGetRole:
		if len(data) != 9 {
			return
		}
		var id jdpacket.DeviceID
		copy(id[:], data[:8])
		c.mu.Lock()
		role := c.storedRoleLocked(id, data[8])
		c.mu.Unlock()
		c.report(jdpacket.NewPacket(CmdGetRole, append(slices.Clone(data), role...)))

	case cmd == CmdSetRole:
		if len(data) < 9 {
			return
		}
		var id jdpacket.DeviceID
		copy(id[:], data[:8])
		if err := c.SetRole(id, data[8], string(data[9:])); err != nil {
			c.logger.Warn("set role failed", "error", err)
		}

	case cmd == CmdClearAllRoles:
		if err := c.ClearRoles(); err != nil {
			c.logger.Warn("clear roles failed", "error", err)
		}

	case cmd == CmdListStoredRoles:
		c.respond(data, func(ctx context.Context, p *pipes.OutPipe) error {
			return pipes.RespondEach(ctx, p, c.StoredRoles(), func(s StoredRole) ([]byte, error) {
				return jdpacket.Pack(storedRoleFormat, s.DeviceID.Bytes(), s.ServiceIndex, s.Role)
			})
		})

	case cmd == CmdListRequiredRoles:
		c.respond(data, func(ctx context.Context, p *pipes.OutPipe) error {
			return pipes.RespondEach(ctx, p, c.Bindings(), func(b Binding) ([]byte, error) {
				return jdpacket.Pack(requiredRoleFormat, b.DeviceID.Bytes(), b.ServiceClass, b.ServiceIndex, b.Role)
			})
		})
	}
}

func (c *Coordinator) respond(open []byte, send func(context.Context, *pipes.OutPipe) error) {
	p, err := pipes.NewOutPipeFromOpen(c.bus, open)
	if err != nil {
		c.logger.Debug("bad pipe open request", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pipeResponseTimeout)
		defer cancel()
		if err := send(ctx, p); err != nil {
			c.logger.Warn("pipe response failed", "port", p.Port(), "error", err)
		}
	}()
}

func allBound(bindings []Binding) bool {
	for _, b := range bindings {
		if !b.Bound {
			return false
		}
	}
	return true
}
