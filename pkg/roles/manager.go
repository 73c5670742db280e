// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package roles

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Candidates lists the announced devices of a bus, self excluded
func Candidates(bus *jdom.Bus) []Candidate {
	var out []Candidate
	for _, d := range bus.Devices() {
		if !d.Announced() {
			continue
		}
		out = append(out, Candidate{ID: d.ID(), Services: d.ServiceClasses()})
	}
	return out
}

// validate unbinds bindings whose device is gone or whose slot no longer
// has the required class
func validate(bindings []Binding, cands []Candidate) {
	for i := range bindings {
		b := &bindings[i]
		if !b.Bound {
			continue
		}
		idx := slices.IndexFunc(cands, func(c Candidate) bool { return c.ID == b.DeviceID })
		if idx < 0 || int(b.ServiceIndex) >= len(cands[idx].Services) || cands[idx].Services[b.ServiceIndex] != b.ServiceClass {
			b.Bound, b.DeviceID, b.ServiceIndex = false, jdpacket.DeviceID{}, 0
		}
	}
}

// Manager is a host-side advisory view of role assignments. It binds roles
// in memory and notifies subscribers when the assignment moves.
type Manager struct {
	bus *jdom.Bus

	mu       sync.Mutex
	bindings []Binding
	hash     uint32
	changes  jdom.Emitter[[]Binding]
}

// NewManager creates a manager for reqs. Nothing is bound until Update.
func NewManager(bus *jdom.Bus, reqs []Requirement) *Manager {
	m := &Manager{bus: bus, bindings: BindingsFor(reqs)}
	m.hash = Hash(m.bindings)
	return m
}

// SetRequirements replaces the required roles. Roles that keep their name
// and class keep their binding.
func (m *Manager) SetRequirements(reqs []Requirement) {
	m.mu.Lock()
	next := BindingsFor(reqs)
	for i := range next {
		for _, old := range m.bindings {
			if old.Role == next[i].Role && old.ServiceClass == next[i].ServiceClass {
				next[i] = old
			}
		}
	}
	m.bindings = next
	m.mu.Unlock()
	m.Update()
}

// Bindings returns a copy of the current bindings
func (m *Manager) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bindings)
}

// Binding returns the binding of a role
func (m *Manager) Binding(role string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.Role == role {
			return b, true
		}
	}
	return Binding{}, false
}

// Service returns the service bound to a role, or nil
func (m *Manager) Service(role string) *jdom.Service {
	b, ok := m.Binding(role)
	if !ok || !b.Bound {
		return nil
	}
	d := m.bus.Device(b.DeviceID)
	if d == nil {
		return nil
	}
	return d.Service(b.ServiceIndex)
}

// Bind assigns a role by hand
func (m *Manager) Bind(role string, id jdpacket.DeviceID, serviceIndex uint8) error {
	m.mu.Lock()
	i := slices.IndexFunc(m.bindings, func(b Binding) bool { return b.Role == role })
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("unknown role %q", role)
	}
	for j := range m.bindings {
		b := &m.bindings[j]
		if j != i && b.Bound && b.DeviceID == id && b.ServiceIndex == serviceIndex {
			b.Bound, b.DeviceID, b.ServiceIndex = false, jdpacket.DeviceID{}, 0
		}
	}
	m.bindings[i].DeviceID, m.bindings[i].ServiceIndex, m.bindings[i].Bound = id, serviceIndex, true
	m.mu.Unlock()
	m.Update()
	return nil
}

// Subscribe registers a listener called with the bindings after each pass
// that moved an assignment
func (m *Manager) Subscribe(fn func([]Binding)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Update runs a matching pass over the bus directory and reports whether
// the assignment changed
func (m *Manager) Update() bool {
	cands := Candidates(m.bus)

	m.mu.Lock()
	validate(m.bindings, cands)
	res := Match(m.bindings, cands)
	m.bindings = res.Bindings
	h := Hash(m.bindings)
	changed := h != m.hash
	m.hash = h
	snapshot := slices.Clone(m.bindings)
	m.mu.Unlock()

	for _, b := range res.Assigned {
		m.bus.Logger().Debug("role bound", "role", b.Role, "device", b.DeviceID.String(), "service_index", b.ServiceIndex)
	}
	if changed {
		m.changes.Emit(snapshot)
	}
	return changed
}

// Start re-runs Update whenever a device announces or leaves
func (m *Manager) Start() (stop func()) {
	return m.bus.Subscribe(func(ev jdom.BusEvent) {
		switch ev.Kind {
		case jdom.EventDeviceAnnounce, jdom.EventDeviceDisconnect:
			m.Update()
		}
	})
}
