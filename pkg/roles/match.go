// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package roles resolves role names to device services.
//
// A role is a name and a required service class. Roles are grouped into
// hosts by the part of the name before the first "/", so "car/left" and
// "car/right" try to land on the same device. Match is the only place the
// assignment algorithm lives; Manager and Coordinator are adapters feeding
// it the bus directory.
package roles

import (
	"bytes"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// HostSeparator splits a role name into its host key and the rest
const HostSeparator = "/"

// Requirement is a role the program needs
type Requirement struct {
	Role         string `yaml:"role"`
	ServiceClass uint32 `yaml:"service_class"`
}

// Binding is a requirement and the service slot it is bound to, if any
type Binding struct {
	Role         string
	ServiceClass uint32
	DeviceID     jdpacket.DeviceID
	ServiceIndex uint8
	Bound        bool
}

// Host returns the host key of the role
func (b Binding) Host() string {
	return HostOf(b.Role)
}

func (b Binding) String() string {
	if !b.Bound {
		return b.Role + " -> (unbound)"
	}
	return b.Role + " -> " + b.DeviceID.ShortID() + "[" + strconv.Itoa(int(b.ServiceIndex)) + "]"
}

// HostOf returns the part of a role name before the first separator
func HostOf(role string) string {
	host, _, _ := strings.Cut(role, HostSeparator)
	return host
}

// Candidate is a device the matcher may bind roles to. Services holds the
// class of every slot; slot 0 is the control service and never bound.
type Candidate struct {
	ID       jdpacket.DeviceID
	Services []uint32
}

// Result is the outcome of a matching pass
type Result struct {
	// Bindings is the input in the same order, with new assignments applied
	Bindings []Binding
	// Assigned lists the bindings made by this pass
	Assigned []Binding
}

// Unbound returns the roles left without a service
func (r Result) Unbound() []string {
	var out []string
	for _, b := range r.Bindings {
		if !b.Bound {
			out = append(out, b.Role)
		}
	}
	return out
}

type slotKey struct {
	dev jdpacket.DeviceID
	idx uint8
}

type device struct {
	Candidate
	score int
}

type host struct {
	key      string
	bindings []*Binding
}

func (h *host) fullyBound() bool {
	for _, b := range h.bindings {
		if !b.Bound {
			return false
		}
	}
	return true
}

// score counts (bound here << 8) | assignable here; with assign set the
// assignable roles are bound in the order of h.bindings
func (h *host) score(d *device, used map[slotKey]*Binding, assign bool) (int, []Binding) {
	numBound, numPossible := 0, 0
	var missing []*Binding
	for _, b := range h.bindings {
		if b.Bound {
			if b.DeviceID == d.ID {
				numBound++
			}
		} else {
			missing = append(missing, b)
		}
	}

	var assigned []Binding
	for idx := 1; idx < len(d.Services) && idx <= jdpacket.ServiceIndexMaxNormal; idx++ {
		key := slotKey{d.ID, uint8(idx)}
		if used[key] != nil {
			continue
		}
		for i, b := range missing {
			if b.ServiceClass != d.Services[idx] {
				continue
			}
			numPossible++
			if assign {
				b.DeviceID, b.ServiceIndex, b.Bound = d.ID, uint8(idx), true
				used[key] = b
				assigned = append(assigned, *b)
			}
			missing = slices.Delete(missing, i, i+1)
			break
		}
	}

	if numPossible == 0 {
		return 0, assigned
	}
	return numBound<<8 | numPossible, assigned
}

// Match binds unbound roles to free service slots.
//
// Hosts with the most roles go first, ties to the larger host key. For the
// chosen host every device is scored by how many of the host's roles it
// already carries and how many more it could take; the best device wins,
// ties to the larger device id. The host's roles are then bound in
// alphabetical order to the first free slot of a matching class. A host no
// device can help is dropped. Existing bindings are kept; a binding to a
// device missing from devices still occupies nothing.
func Match(bindings []Binding, devices []Candidate) Result {
	res := Result{Bindings: slices.Clone(bindings)}

	devs := make([]*device, len(devices))
	for i, c := range devices {
		devs[i] = &device{Candidate: c}
	}

	used := make(map[slotKey]*Binding)
	var hosts []*host
	byKey := make(map[string]*host)
	for i := range res.Bindings {
		b := &res.Bindings[i]
		if b.Bound {
			used[slotKey{b.DeviceID, b.ServiceIndex}] = b
		}
		h := byKey[b.Host()]
		if h == nil {
			h = &host{key: b.Host()}
			byKey[h.key] = h
			hosts = append(hosts, h)
		}
		h.bindings = append(h.bindings, b)
	}
	hosts = slices.DeleteFunc(hosts, (*host).fullyBound)

	for len(hosts) > 0 && len(devs) > 0 {
		h := slices.MaxFunc(hosts, func(a, b *host) int {
			if c := len(a.bindings) - len(b.bindings); c != 0 {
				return c
			}
			return strings.Compare(a.key, b.key)
		})

		for _, d := range devs {
			d.score, _ = h.score(d, used, false)
		}
		best := slices.MaxFunc(devs, func(a, b *device) int {
			if c := a.score - b.score; c != 0 {
				return c
			}
			return bytes.Compare(a.ID[:], b.ID[:])
		})

		if best.score == 0 {
			hosts = slices.DeleteFunc(hosts, func(x *host) bool { return x == h })
			continue
		}

		slices.SortStableFunc(h.bindings, func(a, b *Binding) int { return strings.Compare(a.Role, b.Role) })
		_, assigned := h.score(best, used, true)
		res.Assigned = append(res.Assigned, assigned...)

		if h.fullyBound() {
			hosts = slices.DeleteFunc(hosts, func(x *host) bool { return x == h })
		} else {
			h.bindings = slices.DeleteFunc(h.bindings, func(b *Binding) bool { return b.Bound && b.DeviceID == best.ID })
		}
	}
	return res
}

// Hash is a stable digest of role:device:index over all bindings, used to
// tell whether a pass moved anything
func Hash(bindings []Binding) uint32 {
	h := fnv.New32a()
	for _, b := range bindings {
		h.Write([]byte(b.Role))
		h.Write([]byte{':'})
		if b.Bound {
			h.Write([]byte(b.DeviceID.String()))
			h.Write([]byte{':'})
			h.Write([]byte(strconv.Itoa(int(b.ServiceIndex))))
		} else {
			h.Write([]byte{':'})
		}
		h.Write([]byte{';'})
	}
	return h.Sum32()
}

// BindingsFor turns requirements into unbound bindings
func BindingsFor(reqs []Requirement) []Binding {
	out := make([]Binding, len(reqs))
	for i, r := range reqs {
		out[i] = Binding{Role: r.Role, ServiceClass: r.ServiceClass}
	}
	return out
}
