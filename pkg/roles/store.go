// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package roles

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// StoredRole is a role assignment persisted by a coordinator
type StoredRole struct {
	DeviceID     jdpacket.DeviceID
	ServiceIndex uint8
	Role         string
}

// Store persists stored roles
type Store interface {
	Load() ([]StoredRole, error)
	Save(roles []StoredRole) error
}

// MemoryStore keeps stored roles in memory
type MemoryStore struct {
	mu    sync.Mutex
	roles []StoredRole
}

// Load returns a copy of the stored roles
func (m *MemoryStore) Load() ([]StoredRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.roles), nil
}

// Save replaces the stored roles
func (m *MemoryStore) Save(roles []StoredRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles = slices.Clone(roles)
	return nil
}

// FileStore keeps stored roles in a YAML file
type FileStore struct {
	Path string
}

type storedRoleYAML struct {
	Device       string `yaml:"device"`
	ServiceIndex uint8  `yaml:"service_index"`
	Role         string `yaml:"role"`
}

type roleFile struct {
	Roles        []storedRoleYAML `yaml:"roles,omitempty"`
	Requirements []requirementYAML `yaml:"requirements,omitempty"`
}

// Load reads the file; a missing file holds no roles
func (f FileStore) Load() ([]StoredRole, error) {
	rf, err := readRoleFile(f.Path)
	if err != nil {
		return nil, err
	}
	out := make([]StoredRole, 0, len(rf.Roles))
	for i, r := range rf.Roles {
		id, err := jdpacket.ParseDeviceID(r.Device)
		if err != nil {
			return nil, fmt.Errorf("roles[%d]: device %q: %w", i, r.Device, err)
		}
		out = append(out, StoredRole{DeviceID: id, ServiceIndex: r.ServiceIndex, Role: r.Role})
	}
	return out, nil
}

// Save rewrites the stored roles, keeping any requirements in the file
func (f FileStore) Save(roles []StoredRole) error {
	rf, err := readRoleFile(f.Path)
	if err != nil {
		return err
	}
	rf.Roles = rf.Roles[:0]
	for _, r := range roles {
		rf.Roles = append(rf.Roles, storedRoleYAML{Device: r.DeviceID.String(), ServiceIndex: r.ServiceIndex, Role: r.Role})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rf); err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	if err := os.WriteFile(f.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write roles: %w", err)
	}
	return nil
}

func readRoleFile(path string) (*roleFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &roleFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	var rf roleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse roles %s: %w", path, err)
	}
	return &rf, nil
}

type requirementYAML struct {
	Role         string `yaml:"role"`
	Service      string `yaml:"service,omitempty"`
	ServiceClass uint32 `yaml:"service_class,omitempty"`
}

// LoadRequirements reads the requirements section of a role file. Each
// entry names its class either numerically or by service name.
func LoadRequirements(path string) ([]Requirement, error) {
	rf, err := readRoleFile(path)
	if err != nil {
		return nil, err
	}
	return resolveRequirements(rf.Requirements)
}

func resolveRequirements(in []requirementYAML) ([]Requirement, error) {
	out := make([]Requirement, 0, len(in))
	for i, r := range in {
		service := r.Service
		if service == "" && r.ServiceClass != 0 {
			service = strconv.FormatUint(uint64(r.ServiceClass), 10)
		}
		req, err := ParseRequirement(r.Role, service)
		if err != nil {
			return nil, fmt.Errorf("requirements[%d]: %w", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// ParseRequirement builds a requirement from a role name and a service given
// by name ("servo") or by class number ("0x12fc9103").
func ParseRequirement(role, service string) (Requirement, error) {
	if role == "" {
		return Requirement{}, errors.New("role is required")
	}
	if service == "" {
		return Requirement{}, fmt.Errorf("role %q has no service class", role)
	}
	if spec := jdom.LookupServiceByName(service); spec != nil {
		return Requirement{Role: role, ServiceClass: spec.Class}, nil
	}
	class, err := strconv.ParseUint(service, 0, 32)
	if err != nil || class == 0 {
		return Requirement{}, fmt.Errorf("role %q: unknown service %q", role, service)
	}
	return Requirement{Role: role, ServiceClass: uint32(class)}, nil
}
