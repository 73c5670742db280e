// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package roles

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/pipes"
)

// Client talks to a role manager service on the bus
type Client struct {
	svc *jdom.Service
}

// NewClient wraps a role manager service
func NewClient(svc *jdom.Service) (*Client, error) {
	if svc.Class() != jdpacket.ServiceClassRoleManager {
		return nil, fmt.Errorf("%s is not a role manager", svc)
	}
	return &Client{svc: svc}, nil
}

// FindClient returns a client for the first role manager on the bus
func FindClient(bus *jdom.Bus) (*Client, error) {
	for _, d := range bus.DevicesWithService(jdpacket.ServiceClassRoleManager) {
		return NewClient(d.ServicesOfClass(jdpacket.ServiceClassRoleManager)[0])
	}
	return nil, fmt.Errorf("no role manager on the bus")
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
	if err := c.svc.SendCommand(open); err != nil {
		return nil, err
	}
	return r.ReadData(ctx)
}

// StoredRoles lists the role table kept by the role manager
func (c *Client) StoredRoles(ctx context.Context) ([]StoredRole, error) {
	data, err := c.readPipe(ctx, CmdListStoredRoles)
	if err != nil {
		return nil, fmt.Errorf("list stored roles: %w", err)
	}
	out := make([]StoredRole, 0, len(data))
	for _, d := range data {
		v, err := jdpacket.Unpack(storedRoleFormat, d)
		if err != nil || len(v) < 2 {
			return nil, fmt.Errorf("list stored roles: bad entry %x", d)
		}
		var s StoredRole
		copy(s.DeviceID[:], v[0].([]byte))
		s.ServiceIndex = uint8(v[1].(uint64))
		if len(v) > 2 {
			s.Role = v[2].(string)
		}
		out = append(out, s)
	}
	return out, nil
}

// RequiredRoles lists the roles the role manager's program needs; unbound
// roles carry a zero device id
func (c *Client) RequiredRoles(ctx context.Context) ([]Binding, error) {
	data, err := c.readPipe(ctx, CmdListRequiredRoles)
	if err != nil {
		return nil, fmt.Errorf("list required roles: %w", err)
	}
	out := make([]Binding, 0, len(data))
	for _, d := range data {
		v, err := jdpacket.Unpack(requiredRoleFormat, d)
		if err != nil || len(v) < 3 {
			return nil, fmt.Errorf("list required roles: bad entry %x", d)
		}
		var b Binding
		copy(b.DeviceID[:], v[0].([]byte))
		b.ServiceClass = uint32(v[1].(uint64))
		b.ServiceIndex = uint8(v[2].(uint64))
		if len(v) > 3 {
			b.Role = v[3].(string)
		}
		b.Bound = !b.DeviceID.IsZero()
		out = append(out, b)
	}
	return out, nil
}

// Role asks the role manager which role a slot holds
func (c *Client) Role(ctx context.Context, id jdpacket.DeviceID, idx uint8) (string, error) {
	query, err := jdpacket.Pack(roleQueryFormat, id.Bytes(), idx)
	if err != nil {
		return "", err
	}
	got := make(chan string, 1)
	unsub := c.svc.SubscribeReports(func(pkt *jdpacket.Packet) {
		d := pkt.Data()
		if pkt.ServiceCommand() != CmdGetRole || len(d) < 9 || !bytes.Equal(d[:9], query) {
			return
		}
		select {
		case got <- string(d[9:]):
		default:
		}
	})
	defer unsub()

	if err := c.svc.SendCommand(jdpacket.NewPacket(CmdGetRole, query)); err != nil {
		return "", err
	}
	select {
	case role := <-got:
		return role, nil
	case <-ctx.Done():
		return "", fmt.Errorf("get role %s[%d]: %w", id.ShortID(), idx, ctx.Err())
	}
}

// SetRole assigns role to a slot; an empty role clears it
func (c *Client) SetRole(ctx context.Context, id jdpacket.DeviceID, idx uint8, role string) error {
	data, err := jdpacket.Pack(storedRoleFormat, id.Bytes(), idx, role)
	if err != nil {
		return err
	}
	return c.svc.SendCommandWithAck(ctx, jdpacket.NewPacket(CmdSetRole, data))
}

// ClearRoles removes every stored role
func (c *Client) ClearRoles(ctx context.Context) error {
	return c.svc.SendCommandWithAck(ctx, jdpacket.NewPacket(CmdClearAllRoles, nil))
}

// SetAutoBind enables or disables automatic binding
func (c *Client) SetAutoBind(ctx context.Context, on bool) error {
	return c.svc.Register(RegAutoBind).Write(ctx, on)
}

// AllRolesAllocated refreshes and returns the all-roles-allocated flag
func (c *Client) AllRolesAllocated(ctx context.Context) (bool, error) {
	r := c.svc.Register(RegAllRolesAllocated)
	if err := r.Refresh(ctx); err != nil {
		return false, err
	}
	d := r.Data()
	return len(d) > 0 && d[0] != 0, nil
}

// OnChange calls fn whenever the role manager reports a change
func (c *Client) OnChange(fn func()) (unsubscribe func()) {
	return c.svc.Event(jdpacket.EventChange).Subscribe(func(jdom.EventOccurrence) { fn() })
}
