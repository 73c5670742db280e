// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flashing updates device firmware over the bus through the
// bootloader service.
//
// An update resets the target devices into their bootloaders, establishes a
// random session id with each, then streams every page as a series of
// subpages. The first round of each page goes out as a multicommand; later
// rounds resend only the last subpage, unicast, to devices that did not
// confirm the page. Devices are always reset at the end, even on failure.
package flashing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Page transfer constants
const (
	SubpageSize = 208

	roundStep  = 5 * time.Millisecond
	resetSpace = 10 * time.Millisecond
)

var pageHeader = jdpacket.MustParseLayout("u32 u16 u8 u8 u32 u32 u32 u32 u32")

// PageHeaderSize is the size of the header preceding subpage data
const PageHeaderSize = 28

// Flasher drives firmware updates on a bus
type Flasher struct {
	bus    *jdom.Bus
	cfg    Config
	logger *slog.Logger
}

// NewFlasher creates a flasher for the bus
func NewFlasher(bus *jdom.Bus, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{bus: bus, cfg: cfg, logger: cfg.Logger}
}

// FlashFirmwareBlob resets candidates into their bootloaders and writes blob
// to every bootloader of the blob's device class. It fails if the number of
// bootloaders found differs from the number of candidates.
func (f *Flasher) FlashFirmwareBlob(ctx context.Context, blob *FirmwareBlob, candidates []FirmwareInfo) error {
	if len(candidates) == 0 {
		return nil
	}

	f.bus.FreezeDevices()
	defer f.bus.UnfreezeDevices()

	for _, c := range candidates {
		f.logger.Info("resetting into bootloader", "device", c.DeviceID.String())
		dev := f.bus.EnsureDevice(c.DeviceID)
		if err := dev.SendCommand(jdpacket.ServiceIndexControl, jdpacket.NewControlCommand(jdpacket.ControlCmdReset)); err != nil {
			return fmt.Errorf("reset %s: %w", c.DeviceID, err)
		}
	}

	found, err := ScanBootloaders(ctx, f.bus, f.cfg.ScanTries)
	if err != nil {
		return err
	}
	var flashers []BootloaderInfo
	for _, bl := range found {
		if bl.DeviceClass == blob.DeviceClass {
			flashers = append(flashers, bl)
		}
	}
	if len(flashers) == 0 {
		return ErrNoDevicesToFlash
	}
	if len(flashers) != len(candidates) {
		return &WrongFlasherCountError{Expected: len(candidates), Got: len(flashers)}
	}

	s := &session{
		f:       f,
		clients: make([]*flashClient, len(flashers)),
		total:   len(blob.Pages) + 2 + f.cfg.ResetWaitSteps,
	}
	for i, bl := range flashers {
		s.clients[i] = &flashClient{info: bl, dev: f.bus.EnsureDevice(bl.DeviceID)}
	}
	return s.flash(ctx, blob)
}

type flashClient struct {
	info    BootloaderInfo
	dev     *jdom.Device
	pending bool
	status  []byte
}

// session is one flash of a blob to a set of bootloaders
type session struct {
	f       *Flasher
	id      uint32
	clients []*flashClient

	step  int
	total int

	mu sync.Mutex
}

func (s *session) handle(ev jdom.BusEvent) {
	if ev.Kind != jdom.EventPacketReceive || ev.Packet == nil || !ev.Packet.IsReport() {
		return
	}
	pkt := ev.Packet
	if pkt.ServiceIndex() != bootloaderServiceIndex {
		return
	}
	if cmd := pkt.ServiceCommand(); cmd != BLCmdPageData && cmd != BLCmdSetSession {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.info.DeviceID == pkt.DeviceID() {
			c.status = append([]byte(nil), pkt.Data()...)
		}
	}
}

func (s *session) progress(phase string) {
	if s.f.cfg.Progress == nil {
		s.step++
		return
	}
	frac := float64(s.step) / float64(s.total)
	if frac > 1 {
		frac = 1
	}
	s.f.cfg.Progress(Progress{Phase: phase, Step: s.step, Total: s.total, Fraction: frac})
	s.step++
}

func (s *session) sleep(ctx context.Context, d time.Duration) error {
	return jdom.Sleep(ctx, s.f.bus.Scheduler(), d)
}

func (s *session) flash(ctx context.Context, blob *FirmwareBlob) error {
	unsub := s.f.bus.Subscribe(s.handle)
	defer unsub()

	s.progress(PhaseSession)
	err := s.start(ctx)
	if err == nil {
		for _, page := range blob.Pages {
			if err = s.writePage(ctx, page); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.f.logger.Error("flashing failed", "blob", blob.Name, "error", err)
	}

	if endErr := s.end(context.WithoutCancel(ctx)); err == nil {
		err = endErr
	}
	return err
}

// start establishes a random session id with every client
func (s *session) start(ctx context.Context) error {
	s.id = s.f.bus.RandomUint32N(0x10000000)
	data, err := jdpacket.Pack("u32", s.id)
	if err != nil {
		return err
	}
	setSession := jdpacket.NewPacket(BLCmdSetSession, data)
	s.f.logger.Info("setting session", "session", fmt.Sprintf("%08x", s.id), "devices", len(s.clients))

	s.markAll()
	for round := 0; round < s.f.cfg.Retries; round++ {
		for _, c := range s.clients {
			if !s.isPending(c) {
				continue
			}
			if s.confirmSession(c) {
				continue
			}
			if err := c.dev.SendCommand(bootloaderServiceIndex, setSession); err != nil {
				s.f.logger.Debug("set session failed", "device", c.info.DeviceID.String(), "error", err)
			}
			if err := s.sleep(ctx, roundStep); err != nil {
				return err
			}
		}
		if s.numPending() == 0 {
			return nil
		}
		if err := s.waitForStatus(ctx); err != nil {
			return err
		}
	}
	for _, c := range s.clients {
		if s.isPending(c) {
			s.confirmSession(c)
		}
	}

	if ids := s.pendingIDs(); len(ids) > 0 {
		return &SessionSetupFailedError{Devices: ids}
	}
	return nil
}

// confirmSession clears a client's pending flag when its last status carries
// the session id, otherwise drops the stale status
func (s *session) confirmSession(c *flashClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u32(c.status, 0) == s.id && len(c.status) >= 4 {
		c.pending = false
		return true
	}
	c.status = nil
	return false
}

func (s *session) writePage(ctx context.Context, page FirmwarePage) error {
	pageSize := len(page.Data)
	numSubpages := (pageSize + SubpageSize - 1) / SubpageSize
	logger := s.f.logger.With("page", fmt.Sprintf("0x%08x", page.TargetAddress))

	for _, c := range s.clients {
		if int(c.info.PageSize) != pageSize {
			return fmt.Errorf("page 0x%08x: %d bytes, device %s expects %d",
				page.TargetAddress, pageSize, c.info.DeviceID, c.info.PageSize)
		}
	}

	s.markAll()
	lastReason := "no status"
	for round := 0; round < s.f.cfg.Retries; round++ {
		sub := 0
		for off := 0; off < pageSize; off += SubpageSize {
			end := min(off+SubpageSize, pageSize)
			hdr, err := pageHeader.Pack(page.TargetAddress, off, sub, numSubpages-1, s.id, 0, 0, 0, 0)
			if err != nil {
				return err
			}
			sub++
			pkt := jdpacket.NewPacket(BLCmdPageData, append(hdr, page.Data[off:end]...))

			if round == 0 || sub < numSubpages {
				if err := s.f.bus.SendMulticommand(jdpacket.ServiceClassBootloader, pkt); err != nil {
					logger.Debug("multicast subpage failed", "error", err)
				}
			} else {
				for _, c := range s.clients {
					if !s.isPending(c) {
						continue
					}
					s.clearStatus(c)
					if err := c.dev.SendCommand(bootloaderServiceIndex, pkt); err != nil {
						logger.Debug("subpage resend failed", "device", c.info.DeviceID.String(), "error", err)
					}
				}
			}
			if err := s.sleep(ctx, roundStep); err != nil {
				return err
			}
		}

		if err := s.waitForStatus(ctx); err != nil {
			return err
		}

		for _, c := range s.clients {
			if !s.isPending(c) {
				continue
			}
			if reason := s.checkPageStatus(c, page.TargetAddress); reason != "" {
				lastReason = reason
				logger.Debug("page retry", "device", c.info.DeviceID.String(), "round", round, "reason", reason)
				continue
			}
		}
		if s.numPending() == 0 {
			s.progress(PhaseWriting)
			return nil
		}
	}

	return &PageWriteFailedError{PageAddress: page.TargetAddress, Devices: s.pendingIDs(), LastReason: lastReason}
}

// checkPageStatus validates a page status report (session, error, address),
// returning an empty string when the page was written
func (s *session) checkPageStatus(c *flashClient, addr uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := c.status
	var reason string
	switch {
	case len(st) < 12:
		reason = "no status"
	case u32(st, 0) != s.id:
		reason = "invalid session id"
	case u32(st, 8) != addr:
		reason = "invalid page address"
	case u32(st, 4) != 0:
		reason = fmt.Sprintf("error 0x%x", u32(st, 4))
	}
	if reason != "" {
		c.status = nil
		return reason
	}
	c.pending = false
	return ""
}

// end resets every client and waits for them to leave bootloader mode
func (s *session) end(ctx context.Context) error {
	s.progress(PhaseResetting)
	for _, c := range s.clients {
		if err := s.sleep(ctx, resetSpace); err != nil {
			return err
		}
		s.f.logger.Info("resetting", "device", c.info.DeviceID.String())
		if err := c.dev.SendCommand(jdpacket.ServiceIndexControl, jdpacket.NewControlCommand(jdpacket.ControlCmdReset)); err != nil {
			s.f.logger.Warn("reset failed", "device", c.info.DeviceID.String(), "error", err)
		}
	}
	for i := 0; i < s.f.cfg.ResetWaitSteps; i++ {
		if err := s.sleep(ctx, s.f.cfg.ResetWaitStep); err != nil {
			return err
		}
		s.progress(PhaseResetting)
	}
	s.progress(PhaseDone)
	return nil
}

// waitForStatus polls until every pending client has a status or the poll
// budget runs out
func (s *session) waitForStatus(ctx context.Context) error {
	for i := 0; i < s.f.cfg.StatusPolls; i++ {
		if s.allReported() {
			return nil
		}
		if err := s.sleep(ctx, s.f.cfg.StatusPollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) markAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.pending = true
		c.status = nil
	}
}

func (s *session) isPending(c *flashClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.pending
}

func (s *session) clearStatus(c *flashClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.status = nil
}

func (s *session) allReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.pending && c.status == nil {
			return false
		}
	}
	return true
}

func (s *session) numPending() int {
	return len(s.pendingIDs())
}

func (s *session) pendingIDs() []jdpacket.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []jdpacket.DeviceID
	for _, c := range s.clients {
		if c.pending {
			ids = append(ids, c.info.DeviceID)
		}
	}
	return ids
}
