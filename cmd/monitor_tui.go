// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxLogEntries   = 100
	visibleLogLines = 8
	leftPanelWidth  = 30
	uptimeTimeout   = 2 * time.Second
)

// Focus states
const (
	focusDeviceList = iota
	focusDetails
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// logEntry is one line of the event log
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// deviceItem is a snapshot of a device for the list
type deviceItem struct {
	id       jdpacket.DeviceID
	services []string
	firmware string
	lost     bool
}

// Implement list.Item interface
func (d deviceItem) Title() string {
	if d.lost {
		return d.id.ShortID() + " (lost)"
	}
	return d.id.ShortID()
}

func (d deviceItem) Description() string {
	if d.firmware != "" {
		return d.firmware
	}
	if len(d.services) == 0 {
		return "no services"
	}
	return strings.Join(d.services, " ")
}

func (d deviceItem) FilterValue() string { return d.id.String() }

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	bus      *jdom.Bus
	connInfo string

	deviceList   list.Model
	focusedField int

	stats    jdpacket.Statistics
	eventLog []logEntry

	uptimes     map[jdpacket.DeviceID]uint64
	refresh     time.Duration
	lastRefresh time.Time

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type busBatchMsg struct {
	events []jdom.BusEvent
}

type uptimeMsg struct {
	id jdpacket.DeviceID
	ms uint64
}

type identifyMsg struct {
	id  jdpacket.DeviceID
	err error
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func newMonitorModel(bus *jdom.Bus, connInfo string, refresh time.Duration) monitorModel {
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, leftPanelWidth, 10)
	deviceList.Title = "Devices"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	m := monitorModel{
		bus:        bus,
		connInfo:   connInfo,
		deviceList: deviceList,
		stats:      bus.Stats(),
		uptimes:    make(map[jdpacket.DeviceID]uint64),
		refresh:    refresh,
	}
	m.addLogEntry(fmt.Sprintf("Connected: %s", connInfo), false)
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.deviceList, _ = m.deviceList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case monitorTickMsg:
		m.stats = m.bus.Stats()
		m.stats.CalculateRates()
		m.updateDeviceList()
		cmds = append(cmds, monitorTickCmd())
		if !m.connectionLost && time.Since(m.lastRefresh) >= m.refresh {
			m.lastRefresh = time.Now()
			cmds = append(cmds, m.refreshUptimes()...)
		}

	case busBatchMsg:
		for _, ev := range msg.events {
			m.processBusEvent(ev)
		}
		m.updateDeviceList()

	case uptimeMsg:
		m.uptimes[msg.id] = msg.ms

	case identifyMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Identify %s failed: %v", msg.id.ShortID(), msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Identify sent to %s", msg.id.ShortID()), false)
		}

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected - requesting announces", false)
	}

	return m, tea.Batch(cmds...)
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focusedField == focusDeviceList {
			m.focusedField = focusDetails
		} else {
			m.focusedField = focusDeviceList
		}
		return m, nil

	case "enter":
		return m, m.identifySelected()

	case "r":
		m.lastRefresh = time.Now()
		return m, tea.Batch(m.refreshUptimes()...)

	case "up", "k", "down", "j":
		if m.focusedField == focusDeviceList {
			var cmd tea.Cmd
			m.deviceList, cmd = m.deviceList.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// identifySelected blinks the status light of the selected device
func (m *monitorModel) identifySelected() tea.Cmd {
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return nil
	}
	dev := m.selectedDevice()
	if dev == nil {
		return nil
	}
	return func() tea.Msg {
		err := dev.SendCommand(jdpacket.ServiceIndexControl, jdpacket.NewControlCommand(jdpacket.ControlCmdIdentify))
		return identifyMsg{id: dev.ID(), err: err}
	}
}

// refreshUptimes reads the uptime register of every live device
func (m monitorModel) refreshUptimes() []tea.Cmd {
	var cmds []tea.Cmd
	for _, dev := range m.bus.Devices() {
		if dev.Lost() {
			continue
		}
		cmds = append(cmds, func() tea.Msg {
			ms, err := readUptime(context.Background(), dev, uptimeTimeout)
			if err != nil {
				return nil
			}
			return uptimeMsg{id: dev.ID(), ms: ms}
		})
	}
	return cmds
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("JDBUS MONITOR"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch Enter=identify r=refresh", connStatus)))
	s.WriteString("\n\n")

	rightWidth := m.width - leftPanelWidth - 6
	listStyle := boxStyle.Width(leftPanelWidth)
	detailStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(leftPanelWidth)
	} else {
		detailStyle = focusedBoxStyle.Width(rightWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())
	detailPanel := detailStyle.Render(m.renderDetails())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", detailPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m monitorModel) renderDetails() string {
	dev := m.selectedDevice()
	if dev == nil {
		return headerStyle.Render("No device selected")
	}

	var s strings.Builder
	row := func(label, value string) {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(label), valueStyle.Render(value)))
	}

	row("Device:", dev.ID().String())
	fw := dev.Firmware()
	if fw.Description != "" {
		row("Description:", fw.Description)
	}
	if fw.Version != "" {
		row("Firmware:", fw.Version)
	}
	if fw.FirmwareIdentifier != 0 {
		row("Product:", fmt.Sprintf("0x%08x", fw.FirmwareIdentifier))
	}
	row("Restarts:", fmt.Sprintf("%d", dev.RestartCounter()))
	if ms, ok := m.uptimes[dev.ID()]; ok {
		row("Uptime:", formatUptime(ms))
	}
	stats := dev.Stats()
	row("Packets:", fmt.Sprintf("%d (%d announces)", stats.Received, stats.Announces))

	seen := time.Since(dev.LastSeen()).Truncate(time.Millisecond)
	if dev.Lost() {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Last seen:"), errorStyle.Render(fmt.Sprintf("%s ago (lost)", seen))))
	} else {
		row("Last seen:", fmt.Sprintf("%s ago", seen))
	}

	s.WriteString("\n")
	s.WriteString(labelStyle.Render("Services"))
	s.WriteString("\n")
	for _, svc := range dev.Services() {
		if svc.Index() == jdpacket.ServiceIndexControl {
			continue
		}
		s.WriteString(fmt.Sprintf("  %2d %-20s %s\n", svc.Index(), svc.Name(), headerStyle.Render(fmt.Sprintf("0x%08x", svc.Class()))))
	}
	if !dev.Announced() {
		s.WriteString(headerStyle.Render("  (waiting for announce)"))
	}
	return s.String()
}

func (m monitorModel) renderStatisticsBar() string {
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(m.stats.ErrorCount()) * 100.0 / float64(m.stats.TotalFrames)
	}

	errText := valueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		labelStyle.Render("Errors:"), errText,
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		labelStyle.Render("Devices:"), valueStyle.Render(fmt.Sprintf("%d", len(m.deviceList.Items()))),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m monitorModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
		return boxStyle.Width(m.width - 4).Render(s.String())
	}

	start := max(len(m.eventLog)-visibleLogLines, 0)
	for _, entry := range m.eventLog[start:] {
		icon := "i"
		style := warningStyle
		if entry.isError {
			icon = "x"
			style = errorStyle
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message))
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *monitorModel) processBusEvent(ev jdom.BusEvent) {
	switch ev.Kind {
	case jdom.EventDeviceConnect:
		m.addLogEntry(fmt.Sprintf("Device %s found", ev.Device.ID().ShortID()), false)
	case jdom.EventDeviceDisconnect:
		delete(m.uptimes, ev.Device.ID())
		m.addLogEntry(fmt.Sprintf("Device %s removed", ev.Device.ID().ShortID()), true)
	case jdom.EventDeviceLost:
		m.addLogEntry(fmt.Sprintf("Device %s lost", ev.Device.ID().ShortID()), true)
	case jdom.EventDeviceFound:
		m.addLogEntry(fmt.Sprintf("Device %s back", ev.Device.ID().ShortID()), false)
	case jdom.EventDeviceRestart:
		delete(m.uptimes, ev.Device.ID())
		m.addLogEntry(fmt.Sprintf("Device %s restarted", ev.Device.ID().ShortID()), true)
	case jdom.EventDeviceAnnounce:
		m.addLogEntry(fmt.Sprintf("Device %s announced %d services", ev.Device.ID().ShortID(), len(ev.Device.ServiceClasses())-1), false)
	case jdom.EventFrameError:
		m.addLogEntry(fmt.Sprintf("FRAME ERROR: %v", ev.Err), true)
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

func (m *monitorModel) selectedDevice() *jdom.Device {
	item, ok := m.deviceList.SelectedItem().(deviceItem)
	if !ok {
		return nil
	}
	return m.bus.Device(item.id)
}

// updateDeviceList rebuilds the list items from the bus directory
func (m *monitorModel) updateDeviceList() {
	devices := m.bus.Devices()
	items := make([]list.Item, 0, len(devices))
	for _, dev := range devices {
		items = append(items, newDeviceItem(dev))
	}
	m.deviceList.SetItems(items)
}

func newDeviceItem(dev *jdom.Device) deviceItem {
	item := deviceItem{
		id:       dev.ID(),
		firmware: dev.Firmware().Description,
		lost:     dev.Lost(),
	}
	for _, svc := range dev.Services() {
		if svc.Index() != jdpacket.ServiceIndexControl {
			item.services = append(item.services, svc.Name())
		}
	}
	return item
}

func (m *monitorModel) updateListSize() {
	h := m.height - 20
	if h < 4 {
		h = 4
	}
	m.deviceList.SetSize(leftPanelWidth, h)
}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	months := days / 30
	years := months / 12

	units := []struct {
		n    uint64
		name string
	}{
		{years, "year"},
		{months % 12, "month"},
		{days % 30, "day"},
		{hours % 24, "hour"},
		{minutes % 60, "minute"},
		{seconds % 60, "second"},
	}

	parts := []string{}
	for _, u := range units {
		switch {
		case u.n == 1:
			parts = append(parts, "1 "+u.name)
		case u.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", u.n, u.name))
		}
	}
	if len(parts) == 0 {
		return "0 seconds"
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}
