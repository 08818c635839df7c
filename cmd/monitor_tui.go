// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Thermoquad/meridian/internal/metrics"
	"github.com/Thermoquad/meridian/pkg/bus"
	"github.com/Thermoquad/meridian/pkg/reading"
)

// Log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Latest reading of one device
type deviceRow struct {
	reading reading.Reading
	event   string
	count   int
}

// TUI model
type monitorModel struct {
	router *bus.Router
	stats  *metrics.Statistics
	start  time.Time

	devices map[string]*deviceRow
	table   table.Model

	input     textinput.Model
	inputMode bool

	log           []logEntry
	maxLogEntries int

	width    int
	height   int
	quitting bool
}

// Messages
type monitorTickMsg time.Time
type readingsMsg []bus.Event
type logLineMsg string

// formatUptime formats a duration to a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	plural := func(n int64, unit string) {
		if n == 1 {
			parts = append(parts, "1 "+unit)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, unit))
		}
	}
	if days > 0 {
		plural(days, "day")
	}
	if hours > 0 {
		plural(hours, "hour")
	}
	if minutes > 0 {
		plural(minutes, "minute")
	}
	if seconds > 0 || len(parts) == 0 {
		plural(seconds, "second")
	}

	if len(parts) == 1 {
		return parts[0]
	}
	last := parts[len(parts)-1]
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + last
}

func initialMonitorModel(router *bus.Router, stats *metrics.Statistics) monitorModel {
	columns := []table.Column{
		{Title: "Device", Width: 28},
		{Title: "Class", Width: 12},
		{Title: "Value", Width: 10},
		{Title: "Updated", Width: 12},
		{Title: "#", Width: 5},
		{Title: "Details", Width: 40},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	ti := textinput.New()
	ti.Placeholder = "write lighting2_00F3A0B2_1 100"
	ti.Prompt = ": "
	ti.CharLimit = 120
	ti.Width = 60

	return monitorModel{
		router:        router,
		stats:         stats,
		start:         time.Now(),
		devices:       make(map[string]*deviceRow),
		table:         t,
		input:         ti,
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(m.tableHeight())

	case monitorTickMsg:
		m.refreshRows()
		return m, monitorTickCmd()

	case readingsMsg:
		for _, ev := range msg {
			mac := ev.Reading.Mac()
			row, ok := m.devices[mac]
			if !ok {
				row = &deviceRow{}
				m.devices[mac] = row
			}
			row.reading = ev.Reading
			row.event = ev.Name
			row.count++
			if ev.Name != bus.EventValue {
				m.addLogEntry(fmt.Sprintf("%s %s", ev.Name, mac), false)
			}
		}
		m.refreshRows()

	case logLineMsg:
		line := string(msg)
		m.addLogEntry(line, strings.Contains(line, " ERR ") || strings.Contains(line, " WRN "))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.inputMode {
		switch msg.String() {
		case "esc":
			m.inputMode = false
			m.input.Blur()
			m.input.SetValue("")
			m.table.Focus()
			return m, nil
		case "enter":
			line := m.input.Value()
			m.inputMode = false
			m.input.Blur()
			m.input.SetValue("")
			m.table.Focus()
			if err := runCommand(m.router, line); err != nil {
				m.addLogEntry(fmt.Sprintf("%s: %v", line, err), true)
			} else if strings.TrimSpace(line) != "" {
				m.addLogEntry(line+": ok", false)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case ":":
		m.inputMode = true
		m.table.Blur()
		return m, m.input.Focus()
	case "enter":
		// Prefill a command for the selected device
		if sel := m.table.SelectedRow(); len(sel) > 0 {
			m.inputMode = true
			m.table.Blur()
			m.input.SetValue("write " + sel[0] + " ")
			m.input.CursorEnd()
			return m, m.input.Focus()
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *monitorModel) refreshRows() {
	macs := maps.Keys(m.devices)
	slices.Sort(macs)

	rows := make([]table.Row, 0, len(macs))
	for _, mac := range macs {
		row := m.devices[mac]
		var details []string
		for _, mv := range row.reading.MetaValues() {
			details = append(details, mv.Name+"="+mv.Value)
		}
		value := row.reading.Value()
		if row.event != bus.EventValue {
			value = "~" + value
		}
		rows = append(rows, table.Row{
			mac,
			string(row.reading.Class()),
			value,
			formatAge(time.Since(row.reading.Timestamp())),
			fmt.Sprintf("%d", row.count),
			strings.Join(details, " "),
		})
	}
	m.table.SetRows(rows)
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m monitorModel) tableHeight() int {
	h := (m.height - 12) / 2
	if h < 4 {
		h = 4
	}
	return h
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("MERIDIAN - GATEWAY MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Up %s | %d devices | ':' command, 'enter' write selected, 'q' quit",
		formatUptime(time.Since(m.start)), len(m.devices))))
	s.WriteString("\n\n")

	// Links
	linkContent := strings.Builder{}
	names := m.stats.Links()
	if len(names) == 0 {
		linkContent.WriteString(headerStyle.Render("(no link activity yet)"))
	}
	for i, name := range names {
		snap := m.stats.Link(name)
		state := statsValueStyle.Render(snap.State)
		if snap.State != "connected" {
			state = warningStyle.Render(snap.State)
		}
		errs := statsValueStyle.Render(fmt.Sprintf("%d", snap.FrameErrors+snap.Errors))
		if snap.FrameErrors+snap.Errors > 0 {
			errs = errorStyle.Render(fmt.Sprintf("%d", snap.FrameErrors+snap.Errors))
		}
		if i > 0 {
			linkContent.WriteString("\n")
		}
		linkContent.WriteString(fmt.Sprintf("%-10s %s   %s %s   %s %s   %s %s   %s %s",
			statsLabelStyle.Render(name), state,
			statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.Frames)),
			statsLabelStyle.Render("Errors:"), errs,
			statsLabelStyle.Render("Readings:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.Readings)),
			statsLabelStyle.Render("Bytes:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", snap.BytesIn, snap.BytesOut)),
		))
		if snap.Retries > 0 && snap.State != "connected" {
			linkContent.WriteString(headerStyle.Render(fmt.Sprintf(" (retry in %s)", snap.Delay)))
		}
	}
	s.WriteString(boxStyle.Render(linkContent.String()))
	s.WriteString("\n\n")

	// Devices
	s.WriteString(statsLabelStyle.Render("Latest Readings:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")

	if m.inputMode {
		s.WriteString(m.input.View())
		s.WriteString("\n")
	}

	// Log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - m.tableHeight() - 14
	if logHeight < 3 {
		logHeight = 3
	}
	logContent := strings.Builder{}
	startIdx := len(m.log) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.log); i++ {
			entry := m.log[i]
			timestamp := entry.timestamp.Format("15:04:05")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
