package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deploygraph/internal/events"
)

// RunFinishedMsg is sent by the driver when the run loop returns.
type RunFinishedMsg struct {
	Successful bool
	Reason     string
	Err        error
}

// ClusterPaneModel shows overall progress of the cluster.
type ClusterPaneModel struct {
	progress events.ClusterProgressEvent
	failure  string
	finished *RunFinishedMsg
	width    int
	height   int
	focused  bool
}

// NewClusterPaneModel creates an empty cluster pane.
func NewClusterPaneModel() ClusterPaneModel {
	return ClusterPaneModel{}
}

// Update handles messages for the cluster pane.
func (m ClusterPaneModel) Update(msg tea.Msg) (ClusterPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ClusterProgressEvent:
		m.progress = msg
	case events.ClusterFailedEvent:
		m.failure = msg.Reason
	case RunFinishedMsg:
		m.finished = &msg
	}
	return m, nil
}

// View renders the cluster pane.
func (m ClusterPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	p := m.progress
	var b strings.Builder

	t := title("Cluster Progress")
	b.WriteString(t)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(t)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:       %d\n", p.Total)
	fmt.Fprintf(&b, "Successful:  %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Successful)))
	fmt.Fprintf(&b, "Running:     %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Skipped:     %s\n", StyleStatusSkipped.Render(fmt.Sprint(p.Skipped)))
	fmt.Fprintf(&b, "Pending:     %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	if p.Maximum > 0 {
		fmt.Fprintf(&b, "Concurrency: %d/%d\n", p.Concurrency, p.Maximum)
	} else {
		fmt.Fprintf(&b, "Concurrency: %d\n", p.Concurrency)
	}
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(m.bar(min(m.width-12, 40)))
		b.WriteString("\n")
	}

	if m.failure != "" {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Failed: " + m.failure))
		b.WriteString("\n")
	}
	if f := m.finished; f != nil {
		b.WriteString("\n")
		switch {
		case f.Err != nil:
			b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("Run aborted: %v", f.Err)))
		case f.Successful:
			b.WriteString(StyleStatusComplete.Render("Run complete"))
		default:
			b.WriteString(StyleStatusFailed.Render("Run finished: " + f.Reason))
		}
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ClusterPaneModel) bar(width int) string {
	p := m.progress
	if width <= 0 {
		return ""
	}
	done := (p.Successful * width) / p.Total
	failed := (p.Failed * width) / p.Total
	skipped := (p.Skipped * width) / p.Total
	running := (p.Running * width) / p.Total
	rest := width - done - failed - skipped - running

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
	bar += StyleStatusSkipped.Render(strings.Repeat("~", max(0, skipped)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))
	return fmt.Sprintf("[%s]  %d/%d", bar, p.Completed(), p.Total)
}

// Progress returns the last progress event received.
func (m ClusterPaneModel) Progress() events.ClusterProgressEvent {
	return m.progress
}

// SetSize updates the pane dimensions.
func (m *ClusterPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ClusterPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
