package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deploygraph/internal/events"
)

// NodeState is the pane's view of a node.
type NodeState struct {
	UID    string
	Status string
	Task   string
}

// NodePaneModel lists the cluster's nodes with their status and current task.
type NodePaneModel struct {
	nodes   map[string]*NodeState
	order   []string
	width   int
	height  int
	focused bool
}

// NewNodePaneModel creates an empty node pane. Nodes given up front are
// listed as online before any event arrives.
func NewNodePaneModel(uids ...string) NodePaneModel {
	m := NodePaneModel{nodes: make(map[string]*NodeState)}
	for _, uid := range uids {
		m.track(uid)
	}
	return m
}

// Update handles messages for the node pane.
func (m NodePaneModel) Update(msg tea.Msg) (NodePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.NodeStatusEvent:
		node := m.track(msg.Node)
		node.Status = msg.To
		node.Task = msg.Task
	}
	return m, nil
}

func (m *NodePaneModel) track(uid string) *NodeState {
	if node, ok := m.nodes[uid]; ok {
		return node
	}
	node := &NodeState{UID: uid, Status: "online"}
	m.nodes[uid] = node
	m.order = append(m.order, uid)
	return node
}

// Node returns the tracked state for a node uid.
func (m NodePaneModel) Node(uid string) (*NodeState, bool) {
	node, ok := m.nodes[uid]
	return node, ok
}

// View renders the node pane.
func (m NodePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	t := title("Nodes")
	b.WriteString(t)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(t)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("No nodes yet"))
	}
	for _, uid := range m.order {
		node := m.nodes[uid]
		line := fmt.Sprintf("%s %-20s %-10s", StatusIcon(node.Status), uid, node.Status)
		if node.Task != "" {
			line += " " + StyleStatusRunning.Render(node.Task)
		}
		b.WriteString(line)
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

// SetSize updates the pane dimensions.
func (m *NodePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *NodePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
