package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deploygraph/internal/config"
	"github.com/aristath/deploygraph/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneNodes
	PaneCluster
)

const paneCount = 3

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	nodePane     NodePaneModel
	clusterPane  ClusterPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model subscribed to every topic of the bus. nodes
// seeds the node pane so idle nodes show before their first transition.
func New(eventBus *events.EventBus, cfg *config.Config, globalPath, projectPath string, nodes ...string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		nodePane:     NewNodePaneModel(nodes...),
		clusterPane:  NewClusterPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the subscription channel is closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Settings is modal while open.
		if m.showSettings {
			if msg.String() == KeyEsc {
				m.showSettings = false
				m.settingsPane.SetVisible(false)
				return m, nil
			}
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneNodes
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneCluster
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.TaskStatusEvent, events.TaskOutputEvent, tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		if _, ok := msg.(tickMsg); !ok {
			cmds = append(cmds, waitForEvent(m.eventSub))
		}

	case events.NodeStatusEvent:
		m.nodePane, _ = m.nodePane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ClusterProgressEvent, events.ClusterFailedEvent:
		m.clusterPane, _ = m.clusterPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case RunFinishedMsg:
		m.clusterPane, _ = m.clusterPane.Update(msg)

	case busClosedMsg:
		// Nothing more will arrive; stop listening.

	default:
		// Form internals (cursor blink and the like) belong to the settings pane.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.nodePane.View(), m.clusterPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	nodeHeight := (availableHeight * 50) / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.nodePane.SetSize(rightWidth, nodeHeight)
	m.clusterPane.SetSize(rightWidth, availableHeight-nodeHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.nodePane.SetFocused(m.focusedPane == PaneNodes)
	m.clusterPane.SetFocused(m.focusedPane == PaneCluster)
}
