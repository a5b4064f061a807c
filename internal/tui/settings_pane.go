package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/deploygraph/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget     string
	pollInterval   string
	dispatchLimit  string
	maxConcurrency string
	skipPolicy     string
	logLevel       string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	m.saveTarget = "project"
	m.pollInterval = m.config.Runner.PollInterval.Std().String()
	m.dispatchLimit = strconv.Itoa(m.config.Runner.DispatchLimit)
	m.maxConcurrency = strconv.Itoa(m.config.Runner.MaxConcurrency)
	m.skipPolicy = m.config.Runner.SkipPolicy
	if m.skipPolicy == "" {
		m.skipPolicy = "satisfies"
	}
	m.logLevel = m.config.Logging.Level
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateInt(lo int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("not a number")
		}
		if n < lo {
			return fmt.Errorf("must be at least %d", lo)
		}
		return nil
	}
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/"+config.Dir+"/config.json)", "global"),
					huh.NewOption("Project ("+config.Dir+"/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("pollInterval").
				Title("Poll Interval").
				Value(&m.pollInterval).
				Placeholder("250ms").
				Validate(validateDuration),

			huh.NewInput().
				Key("dispatchLimit").
				Title("Dispatch Limit").
				Description("Concurrent executor calls per tick").
				Value(&m.dispatchLimit).
				Validate(validateInt(1)),

			huh.NewInput().
				Key("maxConcurrency").
				Title("Max Concurrency").
				Description("Busy nodes at once, 0 for unlimited").
				Value(&m.maxConcurrency).
				Validate(validateInt(0)),

			huh.NewSelect[string]().
				Key("skipPolicy").
				Title("Skipped Dependencies").
				Options(
					huh.NewOption("Satisfy dependents", "satisfies"),
					huh.NewOption("Block dependents", "blocks"),
				).
				Value(&m.skipPolicy),
		).Title("Runner"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),
		).Title("Logging"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the config and writes it out. The live
// config is only replaced once the write succeeded.
func (m *SettingsPaneModel) save() error {
	next := *m.config
	poll, err := time.ParseDuration(m.pollInterval)
	if err != nil {
		return fmt.Errorf("poll interval: %w", err)
	}
	next.Runner.PollInterval = config.Duration(poll)
	if next.Runner.DispatchLimit, err = strconv.Atoi(m.dispatchLimit); err != nil {
		return fmt.Errorf("dispatch limit: %w", err)
	}
	if next.Runner.MaxConcurrency, err = strconv.Atoi(m.maxConcurrency); err != nil {
		return fmt.Errorf("max concurrency: %w", err)
	}
	next.Runner.SkipPolicy = m.skipPolicy
	next.Logging.Level = m.logLevel

	target := m.globalPath
	if m.saveTarget == "project" {
		target = m.projectPath
	}
	if err := config.Save(&next, target); err != nil {
		return err
	}
	*m.config = next
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	heading := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied on next run)")

	return lipgloss.JoinVertical(lipgloss.Left, heading, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written successfully.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
