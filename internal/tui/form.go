// Package tui provides the interactive migration form: a small Bubble Tea
// model that collects source, target and strategy before a run, for
// operators who prefer not to hand-write a mapping in YAML.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pgops/cloudsql-migrate/internal/mapping"
)

type formStep int

const (
	stepSourceInstance formStep = iota
	stepTargetInstance
	stepDatabases
	stepStrategy
	stepConflict
	stepConfirm
	stepDone
)

// Answers holds the collected form input.
type Answers struct {
	SourceInstance string
	TargetInstance string
	Databases      []string // empty = discover all
	Strategy       mapping.Strategy
	Conflict       mapping.ConflictPolicy
	Confirmed      bool
}

type prompt struct {
	label       string
	placeholder string
	validate    func(string) error
}

var prompts = map[formStep]prompt{
	stepSourceInstance: {
		label:       "Source instance",
		placeholder: "my-project:source-instance",
		validate:    required("source instance"),
	},
	stepTargetInstance: {
		label:       "Target instance",
		placeholder: "my-project:target-instance",
		validate:    required("target instance"),
	},
	stepDatabases: {
		label:       "Databases (comma separated, empty = all)",
		placeholder: "orders, crm",
	},
	stepStrategy: {
		label:       "Strategy",
		placeholder: "simple",
		validate:    oneOf("strategy", "simple", "consolidate", "distribute", "replicate", "version-based", "round-robin", "split-by-database"),
	},
	stepConflict: {
		label:       "Conflict resolution",
		placeholder: "fail",
		validate:    oneOf("conflict resolution", "fail", "prefix", "suffix", "merge", "rename-schema"),
	},
	stepConfirm: {
		label:       "Start migration? (y/N)",
		placeholder: "y",
	},
}

func required(name string) func(string) error {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func oneOf(name string, valid ...string) func(string) error {
	return func(v string) error {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil // empty picks the placeholder default
		}
		for _, ok := range valid {
			if v == ok {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of: %s", name, strings.Join(valid, ", "))
	}
}

// Model is the form's Bubble Tea model.
type Model struct {
	input   textinput.Model
	step    formStep
	answers Answers
	lines   []string // completed prompt/answer lines
	errMsg  string
}

// NewModel creates the form at its first step.
func NewModel() Model {
	ti := textinput.New()
	ti.Placeholder = prompts[stepSourceInstance].placeholder
	ti.Focus()
	ti.CharLimit = 120
	ti.Width = 48
	ti.Prompt = "❯ "

	return Model{input: ti}
}

// Answers returns the collected input; valid once the form reports done.
func (m Model) Answers() Answers {
	return m.answers
}

// Done reports whether the form finished (confirmed or aborted).
func (m Model) Done() bool {
	return m.step == stepDone
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.answers.Confirmed = false
			m.step = stepDone
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	p := prompts[m.step]

	if p.validate != nil {
		if err := p.validate(value); err != nil {
			m.errMsg = err.Error()
			return m, nil
		}
	}
	m.errMsg = ""

	switch m.step {
	case stepSourceInstance:
		m.answers.SourceInstance = value
	case stepTargetInstance:
		m.answers.TargetInstance = value
	case stepDatabases:
		m.answers.Databases = splitList(value)
	case stepStrategy:
		if value == "" {
			value = "simple"
		}
		m.answers.Strategy = mapping.Strategy(value)
	case stepConflict:
		if value == "" {
			value = "fail"
		}
		m.answers.Conflict = mapping.ConflictPolicy(value)
	case stepConfirm:
		m.answers.Confirmed = strings.EqualFold(value, "y") || strings.EqualFold(value, "yes")
		m.step = stepDone
		return m, tea.Quit
	}

	shown := value
	if shown == "" {
		shown = "(default)"
	}
	m.lines = append(m.lines, styleLabelDone.Render(p.label+": ")+shown)

	m.step++
	next := prompts[m.step]
	m.input.Reset()
	m.input.Placeholder = next.placeholder
	return m, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (m Model) View() string {
	if m.step == stepDone {
		if m.answers.Confirmed {
			return styleSuccess.Render("✔ Starting migration") + "\n"
		}
		return styleHelp.Render("Aborted") + "\n"
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("cloudsql-migrate") + "\n")
	for _, line := range m.lines {
		b.WriteString(line + "\n")
	}
	b.WriteString(styleLabel.Render(prompts[m.step].label) + "\n")
	b.WriteString(m.input.View() + "\n")
	if m.errMsg != "" {
		b.WriteString(styleError.Render("✖ "+m.errMsg) + "\n")
	}
	b.WriteString(styleHelp.Render("enter to continue · esc to abort"))
	return styleBox.Render(b.String()) + "\n"
}

// Run shows the form and blocks until the operator finishes or aborts.
func Run() (Answers, error) {
	final, err := tea.NewProgram(NewModel()).Run()
	if err != nil {
		return Answers{}, err
	}
	model, ok := final.(Model)
	if !ok {
		return Answers{}, fmt.Errorf("unexpected model type %T", final)
	}
	return model.Answers(), nil
}
