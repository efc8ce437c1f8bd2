package verification

import (
	"errors"
	"io"

	"github.com/bnema/ag-wakeup/internal/domain"
	tea "github.com/charmbracelet/bubbletea"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

type renderReadyMsg struct{}

type model struct {
	render func(styles) string
	styles styles
	output string
}

func (m model) Init() tea.Cmd {
	return func() tea.Msg {
		return renderReadyMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case renderReadyMsg:
		m.output = m.render(m.styles)
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m model) View() string {
	return m.output
}

// RenderState renders the latest verification status of every account.
func RenderState(items []domain.VerificationStateItem, opts RenderOptions) (string, error) {
	return run(func(s styles) string { return renderState(items, opts, s) })
}

// RenderHistory renders batch records, newest first as given.
func RenderHistory(records []domain.BatchHistoryRecord, opts RenderOptions) (string, error) {
	return run(func(s styles) string { return renderHistory(records, opts, s) })
}

func run(render func(styles) string) (string, error) {
	p := tea.NewProgram(
		model{render: render, styles: newStyles()},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := finalModel.(model)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}
