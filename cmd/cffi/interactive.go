package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/cffi-runtime/engine"
	"github.com/wippyai/cffi-runtime/ffi"
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	ctx      context.Context
	err      error
	x        *ffi.FFI
	rt       *engine.Runtime
	lib      *ffi.Lib
	filename string
	wasi     bool
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

func newInteractiveModel(ctx context.Context, x *ffi.FFI, filename string, wasi bool) *interactiveModel {
	return &interactiveModel{
		ctx:      ctx,
		x:        x,
		filename: filename,
		wasi:     wasi,
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err   error
	rt    *engine.Runtime
	lib   *ffi.Lib
	funcs []funcInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	rt, lib, err := openLibrary(m.ctx, m.x, m.filename, m.wasi)
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, lib: lib, funcs: listFunctions(m.x, lib)}
}

func (m *interactiveModel) close() {
	if m.lib != nil {
		_ = m.lib.Close(m.ctx)
	}
	if m.rt != nil {
		_ = m.rt.Close(m.ctx)
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				m.close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}
			return m, nil

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.lib = msg.lib
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		cmds := make([]tea.Cmd, len(m.inputs))
		for i := range m.inputs {
			m.inputs[i], cmds[i] = m.inputs[i].Update(msg)
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

// prepareInputs builds one field per parameter, plus a field of
// space-separated extra arguments for a variadic function.
func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	n := len(f.params)
	if f.variadic {
		n++
	}
	m.inputs = make([]textinput.Model, n)
	for i := range m.inputs {
		ti := textinput.New()
		ti.Width = 40
		if i < len(f.params) {
			ti.Placeholder = f.params[i].typeStr
			ti.Prompt = f.params[i].name + ": "
		} else {
			ti.Placeholder = "extra arguments"
			ti.Prompt = "...: "
		}
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	if m.lib == nil {
		return callResultMsg{err: fmt.Errorf("library not loaded")}
	}
	f := m.funcs[m.selected]
	args := make([]string, 0, len(m.inputs))
	for i, input := range m.inputs {
		if i < len(f.params) {
			args = append(args, input.Value())
			continue
		}
		args = append(args, strings.Fields(input.Value())...)
	}
	vals, err := f.parse(m.x, args)
	if err != nil {
		return callResultMsg{err: err}
	}
	result, err := m.lib.Call(m.ctx, f.name, vals...)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatValue(m.x, result)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.lib == nil {
		return "Loading library..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("cffi"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("No functions declared.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatFunc(f)))
			} else {
				b.WriteString("  " + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			if i < len(f.params) {
				b.WriteString(" ")
				b.WriteString(typeStyle.Render(f.params[i].typeStr))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}

func formatFunc(f funcInfo) string {
	params := make([]string, 0, len(f.params)+1)
	for _, p := range f.params {
		params = append(params, typeStyle.Render(p.typeStr))
	}
	if f.variadic {
		params = append(params, "...")
	}
	s := typeStyle.Render(f.result) + " " + funcStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")"
	if f.missing {
		s += helpStyle.Render("  not exported")
	}
	return s
}

func runInteractive(ctx context.Context, x *ffi.FFI, filename string, wasi bool) error {
	p := tea.NewProgram(newInteractiveModel(ctx, x, filename, wasi), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
