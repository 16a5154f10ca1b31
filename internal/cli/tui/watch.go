// Package tui renders a live job status view for one or more RAP requests,
// polling the controller's status endpoint.
package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Options configures the watch view.
type Options struct {
	Controller string
	Token      string
	RapIDs     []string
	Interval   time.Duration
}

// Run displays the watch TUI until the user quits or the context ends.
func Run(ctx context.Context, opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	program := tea.NewProgram(newModel(opts), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

type jobRow struct {
	ID            string `json:"id"`
	RapID         string `json:"rap_id"`
	Workspace     string `json:"workspace"`
	Action        string `json:"action"`
	State         string `json:"state"`
	StatusCode    string `json:"status_code"`
	StatusMessage string `json:"status_message"`
}

type statusMsg struct {
	jobs         []jobRow
	unrecognised []string
	err          error
}

type tickMsg struct{}

type model struct {
	opts      Options
	jobs      []jobRow
	missing   []string
	err       error
	refreshed time.Time
}

func newModel(opts Options) model {
	return model{opts: opts}
}

func (m model) Init() tea.Cmd {
	return m.fetch
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.jobs = msg.jobs
			m.missing = msg.unrecognised
			m.refreshed = time.Now()
		}
		return m, tea.Tick(m.opts.Interval, func(time.Time) tea.Msg {
			return tickMsg{}
		})
	case tickMsg:
		return m, m.fetch
	}
	return m, nil
}

func (m model) fetch() tea.Msg {
	payload, err := json.Marshal(map[string]any{"rap_ids": m.opts.RapIDs})
	if err != nil {
		return statusMsg{err: err}
	}
	req, err := http.NewRequest(http.MethodPost,
		strings.TrimSuffix(m.opts.Controller, "/")+"/rap/status/",
		bytes.NewReader(payload))
	if err != nil {
		return statusMsg{err: err}
	}
	req.Header.Set("Authorization", "Bearer "+m.opts.Token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return statusMsg{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusMsg{err: fmt.Errorf("controller returned %d", resp.StatusCode)}
	}

	var body struct {
		Jobs         []jobRow `json:"jobs"`
		Unrecognised []string `json:"unrecognised_rap_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return statusMsg{err: err}
	}
	sort.Slice(body.Jobs, func(i, j int) bool {
		if body.Jobs[i].RapID != body.Jobs[j].RapID {
			return body.Jobs[i].RapID < body.Jobs[j].RapID
		}
		return body.Jobs[i].Action < body.Jobs[j].Action
	})
	return statusMsg{jobs: body.Jobs, unrecognised: body.Unrecognised}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	headerStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	footerStyle  = lipgloss.NewStyle().Faint(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return runningStyle
	case "succeeded":
		return doneStyle
	case "failed":
		return failedStyle
	default:
		return pendingStyle
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("raprunner watch"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	if len(m.jobs) == 0 {
		b.WriteString(headerStyle.Render("no jobs yet"))
		b.WriteString("\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-20s %-10s %-24s %s",
			"RAP", "ACTION", "STATE", "CODE", "MESSAGE")))
		b.WriteString("\n")
		for _, job := range m.jobs {
			line := fmt.Sprintf("%-10.10s %-20.20s %-10s %-24s %s",
				job.RapID, job.Action, job.State, job.StatusCode, job.StatusMessage)
			b.WriteString(stateStyle(job.State).Render(line))
			b.WriteString("\n")
		}
	}

	for _, rapID := range m.missing {
		b.WriteString(errorStyle.Render("unknown rap: " + rapID))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	refreshed := "never"
	if !m.refreshed.IsZero() {
		refreshed = m.refreshed.Format("15:04:05")
	}
	b.WriteString(footerStyle.Render(
		fmt.Sprintf("refreshed %s  |  q to quit", refreshed)))
	b.WriteString("\n")
	return b.String()
}
