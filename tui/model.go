// Package tui shows the podman demo page in the terminal: the version line
// and the image list, fetched over varlink.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mini-varlink/demo"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)
)

// FetchFunc loads the page; it is called once at start and on every refresh.
type FetchFunc func(ctx context.Context) (*demo.Page, error)

// pageMsg carries the result of one fetch. A page can come with an error
// when GetVersion failed.
type pageMsg struct {
	page *demo.Page
	err  error
}

const fetchTimeout = 10 * time.Second

// Model is the bubbletea model of the demo page.
type Model struct {
	address   string
	fetch     FetchFunc
	page      *demo.Page
	err       error
	loading   bool
	lastFetch time.Time
	width     int
}

// New returns a model for the endpoint at address.
func New(address string, fetch FetchFunc) Model {
	return Model{
		address: address,
		fetch:   fetch,
		page:    &demo.Page{Version: demo.UnknownVersion},
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return m.load()
}

func (m Model) load() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		page, err := fetch(ctx)
		return pageMsg{page: page, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, m.load()
		}
		return m, nil

	case pageMsg:
		m.loading = false
		m.err = msg.err
		if msg.page != nil {
			m.page = msg.page
		}
		m.lastFetch = time.Now()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("varlink · "+m.address) + "\n\n")
	b.WriteString(fmt.Sprintf("podman version: %s\n\n", m.page.Version))
	b.WriteString(headerStyle.Render("Images") + "\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
	case m.page.ImagesErr != nil:
		b.WriteString(errorStyle.Render(m.page.ImagesErr.Error()) + "\n")
	case len(m.page.Images) == 0 && !m.loading:
		b.WriteString(dimStyle.Render("no images") + "\n")
	}
	for i, img := range m.page.Images {
		style := rowStyle
		if i%2 == 1 {
			style = altRowStyle
		}
		line := fmt.Sprintf("%s (created: %s)", strings.Join(img.RepoTags, ", "), img.Created)
		b.WriteString(style.Render(line) + "\n")
	}

	b.WriteString("\n")
	status := "r refresh · q quit"
	if m.loading {
		status = "loading… · " + status
	} else if !m.lastFetch.IsZero() {
		status = "updated " + m.lastFetch.Format("15:04:05") + " · " + status
	}
	b.WriteString(dimStyle.Render(status) + "\n")
	return b.String()
}
