package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	cl "chessvault/internal/cli"
	"chessvault/internal/market"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// cvt scalp is a live terminal over the synthetic signal feed: it polls the
// API on an interval and renders a fake scalping blotter. Demo theater only,
// and labelled as such on screen.

const scalpPollEvery = 2 * time.Second

var (
	scalpTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51")).
			Padding(0, 1)
	scalpBannerStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("220")).
				Padding(0, 1)
	scalpHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("245"))
	scalpUpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	scalpDownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	scalpFlatStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	scalpDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	scalpErrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func newScalpCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scalp",
		Short: "Live synthetic scalping terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			m := scalpModel{
				client: newClient(apiBase),
				token:  sess.AccessToken,
			}
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

type scalpTickMsg time.Time

type scalpDataMsg struct {
	signals []market.Snapshot
	regime  string
	err     error
}

type scalpModel struct {
	client    *cl.Client
	token     string
	signals   []market.Snapshot
	regime    string
	lastErr   error
	updatedAt time.Time
	width     int
}

func (m scalpModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), scalpTick())
}

func scalpTick() tea.Cmd {
	return tea.Tick(scalpPollEvery, func(t time.Time) tea.Msg {
		return scalpTickMsg(t)
	})
}

func (m scalpModel) fetch() tea.Cmd {
	client, token := m.client, m.token
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), scalpPollEvery)
		defer cancel()
		raw, err := client.Signals(ctx, token)
		if err != nil {
			return scalpDataMsg{err: err}
		}
		p, err := decodeInto[signalsPayload](raw)
		if err != nil {
			return scalpDataMsg{err: err}
		}
		return scalpDataMsg{signals: p.Signals, regime: p.Regime}
	}
}

func (m scalpModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case scalpTickMsg:
		return m, tea.Batch(m.fetch(), scalpTick())
	case scalpDataMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.signals = msg.signals
		m.regime = msg.regime
		m.lastErr = nil
		m.updatedAt = time.Now()
	}
	return m, nil
}

func (m scalpModel) View() string {
	var b strings.Builder

	b.WriteString(scalpTitleStyle.Render(fmt.Sprintf("CVT SCALP TERMINAL  regime=%s", m.regime)))
	b.WriteString("\n")
	b.WriteString(scalpBannerStyle.Render("SYNTHETIC TAPE. Every number here is generated. Not financial advice."))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(scalpErrStyle.Render("feed error: " + m.lastErr.Error()))
		b.WriteString("\n\n")
	}

	if len(m.signals) == 0 {
		b.WriteString(scalpDimStyle.Render("waiting for first snapshot..."))
		b.WriteString("\n")
	} else {
		b.WriteString(scalpHeaderStyle.Render(fmt.Sprintf("%-8s %12s %-6s %7s %7s %7s", "CODE", "PRICE", "DIR", "CONF", "RSI", "HUE")))
		b.WriteString("\n")
		for _, s := range m.signals {
			style := scalpFlatStyle
			switch s.Direction {
			case market.DirectionUp:
				style = scalpUpStyle
			case market.DirectionDown:
				style = scalpDownStyle
			}
			row := fmt.Sprintf("%-8s %12s %-6s %6.1f%% %7.1f %7d",
				s.Code,
				formatCents(s.PriceCents),
				strings.ToUpper(s.Direction),
				s.Confidence,
				s.RSI,
				s.CoherenceHue,
			)
			b.WriteString(style.Render(row))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	status := "q quit  r refresh"
	if !m.updatedAt.IsZero() {
		status += "  updated " + m.updatedAt.Format("15:04:05")
	}
	b.WriteString(scalpDimStyle.Render(status))
	b.WriteString("\n")
	return b.String()
}
