package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mahmut-Abi/openclaw-feishu/internal/config"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
)

type statusSnapshot struct {
	takenAt   time.Time
	appID     string
	policy    string
	streaming bool
	authOK    bool
	authErr   string
	allowed   int
	pending   int
}

func takeSnapshot(ctx context.Context, cfg *config.Config) statusSnapshot {
	snap := statusSnapshot{
		takenAt:   time.Now(),
		appID:     cfg.Feishu.AppID,
		policy:    cfg.Pairing.Policy,
		streaming: cfg.Streaming.Enabled,
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := feishu.NewClient(cfg.Feishu)
	if _, err := client.TenantAccessToken(ctx); err != nil {
		snap.authErr = err.Error()
	} else {
		snap.authOK = true
	}

	if store, err := pairing.Open(cfg.Pairing.DBPath); err == nil {
		if users, err := store.ListAllowed(); err == nil {
			snap.allowed = len(users)
		}
		if reqs, err := store.ListRequests(); err == nil {
			snap.pending = len(reqs)
		}
		_ = store.Close()
	}

	return snap
}

func (s statusSnapshot) render() string {
	auth := okStyle("reachable")
	if !s.authOK {
		auth = errStyle(s.authErr)
	}
	streaming := "enabled"
	if !s.streaming {
		streaming = "disabled"
	}
	return fmt.Sprintf(
		"%s\n\n  App:        %s\n  Feishu API: %s\n  Streaming:  %s\n  Policy:     %s\n  Allowed:    %d user(s)\n  Pending:    %d request(s)\n",
		headStyle("openclaw-feishu status"),
		s.appID, auth, streaming, s.policy, s.allowed, s.pending)
}

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show adapter status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			if !watch {
				fmt.Println(takeSnapshot(cmd.Context(), cfg).render())
				return nil
			}

			// Logs would corrupt the live view.
			logging.Suppress()
			model := statusModel{cfg: cfg, snap: takeSnapshot(cmd.Context(), cfg)}
			_, err = tea.NewProgram(model).Run()
			return err
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh continuously")
	return cmd
}

type statusTickMsg statusSnapshot

type statusModel struct {
	cfg  *config.Config
	snap statusSnapshot
}

func (m statusModel) refresh() tea.Cmd {
	cfg := m.cfg
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return statusTickMsg(takeSnapshot(context.Background(), cfg))
	})
}

func (m statusModel) Init() tea.Cmd {
	return m.refresh()
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusTickMsg:
		m.snap = statusSnapshot(msg)
		return m, m.refresh()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m statusModel) View() string {
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("243")).
		Render(fmt.Sprintf("updated %s · q to quit", m.snap.takenAt.Format("15:04:05")))
	return "\n" + m.snap.render() + "\n" + footer + "\n"
}
