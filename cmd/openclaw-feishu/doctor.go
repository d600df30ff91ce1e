package main

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mahmut-Abi/openclaw-feishu/internal/config"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render
	headStyle = lipgloss.NewStyle().Bold(true).Render
)

type checkResult struct {
	name    string
	ok      bool
	warn    bool
	message string
	fix     string
}

func (r checkResult) symbol() string {
	switch {
	case r.ok:
		return okStyle("✓")
	case r.warn:
		return warnStyle("!")
	default:
		return errStyle("✗")
	}
}

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Long: `Verify the adapter can run: configuration, Feishu credentials,
the pairing database, and the agent binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			checks := runDoctorChecks(cmd.Context(), cfg)

			fmt.Println()
			fmt.Println(headStyle("openclaw-feishu doctor"))
			fmt.Println()
			failed := 0
			for _, c := range checks {
				fmt.Printf("  %s %-18s %s\n", c.symbol(), c.name, c.message)
				if verbose && c.fix != "" && !c.ok {
					fmt.Printf("    %s\n", c.fix)
				}
				if !c.ok && !c.warn {
					failed++
				}
			}
			fmt.Println()
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Println(okStyle("Ready to serve."))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show fix hints")
	return cmd
}

func runDoctorChecks(ctx context.Context, cfg *config.Config) []checkResult {
	var checks []checkResult

	if err := cfg.Validate(); err != nil {
		checks = append(checks, checkResult{
			name: "config", message: err.Error(),
			fix: "edit " + config.DefaultConfigPath(),
		})
		return checks
	}
	checks = append(checks, checkResult{name: "config", ok: true, message: "valid"})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client := feishu.NewClient(cfg.Feishu)
	if _, err := client.TenantAccessToken(ctx); err != nil {
		checks = append(checks, checkResult{
			name: "feishu auth", message: err.Error(),
			fix: "check app_id/app_secret in the Feishu developer console",
		})
	} else {
		checks = append(checks, checkResult{name: "feishu auth", ok: true, message: "token acquired"})
	}

	if store, err := pairing.Open(cfg.Pairing.DBPath); err != nil {
		checks = append(checks, checkResult{
			name: "pairing db", message: err.Error(),
			fix: "check db_path permissions",
		})
	} else {
		users, _ := store.ListAllowed()
		_ = store.Close()
		checks = append(checks, checkResult{
			name: "pairing db", ok: true,
			message: fmt.Sprintf("%s, %d allowed user(s)", cfg.Pairing.DBPath, len(users)),
		})
	}

	agentBin := cfg.Agent.Command[0]
	if _, err := exec.LookPath(agentBin); err != nil {
		checks = append(checks, checkResult{
			name: "agent binary", warn: true,
			message: agentBin + " not found on PATH",
			fix:     "install the agent or adjust agent.command",
		})
	} else {
		checks = append(checks, checkResult{name: "agent binary", ok: true, message: agentBin})
	}

	return checks
}
