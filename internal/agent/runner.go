// Package agent runs the host agent as a subprocess and converts its
// stdout into reply events: cumulative partials while the process is
// writing, one final event when it exits.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
)

// gracePeriod is how long a cancelled turn may keep running before the
// process is killed by exec.CommandContext.
const gracePeriod = 5 * time.Second

// ReplyEvents receives the reply lifecycle of one turn. The runner calls
// it sequentially: Start, zero or more Partials with cumulative content,
// then exactly one Final or Idle.
type ReplyEvents interface {
	OnReplyStart(ctx context.Context)
	OnPartialReply(ctx context.Context, content string)
	OnReplyFinal(ctx context.Context, content string)
	OnReplyIdle(ctx context.Context)
}

// Config holds agent subprocess configuration.
type Config struct {
	Command        []string `yaml:"command"` // argv; first element is the binary
	Workdir        string   `yaml:"workdir"`
	TimeoutSeconds int      `yaml:"timeout_seconds"` // per turn; 0 disables
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Command:        []string{"openclaw", "reply", "--stream"},
		TimeoutSeconds: 600,
	}
}

// Validate checks that the configuration can launch a process.
func (c *Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("agent command is required")
	}
	return nil
}

// Runner launches one subprocess per turn. The prompt goes in on stdin;
// stdout lines accumulate into the reply.
type Runner struct {
	cfg *Config
	log *slog.Logger
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg *Config) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Runner{
		cfg: cfg,
		log: logging.WithComponent("agent"),
	}
}

// Available reports whether the agent binary can be found.
func (r *Runner) Available() bool {
	if len(r.cfg.Command) == 0 {
		return false
	}
	_, err := exec.LookPath(r.cfg.Command[0])
	return err == nil
}

// RunTurn executes one prompt and streams the reply into events. The
// returned error covers launch and wait failures; delivery failures are
// the sink's concern.
func (r *Runner) RunTurn(ctx context.Context, prompt string, events ReplyEvents) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = r.cfg.Workdir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = gracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	r.log.Debug("agent started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", r.cfg.Command[0]))

	events.OnReplyStart(ctx)

	var buf strings.Builder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(scanner.Text())
			events.OnPartialReply(ctx, buf.String())
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			r.log.Warn("agent stdout read error", slog.Any("error", err))
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	final := strings.TrimSpace(buf.String())
	if waitErr != nil {
		r.log.Error("agent exited with error",
			slog.Any("error", waitErr),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
		if final == "" {
			events.OnReplyIdle(ctx)
			return fmt.Errorf("agent failed: %w", waitErr)
		}
		// Output from a crashed agent is still worth delivering; the
		// failure was already logged, so the turn counts as answered.
	}

	if final == "" {
		events.OnReplyIdle(ctx)
		return nil
	}
	events.OnReplyFinal(ctx, final)
	return nil
}
