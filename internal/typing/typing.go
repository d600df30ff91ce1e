// Package typing emulates a typing indicator by placing a reaction on the
// inbound message while a reply is being produced. Feishu has no native
// typing state for bots, so a reaction is the closest visible signal.
package typing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
)

// ReactionAPI is the reaction surface of the Feishu client.
type ReactionAPI interface {
	CreateReaction(ctx context.Context, messageID, emojiType string) (string, error)
	DeleteReaction(ctx context.Context, messageID, reactionID string) error
}

// Config holds typing indicator configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Emoji   string `yaml:"emoji"` // reaction emoji type, e.g. OnIt
}

// DefaultConfig returns default typing configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Emoji:   "OnIt",
	}
}

// Indicator manages the reaction lifecycle for one turn. Start and Stop
// are idempotent and best-effort: failures are logged, never surfaced.
type Indicator struct {
	api ReactionAPI
	cfg *Config
	log *slog.Logger

	mu         sync.Mutex
	messageID  string
	reactionID string
	stopped    bool
}

// NewIndicator creates a typing indicator backed by api.
func NewIndicator(api ReactionAPI, cfg *Config) *Indicator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Indicator{
		api: api,
		cfg: cfg,
		log: logging.WithComponent("typing"),
	}
}

// Start places the reaction on messageID. A second Start is a no-op.
func (i *Indicator) Start(ctx context.Context, messageID string) {
	if !i.cfg.Enabled || messageID == "" {
		return
	}

	i.mu.Lock()
	if i.reactionID != "" || i.stopped {
		i.mu.Unlock()
		return
	}
	i.messageID = messageID
	i.mu.Unlock()

	reactionID, err := i.api.CreateReaction(ctx, messageID, i.cfg.Emoji)
	if err != nil {
		i.log.Debug("failed to create typing reaction",
			slog.String("message_id", messageID),
			slog.Any("error", err))
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		// Stop raced ahead; clean up the late reaction.
		go func() { _ = i.api.DeleteReaction(context.WithoutCancel(ctx), messageID, reactionID) }()
		return
	}
	i.reactionID = reactionID
}

// Stop removes the reaction if one is active. Safe to call repeatedly.
func (i *Indicator) Stop(ctx context.Context) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	messageID, reactionID := i.messageID, i.reactionID
	i.mu.Unlock()

	if reactionID == "" {
		return
	}
	if err := i.api.DeleteReaction(ctx, messageID, reactionID); err != nil {
		i.log.Debug("failed to remove typing reaction",
			slog.String("message_id", messageID),
			slog.Any("error", err))
	}
}
