package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mahmut-Abi/openclaw-feishu/internal/agent"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
	"github.com/mahmut-Abi/openclaw-feishu/internal/render"
	"github.com/mahmut-Abi/openclaw-feishu/internal/streaming"
	"github.com/mahmut-Abi/openclaw-feishu/internal/typing"
)

// TurnRunner produces one reply per prompt. *agent.Runner satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, prompt string, events agent.ReplyEvents) error
}

// AccessStore answers allowlist and pairing questions for inbound senders.
type AccessStore interface {
	Allowed(openID string) (bool, error)
	CreateRequest(openID, chatID string, ttl time.Duration) (*pairing.Request, error)
}

// ChatAPI is the slice of the Feishu client the handler needs directly.
// Card and reaction traffic goes through the per-turn coordinator instead.
type ChatAPI interface {
	Messenger
	streaming.CardAPI
	typing.ReactionAPI
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType, dir string) (string, error)
}

// Handler turns inbound message events into agent turns. One goroutine per
// turn; Close waits for in-flight turns to finish.
type Handler struct {
	api       ChatAPI
	runner    TurnRunner
	store     AccessStore
	pairCfg   *pairing.Config
	typingCfg *typing.Config
	streamCfg *streaming.Config
	renderCfg *render.Config
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewHandler wires the inbound pipeline.
func NewHandler(api ChatAPI, runner TurnRunner, store AccessStore,
	pairCfg *pairing.Config, typingCfg *typing.Config,
	streamCfg *streaming.Config, renderCfg *render.Config) *Handler {
	if pairCfg == nil {
		pairCfg = pairing.DefaultConfig()
	}
	return &Handler{
		api:       api,
		runner:    runner,
		store:     store,
		pairCfg:   pairCfg,
		typingCfg: typingCfg,
		streamCfg: streamCfg,
		renderCfg: renderCfg,
		log:       logging.WithComponent("dispatch.handler"),
	}
}

// OnEvent receives envelopes from the transport.
func (h *Handler) OnEvent(ctx context.Context, env *feishu.EventEnvelope) {
	if env.Header.EventType != feishu.EventMessageReceive {
		h.log.Debug("ignoring event", slog.String("type", env.Header.EventType))
		return
	}

	ev, err := feishu.ParseMessageEvent(env.Event)
	if err != nil {
		h.log.Error("failed to parse message event", slog.Any("error", err))
		return
	}
	if ev.Sender.SenderType != "user" {
		return
	}
	// In group chats the bot only answers when addressed.
	if ev.Message.ChatType == "group" && len(ev.Message.Mentions) == 0 {
		return
	}

	openID := ev.Sender.SenderID.OpenID
	chatID := ev.Message.ChatID
	target := feishu.Target{ChatID: chatID, ReplyToMessageID: ev.Message.MessageID}

	ok, err := h.admit(ctx, openID, target)
	if err != nil {
		h.log.Error("access check failed",
			slog.String("open_id", openID),
			slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	prompt, err := h.prompt(ctx, ev)
	if err != nil {
		h.log.Debug("skipping message", slog.Any("error", err))
		return
	}
	if prompt == "" {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runTurn(ctx, target, ev.Message.MessageID, prompt)
	}()
}

// Close waits for in-flight turns.
func (h *Handler) Close() {
	h.wg.Wait()
}

// admit applies the access policy, sending the pairing code or denial to
// unknown senders. It returns true when the turn may proceed.
func (h *Handler) admit(ctx context.Context, openID string, target feishu.Target) (bool, error) {
	switch h.pairCfg.Policy {
	case pairing.PolicyOpen:
		return true, nil

	case pairing.PolicyAllowlist:
		ok, err := h.store.Allowed(openID)
		if err != nil {
			return false, err
		}
		if !ok {
			_, _ = h.api.SendText(ctx, target, "You are not authorized to use this bot.")
		}
		return ok, nil

	case pairing.PolicyPair:
		ok, err := h.store.Allowed(openID)
		if err != nil || ok {
			return ok, err
		}
		req, err := h.store.CreateRequest(openID, target.ChatID, h.pairCfg.RequestTTL())
		if err != nil {
			return false, err
		}
		_, _ = h.api.SendText(ctx, target, fmt.Sprintf(
			"Access required. Ask an operator to run: openclaw-feishu pair approve %s", req.Code))
		h.log.Info("pairing code issued",
			slog.String("open_id", openID),
			slog.String("code", req.Code))
		return false, nil

	default:
		return false, fmt.Errorf("unknown pairing policy %q", h.pairCfg.Policy)
	}
}

// prompt extracts the agent prompt from the message: text body for text
// messages, a downloaded attachment path for images and files.
func (h *Handler) prompt(ctx context.Context, ev *feishu.MessageEvent) (string, error) {
	switch ev.Message.MessageType {
	case "text":
		return ev.TextContent()
	case "image", "file":
		key, resourceType, err := ev.FileKey()
		if err != nil {
			return "", err
		}
		path, err := h.api.DownloadResource(ctx, ev.Message.MessageID, key, resourceType, os.TempDir())
		if err != nil {
			return "", fmt.Errorf("failed to download attachment: %w", err)
		}
		return fmt.Sprintf("The user sent an attachment saved at %s", path), nil
	default:
		return "", fmt.Errorf("unsupported message type %s", ev.Message.MessageType)
	}
}

// runTurn executes one agent turn, routing reply events through a fresh
// coordinator.
func (h *Handler) runTurn(ctx context.Context, target feishu.Target, inboundMsgID, prompt string) {
	log := h.log.With(
		slog.String("chat_id", target.ChatID),
		slog.String("message_id", inboundMsgID))
	log.Info("turn started", slog.Int("prompt_len", len(prompt)))

	ind := typing.NewIndicator(h.api, h.typingCfg)
	coord := NewCoordinator(h.api, h.api, ind, target, inboundMsgID, h.streamCfg, h.renderCfg)

	if err := h.runner.RunTurn(ctx, prompt, coord); err != nil {
		log.Error("turn failed", slog.Any("error", err))
		if !strings.Contains(err.Error(), "context canceled") {
			_, _ = h.api.SendText(ctx, target,
				"Something went wrong while producing a reply. Please try again.")
		}
		return
	}
	log.Info("turn complete")
}
