// Package dispatch coordinates one agent reply turn: it feeds partial
// output into a streaming card session, suppresses the typing indicator
// once the card is visible, and falls back to chunked messages when
// streaming is unavailable or fails.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
	"github.com/mahmut-Abi/openclaw-feishu/internal/render"
	"github.com/mahmut-Abi/openclaw-feishu/internal/streaming"
)

// Messenger sends standalone messages. The coordinator uses it for the
// fallback delivery path; *feishu.Client satisfies it.
type Messenger interface {
	SendText(ctx context.Context, target feishu.Target, text string) (*feishu.SentMessage, error)
	SendCardMessage(ctx context.Context, target feishu.Target, markdown string) (*feishu.SentMessage, error)
}

// Typing controls the typing indicator for the turn. Both methods are
// best-effort and idempotent.
type Typing interface {
	Start(ctx context.Context, messageID string)
	Stop(ctx context.Context)
}

// Coordinator owns reply delivery for a single turn. Its methods are
// called sequentially by the turn runner; it never issues concurrent
// update or finalize calls on the session.
type Coordinator struct {
	api       streaming.CardAPI
	messenger Messenger
	typing    Typing
	target    feishu.Target
	streamCfg *streaming.Config
	renderCfg *render.Config
	log       *slog.Logger

	mu           sync.Mutex
	session      *streaming.Session
	typingCut    bool
	finalized    bool
	inboundMsgID string
}

// NewCoordinator creates a coordinator for one reply turn addressed to
// target. inboundMsgID is the message that triggered the turn; the typing
// indicator attaches to it.
func NewCoordinator(api streaming.CardAPI, messenger Messenger, typing Typing,
	target feishu.Target, inboundMsgID string,
	streamCfg *streaming.Config, renderCfg *render.Config) *Coordinator {
	if streamCfg == nil {
		streamCfg = streaming.DefaultConfig()
	}
	if renderCfg == nil {
		renderCfg = render.DefaultConfig()
	}
	return &Coordinator{
		api:          api,
		messenger:    messenger,
		typing:       typing,
		target:       target,
		streamCfg:    streamCfg,
		renderCfg:    renderCfg,
		inboundMsgID: inboundMsgID,
		log:          logging.WithComponent("dispatch").With(slog.String("chat_id", target.ChatID)),
	}
}

// OnReplyStart marks the beginning of the turn and raises the typing
// indicator on the inbound message.
func (c *Coordinator) OnReplyStart(ctx context.Context) {
	if c.typing != nil {
		c.typing.Start(ctx, c.inboundMsgID)
	}
}

// OnPartialReply applies a cumulative partial to the streaming session,
// creating it lazily on the first partial. With streaming disabled or a
// failed session the partial is ignored; the final content arrives through
// OnReplyFinal either way.
func (c *Coordinator) OnPartialReply(ctx context.Context, content string) {
	c.mu.Lock()
	if c.finalized || !c.streamCfg.Enabled || strings.TrimSpace(content) == "" {
		c.mu.Unlock()
		return
	}
	if c.session != nil && c.session.Failed() {
		// A failed session is dead weight; drop it and let the final
		// delivery take the fallback path.
		c.session = nil
		c.mu.Unlock()
		return
	}
	if c.session == nil {
		c.session = streaming.NewSession(c.api, c.target, c.streamCfg.Options())
	}
	s := c.session
	c.mu.Unlock()

	s.Update(ctx, content)

	// Once the card is visible in the chat, the typing indicator is noise.
	if s.Bound() {
		c.stopTyping(ctx)
	}
}

// OnReplyFinal delivers the terminal content: through the streaming
// session when one is live, through chunked fallback messages otherwise.
// Empty or whitespace-only content is a deliberate no-op.
func (c *Coordinator) OnReplyFinal(ctx context.Context, content string) {
	defer c.stopTyping(ctx)

	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	s := c.session
	c.mu.Unlock()

	if strings.TrimSpace(content) == "" {
		c.log.Debug("empty final reply, nothing to deliver")
		return
	}

	if s != nil && s.Finalize(ctx, content) {
		return
	}
	if s != nil {
		c.log.Warn("streaming delivery failed, using fallback path")
	}
	c.fallback(ctx, content)
}

// OnReplyIdle ends a turn that produced no reply.
func (c *Coordinator) OnReplyIdle(ctx context.Context) {
	c.stopTyping(ctx)
}

func (c *Coordinator) stopTyping(ctx context.Context) {
	c.mu.Lock()
	if c.typingCut || c.typing == nil {
		c.mu.Unlock()
		return
	}
	c.typingCut = true
	c.mu.Unlock()
	c.typing.Stop(ctx)
}

// fallback delivers content as one or more standalone messages, in order.
// Mode auto picks cards for markdown-looking content; raw flattens tables
// to aligned text first. Delivery stops at the first send error so later
// chunks never arrive out of order.
func (c *Coordinator) fallback(ctx context.Context, content string) {
	useCard := false
	switch c.renderCfg.Mode {
	case render.ModeCard:
		useCard = true
	case render.ModeRaw:
		useCard = false
	default:
		useCard = render.ShouldUseCard(content)
	}

	if !useCard {
		content = render.ConvertTablesToASCII(content)
	}

	chunks := render.ChunkText(content, c.renderCfg.ChunkLimit, c.renderCfg.ChunkMode)
	for i, chunk := range chunks {
		var err error
		if useCard {
			_, err = c.messenger.SendCardMessage(ctx, c.target, chunk)
		} else {
			_, err = c.messenger.SendText(ctx, c.target, chunk)
		}
		if err != nil {
			c.log.Error("fallback send failed",
				slog.Int("chunk", i),
				slog.Int("chunks", len(chunks)),
				slog.Any("error", err))
			return
		}
	}
	c.log.Debug("fallback delivery complete",
		slog.Int("chunks", len(chunks)),
		slog.Bool("card", useCard))
}
