// Package streaming converts an unbounded stream of cumulative partial
// replies into a bounded, rate-limited sequence of Feishu card updates.
//
// One Session owns one in-flight streaming reply: it lazily creates the
// remote card entity on the first update, binds it to a chat message,
// throttles intermediate updates, retries rate-limited calls with
// exponential backoff, and finalizes the card exactly once.
package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
)

// CardAPI is the remote card surface the session drives. *feishu.Client
// satisfies it; tests substitute a fake.
type CardAPI interface {
	CreateStreamingCard(ctx context.Context, content string) (string, error)
	BindCardToMessage(ctx context.Context, target feishu.Target, cardID string) (*feishu.SentMessage, error)
	UpdateCardContent(ctx context.Context, cardID, content string, sequence int, streaming bool) error
	UpdateCardSettings(ctx context.Context, cardID, settings string, sequence int) error
}

// Config holds streaming configuration.
type Config struct {
	Enabled           bool    `yaml:"enabled"`
	MinIntervalMS     int     `yaml:"min_interval_ms"` // floor between card updates
	MaxIntervalMS     int     `yaml:"max_interval_ms"` // backoff cap
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// DefaultConfig returns default streaming configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		MinIntervalMS:     300,
		MaxIntervalMS:     3000,
		BackoffMultiplier: 2.0,
	}
}

// Options converts the yaml config into session options.
func (c *Config) Options() Options {
	opts := DefaultOptions()
	if c.MinIntervalMS > 0 {
		opts.MinInterval = time.Duration(c.MinIntervalMS) * time.Millisecond
	}
	if c.MaxIntervalMS > 0 {
		opts.MaxInterval = time.Duration(c.MaxIntervalMS) * time.Millisecond
	}
	if c.BackoffMultiplier > 1 {
		opts.BackoffMultiplier = c.BackoffMultiplier
	}
	return opts
}

// Options tune one session's throttle and retry behavior.
type Options struct {
	MinInterval       time.Duration // starting floor between updates
	MaxInterval       time.Duration // cap for the adaptive floor
	BackoffMultiplier float64       // floor growth on rate limiting
	MaxRetries        int           // retries per operation after the first attempt
	BaseDelay         time.Duration // first retry delay; doubles per attempt
}

// DefaultOptions returns the standard throttle/retry tuning.
func DefaultOptions() Options {
	return Options{
		MinInterval:       300 * time.Millisecond,
		MaxInterval:       3 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
	}
}

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateStreaming
	stateFinalized
	stateFailed
)

// Session is the per-reply streaming state machine. Its public operations
// never return remote errors; failures surface through return values and
// the structured log. The coordinator must not call Update and Finalize
// concurrently on the same session.
type Session struct {
	api    CardAPI
	target feishu.Target
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	st          state
	cardID      string // immutable once set
	messageID   string // immutable once set
	lastContent string // last content sent or provisionally claimed
	lastUpdate  time.Time
	seq         int // strictly increasing per card
	minInterval time.Duration
	rateLimitHits int
	initDone    chan struct{} // single-flight latch; closed when init settles
	initErr     error
}

// NewSession creates a session for one outgoing reply to target.
func NewSession(api CardAPI, target feishu.Target, opts Options) *Session {
	if opts.MinInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Session{
		api:         api,
		target:      target,
		opts:        opts,
		log:         logging.WithChat(target.ChatID).With(slog.String("component", "streaming")),
		minInterval: opts.MinInterval,
	}
}

// Update applies cumulative content to the remote card, creating it on
// first use. Intermediate updates inside the throttle window are dropped,
// not queued: the caller always supplies cumulative text, so the next
// update or the final content supersedes anything dropped here.
//
// Returns false when the session has failed or the remote update could not
// be applied; the caller is expected to fall back at finalization time.
func (s *Session) Update(ctx context.Context, content string) bool {
	s.mu.Lock()
	switch {
	case s.st == stateFinalized:
		s.mu.Unlock()
		return true
	case s.st == stateFailed:
		s.mu.Unlock()
		return false
	case content == s.lastContent && s.st != stateUninitialized:
		s.mu.Unlock()
		return true
	}

	switch s.st {
	case stateUninitialized:
		// First caller starts initialization; content becomes the card's
		// opening body, so no separate update call is needed.
		done := make(chan struct{})
		s.st = stateInitializing
		s.initDone = done
		s.mu.Unlock()
		return s.initialize(ctx, content, done)

	case stateInitializing:
		// Join the in-flight initialization instead of starting another.
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-done:
		}
		s.mu.Lock()
		if s.st != stateStreaming {
			s.mu.Unlock()
			return false
		}
		if content == s.lastContent {
			s.mu.Unlock()
			return true
		}
	}

	// state == stateStreaming, s.mu held.
	if time.Since(s.lastUpdate) < s.minInterval {
		// Throttled: drop, never queue.
		s.mu.Unlock()
		return true
	}
	prev := s.lastContent
	s.lastContent = content
	s.lastUpdate = time.Now()
	cardID := s.cardID
	s.mu.Unlock()

	ok := s.sendWithRetry(ctx, "update", func(seq int) error {
		return s.api.UpdateCardContent(ctx, cardID, content, seq, true)
	})
	if !ok {
		// The content never reached the card; an identical retry from
		// the caller must not be treated as a no-op.
		s.mu.Lock()
		if s.lastContent == content {
			s.lastContent = prev
		}
		s.mu.Unlock()
	}
	return ok
}

// initialize creates the card entity and binds it to a chat message. Both
// steps belong to one attempt: failure of either is terminal for the
// session — initialization is never retried.
func (s *Session) initialize(ctx context.Context, content string, done chan struct{}) bool {
	cardID, err := s.api.CreateStreamingCard(ctx, content)
	var sent *feishu.SentMessage
	if err == nil {
		sent, err = s.api.BindCardToMessage(ctx, s.target, cardID)
	}

	s.mu.Lock()
	if err != nil {
		s.st = stateFailed
		s.initErr = err
		s.log.Error("streaming card initialization failed",
			slog.String("op", "initialize"),
			slog.String("code", errorCode(err)),
			slog.Any("error", err))
	} else {
		s.st = stateStreaming
		s.cardID = cardID
		s.messageID = sent.MessageID
		s.lastContent = content
		s.lastUpdate = time.Now()
	}
	close(done)
	s.mu.Unlock()
	return err == nil
}

// Finalize freezes the card with content as its terminal body and disables
// streaming mode. It is idempotent: a finalized session returns true
// without remote calls. A session that never initialized returns false so
// the caller can deliver through the fallback path.
func (s *Session) Finalize(ctx context.Context, content string) bool {
	s.mu.Lock()
	if s.st == stateFinalized {
		s.mu.Unlock()
		return true
	}
	if s.st == stateInitializing {
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-done:
		}
		s.mu.Lock()
	}
	if s.cardID == "" {
		s.mu.Unlock()
		return false
	}
	s.lastContent = content
	s.lastUpdate = time.Now()
	cardID := s.cardID
	s.mu.Unlock()

	ok := s.sendWithRetry(ctx, "finalize", func(seq int) error {
		return s.api.UpdateCardContent(ctx, cardID, content, seq, false)
	})
	if !ok {
		return false
	}
	ok = s.sendWithRetry(ctx, "finalize-settings", func(seq int) error {
		return s.api.UpdateCardSettings(ctx, cardID, feishu.StreamingOffSettings, seq)
	})
	if !ok {
		return false
	}

	s.mu.Lock()
	s.st = stateFinalized
	s.mu.Unlock()
	return true
}

// Failed reports whether initialization failed terminally.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateFailed
}

// Bound reports whether the card has been attached to a chat message.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID != ""
}

// MessageID returns the bound chat message ID, empty until bound.
func (s *Session) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// nextSeq returns a fresh sequence number. Every remote mutation, including
// each retry attempt, gets its own: the remote side rejects stale ones.
func (s *Session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// sendWithRetry runs one remote mutation under the retry policy: up to
// MaxRetries retries on rate-limited failures with delays BaseDelay×2^n,
// immediate failure on anything else. Rate limiting also grows the
// adaptive throttle floor; any success resets it.
func (s *Session) sendWithRetry(ctx context.Context, op string, fn func(seq int) error) bool {
	for attempt := 0; ; attempt++ {
		err := fn(s.nextSeq())
		if err == nil {
			s.mu.Lock()
			s.minInterval = s.opts.MinInterval
			s.rateLimitHits = 0
			s.mu.Unlock()
			return true
		}

		if Classify(err) != FailureRateLimited {
			s.log.Error("card operation failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("code", errorCode(err)),
				slog.Any("error", err))
			return false
		}

		s.mu.Lock()
		s.rateLimitHits++
		grown := time.Duration(float64(s.minInterval) * s.opts.BackoffMultiplier)
		if grown > s.opts.MaxInterval {
			grown = s.opts.MaxInterval
		}
		s.minInterval = grown
		hits := s.rateLimitHits
		s.mu.Unlock()

		if attempt >= s.opts.MaxRetries {
			s.log.Error("card operation rate limited, retries exhausted",
				slog.String("op", op),
				slog.Int("attempts", attempt+1),
				slog.Int("rate_limit_hits", hits),
				slog.String("code", errorCode(err)))
			return false
		}

		delay := s.opts.BaseDelay << attempt
		s.log.Debug("card operation rate limited, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}
