package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
)

// Reconnect backoff constants.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2

	// seenEventLimit bounds the dedup set; Feishu redelivers events until
	// acknowledged, so recent event IDs must be remembered.
	seenEventLimit = 2048
)

// Frame types on the long connection.
const (
	frameTypeEvent      = "event"
	frameTypePing       = "ping"
	frameTypePong       = "pong"
	frameTypeDisconnect = "disconnect"
)

// wsFrame is one message on the long connection.
type wsFrame struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// endpointResponse is the reply from the websocket endpoint request.
type endpointResponse struct {
	baseResponse
	Data *struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Transport maintains the Feishu long connection, deduplicates redelivered
// events, and hands envelopes to the handler. It reconnects with capped
// exponential backoff.
type Transport struct {
	client  *Client
	handler EventSink
	log     *slog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	seenList []string
}

// EventSink receives parsed event envelopes from the transport.
type EventSink interface {
	OnEvent(ctx context.Context, env *EventEnvelope)
}

// NewTransport creates a transport delivering events to sink.
func NewTransport(client *Client, sink EventSink) *Transport {
	return &Transport{
		client:  client,
		handler: sink,
		log:     logging.WithComponent("feishu.transport"),
		seen:    make(map[string]struct{}),
	}
}

// endpoint requests a fresh websocket URL for the app.
func (t *Transport) endpoint(ctx context.Context) (string, error) {
	token, err := t.client.TenantAccessToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.client.baseURL+"/open-apis/callback/ws/endpoint", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request ws endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result endpointResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse endpoint response (status %d): %w", resp.StatusCode, err)
	}
	if err := checkCode(result.baseResponse); err != nil {
		return "", err
	}
	if result.Data == nil || result.Data.URL == "" {
		return "", fmt.Errorf("empty websocket URL in endpoint response")
	}
	return result.Data.URL, nil
}

// Run connects and processes events until ctx is cancelled. Connection loss
// triggers reconnect with exponential backoff (1s → 2s → 4s → max 30s);
// backoff resets after a successful connection.
func (t *Transport) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wsURL, err := t.endpoint(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("failed to obtain ws endpoint, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", backoff))
			if !sleepWithContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("websocket dial failed, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", backoff))
			if !sleepWithContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		t.log.Info("long connection established")

		t.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Info("connection lost, reconnecting", slog.Duration("backoff", backoff))
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// readLoop reads frames until the connection drops or ctx is cancelled.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Close the connection when ctx is cancelled to unblock ReadMessage.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				t.log.Warn("websocket read error", slog.Any("error", err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Error("failed to parse frame", slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case frameTypePing:
			t.write(conn, wsFrame{Type: frameTypePong})
		case frameTypeDisconnect:
			t.log.Info("disconnect frame received, will reconnect",
				slog.String("reason", frame.Reason))
			return
		case frameTypeEvent:
			t.handleEvent(ctx, conn, &frame)
		default:
			t.log.Debug("ignoring frame", slog.String("type", frame.Type))
		}
	}
}

// handleEvent acks the frame, drops redelivered events, and dispatches the
// envelope to the sink.
func (t *Transport) handleEvent(ctx context.Context, conn *websocket.Conn, frame *wsFrame) {
	if frame.EventID != "" {
		t.write(conn, wsFrame{Type: "ack", EventID: frame.EventID})
	}

	var env EventEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		t.log.Error("failed to parse event envelope", slog.Any("error", err))
		return
	}

	eventID := env.Header.EventID
	if eventID == "" {
		eventID = frame.EventID
	}
	if eventID != "" && !t.markSeen(eventID) {
		t.log.Debug("dropping redelivered event", slog.String("event_id", eventID))
		return
	}

	t.handler.OnEvent(ctx, &env)
}

// markSeen records an event ID, reporting false if it was already seen.
// The set is bounded: oldest entries are evicted past seenEventLimit.
func (t *Transport) markSeen(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[eventID]; ok {
		return false
	}
	t.seen[eventID] = struct{}{}
	t.seenList = append(t.seenList, eventID)
	if len(t.seenList) > seenEventLimit {
		oldest := t.seenList[0]
		t.seenList = t.seenList[1:]
		delete(t.seen, oldest)
	}
	return true
}

func (t *Transport) write(conn *websocket.Conn, frame wsFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		t.log.Warn("failed to write frame", slog.Any("error", err))
	}
}

// sleepWithContext sleeps for d, returning false if ctx was cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// nextBackoff doubles the backoff up to maxBackoff.
func nextBackoff(d time.Duration) time.Duration {
	d *= backoffFactor
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
