// Package feishu implements the Feishu (Lark) Open API surface the adapter
// needs: tenant auth, messages, card entities, reactions, and media, plus
// the long-connection event transport.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
)

const (
	defaultBaseURL = "https://open.feishu.cn"

	// replyElementID addresses the markdown element inside streaming cards
	// for content updates.
	replyElementID = "reply"

	// tokenExpirySkew refreshes the tenant token this long before Feishu
	// says it expires.
	tokenExpirySkew = 5 * time.Minute
)

// Client is a Feishu Open API client authenticated as a self-built app.
type Client struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	tokenMu     chan struct{} // 1-slot semaphore; held across refresh
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Feishu client.
func NewClient(cfg *Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:     logging.WithComponent("feishu"),
		tokenMu: make(chan struct{}, 1),
	}
	return c
}

// TenantAccessToken returns a valid tenant access token, fetching or
// refreshing it when the cached one is missing or near expiry.
func (c *Client) TenantAccessToken(ctx context.Context) (string, error) {
	select {
	case c.tokenMu <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-c.tokenMu }()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body := map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	}
	var resp tokenResponse
	if err := c.post(ctx, "/open-apis/auth/v3/tenant_access_token/internal", "", body, &resp); err != nil {
		return "", fmt.Errorf("failed to fetch tenant access token: %w", err)
	}
	if resp.Code != 0 {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}

	c.token = resp.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.Expire)*time.Second - tokenExpirySkew)
	c.log.Debug("tenant access token refreshed", slog.Time("expiry", c.tokenExpiry))
	return c.token, nil
}

// request performs an authenticated JSON request and decodes the response
// envelope into out, which must embed baseResponse.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, token, body, out)
}

// post performs an unauthenticated POST (token endpoint only).
func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, token, body, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if out == nil {
		out = &baseResponse{}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// checkCode converts a non-zero envelope code into an *APIError.
func checkCode(resp baseResponse) error {
	if resp.Code != 0 {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// SendText sends a plain text message to the target, replying in-thread
// when the target carries a message to reply to.
func (c *Client) SendText(ctx context.Context, target Target, text string) (*SentMessage, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal text content: %w", err)
	}
	return c.sendMessage(ctx, target, "text", string(content))
}

// SendCardMessage sends a static (non-streaming) markdown card to the target.
func (c *Client) SendCardMessage(ctx context.Context, target Target, markdown string) (*SentMessage, error) {
	card, err := staticCardJSON(markdown)
	if err != nil {
		return nil, err
	}
	return c.sendMessage(ctx, target, "interactive", card)
}

// sendMessage creates or replies to a message depending on the target.
func (c *Client) sendMessage(ctx context.Context, target Target, msgType, content string) (*SentMessage, error) {
	req := createMessageRequest{
		MsgType: msgType,
		Content: content,
		UUID:    uuid.NewString(),
	}

	var path string
	if target.ReplyToMessageID != "" {
		path = "/open-apis/im/v1/messages/" + target.ReplyToMessageID + "/reply"
	} else {
		path = "/open-apis/im/v1/messages?receive_id_type=chat_id"
		req.ReceiveID = target.ChatID
	}

	var resp createMessageResponse
	if err := c.request(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if err := checkCode(resp.baseResponse); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("empty response from send message")
	}
	return &SentMessage{MessageID: resp.Data.MessageID, ChatID: resp.Data.ChatID}, nil
}

// CreateStreamingCard creates a card entity with content as the opening
// body and streaming mode enabled, returning the card ID.
func (c *Client) CreateStreamingCard(ctx context.Context, content string) (string, error) {
	card, err := streamingCardJSON(content, true)
	if err != nil {
		return "", err
	}

	var resp createCardResponse
	err = c.request(ctx, http.MethodPost, "/open-apis/cardkit/v1/cards",
		createCardRequest{Type: "card_json", Data: card}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create card: %w", err)
	}
	if err := checkCode(resp.baseResponse); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.CardID == "" {
		return "", fmt.Errorf("empty response from card create")
	}
	return resp.Data.CardID, nil
}

// BindCardToMessage sends the card entity as a message to the target,
// attaching the live card to a chat message.
func (c *Client) BindCardToMessage(ctx context.Context, target Target, cardID string) (*SentMessage, error) {
	content, err := json.Marshal(map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal card reference: %w", err)
	}
	return c.sendMessage(ctx, target, "interactive", string(content))
}

// UpdateCardContent pushes new content to a card entity. While streaming,
// only the reply element is updated; with streaming disabled the whole card
// is rewritten, freezing it with streaming mode off.
func (c *Client) UpdateCardContent(ctx context.Context, cardID, content string, sequence int, streaming bool) error {
	if streaming {
		path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements/%s/content", cardID, replyElementID)
		var resp baseResponse
		err := c.request(ctx, http.MethodPut, path,
			updateElementRequest{Content: content, Sequence: sequence}, &resp)
		if err != nil {
			return fmt.Errorf("failed to update card content: %w", err)
		}
		return checkCode(resp)
	}

	card, err := streamingCardJSON(content, false)
	if err != nil {
		return err
	}
	var resp baseResponse
	err = c.request(ctx, http.MethodPut, "/open-apis/cardkit/v1/cards/"+cardID,
		map[string]any{"card": createCardRequest{Type: "card_json", Data: card}, "sequence": sequence}, &resp)
	if err != nil {
		return fmt.Errorf("failed to rewrite card: %w", err)
	}
	return checkCode(resp)
}

// UpdateCardSettings pushes a settings payload (e.g. streaming mode toggle)
// to a card entity.
func (c *Client) UpdateCardSettings(ctx context.Context, cardID, settings string, sequence int) error {
	var resp baseResponse
	err := c.request(ctx, http.MethodPatch, "/open-apis/cardkit/v1/cards/"+cardID+"/settings",
		updateSettingsRequest{Settings: settings, Sequence: sequence}, &resp)
	if err != nil {
		return fmt.Errorf("failed to update card settings: %w", err)
	}
	return checkCode(resp)
}

// CreateReaction attaches an emoji reaction to a message and returns the
// reaction ID for later removal.
func (c *Client) CreateReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	body := map[string]any{
		"reaction_type": map[string]string{"emoji_type": emojiType},
	}
	var resp reactionResponse
	err := c.request(ctx, http.MethodPost, "/open-apis/im/v1/messages/"+messageID+"/reactions", body, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create reaction: %w", err)
	}
	if err := checkCode(resp.baseResponse); err != nil {
		return "", err
	}
	if resp.Data == nil {
		return "", fmt.Errorf("empty response from reaction create")
	}
	return resp.Data.ReactionID, nil
}

// DeleteReaction removes a previously created reaction from a message.
func (c *Client) DeleteReaction(ctx context.Context, messageID, reactionID string) error {
	var resp baseResponse
	err := c.request(ctx, http.MethodDelete,
		"/open-apis/im/v1/messages/"+messageID+"/reactions/"+reactionID, nil, &resp)
	if err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return checkCode(resp)
}

// streamingCardJSON builds the card entity body: a single markdown element
// the session updates in place.
func streamingCardJSON(content string, streaming bool) (string, error) {
	card := map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"streaming_mode": streaming,
		},
		"body": map[string]any{
			"elements": []map[string]any{
				{
					"tag":        "markdown",
					"element_id": replyElementID,
					"content":    content,
				},
			},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("failed to marshal card: %w", err)
	}
	return string(data), nil
}

// staticCardJSON builds a plain markdown card for the fallback path.
func staticCardJSON(markdown string) (string, error) {
	card := map[string]any{
		"schema": "2.0",
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": markdown},
			},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("failed to marshal card: %w", err)
	}
	return string(data), nil
}

// StreamingOffSettings is the settings payload that disables streaming mode
// at finalize time.
const StreamingOffSettings = `{"config":{"streaming_mode":false}}`
