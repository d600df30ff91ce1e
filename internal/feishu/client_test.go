package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   map[string]any
}

type apiRecorder struct {
	mu          sync.Mutex
	tokenCalls  int
	requests    []recordedRequest
	failNext    int // envelope code to return on the next non-token request
	failNextMsg string
}

func (r *apiRecorder) record(req *http.Request) recordedRequest {
	rec := recordedRequest{
		method: req.Method,
		path:   req.URL.Path,
		query:  req.URL.RawQuery,
	}
	if data, err := io.ReadAll(req.Body); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &rec.body)
	}
	r.mu.Lock()
	r.requests = append(r.requests, rec)
	r.mu.Unlock()
	return rec
}

func (r *apiRecorder) last() recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func newTestClient(t *testing.T) (*Client, *apiRecorder) {
	t.Helper()
	rec := &apiRecorder{}

	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, req *http.Request) {
		rec.mu.Lock()
		rec.tokenCalls++
		rec.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "msg": "ok",
			"tenant_access_token": "t-xyz",
			"expire":              7200,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer t-xyz" {
			t.Errorf("missing bearer token on %s %s", req.Method, req.URL.Path)
		}
		rec.record(req)

		rec.mu.Lock()
		code, msg := rec.failNext, rec.failNextMsg
		rec.failNext, rec.failNextMsg = 0, ""
		rec.mu.Unlock()
		if code != 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg})
			return
		}

		resp := map[string]any{"code": 0, "msg": "ok"}
		switch {
		case strings.HasSuffix(req.URL.Path, "/reply") || req.URL.Path == "/open-apis/im/v1/messages":
			resp["data"] = map[string]string{"message_id": "om-new", "chat_id": "chat-1"}
		case req.URL.Path == "/open-apis/cardkit/v1/cards":
			resp["data"] = map[string]string{"card_id": "card-42"}
		case strings.HasSuffix(req.URL.Path, "/reactions"):
			resp["data"] = map[string]string{"reaction_id": "rx-7"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewClient(&Config{AppID: "cli_app", AppSecret: "secret", BaseURL: server.URL}), rec
}

func TestTenantAccessTokenCached(t *testing.T) {
	client, rec := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := client.TenantAccessToken(ctx)
		if err != nil {
			t.Fatalf("TenantAccessToken: %v", err)
		}
		if token != "t-xyz" {
			t.Fatalf("token = %q", token)
		}
	}
	if rec.tokenCalls != 1 {
		t.Errorf("token fetches = %d, want 1 (cached)", rec.tokenCalls)
	}
}

func TestSendTextRouting(t *testing.T) {
	client, rec := newTestClient(t)
	ctx := context.Background()

	// Without a reply target the message goes to the chat.
	sent, err := client.SendText(ctx, Target{ChatID: "chat-1"}, "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent.MessageID != "om-new" {
		t.Errorf("message_id = %q", sent.MessageID)
	}
	r := rec.last()
	if r.path != "/open-apis/im/v1/messages" || r.query != "receive_id_type=chat_id" {
		t.Errorf("request = %s?%s, want chat send", r.path, r.query)
	}
	if r.body["receive_id"] != "chat-1" || r.body["msg_type"] != "text" {
		t.Errorf("body = %v", r.body)
	}
	if s, _ := r.body["uuid"].(string); s == "" {
		t.Error("send should carry an idempotency uuid")
	}

	// With a reply target the reply endpoint is used instead.
	if _, err := client.SendText(ctx, Target{ChatID: "chat-1", ReplyToMessageID: "om-0"}, "hi"); err != nil {
		t.Fatalf("SendText reply: %v", err)
	}
	r = rec.last()
	if r.path != "/open-apis/im/v1/messages/om-0/reply" {
		t.Errorf("path = %s, want reply endpoint", r.path)
	}
	if _, ok := r.body["receive_id"]; ok {
		t.Error("reply must not carry receive_id")
	}
}

func TestAPIErrorSurfacesStructuredCode(t *testing.T) {
	client, rec := newTestClient(t)
	rec.failNext, rec.failNextMsg = 230020, "update too frequent"

	_, err := client.SendText(context.Background(), Target{ChatID: "chat-1"}, "x")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.Code != 230020 {
		t.Errorf("code = %d, want 230020", apiErr.Code)
	}
	if !strings.Contains(apiErr.Error(), "230020") {
		t.Errorf("error text %q should contain the code", apiErr.Error())
	}
}

func TestCreateStreamingCard(t *testing.T) {
	client, rec := newTestClient(t)

	cardID, err := client.CreateStreamingCard(context.Background(), "Hel")
	if err != nil {
		t.Fatalf("CreateStreamingCard: %v", err)
	}
	if cardID != "card-42" {
		t.Errorf("card_id = %q", cardID)
	}

	r := rec.last()
	if r.body["type"] != "card_json" {
		t.Errorf("type = %v, want card_json", r.body["type"])
	}
	cardJSON, _ := r.body["data"].(string)
	var card struct {
		Config struct {
			StreamingMode bool `json:"streaming_mode"`
		} `json:"config"`
		Body struct {
			Elements []struct {
				Tag       string `json:"tag"`
				ElementID string `json:"element_id"`
				Content   string `json:"content"`
			} `json:"elements"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(cardJSON), &card); err != nil {
		t.Fatalf("card data is not JSON: %v", err)
	}
	if !card.Config.StreamingMode {
		t.Error("new card must have streaming_mode enabled")
	}
	if len(card.Body.Elements) != 1 || card.Body.Elements[0].Content != "Hel" {
		t.Errorf("elements = %+v, want one markdown element with the opening body", card.Body.Elements)
	}
}

func TestBindCardToMessage(t *testing.T) {
	client, rec := newTestClient(t)

	sent, err := client.BindCardToMessage(context.Background(),
		Target{ChatID: "chat-1", ReplyToMessageID: "om-0"}, "card-42")
	if err != nil {
		t.Fatalf("BindCardToMessage: %v", err)
	}
	if sent.MessageID != "om-new" {
		t.Errorf("message_id = %q", sent.MessageID)
	}

	r := rec.last()
	if r.body["msg_type"] != "interactive" {
		t.Errorf("msg_type = %v", r.body["msg_type"])
	}
	if content, _ := r.body["content"].(string); !strings.Contains(content, "card-42") {
		t.Errorf("content %q should reference the card", content)
	}
}

func TestUpdateCardContent(t *testing.T) {
	client, rec := newTestClient(t)
	ctx := context.Background()

	// Streaming updates touch only the reply element.
	if err := client.UpdateCardContent(ctx, "card-42", "Hello", 3, true); err != nil {
		t.Fatalf("UpdateCardContent streaming: %v", err)
	}
	r := rec.last()
	if r.method != http.MethodPut || r.path != "/open-apis/cardkit/v1/cards/card-42/elements/reply/content" {
		t.Errorf("request = %s %s", r.method, r.path)
	}
	if r.body["content"] != "Hello" || r.body["sequence"] != float64(3) {
		t.Errorf("body = %v", r.body)
	}

	// The terminal update rewrites the whole card with streaming off.
	if err := client.UpdateCardContent(ctx, "card-42", "Hello world", 4, false); err != nil {
		t.Fatalf("UpdateCardContent final: %v", err)
	}
	r = rec.last()
	if r.path != "/open-apis/cardkit/v1/cards/card-42" {
		t.Errorf("path = %s, want full card rewrite", r.path)
	}
	card, _ := r.body["card"].(map[string]any)
	if data, _ := card["data"].(string); !strings.Contains(data, `"streaming_mode":false`) {
		t.Errorf("rewritten card %v should disable streaming", card)
	}
}

func TestUpdateCardSettings(t *testing.T) {
	client, rec := newTestClient(t)

	if err := client.UpdateCardSettings(context.Background(), "card-42", StreamingOffSettings, 5); err != nil {
		t.Fatalf("UpdateCardSettings: %v", err)
	}
	r := rec.last()
	if r.method != http.MethodPatch || r.path != "/open-apis/cardkit/v1/cards/card-42/settings" {
		t.Errorf("request = %s %s", r.method, r.path)
	}
	if r.body["settings"] != StreamingOffSettings || r.body["sequence"] != float64(5) {
		t.Errorf("body = %v", r.body)
	}
}

func TestReactions(t *testing.T) {
	client, rec := newTestClient(t)
	ctx := context.Background()

	reactionID, err := client.CreateReaction(ctx, "om-1", "OnIt")
	if err != nil {
		t.Fatalf("CreateReaction: %v", err)
	}
	if reactionID != "rx-7" {
		t.Errorf("reaction_id = %q", reactionID)
	}
	r := rec.last()
	if r.path != "/open-apis/im/v1/messages/om-1/reactions" {
		t.Errorf("path = %s", r.path)
	}

	if err := client.DeleteReaction(ctx, "om-1", reactionID); err != nil {
		t.Fatalf("DeleteReaction: %v", err)
	}
	r = rec.last()
	if r.method != http.MethodDelete || r.path != "/open-apis/im/v1/messages/om-1/reactions/rx-7" {
		t.Errorf("request = %s %s", r.method, r.path)
	}
}
