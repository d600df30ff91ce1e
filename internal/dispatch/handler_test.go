package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahmut-Abi/openclaw-feishu/internal/agent"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
	"github.com/mahmut-Abi/openclaw-feishu/internal/typing"
)

type fakeChatAPI struct {
	fakeCards
	fakeMessenger
	mu        sync.Mutex
	reactions int
	downloads []string
}

func (f *fakeChatAPI) CreateReaction(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions++
	return "r-1", nil
}

func (f *fakeChatAPI) DeleteReaction(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakeChatAPI) DownloadResource(_ context.Context, _, fileKey, _, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := dir + "/" + fileKey
	f.downloads = append(f.downloads, path)
	return path, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (f *fakeRunner) RunTurn(ctx context.Context, prompt string, events agent.ReplyEvents) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	reply, err := f.reply, f.err
	f.mu.Unlock()

	events.OnReplyStart(ctx)
	if err != nil {
		events.OnReplyIdle(ctx)
		return err
	}
	events.OnReplyFinal(ctx, reply)
	return nil
}

type fakeAccess struct {
	mu      sync.Mutex
	allowed map[string]bool
	reqs    int
}

func (f *fakeAccess) Allowed(openID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[openID], nil
}

func (f *fakeAccess) CreateRequest(openID, chatID string, _ time.Duration) (*pairing.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs++
	return &pairing.Request{Code: "ABCD1234", OpenID: openID, ChatID: chatID}, nil
}

func messageEnvelope(t *testing.T, openID, chatType, msgType, content string, mentions int) *feishu.EventEnvelope {
	t.Helper()
	var mentionList []map[string]any
	for i := 0; i < mentions; i++ {
		mentionList = append(mentionList, map[string]any{"key": fmt.Sprintf("@_user_%d", i+1)})
	}
	event, err := json.Marshal(map[string]any{
		"sender": map[string]any{
			"sender_id":   map[string]any{"open_id": openID},
			"sender_type": "user",
		},
		"message": map[string]any{
			"message_id":   "om-1",
			"chat_id":      "chat-1",
			"chat_type":    chatType,
			"message_type": msgType,
			"content":      content,
			"mentions":     mentionList,
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &feishu.EventEnvelope{
		Header: feishu.EventHeader{EventID: "ev-1", EventType: feishu.EventMessageReceive},
		Event:  event,
	}
}

func newTestHandler(api *fakeChatAPI, runner *fakeRunner, access *fakeAccess, policy string) *Handler {
	pairCfg := pairing.DefaultConfig()
	pairCfg.Policy = policy
	streamCfg := fastStreamConfig()
	streamCfg.Enabled = false
	return NewHandler(api, runner, access, pairCfg,
		&typing.Config{Enabled: true, Emoji: "OnIt"}, streamCfg, nil)
}

func TestHandlerRunsTurnForAllowedUser(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "the answer"}
	h := newTestHandler(api, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(), messageEnvelope(t, "ou_x", "p2p", "text", `{"text":"hello bot"}`, 0))
	h.Close()

	if len(runner.prompts) != 1 || runner.prompts[0] != "hello bot" {
		t.Fatalf("prompts = %v, want [hello bot]", runner.prompts)
	}
	api.fakeMessenger.mu.Lock()
	defer api.fakeMessenger.mu.Unlock()
	if len(api.sent) != 1 || api.sent[0].body != "the answer" {
		t.Errorf("sent = %+v, want the reply", api.sent)
	}
}

func TestHandlerStripsMentionsInGroup(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "ok"}
	h := newTestHandler(api, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(),
		messageEnvelope(t, "ou_x", "group", "text", `{"text":"@_user_1 do the thing"}`, 1))
	h.Close()

	if len(runner.prompts) != 1 || runner.prompts[0] != "do the thing" {
		t.Errorf("prompts = %v, want [do the thing]", runner.prompts)
	}
}

func TestHandlerIgnoresGroupMessageWithoutMention(t *testing.T) {
	runner := &fakeRunner{reply: "ok"}
	h := newTestHandler(&fakeChatAPI{}, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(),
		messageEnvelope(t, "ou_x", "group", "text", `{"text":"chatter"}`, 0))
	h.Close()

	if len(runner.prompts) != 0 {
		t.Errorf("prompts = %v, want none", runner.prompts)
	}
}

func TestHandlerIgnoresOtherEventTypes(t *testing.T) {
	runner := &fakeRunner{reply: "ok"}
	h := newTestHandler(&fakeChatAPI{}, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(), &feishu.EventEnvelope{
		Header: feishu.EventHeader{EventType: "im.chat.updated_v1"},
	})
	h.Close()

	if len(runner.prompts) != 0 {
		t.Errorf("prompts = %v, want none", runner.prompts)
	}
}

func TestHandlerPairPolicyIssuesCode(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "ok"}
	access := &fakeAccess{allowed: map[string]bool{}}
	h := newTestHandler(api, runner, access, pairing.PolicyPair)

	h.OnEvent(context.Background(), messageEnvelope(t, "ou_new", "p2p", "text", `{"text":"hi"}`, 0))
	h.Close()

	if len(runner.prompts) != 0 {
		t.Error("unknown sender must not reach the agent")
	}
	if access.reqs != 1 {
		t.Errorf("pairing requests = %d, want 1", access.reqs)
	}
	api.fakeMessenger.mu.Lock()
	defer api.fakeMessenger.mu.Unlock()
	if len(api.sent) != 1 || !strings.Contains(api.sent[0].body, "ABCD1234") {
		t.Errorf("sent = %+v, want the pairing code", api.sent)
	}
}

func TestHandlerPairPolicyAdmitsKnownUser(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "welcome back"}
	access := &fakeAccess{allowed: map[string]bool{"ou_known": true}}
	h := newTestHandler(api, runner, access, pairing.PolicyPair)

	h.OnEvent(context.Background(), messageEnvelope(t, "ou_known", "p2p", "text", `{"text":"hi"}`, 0))
	h.Close()

	if len(runner.prompts) != 1 {
		t.Errorf("prompts = %v, want one turn", runner.prompts)
	}
}

func TestHandlerAllowlistDeniesUnknown(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "ok"}
	h := newTestHandler(api, runner, &fakeAccess{}, pairing.PolicyAllowlist)

	h.OnEvent(context.Background(), messageEnvelope(t, "ou_nope", "p2p", "text", `{"text":"hi"}`, 0))
	h.Close()

	if len(runner.prompts) != 0 {
		t.Error("denied sender must not reach the agent")
	}
	api.fakeMessenger.mu.Lock()
	defer api.fakeMessenger.mu.Unlock()
	if len(api.sent) != 1 || !strings.Contains(api.sent[0].body, "not authorized") {
		t.Errorf("sent = %+v, want a denial message", api.sent)
	}
}

func TestHandlerDownloadsAttachment(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{reply: "got it"}
	h := newTestHandler(api, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(),
		messageEnvelope(t, "ou_x", "p2p", "image", `{"image_key":"img_abc"}`, 0))
	h.Close()

	if len(api.downloads) != 1 {
		t.Fatalf("downloads = %v, want 1", api.downloads)
	}
	if len(runner.prompts) != 1 || !strings.Contains(runner.prompts[0], "img_abc") {
		t.Errorf("prompts = %v, want attachment path in prompt", runner.prompts)
	}
}

func TestHandlerReportsTurnFailure(t *testing.T) {
	api := &fakeChatAPI{}
	runner := &fakeRunner{err: fmt.Errorf("agent exploded")}
	h := newTestHandler(api, runner, &fakeAccess{}, pairing.PolicyOpen)

	h.OnEvent(context.Background(), messageEnvelope(t, "ou_x", "p2p", "text", `{"text":"hi"}`, 0))
	h.Close()

	api.fakeMessenger.mu.Lock()
	defer api.fakeMessenger.mu.Unlock()
	if len(api.sent) != 1 || !strings.Contains(api.sent[0].body, "went wrong") {
		t.Errorf("sent = %+v, want a failure notice", api.sent)
	}
}
