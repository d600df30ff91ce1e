package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type recordingEvents struct {
	mu       sync.Mutex
	started  bool
	partials []string
	final    string
	idle     bool
}

func (r *recordingEvents) OnReplyStart(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

func (r *recordingEvents) OnPartialReply(_ context.Context, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, content)
}

func (r *recordingEvents) OnReplyFinal(_ context.Context, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = content
}

func (r *recordingEvents) OnReplyIdle(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = true
}

func TestRunTurnStreamsCumulativeOutput(t *testing.T) {
	r := NewRunner(&Config{Command: []string{"sh", "-c", `echo one; echo two; echo three`}})
	events := &recordingEvents{}

	if err := r.RunTurn(context.Background(), "prompt", events); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if !events.started {
		t.Error("OnReplyStart not called")
	}
	if len(events.partials) != 3 {
		t.Fatalf("partials = %d, want 3", len(events.partials))
	}
	// Each partial must contain everything before it.
	for i := 1; i < len(events.partials); i++ {
		if !strings.HasPrefix(events.partials[i], events.partials[i-1]) {
			t.Errorf("partial %d is not cumulative: %q does not extend %q",
				i, events.partials[i], events.partials[i-1])
		}
	}
	if events.final != "one\ntwo\nthree" {
		t.Errorf("final = %q, want full output", events.final)
	}
	if events.idle {
		t.Error("OnReplyIdle should not fire when output exists")
	}
}

func TestRunTurnReadsPromptFromStdin(t *testing.T) {
	r := NewRunner(&Config{Command: []string{"cat"}})
	events := &recordingEvents{}

	if err := r.RunTurn(context.Background(), "echo me back", events); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if events.final != "echo me back" {
		t.Errorf("final = %q, want the prompt echoed", events.final)
	}
}

func TestRunTurnEmptyOutputIsIdle(t *testing.T) {
	r := NewRunner(&Config{Command: []string{"true"}})
	events := &recordingEvents{}

	if err := r.RunTurn(context.Background(), "prompt", events); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !events.idle {
		t.Error("OnReplyIdle should fire for an empty reply")
	}
	if events.final != "" {
		t.Errorf("final = %q, want empty", events.final)
	}
}

func TestRunTurnAgentFailureWithoutOutput(t *testing.T) {
	r := NewRunner(&Config{Command: []string{"sh", "-c", "exit 3"}})
	events := &recordingEvents{}

	if err := r.RunTurn(context.Background(), "prompt", events); err == nil {
		t.Error("RunTurn should surface the exit error")
	}
	if !events.idle {
		t.Error("OnReplyIdle should fire when a failed agent produced nothing")
	}
}

func TestRunTurnAgentFailureWithOutputStillDelivers(t *testing.T) {
	r := NewRunner(&Config{Command: []string{"sh", "-c", "echo partial answer; exit 1"}})
	events := &recordingEvents{}

	if err := r.RunTurn(context.Background(), "prompt", events); err != nil {
		t.Errorf("RunTurn = %v, want nil once output was delivered", err)
	}
	if events.final != "partial answer" {
		t.Errorf("final = %q, want the partial output delivered", events.final)
	}
}

func TestValidate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Error("empty command should fail validation")
	}
	if err := (&Config{Command: []string{"agent"}}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
