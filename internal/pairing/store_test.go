package pairing

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAllowRevoke(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.Allowed("ou_alice")
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if ok {
		t.Error("unknown user should not be allowed")
	}

	if err := store.Allow("ou_alice", "Alice"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok, _ = store.Allowed("ou_alice"); !ok {
		t.Error("allowed user should pass the check")
	}

	if err := store.Revoke("ou_alice"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, _ = store.Allowed("ou_alice"); ok {
		t.Error("revoked user should fail the check")
	}

	if err := store.Revoke("ou_alice"); err == nil {
		t.Error("revoking an absent user should error")
	}
}

func TestAllowIsUpsert(t *testing.T) {
	store := newTestStore(t)

	if err := store.Allow("ou_bob", "Bob"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if err := store.Allow("ou_bob", "Robert"); err != nil {
		t.Fatalf("second Allow: %v", err)
	}

	users, err := store.ListAllowed()
	if err != nil {
		t.Fatalf("ListAllowed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d, want 1", len(users))
	}
	if users[0].Name != "Robert" {
		t.Errorf("name = %q, want Robert", users[0].Name)
	}
}

func TestCreateRequestReusesPendingCode(t *testing.T) {
	store := newTestStore(t)

	first, err := store.CreateRequest("ou_carol", "chat-1", time.Hour)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if len(first.Code) != 8 {
		t.Errorf("code = %q, want 8 characters", first.Code)
	}

	second, err := store.CreateRequest("ou_carol", "chat-1", time.Hour)
	if err != nil {
		t.Fatalf("second CreateRequest: %v", err)
	}
	if second.Code != first.Code {
		t.Errorf("repeat request got a new code: %q vs %q", second.Code, first.Code)
	}
}

func TestCreateRequestReplacesExpiredCode(t *testing.T) {
	store := newTestStore(t)

	first, err := store.CreateRequest("ou_dave", "chat-1", -time.Minute)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	second, err := store.CreateRequest("ou_dave", "chat-1", time.Hour)
	if err != nil {
		t.Fatalf("second CreateRequest: %v", err)
	}
	if second.Code == first.Code {
		t.Error("expired request should be replaced with a fresh code")
	}
}

func TestApprove(t *testing.T) {
	store := newTestStore(t)

	req, err := store.CreateRequest("ou_erin", "chat-2", time.Hour)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	openID, err := store.Approve(req.Code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if openID != "ou_erin" {
		t.Errorf("approved openID = %q, want ou_erin", openID)
	}

	if ok, _ := store.Allowed("ou_erin"); !ok {
		t.Error("approved user should be on the allowlist")
	}
	reqs, _ := store.ListRequests()
	if len(reqs) != 0 {
		t.Errorf("pending requests = %d, want 0 after approval", len(reqs))
	}
}

func TestApproveRejectsExpiredAndUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Approve("NOPE1234"); err == nil {
		t.Error("approving an unknown code should error")
	}

	req, err := store.CreateRequest("ou_frank", "chat-3", -time.Minute)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := store.Approve(req.Code); err == nil {
		t.Error("approving an expired code should error")
	}
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateRequest("ou_old", "chat-1", -time.Minute); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := store.CreateRequest("ou_new", "chat-1", time.Hour); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	n, err := store.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	reqs, _ := store.ListRequests()
	if len(reqs) != 1 || reqs[0].OpenID != "ou_new" {
		t.Errorf("remaining requests = %+v, want only ou_new", reqs)
	}
}
