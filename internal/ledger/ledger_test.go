package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage/memory"
)

func newTestLedger() *Ledger {
	l := New(memory.New())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Now = func() time.Time { return fixed }
	return l
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	cmd, err := l.Submit(ctx, "create-tag", domain.JSONObject{"name": "small"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if cmd.ID == 0 {
		t.Error("Expected command ID to be assigned")
	}

	got, err := l.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.CommandPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.Params["name"] != "small" {
		t.Errorf("Expected params to be stored, got %v", got.Params)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	cmd, _ := l.Submit(ctx, "bind", nil)

	if err := l.Started(ctx, cmd.ID); err != nil {
		t.Fatalf("Started failed: %v", err)
	}
	got, _ := l.Get(ctx, cmd.ID)
	if got.Status != domain.CommandRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}

	if err := l.RecordFailure(ctx, cmd.ID, 1, "TransientError", "boom", nil); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	// A second error for the same attempt is dropped.
	if err := l.RecordFailure(ctx, cmd.ID, 1, "OtherError", "again", nil); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := l.RecordFailure(ctx, cmd.ID, 2, "TransientError", "boom", []string{"frame"}); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	got, _ = l.Get(ctx, cmd.ID)
	if len(got.Errors) != 2 {
		t.Fatalf("Expected 2 errors, got %d", len(got.Errors))
	}
	if got.Errors[0].Exception != "TransientError" || got.Errors[1].Attempt != 2 {
		t.Errorf("Unexpected errors: %+v", got.Errors)
	}
	if got.Status != domain.CommandRunning {
		t.Errorf("Expected still running, got %s", got.Status)
	}

	if err := l.Finish(ctx, cmd.ID); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	got, _ = l.Get(ctx, cmd.ID)
	if got.Status != domain.CommandFinished || got.FinishedAt == nil {
		t.Errorf("Expected finished with timestamp, got %s %v", got.Status, got.FinishedAt)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	cmd, _ := l.Submit(ctx, "bind", nil)

	if err := l.Finish(ctx, cmd.ID); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := l.Fail(ctx, cmd.ID); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if err := l.RecordFailure(ctx, cmd.ID, 3, "TransientError", "late", nil); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	got, _ := l.Get(ctx, cmd.ID)
	if got.Status != domain.CommandFinished {
		t.Errorf("Expected finished to stick, got %s", got.Status)
	}
	if len(got.Errors) != 0 {
		t.Errorf("Expected no errors after finish, got %d", len(got.Errors))
	}

	if _, err := l.Cancel(ctx, cmd.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict cancelling a finished command, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	cmd, _ := l.Submit(ctx, "bind", nil)

	cancelled, err := l.Cancel(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != domain.CommandCancelled || cancelled.FinishedAt == nil {
		t.Errorf("Expected the cancelled command back, got %+v", cancelled)
	}
	got, _ := l.Get(ctx, cmd.ID)
	if got.Status != domain.CommandCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	cmd, _ := l.Submit(ctx, "bind", nil)

	const attempts = 20
	var wg sync.WaitGroup
	for i := 1; i <= attempts; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			if err := l.RecordFailure(ctx, cmd.ID, attempt, "TransientError", "boom", nil); err != nil {
				t.Errorf("RecordFailure failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := l.Get(ctx, cmd.ID)
	if len(got.Errors) != attempts {
		t.Errorf("Expected %d recorded errors, got %d", attempts, len(got.Errors))
	}

	// Finishing races a late failure; the terminal state always wins.
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = l.Finish(ctx, cmd.ID)
	}()
	go func() {
		defer wg.Done()
		_ = l.RecordFailure(ctx, cmd.ID, attempts+1, "TransientError", "late", nil)
	}()
	wg.Wait()

	got, _ = l.Get(ctx, cmd.ID)
	if got.Status != domain.CommandFinished {
		t.Errorf("Expected finished, got %s", got.Status)
	}
	if n := len(got.Errors); n != attempts && n != attempts+1 {
		t.Errorf("Expected %d or %d errors, got %d", attempts, attempts+1, n)
	}
}

func TestGet_NotFound(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Get(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSubmit_RedactsSecrets(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	params := domain.JSONObject{
		"name":          "n1",
		"ipmi_password": "hunter2",
		"Secret":        "s",
		"credentials":   map[string]any{"username": "admin", "password": "p"},
	}
	cmd, err := l.Submit(ctx, "set-node-ipmi-credentials", params)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := l.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"plain value kept", got.Params["name"], "n1"},
		{"password key", got.Params["ipmi_password"], Redacted},
		{"case-insensitive key", got.Params["Secret"], Redacted},
		{"nested password", nestedValue(got.Params["credentials"], "password"), Redacted},
		{"nested plain value", nestedValue(got.Params["credentials"], "username"), "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	if params["ipmi_password"] != "hunter2" {
		t.Error("Expected caller's params to be left untouched")
	}
}

func nestedValue(v any, key string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[key]
	case domain.JSONObject:
		return m[key]
	}
	return nil
}
