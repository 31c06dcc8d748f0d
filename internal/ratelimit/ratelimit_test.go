package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/bouncer/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ratelimit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func putRequest(t *testing.T, st *store.Store, id, source, status string) {
	t.Helper()
	err := st.PutRequest(context.Background(), &store.Request{
		RequestID: id,
		Type:      store.TypeCommand,
		Command:   "aws s3 ls",
		Source:    source,
		Status:    status,
	})
	if err != nil {
		t.Fatalf("put request %s: %v", id, err)
	}
}

func TestCheckWindowCap(t *testing.T) {
	st := openTestStore(t)
	l := NewLimiter(st, true, nil)
	ctx := context.Background()

	for i := 0; i < MaxRequests-1; i++ {
		putRequest(t, st, fmt.Sprintf("req-%d", i), "agent-1", store.StatusDenied)
	}
	if err := l.Check(ctx, "agent-1"); err != nil {
		t.Fatalf("under the cap: %v", err)
	}

	putRequest(t, st, "req-last", "agent-1", store.StatusApproved)
	if err := l.Check(ctx, "agent-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("at the cap: got %v", err)
	}

	// another source is unaffected
	if err := l.Check(ctx, "agent-2"); err != nil {
		t.Errorf("other source limited: %v", err)
	}
}

func TestAutoApprovalsAreFree(t *testing.T) {
	st := openTestStore(t)
	l := NewLimiter(st, true, nil)
	ctx := context.Background()

	for i := 0; i < MaxRequests*2; i++ {
		putRequest(t, st, fmt.Sprintf("auto-%d", i), "agent-1", store.StatusAutoApproved)
	}
	if err := l.Check(ctx, "agent-1"); err != nil {
		t.Fatalf("auto-approved requests counted toward the window: %v", err)
	}
}

func TestCheckPendingCap(t *testing.T) {
	st := openTestStore(t)
	l := NewLimiter(st, true, nil)
	ctx := context.Background()

	// pending requests older than the window still count toward the
	// pending cap
	old := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < MaxPending; i++ {
		err := st.PutRequest(ctx, &store.Request{
			RequestID: fmt.Sprintf("pend-%d", i),
			Type:      store.TypeCommand,
			Command:   "aws s3 ls",
			Source:    "agent-1",
			Status:    store.StatusPendingApproval,
			CreatedAt: old,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Check(ctx, "agent-1"); !errors.Is(err, ErrPendingLimit) {
		t.Fatalf("pending cap: got %v", err)
	}
}

func TestDisabledLimiter(t *testing.T) {
	st := openTestStore(t)
	l := NewLimiter(st, false, nil)
	ctx := context.Background()

	for i := 0; i < MaxRequests*3; i++ {
		putRequest(t, st, fmt.Sprintf("req-%d", i), "agent-1", store.StatusDenied)
	}
	if err := l.Check(ctx, "agent-1"); err != nil {
		t.Fatalf("disabled limiter refused: %v", err)
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	st := openTestStore(t)
	l := NewLimiter(st, true, nil)
	st.Close()

	if err := l.Check(context.Background(), "agent-1"); err != nil {
		t.Fatalf("store failure must fail open: %v", err)
	}
}
