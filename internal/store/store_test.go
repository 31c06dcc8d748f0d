package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/bouncer/internal/sequence"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bouncer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequestLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &Request{
		RequestID: "abc123def456",
		Command:   "aws s3 rb s3://old-bucket",
		Source:    "agent-1",
		AccountID: "111122223333",
		Reason:    "cleanup",
		Status:    StatusPendingApproval,
	}
	if err := s.PutRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRequest(ctx, "abc123def456")
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != req.Command || got.Status != StatusPendingApproval || got.Type != TypeCommand {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := s.ResolveRequest(ctx, "abc123def456", Resolution{
		Status:   StatusApproved,
		Result:   "bucket removed",
		Approver: "ops",
	}); err != nil {
		t.Fatal(err)
	}

	// the second tap on the card loses
	err = s.ResolveRequest(ctx, "abc123def456", Resolution{Status: StatusDenied, Approver: "ops"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second resolution should conflict, got %v", err)
	}

	got, _ = s.GetRequest(ctx, "abc123def456")
	if got.Status != StatusApproved || got.Approver != "ops" || got.ApprovedAt.IsZero() {
		t.Errorf("resolution not recorded: %+v", got)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRequest(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestTransitionRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PutRequest(ctx, &Request{RequestID: "r1", Status: StatusPendingApproval, Source: "a"})

	if err := s.TransitionRequest(ctx, "r1", StatusPendingApproval, StatusTimeout); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionRequest(ctx, "r1", StatusPendingApproval, StatusDenied); !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition should conflict, got %v", err)
	}
	if err := s.TransitionRequest(ctx, "nope", StatusPendingApproval, StatusDenied); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request should be ErrNotFound, got %v", err)
	}
}

func TestRateLimitCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	mk := func(id, status string, age time.Duration) {
		s.PutRequest(ctx, &Request{
			RequestID: id, Source: "agent-1", Status: status,
			CreatedAt: base.Add(-age), UpdatedAt: base.Add(-age),
		})
	}
	mk("in1", StatusPendingApproval, 10*time.Second)
	mk("in2", StatusApproved, 30*time.Second)
	mk("old", StatusApproved, 5*time.Minute)
	mk("skip", StatusAutoApproved, 10*time.Second) // safelisted commands do not count

	statuses := []string{StatusPendingApproval, StatusApproved, StatusDenied}
	n, err := s.CountRequestsSince(ctx, "agent-1", base.Add(-time.Minute), statuses)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("window count = %d, want 2", n)
	}

	pending, err := s.CountPending(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Errorf("pending count = %d, want 1", pending)
	}
}

func TestHistoryFilterAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []string{StatusApproved, StatusDenied, StatusApproved} {
		s.PutRequest(ctx, &Request{
			RequestID: string(rune('a'+i)) + "-req",
			Source:    "agent-1", AccountID: "111122223333", Status: status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	got, err := s.History(ctx, HistoryFilter{Status: StatusApproved, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("filtered history len = %d, want 2", len(got))
	}
	if got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("history should be newest first")
	}

	counts, err := s.StatusCounts(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusApproved] != 2 || counts[StatusDenied] != 1 {
		t.Errorf("status counts = %#v", counts)
	}
}

func TestTrustSessionConsume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	trust := &TrustSession{
		TrustID: "trust-abc-111122223333", TrustScope: "session-key-1",
		Source: "agent-1", AccountID: "111122223333", ApprovedBy: "ops",
		MaxCommands: 2, CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := s.PutTrustSession(ctx, trust); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindLiveTrustSession(ctx, trust.TrustID)
	if err != nil {
		t.Fatal(err)
	}
	if found.TrustScope != "session-key-1" || found.ApprovedBy != "ops" {
		t.Errorf("found wrong session: %+v", found)
	}

	for i := 1; i <= 2; i++ {
		got, err := s.ConsumeTrust(ctx, trust.TrustID)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if got.CommandCount != i {
			t.Errorf("count after consume %d = %d", i, got.CommandCount)
		}
	}
	if _, err := s.ConsumeTrust(ctx, trust.TrustID); !errors.Is(err, ErrConflict) {
		t.Errorf("exhausted session should conflict, got %v", err)
	}
	if _, err := s.FindLiveTrustSession(ctx, trust.TrustID); !errors.Is(err, ErrNotFound) {
		t.Errorf("exhausted session should not be found, got %v", err)
	}
}

func TestTrustUploadQuota(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.PutTrustSession(ctx, &TrustSession{
		TrustID: "trust-up", TrustScope: "sk", Source: "a", AccountID: "1",
		MaxCommands: 20, MaxUploads: 2, ExpiresAt: now.Add(10 * time.Minute),
	})

	const maxTotal = 1000
	if err := s.ConsumeTrustUpload(ctx, "trust-up", 600, maxTotal); err != nil {
		t.Fatal(err)
	}
	// second upload would push the byte total past the cap
	if err := s.ConsumeTrustUpload(ctx, "trust-up", 600, maxTotal); !errors.Is(err, ErrConflict) {
		t.Errorf("byte cap should conflict, got %v", err)
	}
	if err := s.ConsumeTrustUpload(ctx, "trust-up", 300, maxTotal); err != nil {
		t.Fatal(err)
	}
	// upload count quota is now exhausted
	if err := s.ConsumeTrustUpload(ctx, "trust-up", 10, maxTotal); !errors.Is(err, ErrConflict) {
		t.Errorf("upload quota should conflict, got %v", err)
	}
}

func TestTrustSessionExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.PutTrustSession(ctx, &TrustSession{
		TrustID: "trust-x", TrustScope: "sk", Source: "a", AccountID: "1",
		MaxCommands: 20, CreatedAt: now.Add(-11 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	})

	if _, err := s.ConsumeTrust(ctx, "trust-x"); !errors.Is(err, ErrExpired) {
		t.Errorf("expired session should be ErrExpired, got %v", err)
	}

	n, err := s.PurgeTrustSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("purge = (%d, %v), want (1, nil)", n, err)
	}
}

func TestTrustRevoke(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.PutTrustSession(ctx, &TrustSession{
		TrustID: "trust-y", TrustScope: "sk", Source: "a", AccountID: "1",
		MaxCommands: 20, ExpiresAt: now.Add(10 * time.Minute),
	})
	if err := s.RevokeTrust(ctx, "trust-y"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeTrust(ctx, "trust-y"); !errors.Is(err, ErrConflict) {
		t.Errorf("revoked session should conflict, got %v", err)
	}
	if err := s.RevokeTrust(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoking a missing session should be ErrNotFound, got %v", err)
	}
}

func TestGrantTryUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	g := &GrantSession{
		GrantID: "grant_0123456789abcdef0123456789abcdef",
		Source:  "agent-1", AccountID: "111122223333",
		Status:             GrantActive,
		AllowRepeat:        true,
		Granted:            []string{"aws s3 rm s3://b/x"},
		MaxTotalExecutions: 50,
		ExpiresAt:          now.Add(30 * time.Minute),
	}
	if err := s.PutGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	// dangerous commands cap at 3 uses even with repeats allowed
	for i := 0; i < 3; i++ {
		if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 rm s3://b/x", true, 3); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 rm s3://b/x", true, 3); !errors.Is(err, ErrConflict) {
		t.Errorf("fourth use should conflict, got %v", err)
	}

	got, _ := s.GetGrant(ctx, g.GrantID)
	if got.Used["aws s3 rm s3://b/x"] != 3 {
		t.Errorf("usage = %#v", got.Used)
	}
	if got.TotalExecutions != 3 {
		t.Errorf("total executions = %d, want 3", got.TotalExecutions)
	}
}

func TestGrantSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := &GrantSession{
		GrantID: "grant_once", Source: "agent-1", AccountID: "111122223333",
		Status:             GrantActive,
		Granted:            []string{"aws s3 ls"},
		MaxTotalExecutions: 50,
		ExpiresAt:          time.Now().UTC().Add(30 * time.Minute),
	}
	if err := s.PutGrant(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 ls", false, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 ls", false, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("second single-use should conflict, got %v", err)
	}
}

func TestGrantTotalBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := &GrantSession{
		GrantID: "grant_budget", Source: "agent-1", AccountID: "111122223333",
		Status:             GrantActive,
		AllowRepeat:        true,
		Granted:            []string{"aws s3 ls"},
		MaxTotalExecutions: 2,
		ExpiresAt:          time.Now().UTC().Add(30 * time.Minute),
	}
	if err := s.PutGrant(ctx, g); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 ls", true, 0); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	if err := s.TryUseGrant(ctx, g.GrantID, "aws s3 ls", true, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("over-budget use should conflict, got %v", err)
	}
}

func TestGrantExpiredAndTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.PutGrant(ctx, &GrantSession{
		GrantID: "grant_expired", Source: "a", AccountID: "1",
		Status: GrantActive, MaxTotalExecutions: 50,
		ExpiresAt: now.Add(-time.Minute),
	})
	if err := s.TryUseGrant(ctx, "grant_expired", "aws s3 ls", false, 0); !errors.Is(err, ErrExpired) {
		t.Errorf("want ErrExpired, got %v", err)
	}

	s.PutGrant(ctx, &GrantSession{
		GrantID: "grant_pending", Source: "a", AccountID: "1",
		Status: GrantPending, MaxTotalExecutions: 50,
		ExpiresAt: now.Add(time.Hour),
	})
	if err := s.ApproveGrant(ctx, "grant_pending", "ops", "all", []string{"aws s3 ls"}, now.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionGrant(ctx, "grant_pending", GrantPending, GrantDenied, "ops"); !errors.Is(err, ErrConflict) {
		t.Errorf("second decision should conflict, got %v", err)
	}
	got, err := s.GetGrant(ctx, "grant_pending")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != GrantActive || len(got.Granted) != 1 || got.ApprovedAt.IsZero() {
		t.Errorf("approved grant = %+v", got)
	}
}

func TestAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Account{
		AccountID: "111122223333", Name: "production",
		RoleArn: "arn:aws:iam::111122223333:role/broker-execution",
		Enabled: true, AddedBy: "ops",
	}
	if err := s.PutAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccount(ctx, "111122223333")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "production" || !got.Enabled {
		t.Errorf("account round trip: %+v", got)
	}

	list, err := s.ListAccounts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = (%d, %v)", len(list), err)
	}

	if err := s.DeleteAccount(ctx, "111122223333"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccount(ctx, "111122223333"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestPages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.PutPage(ctx, &OutputPage{
		PageID: "req1:page:2", RequestID: "req1", PageNum: 2,
		Content: "chunk two", ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPage(ctx, "req1:page:2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "chunk two" || got.PageNum != 2 {
		t.Errorf("page round trip: %+v", got)
	}

	s.PutPage(ctx, &OutputPage{
		PageID: "req1:page:3", RequestID: "req1", PageNum: 3,
		Content: "stale", ExpiresAt: now.Add(-time.Minute),
	})
	if _, err := s.GetPage(ctx, "req1:page:3"); !errors.Is(err, ErrExpired) {
		t.Errorf("want ErrExpired, got %v", err)
	}
	if _, err := s.GetPage(ctx, "req1:page:9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	n, err := s.PurgePages(ctx)
	if err != nil || n != 1 {
		t.Errorf("purge pages = (%d, %v), want (1, nil)", n, err)
	}
}

func TestCommandHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RecordCommand(ctx, sequence.Record{
		Source:      "agent-1",
		Command:     "aws ec2 describe-instances --instance-ids i-abc",
		Service:     "ec2",
		Action:      "describe-instances",
		ResourceIDs: []string{"i-abc"},
		AccountID:   "111122223333",
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := s.RecentCommands(ctx, "agent-1", time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("recent = %d records", len(recs))
	}
	if recs[0].Action != "describe-instances" || len(recs[0].ResourceIDs) != 1 {
		t.Errorf("record round trip: %+v", recs[0])
	}

	if recs, _ := s.RecentCommands(ctx, "agent-2", time.Now().Add(-time.Minute), 100); len(recs) != 0 {
		t.Errorf("foreign source should see nothing, got %d", len(recs))
	}
}

func TestPurgeRequests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.PutRequest(ctx, &Request{RequestID: "keep", Status: StatusApproved, ExpiresAt: now.Add(time.Hour)})
	s.PutRequest(ctx, &Request{RequestID: "stale", Status: StatusApproved, ExpiresAt: now.Add(-time.Hour)})
	s.PutRequest(ctx, &Request{RequestID: "no-ttl", Status: StatusApproved})

	n, err := s.PurgeRequests(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = (%d, %v), want (1, nil)", n, err)
	}
	if _, err := s.GetRequest(ctx, "keep"); err != nil {
		t.Errorf("keep should survive: %v", err)
	}
	if _, err := s.GetRequest(ctx, "no-ttl"); err != nil {
		t.Errorf("rows without TTL should survive: %v", err)
	}
}

func TestResolveExtendsRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutRequest(ctx, &Request{
		RequestID: "decided-00001",
		Status:    StatusPendingApproval,
		ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveRequest(ctx, "decided-00001", Resolution{
		Status: StatusApproved, Approver: "ops",
	}); err != nil {
		t.Fatal(err)
	}

	r, err := s.GetRequest(ctx, "decided-00001")
	if err != nil {
		t.Fatal(err)
	}
	if r.ExpiresAt.Before(now.Add(AuditRetention - time.Hour)) {
		t.Errorf("resolved ttl = %s, want roughly %s out", r.ExpiresAt, AuditRetention)
	}

	// the decided row must survive a purge sweep
	if n, err := s.PurgeRequests(ctx); err != nil || n != 0 {
		t.Errorf("purge = (%d, %v), want (0, nil)", n, err)
	}
}

func TestTimeoutRowsGetRetentionTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutRequest(ctx, &Request{
		RequestID: "overdue-00001",
		Status:    StatusPendingApproval,
		ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpirePendingRequests(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire = (%d, %v), want (1, nil)", n, err)
	}

	r, err := s.GetRequest(ctx, "overdue-00001")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusTimeout {
		t.Errorf("status = %s", r.Status)
	}
	if r.ExpiresAt.Before(now.Add(AuditRetention - time.Hour)) {
		t.Errorf("timeout ttl = %s, want roughly %s out", r.ExpiresAt, AuditRetention)
	}
	if n, err := s.PurgeRequests(ctx); err != nil || n != 0 {
		t.Errorf("purge took the timed-out row: (%d, %v)", n, err)
	}
}
