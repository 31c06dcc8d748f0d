package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/compliance"
	"github.com/marcus-qen/bouncer/internal/executor"
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/paging"
	"github.com/marcus-qen/bouncer/internal/ratelimit"
	"github.com/marcus-qen/bouncer/internal/risk"
	"github.com/marcus-qen/bouncer/internal/sequence"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/trust"
	"github.com/marcus-qen/bouncer/internal/uploads"
)

const testAccountID = "999988887777"

type fakeRunner struct {
	calls  []string
	output string
	err    error
}

func (f *fakeRunner) Execute(_ context.Context, command, _ string) (executor.Result, error) {
	f.calls = append(f.calls, command)
	if f.err != nil {
		return executor.Result{}, f.err
	}
	out := f.output
	if out == "" {
		out = executor.NoOutputMessage
	}
	return executor.Result{Output: out}, nil
}

type testDeps struct {
	broker *Broker
	cbs    *Callbacks
	runner *fakeRunner
	store  *store.Store
	trust  *trust.Manager
	grants *grant.Manager
	reg    *accounts.Registry
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := accounts.NewRegistry(st, testAccountID, nil)
	if err := reg.EnsureDefault(context.Background()); err != nil {
		t.Fatalf("ensure default account: %v", err)
	}

	checker := compliance.NewChecker(nil)
	scorer := risk.NewScorer("", nil, nil)
	tr := trust.NewManager(st, true, nil)
	grants := grant.NewManager(st, checker, scorer, nil)
	limiter := ratelimit.NewLimiter(st, true, nil)
	sequencer := sequence.NewAnalyzer(st, nil)
	runner := &fakeRunner{}
	pager := paging.NewPager(st, nil)
	chat := telegram.NewClient("", "", nil)

	up := uploads.NewManager(st, reg, tr, limiter, chat,
		func(context.Context, string) (uploads.ObjectStore, error) { return nil, context.Canceled },
		nil, nil)

	broker := NewBroker(st, reg, tr, grants, limiter, checker, scorer,
		sequencer, runner, pager, chat, nil)
	cbs := NewCallbacks(st, reg, tr, grants, up, runner, pager, sequencer, chat, nil)

	return &testDeps{
		broker: broker,
		cbs:    cbs,
		runner: runner,
		store:  st,
		trust:  tr,
		grants: grants,
		reg:    reg,
	}
}

func TestExecuteValidation(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	if _, err := d.broker.Execute(ctx, Request{TrustScope: "s1"}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := d.broker.Execute(ctx, Request{Command: "aws s3 ls"}); err == nil {
		t.Error("missing trust_scope accepted")
	}
	if len(d.runner.calls) != 0 {
		t.Errorf("runner called %d times", len(d.runner.calls))
	}
}

func TestExecuteAutoApprovesSafeRead(t *testing.T) {
	d := newTestDeps(t)
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws ec2 describe-instances",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusAutoApproved {
		t.Fatalf("status = %s", out.Status)
	}
	if len(d.runner.calls) != 1 {
		t.Fatalf("runner calls = %d", len(d.runner.calls))
	}

	r, err := d.store.GetRequest(context.Background(), out.RequestID)
	if err != nil {
		t.Fatalf("request row: %v", err)
	}
	if r.Status != store.StatusAutoApproved || r.Result == "" {
		t.Errorf("row = %s result %q", r.Status, r.Result)
	}
	if r.RiskDecision == "" {
		t.Error("risk decision not recorded")
	}
}

func TestExecuteBlocksBlacklistedCommand(t *testing.T) {
	d := newTestDeps(t)
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws iam create-user --user-name hacker",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusBlocked {
		t.Fatalf("status = %s", out.Status)
	}
	if !strings.Contains(out.Message, "iam create") {
		t.Errorf("message = %q", out.Message)
	}
	if len(d.runner.calls) != 0 {
		t.Error("blocked command was executed")
	}
}

func TestComplianceWinsOverSafelist(t *testing.T) {
	d := newTestDeps(t)
	// Safelisted prefix, public ACL: the compliance veto must win.
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws s3 cp s3://bucket/report.csv ./report.csv --acl public-read",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusComplianceViolation {
		t.Fatalf("status = %s", out.Status)
	}
	if out.RuleID == "" || out.Remediation == "" {
		t.Errorf("rule_id %q remediation %q", out.RuleID, out.Remediation)
	}
	if len(d.runner.calls) != 0 {
		t.Error("violating command was executed")
	}
}

func TestCrossBucketCopyNeedsApproval(t *testing.T) {
	d := newTestDeps(t)
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws s3 cp s3://a/x s3://b/x",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusPendingApproval {
		t.Fatalf("status = %s", out.Status)
	}
	if len(d.runner.calls) != 0 {
		t.Error("pending command was executed")
	}

	r, err := d.store.GetRequest(context.Background(), out.RequestID)
	if err != nil {
		t.Fatalf("request row: %v", err)
	}
	if r.ExpiresAt.Before(time.Now()) {
		t.Error("pending request already expired")
	}
	if got := trustScopeOf(r); got != "s1" {
		t.Errorf("trust scope payload = %q", got)
	}
}

func TestTrustSessionAutoApproves(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	if _, err := d.trust.Create(ctx, "s1", testAccountID, "approver", "agent-1", 0); err != nil {
		t.Fatalf("trust create: %v", err)
	}

	out, err := d.broker.Execute(ctx, Request{
		Command:    "aws ec2 start-instances --instance-ids i-0abc",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusTrustAutoApproved {
		t.Fatalf("status = %s", out.Status)
	}
	if out.CommandCount != "1/20" {
		t.Errorf("command count = %s", out.CommandCount)
	}
	if out.TrustID == "" || !strings.Contains(out.Remaining, ":") {
		t.Errorf("trust id %q remaining %q", out.TrustID, out.Remaining)
	}
	if len(d.runner.calls) != 1 {
		t.Errorf("runner calls = %d", len(d.runner.calls))
	}
}

func TestTrustExclusionFallsThroughToApproval(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	if _, err := d.trust.Create(ctx, "s1", testAccountID, "approver", "agent-1", 0); err != nil {
		t.Fatalf("trust create: %v", err)
	}

	out, err := d.broker.Execute(ctx, Request{
		Command:    "aws secretsmanager put-secret-value --secret-id app --secret-string x",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusPendingApproval {
		t.Fatalf("status = %s", out.Status)
	}
	if len(d.runner.calls) != 0 {
		t.Error("excluded command executed under trust")
	}
}

func TestGrantSingleUse(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	command := "aws s3 cp s3://staging/app.zip s3://prod/app.zip"

	g, _, err := d.grants.Create(ctx, []string{command}, "deploy", "agent-1", testAccountID, 30, false)
	if err != nil {
		t.Fatalf("grant create: %v", err)
	}
	if _, err := d.grants.Approve(ctx, g.GrantID, "approver", grant.ModeAll); err != nil {
		t.Fatalf("grant approve: %v", err)
	}

	first, err := d.broker.Execute(ctx, Request{Command: command, TrustScope: "s1", Source: "agent-1"})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Status != store.StatusGrantAutoApproved || first.GrantID != g.GrantID {
		t.Fatalf("first = %s grant %s", first.Status, first.GrantID)
	}

	second, err := d.broker.Execute(ctx, Request{Command: command, TrustScope: "s1", Source: "agent-1"})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Status != store.StatusPendingApproval {
		t.Fatalf("second = %s, want pending (grant consumed)", second.Status)
	}
	if len(d.runner.calls) != 1 {
		t.Errorf("runner calls = %d", len(d.runner.calls))
	}
}

func TestRateLimitShortCircuits(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		r := &store.Request{
			RequestID: "seed-" + strings.Repeat("a", i+1),
			Type:      store.TypeCommand,
			Command:   "aws ec2 start-instances --instance-ids i-1",
			Source:    "busy",
			AccountID: testAccountID,
			Status:    store.StatusPendingApproval,
			ExpiresAt: time.Now().Add(time.Minute),
		}
		if err := d.store.PutRequest(ctx, r); err != nil {
			t.Fatalf("seed request: %v", err)
		}
	}

	out, err := d.broker.Execute(ctx, Request{
		Command:    "aws ec2 start-instances --instance-ids i-9",
		TrustScope: "s1",
		Source:     "busy",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusRateLimited {
		t.Fatalf("status = %s", out.Status)
	}
	if len(d.runner.calls) != 0 {
		t.Error("rate-limited command executed")
	}
}

func TestSyncWaitReturnsPendingOnDeadline(t *testing.T) {
	d := newTestDeps(t)
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws ec2 start-instances --instance-ids i-1",
		TrustScope: "s1",
		Source:     "agent-1",
		Sync:       true,
		Timeout:    600 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != store.StatusPendingApproval {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestStatusReadsRow(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	d.runner.output = strings.Repeat("x", 5000)

	out, err := d.broker.Execute(ctx, Request{
		Command:    "aws ec2 describe-instances",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Paged || out.NextPage == "" {
		t.Fatalf("long output not paged: %+v", out)
	}

	status, err := d.broker.Status(ctx, out.RequestID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TotalPages != out.TotalPages || status.OutputLength != out.OutputLength {
		t.Errorf("status = %+v, execute = %+v", status, out)
	}
}

func TestExpirePendingRequests(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	stale := &store.Request{
		RequestID: "stale-000001",
		Type:      store.TypeCommand,
		Command:   "aws ec2 start-instances --instance-ids i-1",
		Source:    "agent-1",
		AccountID: testAccountID,
		Status:    store.StatusPendingApproval,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := d.store.PutRequest(ctx, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := d.store.ExpirePendingRequests(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d", n)
	}
	r, err := d.store.GetRequest(ctx, stale.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != store.StatusTimeout {
		t.Errorf("status = %s", r.Status)
	}
}

func TestFormatClock(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{59 * time.Second, "0:59"},
		{61 * time.Second, "1:01"},
		{10 * time.Minute, "10:00"},
		{-5 * time.Second, "0:00"},
	}
	for _, tc := range cases {
		if got := formatClock(tc.d); got != tc.want {
			t.Errorf("formatClock(%s) = %s, want %s", tc.d, got, tc.want)
		}
	}
}

func TestTerminalRowsCarryAuditTTL(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	auto, err := d.broker.Execute(ctx, Request{
		Command:    "aws ec2 describe-instances",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("auto execute: %v", err)
	}
	blocked, err := d.broker.Execute(ctx, Request{
		Command:    "aws iam create-user --user-name hacker",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("blocked execute: %v", err)
	}

	for _, id := range []string{auto.RequestID, blocked.RequestID} {
		r, err := d.store.GetRequest(ctx, id)
		if err != nil {
			t.Fatalf("request row %s: %v", id, err)
		}
		if r.ExpiresAt.IsZero() {
			t.Errorf("decided row %s has no ttl, would never be purged", id)
			continue
		}
		ttl := time.Until(r.ExpiresAt)
		if ttl < store.AuditRetention-time.Hour || ttl > store.AuditRetention+time.Hour {
			t.Errorf("row %s ttl = %s, want roughly %s", id, ttl, store.AuditRetention)
		}
	}

	// fresh decisions must survive the purge sweep
	if n, err := d.store.PurgeRequests(ctx); err != nil || n != 0 {
		t.Errorf("purge = (%d, %v), want (0, nil)", n, err)
	}
}
