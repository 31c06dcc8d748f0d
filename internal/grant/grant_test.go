package grant

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus-qen/bouncer/internal/compliance"
	"github.com/marcus-qen/bouncer/internal/risk"
	"github.com/marcus-qen/bouncer/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "grant.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	checker := compliance.NewChecker(nil)
	scorer := risk.NewScorer("", nil, nil)
	return NewManager(st, checker, scorer, nil)
}

func TestNormalize(t *testing.T) {
	got := Normalize("  AWS   s3   LS  ")
	if got != "aws s3 ls" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		command string
		want    bool
	}{
		{"aws s3 ls", "aws s3 ls", true},
		{"aws s3 ls", "aws s3 ls s3://b", false},
		{"aws s3 ls s3://bucket/*", "aws s3 ls s3://bucket/prefix", true},
		{"aws s3 ls s3://bucket/*", "aws s3 ls s3://other/prefix", false},
		{"aws s3 cp s3://src/** s3://dst/**", "aws s3 cp s3://src/a b.html s3://dst/a b.html", true},
		{"aws s3 cp s3://up/{date}/{uuid}/*.html s3://site/*.html",
			"aws s3 cp s3://up/2026-08-24/a1b2c3d4-e5f6-7890-abcd-ef0123456789/index.html s3://site/index.html", true},
		{"aws s3 cp s3://up/{date}/{uuid}/*.html s3://site/*.html",
			"aws s3 cp s3://up/not-a-date/xyz/index.html s3://site/index.html", false},
		{"aws lambda invoke --function-name {name}", "aws lambda invoke --function-name my-fn", true},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.command); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.command, got, tc.want)
		}
	}
}

func TestCompilePatternLimits(t *testing.T) {
	if _, err := CompilePattern(strings.Repeat("a", 257)); err == nil {
		t.Error("overlong pattern should fail")
	}
	if _, err := CompilePattern("aws s3 ls ***"); err == nil {
		t.Error("triple star should fail")
	}
	if _, err := CompilePattern("a *b *c *d *e *f *g *h *i *j *k *l"); err == nil {
		t.Error("eleven wildcards should fail")
	}
	if _, err := CompilePattern("aws s3 cp {uuid}/* x/*"); err != nil {
		t.Errorf("placeholder stars must not count toward the limit: %v", err)
	}
}

func TestCreatePrechecks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, summary, err := m.Create(ctx, []string{
		"aws s3 ls",
		"aws ec2 terminate-instances --instance-ids i-123",
		"aws lambda add-permission --function-name f --principal '*'",
	}, "deploy check", "agent-1", "111122223333", 0, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(g.GrantID, "grant_") || len(g.GrantID) != len("grant_")+32 {
		t.Errorf("grant id shape: %q", g.GrantID)
	}
	if g.Status != store.GrantPending {
		t.Errorf("status = %s", g.Status)
	}
	if g.TTLMinutes != DefaultTTLMinutes {
		t.Errorf("ttl = %d", g.TTLMinutes)
	}
	if summary.Total != 3 || summary.Blocked != 1 || summary.Individual != 1 || summary.Grantable != 1 {
		t.Errorf("summary = %+v", summary)
	}
	for _, d := range g.Details {
		switch {
		case strings.HasPrefix(d.Command, "aws s3 ls") && d.Category != CategoryGrantable:
			t.Errorf("s3 ls category = %s", d.Category)
		case strings.Contains(d.Command, "terminate") && d.Category != CategoryIndividual:
			t.Errorf("terminate category = %s", d.Category)
		case strings.Contains(d.Command, "add-permission") && d.Category != CategoryBlocked:
			t.Errorf("wildcard principal category = %s (%s)", d.Category, d.BlockReason)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Create(ctx, nil, "r", "s", "1", 0, false); err == nil {
		t.Error("empty commands accepted")
	}
	many := make([]string, MaxCommands+1)
	for i := range many {
		many[i] = "aws s3 ls"
	}
	if _, _, err := m.Create(ctx, many, "r", "s", "1", 0, false); err == nil {
		t.Error("oversized command list accepted")
	}
	if _, _, err := m.Create(ctx, []string{"aws s3 ls"}, "", "s", "1", 0, false); err == nil {
		t.Error("missing reason accepted")
	}

	// TTL clamps to the cap
	g, _, err := m.Create(ctx, []string{"aws s3 ls"}, "r", "s", "1", 999, false)
	if err != nil {
		t.Fatal(err)
	}
	if g.TTLMinutes != MaxTTLMinutes {
		t.Errorf("ttl = %d, want %d", g.TTLMinutes, MaxTTLMinutes)
	}
}

func TestApproveModes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	commands := []string{"aws s3 ls", "aws ec2 terminate-instances --instance-ids i-1"}

	g, _, err := m.Create(ctx, commands, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	approved, err := m.Approve(ctx, g.GrantID, "ops", ModeSafeOnly)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved.Granted) != 1 || approved.Granted[0] != "aws s3 ls" {
		t.Errorf("safe_only granted = %v", approved.Granted)
	}
	if approved.Status != store.GrantActive || approved.Approver != "ops" {
		t.Errorf("approved = %+v", approved)
	}

	g2, _, err := m.Create(ctx, commands, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	approved2, err := m.Approve(ctx, g2.GrantID, "ops", ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved2.Granted) != 2 {
		t.Errorf("all granted = %v", approved2.Granted)
	}

	// approving twice conflicts
	if _, err := m.Approve(ctx, g.GrantID, "ops", ModeAll); !errors.Is(err, store.ErrConflict) {
		t.Errorf("double approve: got %v", err)
	}
}

func TestShouldApproveAndUsage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, _, err := m.Create(ctx, []string{"aws s3 ls s3://bucket/*"}, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls s3://bucket/x", "agent-1", "111122223333"); ok {
		t.Error("pending grant approved a command")
	}
	if _, err := m.Approve(ctx, g.GrantID, "ops", ModeAll); err != nil {
		t.Fatal(err)
	}

	ok, got, reason := m.ShouldApprove(ctx, "aws s3 ls s3://bucket/x", "agent-1", "111122223333")
	if !ok {
		t.Fatalf("expected grant approval: %s", reason)
	}
	if got.GrantID != g.GrantID {
		t.Errorf("matched wrong grant: %s", got.GrantID)
	}

	// single-use: the same entry refuses a second execution
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls s3://bucket/x", "agent-1", "111122223333"); ok {
		t.Error("single-use entry executed twice")
	}

	// different source sees nothing
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls s3://bucket/x", "agent-2", "111122223333"); ok {
		t.Error("grant leaked across sources")
	}
	// uncovered command refuses
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls s3://other/x", "agent-1", "111122223333"); ok {
		t.Error("uncovered command approved")
	}
}

func TestDangerousRepeatCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, _, err := m.Create(ctx, []string{"aws ec2 terminate-instances --instance-ids i-1"},
		"teardown", "agent-1", "111122223333", 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(ctx, g.GrantID, "ops", ModeAll); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if ok, _, reason := m.ShouldApprove(ctx, "aws ec2 terminate-instances --instance-ids i-1", "agent-1", "111122223333"); !ok {
			t.Fatalf("repeat %d refused: %s", i+1, reason)
		}
	}
	if ok, _, _ := m.ShouldApprove(ctx, "aws ec2 terminate-instances --instance-ids i-1", "agent-1", "111122223333"); ok {
		t.Error("dangerous entry exceeded its repeat cap")
	}
}

func TestDenyAndRevoke(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, _, err := m.Create(ctx, []string{"aws s3 ls"}, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deny(ctx, g.GrantID, "ops"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deny(ctx, g.GrantID, "ops"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("double deny: got %v", err)
	}

	g2, _, err := m.Create(ctx, []string{"aws s3 ls"}, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approve(ctx, g2.GrantID, "ops", ModeAll); err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(ctx, g2.GrantID); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls", "agent-1", "111122223333"); ok {
		t.Error("revoked grant approved a command")
	}
}

func TestGetStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	g, _, err := m.Create(ctx, []string{"aws s3 ls"}, "r", "agent-1", "111122223333", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetStatus(ctx, g.GrantID, "someone-else"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-source status: got %v", err)
	}

	st, err := m.GetStatus(ctx, g.GrantID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.GrantPending || st.RemainingSeconds <= 0 {
		t.Errorf("pending status = %+v", st)
	}

	if _, err := m.Approve(ctx, g.GrantID, "ops", ModeAll); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := m.ShouldApprove(ctx, "aws s3 ls", "agent-1", "111122223333"); !ok {
		t.Fatal("expected approval")
	}
	st, err = m.GetStatus(ctx, g.GrantID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalExecutions != 1 || st.UsedCount != 1 || st.GrantedCount != 1 {
		t.Errorf("active status = %+v", st)
	}
}
