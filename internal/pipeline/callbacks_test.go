package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/trust"
)

const approverID = "424242"

func pendingCommand(t *testing.T, d *testDeps) string {
	t.Helper()
	out, err := d.broker.Execute(context.Background(), Request{
		Command:    "aws ec2 start-instances --instance-ids i-0abc",
		TrustScope: "s1",
		Reason:     "bring the worker back",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != store.StatusPendingApproval {
		t.Fatalf("setup status = %s", out.Status)
	}
	return out.RequestID
}

func tap(action, id string) telegram.Callback {
	return telegram.Callback{
		Action:     action,
		ID:         id,
		CallbackID: "cb-" + id,
		MessageID:  7,
		UserID:     approverID,
	}
}

func TestApproveExecutesExactlyOnce(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	id := pendingCommand(t, d)
	d.runner.output = "instance starting"

	d.cbs.HandleCallback(ctx, tap(telegram.ActionApprove, id))

	r, err := d.store.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if r.Status != store.StatusApproved {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Approver != approverID {
		t.Errorf("approver = %s", r.Approver)
	}
	if r.Result != "instance starting" {
		t.Errorf("result = %q", r.Result)
	}
	if len(d.runner.calls) != 1 {
		t.Fatalf("runner calls = %d", len(d.runner.calls))
	}

	// Double tap loses the conditional update and must not re-execute.
	d.cbs.HandleCallback(ctx, tap(telegram.ActionApprove, id))
	if len(d.runner.calls) != 1 {
		t.Errorf("runner calls after double tap = %d", len(d.runner.calls))
	}
}

func TestDenyNeverExecutes(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	id := pendingCommand(t, d)

	d.cbs.HandleCallback(ctx, tap(telegram.ActionDeny, id))

	r, err := d.store.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if r.Status != store.StatusDenied {
		t.Fatalf("status = %s", r.Status)
	}
	if len(d.runner.calls) != 0 {
		t.Errorf("denied command executed %d times", len(d.runner.calls))
	}
}

func TestApproveWithTrustOpensWindow(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	id := pendingCommand(t, d)

	d.cbs.HandleCallback(ctx, tap(telegram.ActionApproveTrust, id))

	sess, err := d.store.GetTrustSession(ctx, trust.ID("s1", testAccountID))
	if err != nil {
		t.Fatalf("trust session: %v", err)
	}
	if sess.ApprovedBy != approverID {
		t.Errorf("approved by = %s", sess.ApprovedBy)
	}
	if sess.CommandCount != 0 {
		t.Errorf("fresh session count = %d", sess.CommandCount)
	}

	// The next non-excluded command for the same scope rides the window.
	out, err := d.broker.Execute(ctx, Request{
		Command:    "aws ec2 reboot-instances --instance-ids i-0abc",
		TrustScope: "s1",
		Source:     "agent-1",
	})
	if err != nil {
		t.Fatalf("trusted execute: %v", err)
	}
	if out.Status != store.StatusTrustAutoApproved {
		t.Fatalf("status = %s", out.Status)
	}
	if out.CommandCount != "1/20" {
		t.Errorf("command count = %s", out.CommandCount)
	}
}

func TestRevokeTrustCallback(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	sess, err := d.trust.Create(ctx, "s1", testAccountID, approverID, "agent-1", 0)
	if err != nil {
		t.Fatalf("trust create: %v", err)
	}

	d.cbs.HandleCallback(ctx, tap(telegram.ActionRevokeTrust, sess.TrustID))

	if ok, _, _ := d.trust.ShouldApprove(ctx, "aws ec2 start-instances --instance-ids i-1", "s1", testAccountID); ok {
		t.Error("revoked session still approves")
	}
}

func TestGrantApprovalCallback(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	command := "aws s3 cp s3://staging/app.zip s3://prod/app.zip"

	out, err := d.broker.SubmitGrant(ctx, []string{command}, "deploy", "agent-1", "", 30, false)
	if err != nil {
		t.Fatalf("submit grant: %v", err)
	}
	if out.Status != store.GrantPending {
		t.Fatalf("grant status = %s", out.Status)
	}

	d.cbs.HandleCallback(ctx, tap(telegram.ActionGrantAll, out.GrantID))

	g, err := d.store.GetGrant(ctx, out.GrantID)
	if err != nil {
		t.Fatalf("grant row: %v", err)
	}
	if g.Status != store.GrantActive {
		t.Fatalf("grant status = %s", g.Status)
	}
	if g.Mode != grant.ModeAll || len(g.Granted) == 0 {
		t.Errorf("grant = mode %s granted %v", g.Mode, g.Granted)
	}

	exec, err := d.broker.Execute(ctx, Request{Command: command, TrustScope: "s1", Source: "agent-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != store.StatusGrantAutoApproved {
		t.Errorf("status = %s", exec.Status)
	}
}

func TestGrantDenyCallback(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	out, err := d.broker.SubmitGrant(ctx, []string{"aws ec2 start-instances --instance-ids i-1"},
		"restart", "agent-1", "", 30, false)
	if err != nil {
		t.Fatalf("submit grant: %v", err)
	}

	d.cbs.HandleCallback(ctx, tap(telegram.ActionGrantDeny, out.GrantID))

	g, err := d.store.GetGrant(ctx, out.GrantID)
	if err != nil {
		t.Fatalf("grant row: %v", err)
	}
	if g.Status != store.GrantDenied {
		t.Errorf("grant status = %s", g.Status)
	}
}

func TestAccountAddApproval(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	out, err := d.broker.SubmitAccountChange(ctx, "add", "111122223333", "Prod",
		"arn:aws:iam::111122223333:role/BouncerExecution", "agent-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	d.cbs.HandleCallback(ctx, tap(telegram.ActionApprove, out.RequestID))

	acct, err := d.reg.Get(ctx, "111122223333")
	if err != nil {
		t.Fatalf("account after approval: %v", err)
	}
	if acct.Name != "Prod" || acct.RoleArn == "" {
		t.Errorf("account = %+v", acct)
	}

	r, err := d.store.GetRequest(ctx, out.RequestID)
	if err != nil {
		t.Fatalf("request row: %v", err)
	}
	if r.Status != store.StatusApproved {
		t.Errorf("request status = %s", r.Status)
	}
}

func TestAccountRemoveApproval(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	if err := d.reg.Add(ctx, "111122223333", "Prod", "", approverID); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	out, err := d.broker.SubmitAccountChange(ctx, "remove", "111122223333", "Prod", "", "agent-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.cbs.HandleCallback(ctx, tap(telegram.ActionApprove, out.RequestID))

	if _, err := d.reg.Get(ctx, "111122223333"); err == nil {
		t.Error("account still present after approved removal")
	}
}

func TestSubmitAccountChangeValidation(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	if _, err := d.broker.SubmitAccountChange(ctx, "add", "not-an-account", "x", "", "a", ""); err == nil {
		t.Error("bad account id accepted")
	}
	if _, err := d.broker.SubmitAccountChange(ctx, "remove", testAccountID, "", "", "a", ""); err == nil {
		t.Error("default account removal accepted")
	}
	if _, err := d.broker.SubmitAccountChange(ctx, "remove", "111122223333", "", "", "a", ""); err == nil {
		t.Error("removal of unknown account accepted")
	}
}

func TestUnknownCallbackIsAnswered(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	// Nothing to assert beyond not panicking and not touching the store.
	d.cbs.HandleCallback(ctx, tap(telegram.ActionApprove, "ffffffffffff"))
	d.cbs.HandleCallback(ctx, tap("teleport", "ffffffffffff"))
	if len(d.runner.calls) != 0 {
		t.Errorf("runner calls = %d", len(d.runner.calls))
	}
}

func TestSlashCommandTexts(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()
	id := pendingCommand(t, d)

	if text := d.cbs.pendingText(ctx); !strings.Contains(text, id) {
		t.Errorf("pending text missing request id: %q", text)
	}
	if text := d.cbs.statsText(ctx, 24); !strings.Contains(text, "Total: 1") {
		t.Errorf("stats text = %q", text)
	}
	if text := d.cbs.accountsText(ctx); !strings.Contains(text, testAccountID) {
		t.Errorf("accounts text = %q", text)
	}

	if _, err := d.trust.Create(ctx, "s1", testAccountID, approverID, "agent-1", 0); err != nil {
		t.Fatalf("trust create: %v", err)
	}
	if text := d.cbs.trustText(ctx); !strings.Contains(text, "agent-1") {
		t.Errorf("trust text = %q", text)
	}
}
