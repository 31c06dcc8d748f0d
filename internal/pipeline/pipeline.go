// Package pipeline is the decision core of the broker. Every execute call
// walks the same ordered gauntlet: compliance, blocklist, risk veto, grant,
// safelist, rate limits, trust, and finally human approval. Any step may end
// the request with a terminal status; nothing later can resurrect it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/classify"
	"github.com/marcus-qen/bouncer/internal/compliance"
	"github.com/marcus-qen/bouncer/internal/executor"
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/ids"
	"github.com/marcus-qen/bouncer/internal/metrics"
	"github.com/marcus-qen/bouncer/internal/paging"
	"github.com/marcus-qen/bouncer/internal/ratelimit"
	"github.com/marcus-qen/bouncer/internal/risk"
	"github.com/marcus-qen/bouncer/internal/sequence"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/telemetry"
	"github.com/marcus-qen/bouncer/internal/trust"
)

const (
	// MaxWait caps any approval wait, sync or async.
	MaxWait = 840 * time.Second
	// DefaultApprovalTimeout is the window when the caller names none.
	DefaultApprovalTimeout = 300 * time.Second
	// requestTTLBuffer pads the approval deadline so a waiter polling at
	// the window edge still reads the row as pending.
	requestTTLBuffer = 60 * time.Second
	// pollInterval paces the synchronous wait loop.
	pollInterval = 250 * time.Millisecond

	// noticePreviewLimit bounds command and result previews in silent
	// notifications.
	noticePreviewLimit = 300

	// trustSessionUploads is the upload quota a trust session opened from a
	// command approval carries.
	trustSessionUploads = 10
)

// CommandRunner executes one command with credential isolation.
// *executor.Runner is the production implementation.
type CommandRunner interface {
	Execute(ctx context.Context, command, roleArn string) (executor.Result, error)
}

// Broker runs the execution pipeline and owns pre-approval policy.
type Broker struct {
	store     *store.Store
	accounts  *accounts.Registry
	trust     *trust.Manager
	grants    *grant.Manager
	limiter   *ratelimit.Limiter
	checker   *compliance.Checker
	scorer    *risk.Scorer
	sequencer *sequence.Analyzer
	runner    CommandRunner
	pager     *paging.Pager
	chat      *telegram.Client
	log       *zap.Logger
	now       func() time.Time
}

// NewBroker wires the pipeline. Every dependency is required except the
// logger.
func NewBroker(st *store.Store, reg *accounts.Registry, tr *trust.Manager,
	grants *grant.Manager, limiter *ratelimit.Limiter, checker *compliance.Checker,
	scorer *risk.Scorer, sequencer *sequence.Analyzer, runner CommandRunner,
	pager *paging.Pager, chat *telegram.Client, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:     st,
		accounts:  reg,
		trust:     tr,
		grants:    grants,
		limiter:   limiter,
		checker:   checker,
		scorer:    scorer,
		sequencer: sequencer,
		runner:    runner,
		pager:     pager,
		chat:      chat,
		log:       logger.Named("pipeline"),
		now:       time.Now,
	}
}

// Request is one execute call from an agent.
type Request struct {
	Command    string
	TrustScope string
	Reason     string
	Source     string
	AccountID  string
	Context    string
	GrantID    string
	Sync       bool
	Timeout    time.Duration
}

// Outcome is the agent-facing envelope for one execute call.
type Outcome struct {
	Status       string `json:"status"`
	RequestID    string `json:"request_id,omitempty"`
	Result       string `json:"result,omitempty"`
	Message      string `json:"message,omitempty"`
	Paged        bool   `json:"paged,omitempty"`
	TotalPages   int    `json:"total_pages,omitempty"`
	OutputLength int    `json:"output_length,omitempty"`
	NextPage     string `json:"next_page,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`
	Remediation  string `json:"remediation,omitempty"`
	TrustID      string `json:"trust_id,omitempty"`
	Remaining    string `json:"trust_remaining,omitempty"`
	CommandCount string `json:"command_count,omitempty"`
	GrantID      string `json:"grant_id,omitempty"`
	ExpiresIn    int    `json:"expires_in_seconds,omitempty"`
}

// commandPayload rides the request row for fields the schema has no column
// for. The callback handler needs the trust scope to open a session on
// approve-with-trust.
type commandPayload struct {
	TrustScope string `json:"trust_scope"`
	Context    string `json:"context,omitempty"`
}

// Execute walks the pipeline for one command.
func (b *Broker) Execute(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := telemetry.StartRequestSpan(ctx, "execute", req.Source)
	out, err := b.run(ctx, req)
	status := ""
	if out != nil {
		status = out.Status
	}
	telemetry.EndWithStatus(span, status, err)
	return out, err
}

func (b *Broker) run(ctx context.Context, req Request) (*Outcome, error) {
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return nil, errors.New("command is required")
	}
	if strings.TrimSpace(req.TrustScope) == "" {
		return nil, errors.New("trust_scope is required: pass a stable identifier for this agent")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if timeout > MaxWait {
		timeout = MaxWait
	}

	acct, err := b.accounts.Resolve(ctx, req.AccountID)
	if err != nil {
		return &Outcome{Status: "error", Message: fmt.Sprintf("unknown account: %v", err)}, nil
	}

	requestID := ids.New(req.Command)
	eval := b.scorer.Evaluate(req.Command, req.Reason, req.Source, acct.AccountID)

	// Compliance veto. Wins over everything, safelist included.
	if v := b.checker.Check(req.Command); v != nil {
		return b.finishBlocked(ctx, requestID, req, acct, eval, store.StatusComplianceViolation,
			fmt.Sprintf("[%s] %s: %s", v.RuleID, v.RuleName, v.Description), v)
	}

	if blocked, pattern := classify.IsBlocked(req.Command); blocked {
		return b.finishBlocked(ctx, requestID, req, acct, eval, store.StatusBlocked,
			fmt.Sprintf("command is blocked (matched %q)", pattern), nil)
	}

	// The risk scorer is shadow-only except at the extreme: the block band
	// is a hard veto on every path.
	if eval.Category == risk.CategoryBlock {
		return b.finishBlocked(ctx, requestID, req, acct, eval, store.StatusBlocked,
			fmt.Sprintf("risk policy veto (score %d): %s", eval.Score, eval.Recommendation), nil)
	}

	granted, g := b.grantApproval(ctx, req, acct.AccountID)
	if granted {
		out, err := b.executeRecorded(ctx, requestID, req, acct, eval, store.StatusGrantAutoApproved)
		if err != nil {
			return out, err
		}
		out.GrantID = g.GrantID
		b.notifyAutoApproved(ctx, "🎫 *Auto-approved* (grant `"+g.GrantID+"`)", req, out.Result)
		return out, nil
	}

	if classify.IsAutoApprove(req.Command) {
		out, err := b.executeRecorded(ctx, requestID, req, acct, eval, store.StatusAutoApproved)
		if err != nil {
			return out, err
		}
		b.notifyAutoApproved(ctx, "✅ *Auto-approved* (safe read)", req, out.Result)
		return out, nil
	}

	if err := b.limiter.Check(ctx, req.Source); err != nil {
		return b.finishRateLimited(ctx, requestID, req, acct, eval, err)
	}

	if ok, sess, _ := b.trust.ShouldApprove(ctx, req.Command, req.TrustScope, acct.AccountID); ok {
		out, handled := b.tryTrustExecute(ctx, requestID, req, acct, eval, sess)
		if handled {
			return out, nil
		}
	}

	return b.submitForApproval(ctx, requestID, req, acct, eval, timeout)
}

// grantApproval spends a grant use when one covers the command. A named
// grant is consulted alone; otherwise every active grant for the source is.
func (b *Broker) grantApproval(ctx context.Context, req Request, accountID string) (bool, *store.GrantSession) {
	if req.GrantID != "" {
		ok, g, _ := b.grants.ShouldApproveNamed(ctx, req.GrantID, req.Command, req.Source, accountID)
		return ok, g
	}
	ok, g, _ := b.grants.ShouldApprove(ctx, req.Command, req.Source, accountID)
	return ok, g
}

// executeRecorded runs the command, pages the output, and persists the
// terminal row in one place. Used by every auto-approve path.
func (b *Broker) executeRecorded(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, status string) (*Outcome, error) {

	res, err := b.runner.Execute(ctx, req.Command, acct.RoleArn)
	if err != nil {
		b.putTerminal(ctx, requestID, req, acct, eval, store.StatusFailed,
			"execution failed: "+err.Error())
		return &Outcome{
			Status:    "error",
			RequestID: requestID,
			Message:   "execution failed: " + err.Error(),
		}, nil
	}

	metrics.RecordExecution(res.Duration, res.ExitCode)

	paged, perr := b.pager.Store(ctx, requestID, res.Output)
	if perr != nil {
		// Paging is best-effort; fall back to the raw output.
		paged = paging.Paged{Result: res.Output, OutputLength: len(res.Output)}
	}

	row := b.newRow(requestID, req, acct, eval, status)
	row.Result = paged.Result
	row.Paged = paged.Paged
	row.TotalPages = paged.TotalPages
	row.OutputLength = paged.OutputLength
	if err := b.store.PutRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	b.sequencer.Record(ctx, req.Source, req.Command, acct.AccountID)
	b.shadowLog(requestID, eval, status)

	return &Outcome{
		Status:       status,
		RequestID:    requestID,
		Result:       paged.Result,
		Paged:        paged.Paged,
		TotalPages:   paged.TotalPages,
		OutputLength: paged.OutputLength,
		NextPage:     paged.NextPage,
	}, nil
}

// tryTrustExecute consumes a trust slot and executes. The consume happens
// first; losing the slot race falls through to normal approval, never to a
// double spend.
func (b *Broker) tryTrustExecute(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, sess *store.TrustSession) (*Outcome, bool) {

	updated, err := b.trust.Consume(ctx, sess.TrustID)
	if err != nil {
		b.log.Info("trust consume lost the race, submitting for approval",
			zap.String("trust_id", sess.TrustID), zap.Error(err))
		return nil, false
	}

	out, err := b.executeRecorded(ctx, requestID, req, acct, eval, store.StatusTrustAutoApproved)
	if err != nil {
		b.log.Warn("trust execution record failed", zap.Error(err))
		return &Outcome{Status: "error", RequestID: requestID, Message: err.Error()}, true
	}

	remaining := time.Until(updated.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	out.TrustID = updated.TrustID
	out.Remaining = formatClock(remaining)
	out.CommandCount = fmt.Sprintf("%d/%d", updated.CommandCount, updated.MaxCommands)

	notice := telegram.TrustNotice{
		Command:   req.Command,
		TrustID:   updated.TrustID,
		Source:    req.Source,
		Remaining: remaining,
		Count:     updated.CommandCount,
		Max:       updated.MaxCommands,
		Result:    preview(out.Result, noticePreviewLimit),
	}
	text, kb := notice.Render()
	if _, err := b.chat.SendSilent(ctx, text, kb); err != nil {
		b.log.Warn("trust notice send failed", zap.Error(err))
	}
	return out, true
}

// submitForApproval parks the request and sends the approval card. A failed
// send deletes the row again: a prompt nobody saw must not sit pending.
func (b *Broker) submitForApproval(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, timeout time.Duration) (*Outcome, error) {

	payload, _ := json.Marshal(commandPayload{TrustScope: req.TrustScope, Context: req.Context})
	row := b.newRow(requestID, req, acct, eval, store.StatusPendingApproval)
	row.Payload = string(payload)
	row.ExpiresAt = b.now().UTC().Add(timeout + requestTTLBuffer)
	if err := b.store.PutRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("store approval request: %w", err)
	}

	card := telegram.CommandCard{
		RequestID:   requestID,
		Command:     req.Command,
		Reason:      req.Reason,
		Source:      req.Source,
		Context:     req.Context,
		AccountID:   acct.AccountID,
		AccountName: acct.Name,
		Dangerous:   classify.IsDangerous(req.Command),
		Timeout:     timeout,
		RiskScore:   eval.Score,
		RiskNote:    string(eval.Category),
	}
	text, kb := card.Render()
	if _, err := b.chat.SendMessage(ctx, text, kb); err != nil {
		if derr := b.store.DeleteRequest(ctx, requestID); derr != nil {
			b.log.Error("orphan cleanup failed", zap.String("request_id", requestID), zap.Error(derr))
		}
		return nil, fmt.Errorf("notification failed; approval request was not created: %w", err)
	}

	b.shadowLog(requestID, eval, store.StatusPendingApproval)

	if req.Sync {
		return b.waitForDecision(ctx, requestID, timeout)
	}
	return &Outcome{
		Status:    store.StatusPendingApproval,
		RequestID: requestID,
		ExpiresIn: int(timeout.Seconds()),
		Message:   "approval requested; poll status with the request id",
	}, nil
}

// waitForDecision polls the store until the request leaves pending or the
// window closes, then reports whatever state it last saw.
func (b *Broker) waitForDecision(ctx context.Context, requestID string, timeout time.Duration) (*Outcome, error) {
	deadline := b.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		r, err := b.store.GetRequest(ctx, requestID)
		if err == nil && r.Status != store.StatusPendingApproval {
			return outcomeFromRow(r), nil
		}
		if b.now().After(deadline) {
			if err != nil {
				return &Outcome{Status: "error", RequestID: requestID, Message: err.Error()}, nil
			}
			return outcomeFromRow(r), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status reads the current state of a request, paging included.
func (b *Broker) Status(ctx context.Context, requestID string) (*Outcome, error) {
	r, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return outcomeFromRow(r), nil
}

func (b *Broker) finishBlocked(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, status, reason string,
	v *compliance.Violation) (*Outcome, error) {

	b.putTerminal(ctx, requestID, req, acct, eval, status, reason)
	b.shadowLog(requestID, eval, status)

	note := fmt.Sprintf("🚫 *Blocked*\n📋 `%s`\n❗ %s",
		telegram.EscapeMarkdown(preview(req.Command, noticePreviewLimit)),
		telegram.EscapeMarkdown(reason))
	if _, err := b.chat.SendSilent(ctx, note, nil); err != nil {
		b.log.Warn("block notice send failed", zap.Error(err))
	}

	out := &Outcome{Status: status, RequestID: requestID, Message: reason}
	if v != nil {
		out.RuleID = v.RuleID
		out.Remediation = v.Remediation
	}
	return out, nil
}

func (b *Broker) finishRateLimited(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, cause error) (*Outcome, error) {

	status := store.StatusRateLimited
	if errors.Is(cause, ratelimit.ErrPendingLimit) {
		status = store.StatusPendingLimitExceeded
	}
	b.putTerminal(ctx, requestID, req, acct, eval, status, cause.Error())
	b.shadowLog(requestID, eval, status)
	return &Outcome{Status: status, RequestID: requestID, Message: cause.Error()}, nil
}

// putTerminal records a request that ended before any execution. Failures
// are logged, not returned; the decision already happened.
func (b *Broker) putTerminal(ctx context.Context, requestID string, req Request,
	acct *store.Account, eval risk.Result, status, result string) {
	row := b.newRow(requestID, req, acct, eval, status)
	row.Result = result
	if err := b.store.PutRequest(ctx, row); err != nil {
		b.log.Error("terminal request write failed",
			zap.String("request_id", requestID), zap.String("status", status), zap.Error(err))
	}
}

// newRow builds a request row carrying the audit retention ttl, so decided
// rows age out with the rest of the trail. Pending submissions overwrite
// ExpiresAt with the approval deadline.
func (b *Broker) newRow(requestID string, req Request, acct *store.Account,
	eval risk.Result, status string) *store.Request {
	return &store.Request{
		RequestID:    requestID,
		Type:         store.TypeCommand,
		Command:      req.Command,
		Source:       req.Source,
		AccountID:    acct.AccountID,
		Reason:       req.Reason,
		Status:       status,
		RiskScore:    eval.Score,
		RiskDecision: string(eval.Category),
		ExpiresAt:    b.now().UTC().Add(store.AuditRetention),
	}
}

func (b *Broker) notifyAutoApproved(ctx context.Context, header string, req Request, result string) {
	var s strings.Builder
	s.WriteString(header + "\n")
	fmt.Fprintf(&s, "📋 `%s`\n", telegram.EscapeMarkdown(preview(req.Command, noticePreviewLimit)))
	if req.Source != "" {
		fmt.Fprintf(&s, "🤖 `%s`\n", telegram.EscapeMarkdown(req.Source))
	}
	if result != "" {
		fmt.Fprintf(&s, "📤 `%s`", telegram.EscapeMarkdown(preview(result, noticePreviewLimit)))
	}
	if _, err := b.chat.SendSilent(ctx, s.String(), nil); err != nil {
		b.log.Warn("auto-approve notice send failed", zap.Error(err))
	}
}

// shadowLog records what the scorer would have decided next to what the
// pipeline actually did, and bumps the decision counter. The shadow verdict
// is forensic only; nothing reads it back.
func (b *Broker) shadowLog(requestID string, eval risk.Result, status string) {
	metrics.RecordRequest(store.TypeCommand, status)
	b.log.Info("risk shadow decision",
		zap.String("request_id", requestID),
		zap.String("actual", decisionLabel(status)),
		zap.String("scorer", string(eval.Category)),
		zap.Int("score", eval.Score),
		zap.String("rule_version", eval.RuleVersion),
		zap.Duration("evaluation", eval.EvaluationTime))
}

// decisionLabel folds request statuses into the scorer's decision space so
// the shadow comparison is apples to apples.
func decisionLabel(status string) string {
	switch status {
	case store.StatusAutoApproved, store.StatusTrustAutoApproved, store.StatusGrantAutoApproved:
		return "auto_approve"
	case store.StatusBlocked, store.StatusComplianceViolation:
		return "blocked"
	case store.StatusPendingApproval:
		return "needs_approval"
	default:
		return status
	}
}

func outcomeFromRow(r *store.Request) *Outcome {
	out := &Outcome{
		Status:       r.Status,
		RequestID:    r.RequestID,
		Result:       r.Result,
		Paged:        r.Paged,
		TotalPages:   r.TotalPages,
		OutputLength: r.OutputLength,
	}
	if r.Paged && r.TotalPages > 1 {
		out.NextPage = paging.PageID(r.RequestID, 2)
	}
	if r.Status == store.StatusPendingApproval && !r.ExpiresAt.IsZero() {
		if d := time.Until(r.ExpiresAt); d > 0 {
			out.ExpiresIn = int(d.Seconds())
		}
	}
	return out
}

// formatClock renders a duration as M:SS for trust-session countdowns.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
