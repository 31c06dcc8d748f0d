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
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/metrics"
	"github.com/marcus-qen/bouncer/internal/paging"
	"github.com/marcus-qen/bouncer/internal/sequence"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/trust"
	"github.com/marcus-qen/bouncer/internal/uploads"
)

// resultPreviewLimit bounds the result block on resolved approval cards.
const resultPreviewLimit = 1000

// Callbacks resolves approver button taps. It implements telegram.Handler;
// the poller has already filtered out unauthorized users, so every callback
// arriving here speaks for an approver.
type Callbacks struct {
	store     *store.Store
	accounts  *accounts.Registry
	trust     *trust.Manager
	grants    *grant.Manager
	uploads   *uploads.Manager
	runner    CommandRunner
	pager     *paging.Pager
	sequencer *sequence.Analyzer
	chat      *telegram.Client
	log       *zap.Logger
	now       func() time.Time
}

// NewCallbacks wires the handler.
func NewCallbacks(st *store.Store, reg *accounts.Registry, tr *trust.Manager,
	grants *grant.Manager, up *uploads.Manager, runner CommandRunner,
	pager *paging.Pager, sequencer *sequence.Analyzer, chat *telegram.Client,
	logger *zap.Logger) *Callbacks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Callbacks{
		store:     st,
		accounts:  reg,
		trust:     tr,
		grants:    grants,
		uploads:   up,
		runner:    runner,
		pager:     pager,
		sequencer: sequencer,
		chat:      chat,
		log:       logger.Named("callbacks"),
		now:       time.Now,
	}
}

// HandleCallback routes one button tap.
func (c *Callbacks) HandleCallback(ctx context.Context, cb telegram.Callback) {
	metrics.RecordCallback(cb.Action)
	switch cb.Action {
	case telegram.ActionRevokeTrust:
		c.revokeTrust(ctx, cb)
	case telegram.ActionGrantAll:
		c.decideGrant(ctx, cb, grant.ModeAll)
	case telegram.ActionGrantSafe:
		c.decideGrant(ctx, cb, grant.ModeSafeOnly)
	case telegram.ActionGrantDeny:
		c.denyGrant(ctx, cb)
	case telegram.ActionApprove, telegram.ActionApproveTrust, telegram.ActionDeny:
		c.decideRequest(ctx, cb)
	default:
		c.answer(ctx, cb, "⚠️ Unknown action")
	}
}

func (c *Callbacks) decideRequest(ctx context.Context, cb telegram.Callback) {
	r, err := c.store.GetRequest(ctx, cb.ID)
	if errors.Is(err, store.ErrNotFound) {
		c.answer(ctx, cb, "❌ Request expired or unknown")
		return
	}
	if err != nil {
		c.log.Error("request lookup failed", zap.String("request_id", cb.ID), zap.Error(err))
		c.answer(ctx, cb, "❌ Lookup failed, try again")
		return
	}
	if r.Status != store.StatusPendingApproval {
		c.answer(ctx, cb, "⚠️ Already handled ("+r.Status+")")
		return
	}

	if cb.Action == telegram.ActionDeny {
		c.denyRequest(ctx, cb, r)
		return
	}

	switch r.Type {
	case store.TypeCommand:
		c.approveCommand(ctx, cb, r, cb.Action == telegram.ActionApproveTrust)
	case store.TypeUpload:
		c.approveUpload(ctx, cb, r)
	case store.TypeAccountAdd, store.TypeAccountRemove:
		c.approveAccountChange(ctx, cb, r)
	default:
		c.answer(ctx, cb, "⚠️ Unknown request type "+r.Type)
	}
}

// approveCommand wins the pending row first, then executes. Only the winner
// of the conditional update runs anything; a double tap answers and stops.
func (c *Callbacks) approveCommand(ctx context.Context, cb telegram.Callback, r *store.Request, withTrust bool) {
	if !c.resolve(ctx, cb, r.RequestID, store.StatusApproved) {
		return
	}

	roleArn, accountName := c.accountDetails(ctx, r.AccountID)
	output := c.execute(ctx, r.Command, roleArn)
	paged := c.page(ctx, r.RequestID, output)

	if err := c.store.UpdateRequestResult(ctx, r.RequestID, paged.Result,
		paged.Paged, paged.TotalPages, paged.OutputLength); err != nil {
		c.log.Error("result write failed", zap.String("request_id", r.RequestID), zap.Error(err))
	}
	c.sequencer.Record(ctx, r.Source, r.Command, r.AccountID)

	header := "✅ *Approved and executed*"
	answer := "✅ Executed"
	trustLine := ""
	if withTrust {
		sess, terr := c.trust.Create(ctx, trustScopeOf(r), r.AccountID, cb.UserID, r.Source, trustSessionUploads)
		if terr != nil {
			c.log.Warn("trust session create failed", zap.String("request_id", r.RequestID), zap.Error(terr))
			trustLine = "\n\n⚠️ Trust session could not be opened"
		} else {
			header += " + 🔓 *trusted 10 min*"
			answer = "✅ Executed + 🔓 trusted"
			trustLine = fmt.Sprintf("\n\n🔓 Trust window open: `%s`", sess.TrustID)
		}
	}

	var b strings.Builder
	b.WriteString(header + "\n\n")
	fmt.Fprintf(&b, "🆔 *ID:* `%s`\n", r.RequestID)
	writeRequestLines(&b, r, accountName)
	fmt.Fprintf(&b, "📤 *Result:*\n```\n%s\n```", preview(output, resultPreviewLimit))
	if paged.Paged {
		fmt.Fprintf(&b, "\n\n⚠️ Long output (%d chars, %d pages)", paged.OutputLength, paged.TotalPages)
	}
	b.WriteString(trustLine)

	c.chat.UpdateAndAnswer(ctx, cb.MessageID, b.String(), cb.CallbackID, answer)
	if paged.Paged {
		c.sendRemainingPages(ctx, r.RequestID, paged.TotalPages)
	}
}

func (c *Callbacks) approveUpload(ctx context.Context, cb telegram.Callback, r *store.Request) {
	if !c.resolve(ctx, cb, r.RequestID, store.StatusApproved) {
		return
	}

	uri, err := c.uploads.ExecuteApproved(ctx, r)
	if err != nil {
		c.log.Error("approved upload failed", zap.String("request_id", r.RequestID), zap.Error(err))
		if uerr := c.store.UpdateRequestResult(ctx, r.RequestID,
			"upload failed: "+err.Error(), false, 0, 0); uerr != nil {
			c.log.Error("result write failed", zap.String("request_id", r.RequestID), zap.Error(uerr))
		}
		text := fmt.Sprintf("❌ *Upload failed*\n\n🆔 *ID:* `%s`\n❗ %s",
			r.RequestID, telegram.EscapeMarkdown(err.Error()))
		c.chat.UpdateAndAnswer(ctx, cb.MessageID, text, cb.CallbackID, "❌ Upload failed")
		return
	}

	if uerr := c.store.UpdateRequestResult(ctx, r.RequestID, uri, false, 0, 0); uerr != nil {
		c.log.Error("result write failed", zap.String("request_id", r.RequestID), zap.Error(uerr))
	}
	text := fmt.Sprintf("✅ *Uploaded*\n\n🆔 *ID:* `%s`\n📁 `%s`\n💬 %s",
		r.RequestID, telegram.EscapeMarkdown(uri), telegram.EscapeMarkdown(r.Reason))
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, text, cb.CallbackID, "✅ Uploaded")
}

// accountChange is the payload of account add and remove requests.
type accountChange struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	RoleArn   string `json:"role_arn,omitempty"`
}

func (c *Callbacks) approveAccountChange(ctx context.Context, cb telegram.Callback, r *store.Request) {
	var change accountChange
	if err := json.Unmarshal([]byte(r.Payload), &change); err != nil || change.AccountID == "" {
		c.answer(ctx, cb, "❌ Malformed account request")
		return
	}
	if !c.resolve(ctx, cb, r.RequestID, store.StatusApproved) {
		return
	}

	var err error
	if r.Type == store.TypeAccountAdd {
		err = c.accounts.Add(ctx, change.AccountID, change.Name, change.RoleArn, cb.UserID)
	} else {
		err = c.accounts.Remove(ctx, change.AccountID)
	}
	if err != nil {
		c.log.Error("account change failed", zap.String("request_id", r.RequestID), zap.Error(err))
		text := fmt.Sprintf("❌ *Account change failed*\n\n🆔 `%s`\n❗ %s",
			change.AccountID, telegram.EscapeMarkdown(err.Error()))
		c.chat.UpdateAndAnswer(ctx, cb.MessageID, text, cb.CallbackID, "❌ Failed")
		return
	}

	verb := "added"
	if r.Type == store.TypeAccountRemove {
		verb = "removed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *Account %s*\n\n", verb)
	fmt.Fprintf(&b, "🆔 *Account:* `%s`\n", change.AccountID)
	fmt.Fprintf(&b, "📛 *Name:* %s", telegram.EscapeMarkdown(change.Name))
	if r.Type == store.TypeAccountAdd && change.RoleArn != "" {
		fmt.Fprintf(&b, "\n🔗 *Role:* `%s`", change.RoleArn)
	}
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, b.String(), cb.CallbackID, "✅ Account "+verb)
}

func (c *Callbacks) denyRequest(ctx context.Context, cb telegram.Callback, r *store.Request) {
	if !c.resolve(ctx, cb, r.RequestID, store.StatusDenied) {
		return
	}
	_, accountName := c.accountDetails(ctx, r.AccountID)

	var b strings.Builder
	b.WriteString("❌ *Denied*\n\n")
	fmt.Fprintf(&b, "🆔 *ID:* `%s`\n", r.RequestID)
	writeRequestLines(&b, r, accountName)
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, strings.TrimRight(b.String(), "\n"), cb.CallbackID, "❌ Denied")
}

func (c *Callbacks) revokeTrust(ctx context.Context, cb telegram.Callback) {
	if err := c.trust.Revoke(ctx, cb.ID); err != nil {
		c.log.Warn("trust revoke failed", zap.String("trust_id", cb.ID), zap.Error(err))
		c.answer(ctx, cb, "❌ Revoke failed")
		return
	}
	text := fmt.Sprintf("🛑 *Trust session ended*\n\n🆔 `%s`", cb.ID)
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, text, cb.CallbackID, "🛑 Trust ended")
}

func (c *Callbacks) decideGrant(ctx context.Context, cb telegram.Callback, mode string) {
	g, err := c.grants.Approve(ctx, cb.ID, cb.UserID, mode)
	if errors.Is(err, store.ErrConflict) {
		c.answer(ctx, cb, "⚠️ Already handled")
		return
	}
	if err != nil {
		c.log.Warn("grant approve failed", zap.String("grant_id", cb.ID), zap.Error(err))
		c.answer(ctx, cb, "❌ Approval failed")
		return
	}

	label := "all commands"
	if mode == grant.ModeSafeOnly {
		label = "safe commands only"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🎫 *Grant approved* (%s)\n\n", label)
	fmt.Fprintf(&b, "🆔 `%s`\n", g.GrantID)
	fmt.Fprintf(&b, "📋 %d command(s) granted\n", len(g.Granted))
	fmt.Fprintf(&b, "⏰ Expires %s", g.ExpiresAt.UTC().Format("15:04:05 MST"))
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, b.String(), cb.CallbackID, "🎫 Grant active")
}

func (c *Callbacks) denyGrant(ctx context.Context, cb telegram.Callback) {
	if err := c.grants.Deny(ctx, cb.ID, cb.UserID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.answer(ctx, cb, "⚠️ Already handled")
			return
		}
		c.log.Warn("grant deny failed", zap.String("grant_id", cb.ID), zap.Error(err))
		c.answer(ctx, cb, "❌ Deny failed")
		return
	}
	text := fmt.Sprintf("❌ *Grant denied*\n\n🆔 `%s`", cb.ID)
	c.chat.UpdateAndAnswer(ctx, cb.MessageID, text, cb.CallbackID, "❌ Denied")
}

// resolve performs the conditional pending→terminal transition. Returns
// false (after answering) when another handler already won.
func (c *Callbacks) resolve(ctx context.Context, cb telegram.Callback, requestID, status string) bool {
	err := c.store.ResolveRequest(ctx, requestID, store.Resolution{Status: status, Approver: cb.UserID})
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrConflict) {
		c.answer(ctx, cb, "⚠️ Already handled")
	} else if errors.Is(err, store.ErrNotFound) {
		c.answer(ctx, cb, "❌ Request expired or unknown")
	} else {
		c.log.Error("request resolve failed", zap.String("request_id", requestID), zap.Error(err))
		c.answer(ctx, cb, "❌ Store error, try again")
	}
	return false
}

func (c *Callbacks) execute(ctx context.Context, command, roleArn string) string {
	res, err := c.runner.Execute(ctx, command, roleArn)
	if err != nil {
		return "execution failed: " + err.Error()
	}
	return res.Output
}

func (c *Callbacks) page(ctx context.Context, requestID, output string) paging.Paged {
	paged, err := c.pager.Store(ctx, requestID, output)
	if err != nil {
		c.log.Warn("paging failed", zap.String("request_id", requestID), zap.Error(err))
		return paging.Paged{Result: output, OutputLength: len(output)}
	}
	return paged
}

func (c *Callbacks) sendRemainingPages(ctx context.Context, requestID string, totalPages int) {
	pages, err := c.pager.Remaining(ctx, requestID, totalPages)
	if err != nil {
		c.log.Warn("remaining pages read failed", zap.String("request_id", requestID), zap.Error(err))
	}
	for _, p := range pages {
		text := fmt.Sprintf("📄 *Page %d/%d* (`%s`)\n```\n%s\n```",
			p.PageNum, p.TotalPages, requestID, p.Content)
		if _, serr := c.chat.SendSilent(ctx, text, nil); serr != nil {
			c.log.Warn("page send failed", zap.String("page_id", p.PageID), zap.Error(serr))
			return
		}
	}
}

func (c *Callbacks) accountDetails(ctx context.Context, accountID string) (roleArn, name string) {
	acct, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		c.log.Warn("account lookup failed", zap.String("account_id", accountID), zap.Error(err))
		return "", ""
	}
	return acct.RoleArn, acct.Name
}

func (c *Callbacks) answer(ctx context.Context, cb telegram.Callback, text string) {
	if err := c.chat.AnswerCallback(ctx, cb.CallbackID, text); err != nil {
		c.log.Warn("callback answer failed", zap.String("callback_id", cb.CallbackID), zap.Error(err))
	}
}

// trustScopeOf recovers the agent's trust scope from the request payload,
// falling back to the source for rows written before the payload carried it.
func trustScopeOf(r *store.Request) string {
	var p commandPayload
	if err := json.Unmarshal([]byte(r.Payload), &p); err == nil && p.TrustScope != "" {
		return p.TrustScope
	}
	return r.Source
}

func writeRequestLines(b *strings.Builder, r *store.Request, accountName string) {
	if r.Source != "" {
		fmt.Fprintf(b, "🤖 *Source:* %s\n", telegram.EscapeMarkdown(r.Source))
	}
	if accountName != "" {
		fmt.Fprintf(b, "🏢 *Account:* `%s` (%s)\n", r.AccountID, telegram.EscapeMarkdown(accountName))
	} else {
		fmt.Fprintf(b, "🏢 *Account:* `%s`\n", r.AccountID)
	}
	fmt.Fprintf(b, "📋 *Command:*\n`%s`\n\n", telegram.EscapeMarkdown(preview(r.Command, 500)))
	if r.Reason != "" {
		fmt.Fprintf(b, "💬 *Reason:* %s\n\n", telegram.EscapeMarkdown(r.Reason))
	}
}
