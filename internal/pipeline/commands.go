package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
)

// statsDefaultHours is the /stats window when none is given.
const statsDefaultHours = 24

// HandleSlashCommand answers approver chat commands. Replies are plain text
// sent to the chat the command came from.
func (c *Callbacks) HandleSlashCommand(ctx context.Context, cmd telegram.SlashCommand) {
	switch cmd.Command {
	case "accounts":
		c.reply(ctx, cmd.ChatID, c.accountsText(ctx))
	case "trust":
		c.reply(ctx, cmd.ChatID, c.trustText(ctx))
	case "pending":
		c.reply(ctx, cmd.ChatID, c.pendingText(ctx))
	case "stats":
		hours := statsDefaultHours
		if len(cmd.Args) > 0 {
			if n, err := strconv.Atoi(cmd.Args[0]); err == nil && n > 0 {
				hours = n
			}
		}
		c.reply(ctx, cmd.ChatID, c.statsText(ctx, hours))
	case "help", "start":
		c.reply(ctx, cmd.ChatID, helpText)
	}
}

// BotCommands is the command list registered with the chat platform so the
// slash menu matches what the handler answers.
func BotCommands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "pending", Description: "List requests waiting for approval"},
		{Command: "trust", Description: "List active trust sessions"},
		{Command: "accounts", Description: "List configured AWS accounts"},
		{Command: "stats", Description: "Request statistics, optionally /stats <hours>"},
		{Command: "help", Description: "Show this command list"},
	}
}

const helpText = `🔐 Bouncer commands

/pending - requests waiting for approval
/trust - active trust sessions
/accounts - configured AWS accounts
/stats [hours] - request statistics (default 24h)
/help - this list`

func (c *Callbacks) accountsText(ctx context.Context) string {
	list, err := c.accounts.List(ctx)
	if err != nil {
		c.log.Warn("account list failed", zap.Error(err))
		return "❌ Account list unavailable"
	}
	if len(list) == 0 {
		return "📋 AWS accounts\n\nNone configured"
	}
	var b strings.Builder
	b.WriteString("📋 AWS accounts\n")
	for _, a := range list {
		status := "✅"
		if !a.Enabled {
			status = "❌"
		}
		suffix := ""
		if a.AccountID == c.accounts.DefaultID() {
			suffix = " (default)"
		}
		fmt.Fprintf(&b, "\n%s %s - %s%s", status, a.AccountID, a.Name, suffix)
	}
	return b.String()
}

func (c *Callbacks) trustText(ctx context.Context) string {
	sessions, err := c.trust.Active(ctx, "")
	if err != nil {
		c.log.Warn("trust list failed", zap.Error(err))
		return "❌ Trust list unavailable"
	}
	if len(sessions) == 0 {
		return "🔓 Trust sessions\n\nNone active"
	}
	now := c.now().UTC()
	var b strings.Builder
	b.WriteString("🔓 Trust sessions\n")
	for _, s := range sessions {
		remaining := s.ExpiresAt.Sub(now)
		fmt.Fprintf(&b, "\n• %s\n  ⏱ %s left | 📊 %d/%d commands",
			s.Source, formatClock(remaining), s.CommandCount, s.MaxCommands)
		if s.MaxUploads > 0 {
			fmt.Fprintf(&b, " | 📤 %d/%d uploads", s.UploadCount, s.MaxUploads)
		}
	}
	return b.String()
}

func (c *Callbacks) pendingText(ctx context.Context) string {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		c.log.Warn("pending list failed", zap.Error(err))
		return "❌ Pending list unavailable"
	}
	if len(pending) == 0 {
		return "⏳ Pending approvals\n\nNone"
	}
	now := c.now().UTC()
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ Pending approvals (%d)\n", len(pending))
	for _, r := range pending {
		line := r.Command
		if line == "" {
			line = r.Type
		}
		fmt.Fprintf(&b, "\n• %s\n  🆔 %s", preview(line, 80), r.RequestID)
		if !r.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, " | ⏰ %s left", formatClock(r.ExpiresAt.Sub(now)))
		}
	}
	return b.String()
}

func (c *Callbacks) statsText(ctx context.Context, hours int) string {
	since := c.now().UTC().Add(-time.Duration(hours) * time.Hour)
	counts, err := c.store.StatusCounts(ctx, since)
	if err != nil {
		c.log.Warn("stats query failed", zap.Error(err))
		return "❌ Stats unavailable"
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	approved := counts[store.StatusApproved] + counts[store.StatusAutoApproved] +
		counts[store.StatusTrustAutoApproved] + counts[store.StatusGrantAutoApproved]
	denied := counts[store.StatusDenied] + counts[store.StatusBlocked] +
		counts[store.StatusComplianceViolation]
	pending := counts[store.StatusPendingApproval]

	rate := "N/A"
	if decided := approved + denied; decided > 0 {
		rate = fmt.Sprintf("%d%%", approved*100/decided)
	}

	return fmt.Sprintf("📊 Stats (last %dh)\n\n📋 Total: %d\n✅ Approved: %d\n❌ Denied: %d\n⏳ Pending: %d\n📈 Approval rate: %s",
		hours, total, approved, denied, pending, rate)
}

func (c *Callbacks) reply(ctx context.Context, chatID, text string) {
	if err := c.chat.SendTo(ctx, chatID, text); err != nil {
		c.log.Warn("chat reply failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}
