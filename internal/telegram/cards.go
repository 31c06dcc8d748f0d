package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Callback actions carried in button callback_data as "action:id".
const (
	ActionApprove      = "approve"
	ActionApproveTrust = "approve_trust"
	ActionDeny         = "deny"
	ActionRevokeTrust  = "revoke_trust"
	ActionGrantAll     = "grant_all"
	ActionGrantSafe    = "grant_safe"
	ActionGrantDeny    = "grant_deny"
)

const commandPreviewLimit = 500

// CommandCard describes one execution approval request.
type CommandCard struct {
	RequestID   string
	Command     string
	Reason      string
	Source      string
	Context     string
	AccountID   string
	AccountName string
	Dangerous   bool
	Timeout     time.Duration
	RiskScore   int
	RiskNote    string
}

// Render builds the card text and keyboard. Dangerous commands get the
// warning layout with no trust shortcut; everything else offers approve,
// trust-for-ten-minutes, and deny.
func (c CommandCard) Render() (string, *Keyboard) {
	preview := c.Command
	if len(preview) > commandPreviewLimit {
		preview = preview[:commandPreviewLimit] + "..."
	}

	var b strings.Builder
	if c.Dangerous {
		b.WriteString("⚠️ *Dangerous operation request* ⚠️\n\n")
	} else {
		b.WriteString("🔐 *AWS execution request*\n\n")
	}
	writeSourceLines(&b, c.Source, c.Context)
	writeAccountLine(&b, c.AccountID, c.AccountName)
	fmt.Fprintf(&b, "📋 *Command:*\n`%s`\n\n", EscapeMarkdown(preview))
	fmt.Fprintf(&b, "💬 *Reason:* %s\n\n", EscapeMarkdown(c.Reason))
	if c.RiskNote != "" {
		fmt.Fprintf(&b, "📊 *Risk:* %d (%s)\n\n", c.RiskScore, EscapeMarkdown(c.RiskNote))
	}
	if c.Dangerous {
		b.WriteString("⚠️ *This operation may be irreversible. Review carefully.*\n\n")
	}
	fmt.Fprintf(&b, "🆔 *ID:* `%s`\n", c.RequestID)
	fmt.Fprintf(&b, "⏰ *Expires in %s*", formatTimeout(c.Timeout))

	var kb *Keyboard
	if c.Dangerous {
		kb = Row(
			Button{Text: "⚠️ Confirm", CallbackData: ActionApprove + ":" + c.RequestID},
			Button{Text: "❌ Deny", CallbackData: ActionDeny + ":" + c.RequestID},
		)
	} else {
		kb = Row(
			Button{Text: "✅ Approve", CallbackData: ActionApprove + ":" + c.RequestID},
			Button{Text: "🔓 Trust 10 min", CallbackData: ActionApproveTrust + ":" + c.RequestID},
			Button{Text: "❌ Deny", CallbackData: ActionDeny + ":" + c.RequestID},
		)
	}
	return b.String(), kb
}

// AccountCard describes an account add or remove approval request.
type AccountCard struct {
	RequestID string
	Action    string // "add" or "remove"
	AccountID string
	Name      string
	RoleArn   string
	Source    string
	Context   string
}

func (c AccountCard) Render() (string, *Keyboard) {
	var b strings.Builder
	if c.Action == "add" {
		b.WriteString("🔐 *Add AWS account request*\n\n")
	} else {
		b.WriteString("🔐 *Remove AWS account request*\n\n")
	}
	writeSourceLines(&b, c.Source, c.Context)
	fmt.Fprintf(&b, "🆔 *Account:* `%s`\n", c.AccountID)
	fmt.Fprintf(&b, "📛 *Name:* %s\n", EscapeMarkdown(c.Name))
	if c.Action == "add" {
		fmt.Fprintf(&b, "🔗 *Role:* `%s`\n", c.RoleArn)
	}
	fmt.Fprintf(&b, "\n📋 *Request ID:* `%s`\n", c.RequestID)
	b.WriteString("⏰ *Expires in 5 minutes*")

	kb := Row(
		Button{Text: "✅ Approve", CallbackData: ActionApprove + ":" + c.RequestID},
		Button{Text: "❌ Deny", CallbackData: ActionDeny + ":" + c.RequestID},
	)
	return b.String(), kb
}

// UploadCard describes an S3 upload approval request.
type UploadCard struct {
	RequestID   string
	Bucket      string
	Key         string
	Size        int64
	Reason      string
	Source      string
	AccountID   string
	AccountName string
}

func (c UploadCard) Render() (string, *Keyboard) {
	var b strings.Builder
	b.WriteString("📤 *S3 upload request*\n\n")
	writeSourceLines(&b, c.Source, "")
	writeAccountLine(&b, c.AccountID, c.AccountName)
	fmt.Fprintf(&b, "📁 *Target:* `s3://%s/%s`\n", c.Bucket, c.Key)
	fmt.Fprintf(&b, "📊 *Size:* %s\n", FormatSize(c.Size))
	fmt.Fprintf(&b, "💬 *Reason:* %s\n\n", EscapeMarkdown(c.Reason))
	fmt.Fprintf(&b, "📋 *Request ID:* `%s`\n", c.RequestID)
	b.WriteString("⏰ *Expires in 5 minutes*")

	kb := Row(
		Button{Text: "✅ Approve", CallbackData: ActionApprove + ":" + c.RequestID},
		Button{Text: "❌ Deny", CallbackData: ActionDeny + ":" + c.RequestID},
	)
	return b.String(), kb
}

// GrantCard describes a batch grant approval request.
type GrantCard struct {
	GrantID     string
	Source      string
	AccountID   string
	Reason      string
	TTLMinutes  int
	AllowRepeat bool
	Grantable   []string
	Individual  []string
	Blocked     []string
}

func (c GrantCard) Render() (string, *Keyboard) {
	var b strings.Builder
	b.WriteString("📦 *Batch grant request*\n\n")
	writeSourceLines(&b, c.Source, "")
	fmt.Fprintf(&b, "🏢 *Account:* `%s`\n", c.AccountID)
	fmt.Fprintf(&b, "💬 *Reason:* %s\n", EscapeMarkdown(c.Reason))
	fmt.Fprintf(&b, "⏱ *Window:* %d min", c.TTLMinutes)
	if c.AllowRepeat {
		b.WriteString(" · repeats allowed")
	}
	b.WriteString("\n\n")

	writeGrantSection(&b, "✅ Grantable", c.Grantable)
	writeGrantSection(&b, "⚠️ High-risk (granted only with Approve All)", c.Individual)
	writeGrantSection(&b, "🚫 Blocked (never granted)", c.Blocked)

	fmt.Fprintf(&b, "🆔 *ID:* `%s`\n", c.GrantID)
	b.WriteString("⏰ *Expires in 5 minutes*")

	kb := Row(
		Button{Text: "✅ Approve All", CallbackData: ActionGrantAll + ":" + c.GrantID},
		Button{Text: "🛡 Safe Only", CallbackData: ActionGrantSafe + ":" + c.GrantID},
		Button{Text: "❌ Deny", CallbackData: ActionGrantDeny + ":" + c.GrantID},
	)
	return b.String(), kb
}

func writeGrantSection(b *strings.Builder, title string, commands []string) {
	if len(commands) == 0 {
		return
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(commands))
	for _, cmd := range commands {
		if len(cmd) > 80 {
			cmd = cmd[:80] + "..."
		}
		fmt.Fprintf(b, "• `%s`\n", EscapeMarkdown(cmd))
	}
	b.WriteString("\n")
}

// TrustNotice is the silent notification for a trust auto-approval, with a
// kill switch for the session.
type TrustNotice struct {
	Command   string
	TrustID   string
	Source    string
	Remaining time.Duration
	Count     int
	Max       int
	Result    string
}

func (n TrustNotice) Render() (string, *Keyboard) {
	preview := n.Command
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}

	var b strings.Builder
	b.WriteString("🔓 *Auto-approved* (trusted)\n")
	fmt.Fprintf(&b, "📋 `%s`\n", EscapeMarkdown(preview))
	fmt.Fprintf(&b, "📊 %d/%d", n.Count, n.Max)
	if n.Source != "" || n.Remaining > 0 {
		b.WriteString("\n")
		if n.Source != "" {
			fmt.Fprintf(&b, "🤖 `%s` · ", EscapeMarkdown(n.Source))
		}
		fmt.Fprintf(&b, "⏱ %s left", n.Remaining.Round(time.Second))
	}
	if n.Result != "" {
		status := "✅"
		if strings.Contains(strings.ToLower(n.Result[:min(len(n.Result), 100)]), "error") {
			status = "❌"
		}
		result := n.Result
		if len(result) > 200 {
			result = result[:200] + "..."
		}
		fmt.Fprintf(&b, "\n%s `%s`", status, EscapeMarkdown(result))
	}

	kb := Row(Button{Text: "🛑 End trust", CallbackData: ActionRevokeTrust + ":" + n.TrustID})
	return b.String(), kb
}

// BatchUploadCard describes a multi-file S3 upload approval request.
type BatchUploadCard struct {
	BatchID     string
	FileCount   int
	TotalSize   int64
	ExtCounts   map[string]int
	Reason      string
	Source      string
	AccountName string
}

func (c BatchUploadCard) Render() (string, *Keyboard) {
	var b strings.Builder
	b.WriteString("📤 *Batch upload request*\n\n")
	writeSourceLines(&b, c.Source, "")
	if c.AccountName != "" {
		fmt.Fprintf(&b, "🏢 *Account:* %s\n", EscapeMarkdown(c.AccountName))
	}
	fmt.Fprintf(&b, "📁 *Files:* %d (%s)\n", c.FileCount, FormatSize(c.TotalSize))
	if len(c.ExtCounts) > 0 {
		exts := make([]string, 0, len(c.ExtCounts))
		for ext := range c.ExtCounts {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		parts := make([]string, 0, len(exts))
		for _, ext := range exts {
			parts = append(parts, fmt.Sprintf("%s ×%d", ext, c.ExtCounts[ext]))
		}
		fmt.Fprintf(&b, "📊 *Types:* %s\n", EscapeMarkdown(strings.Join(parts, ", ")))
	}
	fmt.Fprintf(&b, "💬 *Reason:* %s\n\n", EscapeMarkdown(c.Reason))
	fmt.Fprintf(&b, "🆔 *ID:* `%s`\n", c.BatchID)
	b.WriteString("⏰ *Expires in 5 minutes*")

	kb := Row(
		Button{Text: "✅ Approve", CallbackData: ActionApprove + ":" + c.BatchID},
		Button{Text: "❌ Deny", CallbackData: ActionDeny + ":" + c.BatchID},
	)
	return b.String(), kb
}

// UploadTrustNotice is the silent notification for a trust auto-approved
// upload.
type UploadTrustNotice struct {
	Filename string
	Size     int64
	SHA256   string
	TrustID  string
	Source   string
	Count    int
	Max      int
}

func (n UploadTrustNotice) Render() (string, *Keyboard) {
	var b strings.Builder
	b.WriteString("🔓 *Upload auto-approved* (trusted)\n")
	fmt.Fprintf(&b, "📁 `%s` (%s)\n", EscapeMarkdown(n.Filename), FormatSize(n.Size))
	if n.SHA256 != "" {
		fmt.Fprintf(&b, "🔏 `%s`\n", shortHash(n.SHA256))
	}
	fmt.Fprintf(&b, "📊 %d/%d", n.Count, n.Max)
	if n.Source != "" {
		fmt.Fprintf(&b, " · 🤖 `%s`", EscapeMarkdown(n.Source))
	}

	kb := Row(Button{Text: "🛑 End trust", CallbackData: ActionRevokeTrust + ":" + n.TrustID})
	return b.String(), kb
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// FormatSize renders a byte count the way the upload cards show it.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		d = 5 * time.Minute
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
}

func writeSourceLines(b *strings.Builder, source, context string) {
	if source != "" {
		fmt.Fprintf(b, "🤖 *Source:* %s\n", EscapeMarkdown(source))
	}
	if context != "" {
		fmt.Fprintf(b, "📝 *Task:* %s\n", EscapeMarkdown(context))
	}
}

func writeAccountLine(b *strings.Builder, accountID, accountName string) {
	if accountID == "" {
		return
	}
	if accountName == "" {
		accountName = "default"
	}
	fmt.Fprintf(b, "🏢 *Account:* `%s` (%s)\n", accountID, accountName)
}
