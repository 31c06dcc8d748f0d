package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/bouncer/internal/store"
)

func (s *Server) registerAdminTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_account",
		Description: "Request adding a target AWS account; applied after approver sign-off",
	}, s.handleAddAccount)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remove_account",
		Description: "Request removing a target AWS account; applied after approver sign-off",
	}, s.handleRemoveAccount)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_accounts",
		Description: "List configured target AWS accounts",
	}, s.handleListAccounts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "request_grant",
		Description: "Pre-approve a batch of up to 20 commands for a bounded window",
	}, s.handleRequestGrant)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "grant_status",
		Description: "Check the status and remaining budget of a grant session",
	}, s.handleGrantStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "revoke_grant",
		Description: "Revoke an active grant session",
	}, s.handleRevokeGrant)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "trust_status",
		Description: "List active trust sessions",
	}, s.handleTrustStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "trust_revoke",
		Description: "End a trust session immediately",
	}, s.handleTrustRevoke)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "history",
		Description: "Query decided requests, newest first",
	}, s.handleHistory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "stats",
		Description: "Aggregate request counts by outcome over a time window",
	}, s.handleStats)
}

type accountChangeInput struct {
	AccountID string `json:"account_id" jsonschema:"12-digit AWS account id"`
	Name      string `json:"name,omitempty" jsonschema:"display name, required when adding"`
	RoleArn   string `json:"role_arn,omitempty" jsonschema:"execution role to assume in the account"`
	Source    string `json:"source,omitempty" jsonschema:"agent identifier"`
	Context   string `json:"context,omitempty" jsonschema:"optional note shown to the approver"`
}

func (s *Server) handleAddAccount(ctx context.Context, _ *mcp.CallToolRequest, input accountChangeInput) (*mcp.CallToolResult, any, error) {
	out, err := s.broker.SubmitAccountChange(ctx, "add",
		input.AccountID, input.Name, input.RoleArn, input.Source, input.Context)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(out)
}

func (s *Server) handleRemoveAccount(ctx context.Context, _ *mcp.CallToolRequest, input accountChangeInput) (*mcp.CallToolResult, any, error) {
	out, err := s.broker.SubmitAccountChange(ctx, "remove",
		input.AccountID, input.Name, input.RoleArn, input.Source, input.Context)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(out)
}

type accountSummary struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	IsDefault bool   `json:"is_default"`
	HasRole   bool   `json:"has_role"`
}

func (s *Server) handleListAccounts(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	list, err := s.accounts.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("account list: %w", err)
	}
	out := make([]accountSummary, 0, len(list))
	for _, a := range list {
		out = append(out, accountSummary{
			AccountID: a.AccountID,
			Name:      a.Name,
			Enabled:   a.Enabled,
			IsDefault: a.AccountID == s.accounts.DefaultID(),
			HasRole:   a.RoleArn != "",
		})
	}
	return jsonToolResult(map[string]any{"status": "ok", "accounts": out})
}

type requestGrantInput struct {
	Commands    []string `json:"commands" jsonschema:"1 to 20 commands to pre-approve"`
	Reason      string   `json:"reason" jsonschema:"why the batch is needed"`
	Source      string   `json:"source" jsonschema:"agent identifier; grant usage is bound to it"`
	Account     string   `json:"account,omitempty" jsonschema:"target account id, default account when omitted"`
	TTLMinutes  int      `json:"ttl_minutes,omitempty" jsonschema:"active window after approval, 1-60, default 30"`
	AllowRepeat bool     `json:"allow_repeat,omitempty" jsonschema:"let granted entries run more than once"`
}

func (s *Server) handleRequestGrant(ctx context.Context, _ *mcp.CallToolRequest, input requestGrantInput) (*mcp.CallToolResult, any, error) {
	out, err := s.broker.SubmitGrant(ctx, input.Commands, input.Reason,
		input.Source, input.Account, input.TTLMinutes, input.AllowRepeat)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(out)
}

type grantStatusInput struct {
	GrantID string `json:"grant_id" jsonschema:"grant session identifier"`
	Source  string `json:"source" jsonschema:"must match the source that requested the grant"`
}

func (s *Server) handleGrantStatus(ctx context.Context, _ *mcp.CallToolRequest, input grantStatusInput) (*mcp.CallToolResult, any, error) {
	st, err := s.grants.GetStatus(ctx, strings.TrimSpace(input.GrantID), input.Source)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("grant not found: %s", input.GrantID)
	}
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(st)
}

type revokeGrantInput struct {
	GrantID string `json:"grant_id" jsonschema:"grant session identifier"`
}

func (s *Server) handleRevokeGrant(ctx context.Context, _ *mcp.CallToolRequest, input revokeGrantInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.GrantID)
	if id == "" {
		return nil, nil, fmt.Errorf("grant_id is required")
	}
	if err := s.grants.Revoke(ctx, id); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("grant %s is not active", id)
		}
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"status": "revoked", "grant_id": id})
}

type trustStatusInput struct {
	Source string `json:"source,omitempty" jsonschema:"only sessions opened for this source"`
}

type trustSummary struct {
	TrustID          string `json:"trust_id"`
	Source           string `json:"source"`
	AccountID        string `json:"account_id"`
	CommandCount     int    `json:"command_count"`
	MaxCommands      int    `json:"max_commands"`
	UploadCount      int    `json:"upload_count,omitempty"`
	MaxUploads       int    `json:"max_uploads,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

func (s *Server) handleTrustStatus(ctx context.Context, _ *mcp.CallToolRequest, input trustStatusInput) (*mcp.CallToolResult, any, error) {
	sessions, err := s.trust.Active(ctx, input.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("trust list: %w", err)
	}
	now := time.Now().UTC()
	out := make([]trustSummary, 0, len(sessions))
	for _, t := range sessions {
		remaining := 0
		if d := t.ExpiresAt.Sub(now); d > 0 {
			remaining = int(d.Seconds())
		}
		out = append(out, trustSummary{
			TrustID:          t.TrustID,
			Source:           t.Source,
			AccountID:        t.AccountID,
			CommandCount:     t.CommandCount,
			MaxCommands:      t.MaxCommands,
			UploadCount:      t.UploadCount,
			MaxUploads:       t.MaxUploads,
			RemainingSeconds: remaining,
		})
	}
	return jsonToolResult(map[string]any{"status": "ok", "sessions": out})
}

type trustRevokeInput struct {
	TrustID string `json:"trust_id" jsonschema:"trust session identifier"`
}

func (s *Server) handleTrustRevoke(ctx context.Context, _ *mcp.CallToolRequest, input trustRevokeInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.TrustID)
	if id == "" {
		return nil, nil, fmt.Errorf("trust_id is required")
	}
	if err := s.trust.Revoke(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("trust session not found: %s", id)
		}
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"status": "revoked", "trust_id": id})
}

type historyInput struct {
	Source     string `json:"source,omitempty" jsonschema:"only requests from this source"`
	Account    string `json:"account,omitempty" jsonschema:"only requests against this account"`
	Status     string `json:"status,omitempty" jsonschema:"only requests with this outcome"`
	SinceHours int    `json:"since_hours,omitempty" jsonschema:"look-back window in hours, default 24"`
	Limit      int    `json:"limit,omitempty" jsonschema:"cap on returned rows, 1-50, default 20"`
}

type historyRow struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Source    string `json:"source,omitempty"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	RiskScore int    `json:"risk_score,omitempty"`
	Approver  string `json:"approved_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleHistory(ctx context.Context, _ *mcp.CallToolRequest, input historyInput) (*mcp.CallToolResult, any, error) {
	hours := input.SinceHours
	if hours < 1 {
		hours = 24
	}
	limit := input.Limit
	if limit < 1 || limit > 50 {
		limit = 20
	}

	rows, err := s.store.History(ctx, store.HistoryFilter{
		Source:    input.Source,
		AccountID: input.Account,
		Status:    input.Status,
		Since:     time.Now().UTC().Add(-time.Duration(hours) * time.Hour),
		Limit:     limit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("history: %w", err)
	}

	out := make([]historyRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyRow{
			RequestID: r.RequestID,
			Type:      r.Type,
			Command:   r.Command,
			Source:    r.Source,
			AccountID: r.AccountID,
			Status:    r.Status,
			RiskScore: r.RiskScore,
			Approver:  r.Approver,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return jsonToolResult(map[string]any{
		"status":      "ok",
		"since_hours": hours,
		"count":       len(out),
		"requests":    out,
	})
}

type statsInput struct {
	Hours int `json:"hours,omitempty" jsonschema:"look-back window in hours, default 24"`
}

func (s *Server) handleStats(ctx context.Context, _ *mcp.CallToolRequest, input statsInput) (*mcp.CallToolResult, any, error) {
	hours := input.Hours
	if hours < 1 {
		hours = 24
	}
	counts, err := s.store.StatusCounts(ctx, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, nil, fmt.Errorf("stats: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	approved := counts[store.StatusApproved] + counts[store.StatusAutoApproved] +
		counts[store.StatusTrustAutoApproved] + counts[store.StatusGrantAutoApproved]
	denied := counts[store.StatusDenied] + counts[store.StatusBlocked] +
		counts[store.StatusComplianceViolation]

	return jsonToolResult(map[string]any{
		"status":    "ok",
		"hours":     hours,
		"total":     total,
		"approved":  approved,
		"denied":    denied,
		"pending":   counts[store.StatusPendingApproval],
		"by_status": counts,
	})
}
