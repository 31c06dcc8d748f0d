package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/bouncer/internal/classify"
	"github.com/marcus-qen/bouncer/internal/helpdocs"
	"github.com/marcus-qen/bouncer/internal/pipeline"
	"github.com/marcus-qen/bouncer/internal/store"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "execute",
		Description: "Execute an AWS CLI command through the approval pipeline",
	}, s.handleExecute)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "status",
		Description: "Get the current status and result of a request",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_page",
		Description: "Fetch one page of a long command output",
	}, s.handleGetPage)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_pending",
		Description: "List requests waiting for approval",
	}, s.handleListPending)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_safelist",
		Description: "Show the classifier tables: auto-approve prefixes, blocked and dangerous patterns",
	}, s.handleListSafelist)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "help",
		Description: "Look up AWS CLI operation parameters or a documented workflow",
	}, s.handleHelp)

	s.registerAdminTools()
	s.registerUploadTools()
}

type executeInput struct {
	Command        string `json:"command" jsonschema:"the AWS CLI command to run"`
	TrustScope     string `json:"trust_scope" jsonschema:"stable identifier for this agent, used as the trust-session key"`
	Reason         string `json:"reason,omitempty" jsonschema:"why the command is needed"`
	Source         string `json:"source,omitempty" jsonschema:"agent identifier for audit and rate limiting"`
	Account        string `json:"account,omitempty" jsonschema:"12-digit target account id, default account when omitted"`
	Context        string `json:"context,omitempty" jsonschema:"optional free-form context shown to the approver"`
	GrantID        string `json:"grant_id,omitempty" jsonschema:"spend a use from this specific grant session"`
	Sync           bool   `json:"sync,omitempty" jsonschema:"block until the approver decides or the window closes"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"approval window in seconds, default 300"`
}

func (s *Server) handleExecute(ctx context.Context, _ *mcp.CallToolRequest, input executeInput) (*mcp.CallToolResult, any, error) {
	out, err := s.broker.Execute(ctx, pipeline.Request{
		Command:    input.Command,
		TrustScope: input.TrustScope,
		Reason:     input.Reason,
		Source:     input.Source,
		AccountID:  input.Account,
		Context:    input.Context,
		GrantID:    input.GrantID,
		Sync:       input.Sync,
		Timeout:    time.Duration(input.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(out)
}

type statusInput struct {
	RequestID string `json:"request_id" jsonschema:"request identifier returned by execute"`
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, input statusInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.RequestID)
	if id == "" {
		return nil, nil, fmt.Errorf("request_id is required")
	}
	out, err := s.broker.Status(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("request not found: %s", id)
	}
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(out)
}

type getPageInput struct {
	PageID string `json:"page_id" jsonschema:"page cursor like <request_id>:page:<n>"`
}

func (s *Server) handleGetPage(ctx context.Context, _ *mcp.CallToolRequest, input getPageInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.PageID)
	if id == "" {
		return nil, nil, fmt.Errorf("page_id is required")
	}
	page, err := s.pager.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
		return nil, nil, fmt.Errorf("page not found or expired: %s", id)
	}
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"status":      "ok",
		"page_id":     id,
		"page":        page.Page,
		"total_pages": page.TotalPages,
		"content":     page.Result,
		"next_page":   page.NextPage,
	})
}

type listPendingInput struct {
	Source string `json:"source,omitempty" jsonschema:"only requests from this source"`
	Limit  int    `json:"limit,omitempty" jsonschema:"cap on returned rows, default 25"`
}

// pendingSummary is the agent view of one parked request.
type pendingSummary struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Source    string `json:"source,omitempty"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (s *Server) handleListPending(ctx context.Context, _ *mcp.CallToolRequest, input listPendingInput) (*mcp.CallToolResult, any, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pending list: %w", err)
	}

	limit := input.Limit
	if limit <= 0 || limit > 50 {
		limit = 25
	}
	out := make([]pendingSummary, 0, len(pending))
	for _, r := range pending {
		if input.Source != "" && r.Source != input.Source {
			continue
		}
		row := pendingSummary{
			RequestID: r.RequestID,
			Type:      r.Type,
			Command:   r.Command,
			Source:    r.Source,
			AccountID: r.AccountID,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if !r.ExpiresAt.IsZero() {
			row.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return jsonToolResult(map[string]any{
		"status":  "ok",
		"count":   len(out),
		"pending": out,
	})
}

func (s *Server) handleListSafelist(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	return jsonToolResult(map[string]any{
		"status":                "ok",
		"auto_approve_prefixes": classify.AutoApprovePrefixes(),
		"blocked_patterns":      classify.BlockedPatterns(),
		"dangerous_patterns":    classify.DangerousPatterns(),
	})
}

type helpInput struct {
	Command  string `json:"command,omitempty" jsonschema:"full command to document, e.g. aws s3 cp"`
	Service  string `json:"service,omitempty" jsonschema:"list documented operations of one service"`
	Workflow string `json:"workflow,omitempty" jsonschema:"named workflow to describe, e.g. batch-deploy"`
}

func (s *Server) handleHelp(_ context.Context, _ *mcp.CallToolRequest, input helpInput) (*mcp.CallToolResult, any, error) {
	switch {
	case input.Workflow != "":
		wf, ok := helpdocs.LookupWorkflow(input.Workflow)
		if !ok {
			return nil, nil, fmt.Errorf("unknown workflow %q", input.Workflow)
		}
		return jsonToolResult(map[string]any{
			"status":   "ok",
			"workflow": input.Workflow,
			"help":     helpdocs.FormatWorkflow(wf),
		})
	case input.Command != "":
		help, err := helpdocs.Lookup(input.Command)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(map[string]any{"status": "ok", "operation": help})
	case input.Service != "":
		ops, err := helpdocs.ServiceOperations(input.Service)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(map[string]any{
			"status":     "ok",
			"service":    input.Service,
			"operations": ops,
		})
	default:
		return jsonToolResult(map[string]any{
			"status":   "ok",
			"services": helpdocs.ServiceNames(),
		})
	}
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
