package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/ids"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
)

// SubmitAccountChange parks an account add or remove for approver sign-off.
// action is "add" or "remove". Nothing touches the registry until the
// approver taps approve.
func (b *Broker) SubmitAccountChange(ctx context.Context, action, accountID, name, roleArn, source, contextNote string) (*Outcome, error) {
	if err := accounts.ValidateAccountID(accountID); err != nil {
		return nil, err
	}

	var reqType string
	switch action {
	case "add":
		if roleArn != "" {
			if err := accounts.ValidateRoleArn(roleArn); err != nil {
				return nil, err
			}
		}
		if name == "" {
			return nil, errors.New("account name is required")
		}
		reqType = store.TypeAccountAdd
	case "remove":
		if _, err := b.accounts.Get(ctx, accountID); err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		if accountID == b.accounts.DefaultID() {
			return nil, errors.New("the default account cannot be removed")
		}
		reqType = store.TypeAccountRemove
	default:
		return nil, fmt.Errorf("unknown account action %q", action)
	}

	payload, _ := json.Marshal(accountChange{AccountID: accountID, Name: name, RoleArn: roleArn})
	requestID := ids.New("account_" + action + ":" + accountID)
	row := &store.Request{
		RequestID: requestID,
		Type:      reqType,
		Source:    source,
		AccountID: accountID,
		Status:    store.StatusPendingApproval,
		Payload:   string(payload),
		ExpiresAt: b.now().UTC().Add(DefaultApprovalTimeout + requestTTLBuffer),
	}
	if err := b.store.PutRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("store account request: %w", err)
	}

	card := telegram.AccountCard{
		RequestID: requestID,
		Action:    action,
		AccountID: accountID,
		Name:      name,
		RoleArn:   roleArn,
		Source:    source,
		Context:   contextNote,
	}
	text, kb := card.Render()
	if _, err := b.chat.SendMessage(ctx, text, kb); err != nil {
		if derr := b.store.DeleteRequest(ctx, requestID); derr != nil {
			b.log.Error("orphan cleanup failed", zap.String("request_id", requestID), zap.Error(derr))
		}
		return nil, fmt.Errorf("notification failed; approval request was not created: %w", err)
	}

	return &Outcome{
		Status:    store.StatusPendingApproval,
		RequestID: requestID,
		ExpiresIn: int(DefaultApprovalTimeout.Seconds()),
		Message:   fmt.Sprintf("account %s requested; waiting for approval", action),
	}, nil
}

// GrantOutcome is the agent-facing envelope for a grant request.
type GrantOutcome struct {
	Status  string        `json:"status"`
	GrantID string        `json:"grant_id"`
	Summary grant.Summary `json:"summary"`
	Message string        `json:"message,omitempty"`
}

// SubmitGrant prechecks the command batch, parks the grant, and sends the
// approval card with the all / safe-only / deny choice.
func (b *Broker) SubmitGrant(ctx context.Context, commands []string, reason, source, accountID string, ttlMinutes int, allowRepeat bool) (*GrantOutcome, error) {
	acct, err := b.accounts.Resolve(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("unknown account: %w", err)
	}

	g, summary, err := b.grants.Create(ctx, commands, reason, source, acct.AccountID, ttlMinutes, allowRepeat)
	if err != nil {
		return nil, err
	}

	var grantable, individual, blocked []string
	for _, d := range g.Details {
		switch d.Category {
		case grant.CategoryGrantable:
			grantable = append(grantable, d.Command)
		case grant.CategoryIndividual:
			individual = append(individual, d.Command)
		default:
			blocked = append(blocked, d.Command)
		}
	}

	card := telegram.GrantCard{
		GrantID:     g.GrantID,
		Source:      source,
		AccountID:   acct.AccountID,
		Reason:      reason,
		TTLMinutes:  g.TTLMinutes,
		AllowRepeat: allowRepeat,
		Grantable:   grantable,
		Individual:  individual,
		Blocked:     blocked,
	}
	text, kb := card.Render()
	if _, err := b.chat.SendMessage(ctx, text, kb); err != nil {
		if derr := b.grants.Deny(ctx, g.GrantID, ""); derr != nil {
			b.log.Error("grant orphan cleanup failed", zap.String("grant_id", g.GrantID), zap.Error(derr))
		}
		return nil, fmt.Errorf("notification failed; grant request was not created: %w", err)
	}

	return &GrantOutcome{
		Status:  store.GrantPending,
		GrantID: g.GrantID,
		Summary: summary,
		Message: fmt.Sprintf("%d of %d command(s) grantable; waiting for approval", summary.Grantable, summary.Total),
	}, nil
}
