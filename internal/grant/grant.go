// Package grant implements batch pre-approval. An agent asks for a list of
// commands up front; each entry is prechecked and categorized, an approver
// activates the batch, and the agent then executes granted entries inside
// the window without a card per command.
package grant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/classify"
	"github.com/marcus-qen/bouncer/internal/compliance"
	"github.com/marcus-qen/bouncer/internal/risk"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/trust"
)

const (
	// MaxCommands caps one grant request.
	MaxCommands = 20
	// DefaultTTLMinutes is the active window when the request names none.
	DefaultTTLMinutes = 30
	// MaxTTLMinutes is the longest window an agent can ask for.
	MaxTTLMinutes = 60
	// ApprovalTimeout is how long a pending grant waits for a decision.
	ApprovalTimeout = 300 * time.Second
	// MaxTotalExecutions caps executions across the whole grant.
	MaxTotalExecutions = 50

	// dangerousRepeatLimit bounds repeats of dangerous entries even when the
	// grant allows repeats.
	dangerousRepeatLimit = 3

	// individualThreshold is the risk score at which an entry needs its own
	// approval card instead of riding the batch.
	individualThreshold = 66
)

// Precheck categories.
const (
	CategoryGrantable  = "grantable"
	CategoryIndividual = "requires_individual"
	CategoryBlocked    = "blocked"
)

// Approval modes.
const (
	ModeAll      = "all"
	ModeSafeOnly = "safe_only"
)

// Manager owns the grant lifecycle: precheck, approval, matching, usage.
type Manager struct {
	store   *store.Store
	checker *compliance.Checker
	scorer  *risk.Scorer
	log     *zap.Logger
	now     func() time.Time
}

// NewManager wires the grant lifecycle to the store and the precheck stack.
func NewManager(st *store.Store, checker *compliance.Checker, scorer *risk.Scorer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   st,
		checker: checker,
		scorer:  scorer,
		log:     logger.Named("grant"),
		now:     time.Now,
	}
}

// Summary counts the precheck outcome of a request.
type Summary struct {
	Total      int `json:"total"`
	Grantable  int `json:"grantable"`
	Individual int `json:"requires_individual"`
	Blocked    int `json:"blocked"`
}

// Create prechecks the requested commands and stores the grant as pending.
// The stored expiry is the approval deadline; the real window starts when
// the approver activates it.
func (m *Manager) Create(ctx context.Context, commands []string, reason, source, accountID string, ttlMinutes int, allowRepeat bool) (*store.GrantSession, Summary, error) {
	var summary Summary
	if len(commands) == 0 {
		return nil, summary, errors.New("commands must not be empty")
	}
	if len(commands) > MaxCommands {
		return nil, summary, fmt.Errorf("too many commands: %d (limit %d)", len(commands), MaxCommands)
	}
	if reason == "" {
		return nil, summary, errors.New("reason is required")
	}
	if source == "" {
		return nil, summary, errors.New("source is required")
	}
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	if ttlMinutes > MaxTTLMinutes {
		ttlMinutes = MaxTTLMinutes
	}

	details := make([]store.GrantCommand, 0, len(commands))
	summary.Total = len(commands)
	for _, cmd := range commands {
		d := m.precheck(cmd, reason, source, accountID)
		details = append(details, d)
		switch d.Category {
		case CategoryBlocked:
			summary.Blocked++
		case CategoryIndividual:
			summary.Individual++
		default:
			summary.Grantable++
		}
	}

	now := m.now().UTC()
	g := &store.GrantSession{
		GrantID:            newGrantID(),
		Source:             source,
		AccountID:          accountID,
		Status:             store.GrantPending,
		Reason:             reason,
		AllowRepeat:        allowRepeat,
		TTLMinutes:         ttlMinutes,
		Details:            details,
		MaxTotalExecutions: MaxTotalExecutions,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ApprovalTimeout),
	}
	if err := m.store.PutGrant(ctx, g); err != nil {
		return nil, summary, err
	}
	m.log.Info("grant requested",
		zap.String("grant_id", g.GrantID),
		zap.String("source", source),
		zap.Int("commands", summary.Total),
		zap.Int("blocked", summary.Blocked))
	return g, summary, nil
}

func newGrantID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "grant_" + hex.EncodeToString(buf)
}

// precheck classifies one command. Blocked entries can never be granted;
// high-risk and trust-excluded entries need their own card. Risk scoring
// failures fall open to grantable because the blocked and compliance gates
// have already run.
func (m *Manager) precheck(command, reason, source, accountID string) store.GrantCommand {
	d := store.GrantCommand{
		Command:    command,
		Normalized: Normalize(command),
		Category:   CategoryGrantable,
	}

	if m.checker != nil {
		if v := m.checker.Check(command); v != nil {
			d.Category = CategoryBlocked
			d.BlockReason = "compliance violation: " + v.RuleName
			return d
		}
	}
	if blocked, why := classify.IsBlocked(command); blocked {
		d.Category = CategoryBlocked
		d.BlockReason = "blocked: " + why
		return d
	}
	if trust.IsExcluded(command) {
		d.Category = CategoryIndividual
		d.BlockReason = "high-risk command needs individual approval"
		return d
	}
	if m.scorer != nil {
		result := m.scorer.Evaluate(command, reason, source, accountID)
		d.RiskScore = result.Score
		if result.Score >= individualThreshold {
			d.Category = CategoryIndividual
			d.BlockReason = fmt.Sprintf("risk score %d >= %d", result.Score, individualThreshold)
		}
	}
	return d
}

// Approve activates a pending grant. ModeAll grants everything that was not
// blocked outright; ModeSafeOnly grants only the clean entries. The active
// window starts now.
func (m *Manager) Approve(ctx context.Context, grantID, approver, mode string) (*store.GrantSession, error) {
	if mode != ModeSafeOnly {
		mode = ModeAll
	}
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Status != store.GrantPending {
		return nil, store.ErrConflict
	}

	var granted []string
	for _, d := range g.Details {
		switch {
		case d.Category == CategoryGrantable:
			granted = append(granted, d.Normalized)
		case d.Category == CategoryIndividual && mode == ModeAll:
			granted = append(granted, d.Normalized)
		}
	}

	expiresAt := m.now().UTC().Add(time.Duration(g.TTLMinutes) * time.Minute)
	if err := m.store.ApproveGrant(ctx, grantID, approver, mode, granted, expiresAt); err != nil {
		return nil, err
	}
	m.log.Info("grant approved",
		zap.String("grant_id", grantID),
		zap.String("mode", mode),
		zap.Int("granted", len(granted)))
	return m.store.GetGrant(ctx, grantID)
}

// Deny rejects a pending grant.
func (m *Manager) Deny(ctx context.Context, grantID, approver string) error {
	return m.store.TransitionGrant(ctx, grantID, store.GrantPending, store.GrantDenied, approver)
}

// Revoke ends an active grant early.
func (m *Manager) Revoke(ctx context.Context, grantID string) error {
	err := m.store.TransitionGrant(ctx, grantID, store.GrantActive, store.GrantRevoked, "")
	if err == nil {
		m.log.Info("grant revoked", zap.String("grant_id", grantID))
	}
	return err
}

// Covers reports whether a grant's entry list covers the normalized command,
// exact entries first, then patterns.
func Covers(g *store.GrantSession, normalized string) bool {
	for _, entry := range g.Granted {
		if entry == normalized {
			return true
		}
	}
	for _, entry := range g.Granted {
		if IsPattern(entry) && MatchPattern(entry, normalized) {
			return true
		}
	}
	return false
}

// ShouldApprove looks for an active grant covering the command and, when one
// matches, atomically consumes a use. Dangerous entries stay capped at three
// repeats no matter what the grant allows.
func (m *Manager) ShouldApprove(ctx context.Context, command, source, accountID string) (bool, *store.GrantSession, string) {
	normalized := Normalize(command)
	grants, err := m.store.FindActiveGrants(ctx, source, accountID)
	if err != nil {
		m.log.Warn("grant lookup failed", zap.Error(err))
		return false, nil, "grant lookup failed"
	}

	for i := range grants {
		g := &grants[i]
		if !Covers(g, normalized) {
			continue
		}
		perEntryMax := 0
		if g.AllowRepeat && classify.IsDangerous(command) {
			perEntryMax = dangerousRepeatLimit
		}
		err := m.store.TryUseGrant(ctx, g.GrantID, normalized, g.AllowRepeat, perEntryMax)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrExpired) {
			continue
		}
		if err != nil {
			m.log.Warn("grant use failed", zap.String("grant_id", g.GrantID), zap.Error(err))
			continue
		}
		return true, g, fmt.Sprintf("covered by grant %s", g.GrantID)
	}
	return false, nil, "no active grant covers this command"
}

// ShouldApproveNamed consumes a use from one specific grant. Used when the
// agent names the grant it wants to spend; other grants are not consulted,
// so a miss falls through to the normal pipeline.
func (m *Manager) ShouldApproveNamed(ctx context.Context, grantID, command, source, accountID string) (bool, *store.GrantSession, string) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return false, nil, "grant not found"
	}
	if g.Source != source || g.AccountID != accountID {
		return false, nil, "grant does not belong to this source and account"
	}
	if g.Status != store.GrantActive {
		return false, nil, "grant is " + g.Status
	}

	normalized := Normalize(command)
	if !Covers(g, normalized) {
		return false, nil, "grant does not cover this command"
	}
	perEntryMax := 0
	if g.AllowRepeat && classify.IsDangerous(command) {
		perEntryMax = dangerousRepeatLimit
	}
	if err := m.store.TryUseGrant(ctx, g.GrantID, normalized, g.AllowRepeat, perEntryMax); err != nil {
		return false, nil, "grant use unavailable"
	}
	return true, g, fmt.Sprintf("covered by grant %s", g.GrantID)
}

// Status is the agent-facing view of one grant.
type Status struct {
	GrantID            string `json:"grant_id"`
	Status             string `json:"status"`
	GrantedCount       int    `json:"granted_count"`
	UsedCount          int    `json:"used_count"`
	TotalExecutions    int    `json:"total_executions"`
	MaxTotalExecutions int    `json:"max_total_executions"`
	RemainingSeconds   int    `json:"remaining_seconds"`
	AllowRepeat        bool   `json:"allow_repeat"`
}

// GetStatus returns the status view. The source must match the one that
// created the grant; anything else reads as not found.
func (m *Manager) GetStatus(ctx context.Context, grantID, source string) (*Status, error) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Source != source {
		return nil, store.ErrNotFound
	}

	status := g.Status
	remaining := 0
	if !g.ExpiresAt.IsZero() {
		if d := g.ExpiresAt.Sub(m.now().UTC()); d > 0 {
			remaining = int(d.Seconds())
		}
	}
	if status == store.GrantActive && remaining == 0 {
		status = "expired"
	}
	return &Status{
		GrantID:            g.GrantID,
		Status:             status,
		GrantedCount:       len(g.Granted),
		UsedCount:          len(g.Used),
		TotalExecutions:    g.TotalExecutions,
		MaxTotalExecutions: g.MaxTotalExecutions,
		RemainingSeconds:   remaining,
		AllowRepeat:        g.AllowRepeat,
	}, nil
}
