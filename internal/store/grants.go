package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Grant statuses. A grant starts pending, turns active when approved, and
// carries its own expiry from that point.
const (
	GrantPending = "pending_approval"
	GrantActive  = "active"
	GrantDenied  = "denied"
	GrantRevoked = "revoked"
)

// GrantCommand is one prechecked entry in a grant request. Category is
// grantable, requires_individual or blocked.
type GrantCommand struct {
	Command     string `json:"command"`
	Normalized  string `json:"normalized"`
	Category    string `json:"category"`
	RiskScore   int    `json:"risk_score"`
	BlockReason string `json:"block_reason,omitempty"`
}

// GrantSession pre-approves a bounded list of commands or patterns for one
// source on one account. Granted holds the normalized entries that actually
// cleared approval; Used tracks per-entry execution counts against the total
// budget.
type GrantSession struct {
	GrantID            string
	Source             string
	AccountID          string
	Status             string
	Reason             string
	Approver           string
	Mode               string
	AllowRepeat        bool
	TTLMinutes         int
	Details            []GrantCommand
	Granted            []string
	Used               map[string]int
	TotalExecutions    int
	MaxTotalExecutions int
	CreatedAt          time.Time
	ApprovedAt         time.Time
	ExpiresAt          time.Time
}

const grantColumns = `grant_id, source, account_id, status, reason, approver, mode, allow_repeat,
	ttl_minutes, details, granted, used, total_executions, max_total_executions,
	created_at, approved_at, expires_at`

// PutGrant inserts a grant session.
func (s *Store) PutGrant(ctx context.Context, g *GrantSession) error {
	if g.GrantID == "" {
		return errors.New("grant id required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now().UTC()
	}
	if g.Used == nil {
		g.Used = map[string]int{}
	}
	details, _ := json.Marshal(g.Details)
	granted, _ := json.Marshal(g.Granted)
	used, _ := json.Marshal(g.Used)

	var approvedAt any
	if !g.ApprovedAt.IsZero() {
		approvedAt = formatTime(g.ApprovedAt)
	}
	_, err := s.exec(ctx, `INSERT INTO grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GrantID, g.Source, g.AccountID, g.Status, nullable(g.Reason),
		nullable(g.Approver), nullable(g.Mode), boolInt(g.AllowRepeat),
		g.TTLMinutes, string(details), string(granted), string(used),
		g.TotalExecutions, g.MaxTotalExecutions,
		formatTime(g.CreatedAt), approvedAt, formatTime(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put grant %s: %w", g.GrantID, err)
	}
	return nil
}

// GetGrant fetches one grant by id.
func (s *Store) GetGrant(ctx context.Context, id string) (*GrantSession, error) {
	row := s.queryRow(ctx, `SELECT `+grantColumns+` FROM grants WHERE grant_id = ?`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant %s: %w", id, err)
	}
	return g, nil
}

// ApproveGrant activates a pending grant with the granted entry list and a
// fresh expiry. The pending precondition makes a card tapped twice resolve
// once; the loser sees ErrConflict.
func (s *Store) ApproveGrant(ctx context.Context, id, approver, mode string, granted []string, expiresAt time.Time) error {
	grantedJSON, _ := json.Marshal(granted)
	now := s.now().UTC()
	res, err := s.exec(ctx, `UPDATE grants
		SET status = ?, approver = ?, mode = ?, granted = ?, approved_at = ?, expires_at = ?
		WHERE grant_id = ? AND status = ?`,
		GrantActive, nullable(approver), nullable(mode), string(grantedJSON),
		formatTime(now), formatTime(expiresAt), id, GrantPending)
	if err != nil {
		return fmt.Errorf("approve grant %s: %w", id, err)
	}
	return s.conflictUnlessGrantUpdated(ctx, res, id)
}

// TransitionGrant moves a grant between statuses with a precondition.
func (s *Store) TransitionGrant(ctx context.Context, id, fromStatus, toStatus, approver string) error {
	res, err := s.exec(ctx, `UPDATE grants SET status = ?, approver = ?
		WHERE grant_id = ? AND status = ?`,
		toStatus, nullable(approver), id, fromStatus)
	if err != nil {
		return fmt.Errorf("transition grant %s: %w", id, err)
	}
	return s.conflictUnlessGrantUpdated(ctx, res, id)
}

func (s *Store) conflictUnlessGrantUpdated(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetGrant(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// FindActiveGrants returns active, unexpired grants for a scope, newest
// first.
func (s *Store) FindActiveGrants(ctx context.Context, source, accountID string) ([]GrantSession, error) {
	rows, err := s.query(ctx, `SELECT `+grantColumns+` FROM grants
		WHERE source = ? AND account_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC`,
		source, accountID, GrantActive, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("find active grants: %w", err)
	}
	defer rows.Close()

	var out []GrantSession
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// TryUseGrant atomically records one use of a granted entry. When
// allowRepeat is false a second use of the same entry fails; perEntryMax
// caps repeats when repeats are allowed (0 means no per-entry cap). The
// total-execution budget always applies. The usage map is swapped with an
// optimistic compare so two concurrent executions of the last allowed use
// cannot both win; the loser gets ErrConflict. ErrExpired when the grant's
// window has passed.
func (s *Store) TryUseGrant(ctx context.Context, grantID, entry string, allowRepeat bool, perEntryMax int) error {
	for attempt := 0; attempt < 3; attempt++ {
		g, err := s.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if g.Status != GrantActive {
			return ErrConflict
		}
		if !g.ExpiresAt.After(s.now().UTC()) {
			return ErrExpired
		}
		if g.TotalExecutions >= g.MaxTotalExecutions {
			return ErrConflict
		}
		if !allowRepeat && g.Used[entry] > 0 {
			return ErrConflict
		}
		if perEntryMax > 0 && g.Used[entry] >= perEntryMax {
			return ErrConflict
		}

		oldUsed, _ := json.Marshal(g.Used)
		g.Used[entry]++
		newUsed, _ := json.Marshal(g.Used)

		res, err := s.exec(ctx, `UPDATE grants
			SET used = ?, total_executions = total_executions + 1
			WHERE grant_id = ? AND used = ? AND status = ?
			AND total_executions < max_total_executions`,
			string(newUsed), grantID, string(oldUsed), GrantActive)
		if err != nil {
			return fmt.Errorf("use grant %s: %w", grantID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			return nil
		}
		// lost the swap; re-read and retry
	}
	return ErrConflict
}

// PurgeGrants removes expired, denied and revoked grants.
func (s *Store) PurgeGrants(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM grants WHERE expires_at < ? OR status IN (?, ?)`,
		formatTime(s.now()), GrantDenied, GrantRevoked)
	if err != nil {
		return 0, fmt.Errorf("purge grants: %w", err)
	}
	return res.RowsAffected()
}

func scanGrant(scanner rowScanner) (*GrantSession, error) {
	var g GrantSession
	var reason, approver, mode, approvedAt sql.NullString
	var allowRepeat int
	var details, granted, used string
	var createdAt, expiresAt string
	err := scanner.Scan(&g.GrantID, &g.Source, &g.AccountID, &g.Status, &reason,
		&approver, &mode, &allowRepeat, &g.TTLMinutes, &details, &granted, &used,
		&g.TotalExecutions, &g.MaxTotalExecutions, &createdAt, &approvedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	g.Reason = reason.String
	g.Approver = approver.String
	g.Mode = mode.String
	g.AllowRepeat = allowRepeat != 0
	g.CreatedAt = parseTime(createdAt)
	g.ApprovedAt = parseTime(approvedAt.String)
	g.ExpiresAt = parseTime(expiresAt)
	_ = json.Unmarshal([]byte(details), &g.Details)
	_ = json.Unmarshal([]byte(granted), &g.Granted)
	if err := json.Unmarshal([]byte(used), &g.Used); err != nil || g.Used == nil {
		g.Used = map[string]int{}
	}
	return &g, nil
}
