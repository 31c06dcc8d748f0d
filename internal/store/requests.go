package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request lifecycle statuses. Terminal statuses never transition again.
const (
	StatusPendingApproval      = "pending_approval"
	StatusApproved             = "approved"
	StatusDenied               = "denied"
	StatusAutoApproved         = "auto_approved"
	StatusTrustAutoApproved    = "trust_auto_approved"
	StatusGrantAutoApproved    = "grant_auto_approved"
	StatusBlocked              = "blocked"
	StatusComplianceViolation  = "compliance_violation"
	StatusRateLimited          = "rate_limited"
	StatusPendingLimitExceeded = "pending_limit_exceeded"
	StatusFailed               = "failed"
	StatusTimeout              = "timeout"
	StatusURLIssued            = "url_issued"
	StatusVerified             = "verified"
	StatusIncomplete           = "incomplete"
)

// AuditRetention is how long decided rows stay queryable for history and
// stats before the purge sweep removes them.
const AuditRetention = 30 * 24 * time.Hour

// Request types beyond plain command execution.
const (
	TypeCommand       = "command"
	TypeAccountAdd    = "account_add"
	TypeAccountRemove = "account_remove"
	TypeUpload        = "upload"
	TypePresign       = "presign"
	TypeConfirm       = "confirm"
)

// Request is one brokered operation: a command, an account change, or an
// upload. Non-command types carry their specifics in Payload.
type Request struct {
	RequestID      string
	Type           string
	Command        string
	Source         string
	AccountID      string
	Reason         string
	Status         string
	Result         string
	DisplaySummary string
	Payload        string
	RiskScore      int
	RiskDecision   string
	Paged          bool
	TotalPages     int
	OutputLength   int
	Approver       string
	ApprovedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

const requestColumns = `request_id, type, command, source, account_id, reason, status, result,
	display_summary, payload, risk_score, risk_decision, paged, total_pages, output_length,
	approver, approved_at, created_at, updated_at, expires_at`

// PutRequest inserts a new request. CreatedAt/UpdatedAt are stamped when
// zero.
func (s *Store) PutRequest(ctx context.Context, r *Request) error {
	if r.RequestID == "" {
		return errors.New("request id required")
	}
	if r.Type == "" {
		r.Type = TypeCommand
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	var approvedAt, expiresAt any
	if !r.ApprovedAt.IsZero() {
		approvedAt = formatTime(r.ApprovedAt)
	}
	if !r.ExpiresAt.IsZero() {
		expiresAt = formatTime(r.ExpiresAt)
	}
	_, err := s.exec(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Type, r.Command, r.Source, r.AccountID, r.Reason, r.Status,
		nullable(r.Result), nullable(r.DisplaySummary), nullable(r.Payload),
		r.RiskScore, nullable(r.RiskDecision), boolInt(r.Paged), r.TotalPages,
		r.OutputLength, nullable(r.Approver), approvedAt,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), expiresAt)
	if err != nil {
		return fmt.Errorf("put request %s: %w", r.RequestID, err)
	}
	return nil
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.queryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE request_id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

// TransitionRequest moves a request from one status to another. It fails
// with ErrConflict when the request is no longer in the expected status, so
// double-taps on an approval card are benign.
func (s *Store) TransitionRequest(ctx context.Context, id, fromStatus, toStatus string) error {
	res, err := s.exec(ctx, `UPDATE requests SET status = ?, updated_at = ?
		WHERE request_id = ? AND status = ?`,
		toStatus, formatTime(s.now()), id, fromStatus)
	if err != nil {
		return fmt.Errorf("transition request %s: %w", id, err)
	}
	return s.conflictUnlessUpdated(ctx, res, id)
}

// ResolveRequest records the approver's decision plus the execution outcome
// in one conditional write.
type Resolution struct {
	Status       string
	Result       string
	Approver     string
	Paged        bool
	TotalPages   int
	OutputLength int
}

// ResolveRequest finalizes a pending request. Only the first resolution
// wins; later ones get ErrConflict. The approval deadline in expires_at is
// replaced with the audit retention ttl so decided rows outlive the window.
func (s *Store) ResolveRequest(ctx context.Context, id string, res Resolution) error {
	now := s.now().UTC()
	result, err := s.exec(ctx, `UPDATE requests SET status = ?, result = ?, approver = ?,
		approved_at = ?, paged = ?, total_pages = ?, output_length = ?, updated_at = ?,
		expires_at = ?
		WHERE request_id = ? AND status = ?`,
		res.Status, nullable(res.Result), nullable(res.Approver), formatTime(now),
		boolInt(res.Paged), res.TotalPages, res.OutputLength, formatTime(now),
		formatTime(now.Add(AuditRetention)),
		id, StatusPendingApproval)
	if err != nil {
		return fmt.Errorf("resolve request %s: %w", id, err)
	}
	return s.conflictUnlessUpdated(ctx, result, id)
}

// UpdateRequestResult stores execution output on an already-decided request.
func (s *Store) UpdateRequestResult(ctx context.Context, id, result string, paged bool, totalPages, outputLength int) error {
	res, err := s.exec(ctx, `UPDATE requests SET result = ?, paged = ?, total_pages = ?,
		output_length = ?, updated_at = ? WHERE request_id = ?`,
		nullable(result), boolInt(paged), totalPages, outputLength, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update request result %s: %w", id, err)
	}
	return s.conflictUnlessUpdated(ctx, res, id)
}

func (s *Store) conflictUnlessUpdated(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetRequest(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ExpirePendingRequests marks every pending request whose approval window
// has passed as timed out. Timeout is terminal; the conditional status match
// keeps a concurrent approval from being overwritten. Timed-out rows get the
// audit retention ttl like every other decided row.
func (s *Store) ExpirePendingRequests(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	res, err := s.exec(ctx, `UPDATE requests SET status = ?, updated_at = ?, expires_at = ?
		WHERE status = ? AND expires_at < ?`,
		StatusTimeout, formatTime(now), formatTime(now.Add(AuditRetention)),
		StatusPendingApproval, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire pending requests: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRequest removes a request outright. Used for orphan cleanup when the
// approval prompt could not be delivered.
func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM requests WHERE request_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete request %s: %w", id, err)
	}
	return nil
}

// CountRequestsSince counts decided-or-pending requests from a source in the
// window, for rate limiting.
func (s *Store) CountRequestsSince(ctx context.Context, source string, since time.Time, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, errors.New("statuses required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []any{source, formatTime(since)}
	for _, st := range statuses {
		args = append(args, st)
	}
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM requests
		WHERE source = ? AND created_at >= ? AND status IN (`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return count, nil
}

// CountPending counts a source's requests still waiting for a decision.
func (s *Store) CountPending(ctx context.Context, source string) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM requests
		WHERE source = ? AND status = ?`, source, StatusPendingApproval).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// ListPending returns every request awaiting a decision, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	rows, err := s.query(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = ? ORDER BY created_at ASC`, StatusPendingApproval)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectRequests(rows)
}

// HistoryFilter narrows History queries. Zero values mean "any".
type HistoryFilter struct {
	Source    string
	AccountID string
	Status    string
	Since     time.Time
	Limit     int
}

// History returns requests matching the filter, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []any
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return collectRequests(rows)
}

// StatusCounts aggregates request counts by status since the given time.
func (s *Store) StatusCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM requests
		WHERE created_at >= ? GROUP BY status`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PurgeRequests deletes requests whose TTL has passed and returns the count.
func (s *Store) PurgeRequests(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM requests WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	return res.RowsAffected()
}

func collectRequests(rows *sql.Rows) ([]Request, error) {
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(scanner rowScanner) (*Request, error) {
	var r Request
	var result, displaySummary, payload, riskDecision, approver sql.NullString
	var command, source, accountID, reason sql.NullString
	var approvedAt, expiresAt sql.NullString
	var createdAt, updatedAt string
	var paged int

	err := scanner.Scan(&r.RequestID, &r.Type, &command, &source, &accountID, &reason,
		&r.Status, &result, &displaySummary, &payload, &r.RiskScore, &riskDecision,
		&paged, &r.TotalPages, &r.OutputLength, &approver, &approvedAt,
		&createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	r.Command = command.String
	r.Source = source.String
	r.AccountID = accountID.String
	r.Reason = reason.String
	r.Result = result.String
	r.DisplaySummary = displaySummary.String
	r.Payload = payload.String
	r.RiskDecision = riskDecision.String
	r.Approver = approver.String
	r.Paged = paged != 0
	r.ApprovedAt = parseTime(approvedAt.String)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ExpiresAt = parseTime(expiresAt.String)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
