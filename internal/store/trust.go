package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TrustSession lets one trust scope keep executing on one account without a
// card per command, until the window closes or a budget runs out. Uploads
// ride the same session under their own quota.
type TrustSession struct {
	TrustID      string
	TrustScope   string
	Source       string
	AccountID    string
	ApprovedBy   string
	CommandCount int
	MaxCommands  int
	UploadCount  int
	MaxUploads   int
	UploadBytes  int64
	Revoked      bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

const trustColumns = `trust_id, trust_scope, source, account_id, approved_by, command_count,
	max_commands, upload_count, max_uploads, upload_bytes, revoked, created_at, expires_at`

// PutTrustSession inserts or replaces a trust session. Re-granting trust for
// the same scope resets the window and counters.
func (s *Store) PutTrustSession(ctx context.Context, t *TrustSession) error {
	if t.TrustID == "" {
		return errors.New("trust id required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `DELETE FROM trust_sessions WHERE trust_id = ?`, t.TrustID)
	if err != nil {
		return fmt.Errorf("put trust session %s: %w", t.TrustID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO trust_sessions (`+trustColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TrustID, t.TrustScope, t.Source, t.AccountID, nullable(t.ApprovedBy),
		t.CommandCount, t.MaxCommands, t.UploadCount, t.MaxUploads, t.UploadBytes,
		boolInt(t.Revoked), formatTime(t.CreatedAt), formatTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put trust session %s: %w", t.TrustID, err)
	}
	return nil
}

// GetTrustSession fetches one session by id. Expired or revoked sessions are
// still returned; liveness is the caller's question.
func (s *Store) GetTrustSession(ctx context.Context, id string) (*TrustSession, error) {
	row := s.queryRow(ctx, `SELECT `+trustColumns+` FROM trust_sessions WHERE trust_id = ?`, id)
	t, err := scanTrust(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust session %s: %w", id, err)
	}
	return t, nil
}

// FindLiveTrustSession returns the session for an id only when it is
// unrevoked, unexpired and under its command budget.
func (s *Store) FindLiveTrustSession(ctx context.Context, id string) (*TrustSession, error) {
	row := s.queryRow(ctx, `SELECT `+trustColumns+` FROM trust_sessions
		WHERE trust_id = ? AND revoked = 0 AND expires_at > ?
		AND command_count < max_commands`,
		id, formatTime(s.now()))
	t, err := scanTrust(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trust session %s: %w", id, err)
	}
	return t, nil
}

// ConsumeTrust atomically takes one command slot from a session. ErrExpired
// when the window passed, ErrConflict when the budget is gone or the session
// was revoked meanwhile.
func (s *Store) ConsumeTrust(ctx context.Context, trustID string) (*TrustSession, error) {
	res, err := s.exec(ctx, `UPDATE trust_sessions
		SET command_count = command_count + 1
		WHERE trust_id = ? AND revoked = 0 AND expires_at > ?
		AND command_count < max_commands`,
		trustID, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("consume trust %s: %w", trustID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		t, getErr := s.GetTrustSession(ctx, trustID)
		if getErr != nil {
			return nil, getErr
		}
		if !t.ExpiresAt.After(s.now().UTC()) {
			return nil, ErrExpired
		}
		return nil, ErrConflict
	}
	return s.GetTrustSession(ctx, trustID)
}

// ConsumeTrustUpload atomically takes one upload slot plus its byte count.
// The quota and the running byte total are both enforced in the condition.
func (s *Store) ConsumeTrustUpload(ctx context.Context, trustID string, size, maxTotalBytes int64) error {
	res, err := s.exec(ctx, `UPDATE trust_sessions
		SET upload_count = upload_count + 1, upload_bytes = upload_bytes + ?
		WHERE trust_id = ? AND revoked = 0 AND expires_at > ?
		AND upload_count < max_uploads AND upload_bytes + ? <= ?`,
		size, trustID, formatTime(s.now()), size, maxTotalBytes)
	if err != nil {
		return fmt.Errorf("consume trust upload %s: %w", trustID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		t, getErr := s.GetTrustSession(ctx, trustID)
		if getErr != nil {
			return getErr
		}
		if !t.ExpiresAt.After(s.now().UTC()) {
			return ErrExpired
		}
		return ErrConflict
	}
	return nil
}

// RevokeTrust marks a session revoked. Revoking twice is not an error.
func (s *Store) RevokeTrust(ctx context.Context, trustID string) error {
	res, err := s.exec(ctx, `UPDATE trust_sessions SET revoked = 1 WHERE trust_id = ?`, trustID)
	if err != nil {
		return fmt.Errorf("revoke trust %s: %w", trustID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveTrustSessions returns live sessions, newest first. Source may be
// empty to list every scope.
func (s *Store) ListActiveTrustSessions(ctx context.Context, source string) ([]TrustSession, error) {
	query := `SELECT ` + trustColumns + ` FROM trust_sessions
		WHERE revoked = 0 AND expires_at > ? AND command_count < max_commands`
	args := []any{formatTime(s.now())}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trust sessions: %w", err)
	}
	defer rows.Close()

	var out []TrustSession
	for rows.Next() {
		t, err := scanTrust(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// PurgeTrustSessions removes expired or revoked sessions.
func (s *Store) PurgeTrustSessions(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM trust_sessions WHERE expires_at < ? OR revoked = 1`,
		formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge trust sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanTrust(scanner rowScanner) (*TrustSession, error) {
	var t TrustSession
	var approvedBy sql.NullString
	var revoked int
	var createdAt, expiresAt string
	err := scanner.Scan(&t.TrustID, &t.TrustScope, &t.Source, &t.AccountID, &approvedBy,
		&t.CommandCount, &t.MaxCommands, &t.UploadCount, &t.MaxUploads, &t.UploadBytes,
		&revoked, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	t.ApprovedBy = approvedBy.String
	t.Revoked = revoked != 0
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	return &t, nil
}
