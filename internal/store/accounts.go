package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is an AWS account the broker may execute against, via its
// assume-role ARN.
type Account struct {
	AccountID string
	Name      string
	RoleArn   string
	Enabled   bool
	AddedBy   string
	CreatedAt time.Time
}

const accountColumns = `account_id, name, role_arn, enabled, added_by, created_at`

// PutAccount inserts or replaces an account entry.
func (s *Store) PutAccount(ctx context.Context, a *Account) error {
	if a.AccountID == "" {
		return errors.New("account id required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `DELETE FROM accounts WHERE account_id = ?`, a.AccountID)
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.AccountID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.AccountID, a.Name, a.RoleArn, boolInt(a.Enabled), nullable(a.AddedBy),
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.AccountID, err)
	}
	return nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns every registered account, oldest first.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAccount removes an account. ErrNotFound when it never existed.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM accounts WHERE account_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
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

func scanAccount(scanner rowScanner) (*Account, error) {
	var a Account
	var enabled int
	var addedBy sql.NullString
	var createdAt string
	err := scanner.Scan(&a.AccountID, &a.Name, &a.RoleArn, &enabled, &addedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	a.AddedBy = addedBy.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
