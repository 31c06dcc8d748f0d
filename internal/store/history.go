package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/bouncer/internal/sequence"
)

// historyTTL keeps the command trail as long as the request audit rows.
const historyTTL = AuditRetention

// RecordCommand appends one executed command to the trail. Implements
// sequence.History.
func (s *Store) RecordCommand(ctx context.Context, rec sequence.Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	ids, _ := json.Marshal(rec.ResourceIDs)
	_, err := s.exec(ctx, `INSERT INTO command_history (source, command, service, action, resource_ids, account_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Source, rec.Command, rec.Service, rec.Action, string(ids), rec.AccountID,
		formatTime(ts), formatTime(ts.Add(historyTTL)))
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// RecentCommands returns a source's trail since the given time, newest
// first. Implements sequence.History.
func (s *Store) RecentCommands(ctx context.Context, source string, since time.Time, limit int) ([]sequence.Record, error) {
	rows, err := s.query(ctx, `SELECT source, command, service, action, resource_ids, account_id, created_at
		FROM command_history WHERE source = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT ?`,
		source, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}
	defer rows.Close()

	var out []sequence.Record
	for rows.Next() {
		var rec sequence.Record
		var service, action, ids, accountID sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.Source, &rec.Command, &service, &action, &ids, &accountID, &createdAt); err != nil {
			return nil, err
		}
		rec.Service = service.String
		rec.Action = action.String
		rec.AccountID = accountID.String
		rec.Timestamp = parseTime(createdAt)
		_ = json.Unmarshal([]byte(ids.String), &rec.ResourceIDs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeHistory removes trail entries past their TTL.
func (s *Store) PurgeHistory(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM command_history WHERE expires_at < ?`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return res.RowsAffected()
}
