package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutputPage is one stored chunk of a long command output. Pages expire; an
// expired page reads as ErrExpired so the caller can explain the miss.
type OutputPage struct {
	PageID     string
	RequestID  string
	PageNum    int
	TotalPages int
	Content    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// PutPage stores one output page.
func (s *Store) PutPage(ctx context.Context, p *OutputPage) error {
	if p.PageID == "" {
		return errors.New("page id required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO output_pages (page_id, request_id, page_num, total_pages, content, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PageID, p.RequestID, p.PageNum, p.TotalPages, p.Content, formatTime(p.CreatedAt), formatTime(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put page %s: %w", p.PageID, err)
	}
	return nil
}

// GetPage fetches a page by id. ErrExpired when the TTL has passed but the
// reaper has not collected it yet.
func (s *Store) GetPage(ctx context.Context, pageID string) (*OutputPage, error) {
	var p OutputPage
	var createdAt, expiresAt string
	err := s.queryRow(ctx, `SELECT page_id, request_id, page_num, total_pages, content, created_at, expires_at
		FROM output_pages WHERE page_id = ?`, pageID).
		Scan(&p.PageID, &p.RequestID, &p.PageNum, &p.TotalPages, &p.Content, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.ExpiresAt = parseTime(expiresAt)
	if !p.ExpiresAt.After(s.now().UTC()) {
		return nil, ErrExpired
	}
	return &p, nil
}

// PurgePages removes expired pages.
func (s *Store) PurgePages(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM output_pages WHERE expires_at < ?`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge pages: %w", err)
	}
	return res.RowsAffected()
}
