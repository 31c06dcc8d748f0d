// Package paging splits long command output into retrievable pages. Short
// output goes back inline; anything bigger returns its first chunk with a
// cursor, and the rest waits in the store under a one-hour TTL.
package paging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/store"
)

const (
	// MaxInline is the largest output returned without paging.
	MaxInline = 3500
	// PageSize is the chunk length in runes.
	PageSize = 3000
	// PageTTL is how long stored pages stay retrievable.
	PageTTL = 3600 * time.Second
)

// Paged is the caller-facing shape of stored output: either the whole thing
// inline, or the first page plus a cursor.
type Paged struct {
	Paged        bool   `json:"paged"`
	Result       string `json:"result"`
	Page         int    `json:"page,omitempty"`
	TotalPages   int    `json:"total_pages,omitempty"`
	OutputLength int    `json:"output_length,omitempty"`
	NextPage     string `json:"next_page,omitempty"`
}

// Pager stores and serves output pages.
type Pager struct {
	store *store.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewPager wires the pager to the store.
func NewPager(st *store.Store, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{store: st, log: logger.Named("paging"), now: time.Now}
}

// PageID names one page of one request's output.
func PageID(requestID string, page int) string {
	return fmt.Sprintf("%s:page:%d", requestID, page)
}

// Store keeps the output retrievable. Output at or under the inline limit
// comes straight back; longer output is chunked, pages two onward are
// persisted, and the first chunk returns with the cursor for page two.
func (p *Pager) Store(ctx context.Context, requestID, output string) (Paged, error) {
	if len(output) <= MaxInline {
		return Paged{Result: output}, nil
	}

	chunks := splitRunes(output, PageSize)
	total := len(chunks)
	expires := p.now().UTC().Add(PageTTL)

	for i := 1; i < total; i++ {
		page := &store.OutputPage{
			PageID:     PageID(requestID, i+1),
			RequestID:  requestID,
			PageNum:    i + 1,
			TotalPages: total,
			Content:    chunks[i],
			ExpiresAt:  expires,
		}
		if err := p.store.PutPage(ctx, page); err != nil {
			return Paged{}, fmt.Errorf("store page %d: %w", i+1, err)
		}
	}

	p.log.Info("output paged",
		zap.String("request_id", requestID),
		zap.Int("total_pages", total),
		zap.Int("output_length", len(output)))

	out := Paged{
		Paged:        true,
		Result:       chunks[0],
		Page:         1,
		TotalPages:   total,
		OutputLength: len(output),
	}
	if total > 1 {
		out.NextPage = PageID(requestID, 2)
	}
	return out, nil
}

// Get retrieves one stored page by its id. store.ErrNotFound and
// store.ErrExpired pass through so the caller can distinguish a bad cursor
// from a stale one.
func (p *Pager) Get(ctx context.Context, pageID string) (Paged, error) {
	page, err := p.store.GetPage(ctx, pageID)
	if err != nil {
		return Paged{}, err
	}
	out := Paged{
		Paged:      true,
		Result:     page.Content,
		Page:       page.PageNum,
		TotalPages: page.TotalPages,
	}
	if page.PageNum < page.TotalPages {
		out.NextPage = PageID(page.RequestID, page.PageNum+1)
	}
	return out, nil
}

// Remaining returns pages two onward for a request, in order, skipping any
// that already expired. Used to push the rest of a long output to the
// approver chat without another round trip.
func (p *Pager) Remaining(ctx context.Context, requestID string, totalPages int) ([]store.OutputPage, error) {
	var out []store.OutputPage
	for n := 2; n <= totalPages; n++ {
		page, err := p.store.GetPage(ctx, PageID(requestID, n))
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, *page)
	}
	return out, nil
}

// splitRunes chunks on rune boundaries so a multibyte character never tears
// across pages.
func splitRunes(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
