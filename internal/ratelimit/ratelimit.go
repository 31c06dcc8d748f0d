// Package ratelimit bounds how fast one source can push approval requests
// at a human. Two caps apply: requests that reached the approver inside a
// sliding window, and requests still waiting for a decision.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/store"
)

const (
	// Window is the sliding window for the request cap.
	Window = 60 * time.Second
	// MaxRequests caps approval requests per window per source.
	MaxRequests = 5
	// MaxPending caps undecided requests per source.
	MaxPending = 10

	anonymousSource = "__anonymous__"
)

// ErrRateLimited means the source sent too many approval requests in the
// window.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrPendingLimit means the source has too many undecided requests.
var ErrPendingLimit = errors.New("pending limit exceeded")

// countedStatuses are the request outcomes that count toward the window:
// anything that reached the approver. Auto-approvals are free.
var countedStatuses = []string{
	store.StatusPendingApproval,
	store.StatusApproved,
	store.StatusDenied,
}

// Limiter checks both caps against the store.
type Limiter struct {
	store   *store.Store
	log     *zap.Logger
	enabled bool
	now     func() time.Time
}

// NewLimiter wires the limiter to the store. Disabled limiters allow
// everything.
func NewLimiter(st *store.Store, enabled bool, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:   st,
		log:     logger.Named("ratelimit"),
		enabled: enabled,
		now:     time.Now,
	}
}

// Check returns ErrRateLimited or ErrPendingLimit when the source is over a
// cap, wrapped with the observed counts. Store failures fail open: a broken
// counter must not lock every agent out.
func (l *Limiter) Check(ctx context.Context, source string) error {
	if !l.enabled {
		return nil
	}
	if source == "" {
		source = anonymousSource
	}

	since := l.now().UTC().Add(-Window)
	recent, err := l.store.CountRequestsSince(ctx, source, since, countedStatuses)
	if err != nil {
		l.log.Warn("rate limit count failed, allowing", zap.Error(err))
		return nil
	}
	if recent >= MaxRequests {
		return fmt.Errorf("%w: %d/%d requests in last %s", ErrRateLimited, recent, MaxRequests, Window)
	}

	pending, err := l.store.CountPending(ctx, source)
	if err != nil {
		l.log.Warn("pending count failed, allowing", zap.Error(err))
		return nil
	}
	if pending >= MaxPending {
		return fmt.Errorf("%w: %d/%d pending requests", ErrPendingLimit, pending, MaxPending)
	}
	return nil
}
