package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// Refresher is satisfied by *Manager.
type Refresher interface {
	Refresh(ctx context.Context) (types.Session, error)
}

// Warmer refreshes the cached session on a cron schedule so the first
// request of the trading day does not pay for a login.
type Warmer struct {
	cron    *cron.Cron
	target  Refresher
	timeout time.Duration
}

// NewWarmer registers spec (six fields, seconds first) against target.
func NewWarmer(target Refresher, spec string, timeout time.Duration) (*Warmer, error) {
	w := &Warmer{
		cron:    cron.New(cron.WithSeconds()),
		target:  target,
		timeout: timeout,
	}
	if _, err := w.cron.AddFunc(spec, w.warm); err != nil {
		return nil, fmt.Errorf("register session refresh %q: %w", spec, err)
	}
	return w, nil
}

func (w *Warmer) warm() {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	s, err := w.target.Refresh(ctx)
	if err != nil {
		logger.ErrorWithErr(ctx, "Scheduled session refresh failed", err)
		return
	}
	logger.Info(ctx, "Scheduled session refresh", "session_id", s.ID, "expires_at", s.ExpiresAt)
}

func (w *Warmer) Start() {
	w.cron.Start()
	logger.Info(context.Background(), "Session warmer started")
}

// Stop waits for a running refresh to finish or ctx to end.
func (w *Warmer) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	logger.Info(ctx, "Session warmer stopped")
}
