package batch

import (
	"context"

	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// Journal receives every priced batch. Implemented by quotelog.Journal.
type Journal interface {
	Record(sessionID string, quotes []types.PriceQuote) error
}

type Options struct {
	MaxConcurrency int
	// Journal is optional.
	Journal Journal
}

// Service composes the session provider, a market data backend and the pool.
type Service struct {
	sessions interfaces.SessionProvider
	md       interfaces.MarketData
	workers  int
	journal  Journal
}

func NewService(sessions interfaces.SessionProvider, md interfaces.MarketData, opts Options) *Service {
	workers := opts.MaxConcurrency
	if workers < 1 {
		workers = DefaultMaxConcurrency
	}
	return &Service{
		sessions: sessions,
		md:       md,
		workers:  workers,
		journal:  opts.Journal,
	}
}

// LivePrices acquires one session for the whole batch. An empty batch
// returns immediately without logging in.
func (s *Service) LivePrices(ctx context.Context, holdings []types.Holding) ([]types.PriceQuote, error) {
	if len(holdings) == 0 {
		return []types.PriceQuote{}, nil
	}

	op := logger.StartOperation(ctx, "batch.LivePrices", "count", len(holdings))
	ctx = op.GetContext()

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		op.EndWithError(err)
		return nil, err
	}

	quotes := FetchAll(ctx, s.md, sess, holdings, s.workers)

	failed, rejected := 0, 0
	for _, q := range quotes {
		if !q.OK() {
			failed++
		}
		if q.SessionRejected {
			rejected++
		}
	}
	op.End("failed", failed, "session_id", sess.ID)
	if rejected > 0 {
		s.invalidate(ctx, sess, "live prices", rejected)
	}

	if s.journal != nil {
		if err := s.journal.Record(sess.ID, quotes); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal live prices", err, "count", len(quotes))
		}
	}
	return quotes, nil
}

// Historical validates req before any login or upstream call.
func (s *Service) Historical(ctx context.Context, req types.HistoricalRequest) (types.CandleSeries, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	series, err := s.md.Historical(ctx, sess, req)
	if apperrors.Is(err, apperrors.ErrSessionRejected) {
		s.invalidate(ctx, sess, "historical", 1)
	}
	return series, err
}

// invalidate drops a session the upstream refused so the next request logs
// in again. Providers without a cache are left alone.
func (s *Service) invalidate(ctx context.Context, sess types.Session, op string, refusals int) {
	inv, ok := s.sessions.(interfaces.SessionInvalidator)
	if !ok {
		return
	}
	inv.Invalidate(sess)
	logger.Warn(ctx, "Upstream refused session token, dropped cached session",
		"session_id", sess.ID, "operation", op, "refusals", refusals)
}
