// Package batch prices many holdings against one session and serves the
// single-instrument historical lookup.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// DefaultMaxConcurrency caps in-flight upstream calls per batch.
const DefaultMaxConcurrency = 4

// FetchAll prices every holding and returns the quotes in input order.
// It never fails: each holding's failure lands in its own quote.
func FetchAll(ctx context.Context, md interfaces.MarketData, s types.Session, holdings []types.Holding, workers int) []types.PriceQuote {
	out := make([]types.PriceQuote, len(holdings))
	if len(holdings) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, h := range holdings {
		g.Go(func() error {
			out[i] = fetchOne(ctx, md, s, h)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func fetchOne(ctx context.Context, md interfaces.MarketData, s types.Session, h types.Holding) (q types.PriceQuote) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Recovered panic while pricing holding", "symbol", h.Symbol, "panic", fmt.Sprint(r))
			q = types.QuoteError(h.Symbol, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return types.QuoteError(h.Symbol, err.Error())
	}
	q = md.LTP(ctx, s, h)
	// backends must name the holding they priced
	q.Symbol = h.Symbol
	if !q.OK() {
		rejected := q.SessionRejected
		q = types.QuoteError(h.Symbol, q.Error)
		q.SessionRejected = rejected
	}
	return q
}
