package brokerobs

import (
	"context"

	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/trace"
	"smartapi-gateway/internal/types"
)

// observableMarketData wraps a MarketData backend with observability (logging & tracing)
type observableMarketData struct {
	md interfaces.MarketData
}

// Compile-time interface check
var _ interfaces.MarketData = (*observableMarketData)(nil)

// Wrap wraps a market data backend with observability middleware
func Wrap(md interfaces.MarketData) interfaces.MarketData {
	return &observableMarketData{md: md}
}

// LTP prices one holding with observability. Error quotes are logged, not returned.
func (o *observableMarketData) LTP(ctx context.Context, s types.Session, h types.Holding) types.PriceQuote {
	ctx, span := trace.StartSpan(ctx, "broker.LTP")
	defer span.End()
	trace.SetAttributes(span, "symbol", h.Symbol, "exchange", h.Exchange, "session_id", s.ID)

	logger.DebugSkip(ctx, 1, "Fetching LTP", "symbol", h.Symbol, "exchange", h.Exchange)

	q := o.md.LTP(ctx, s, h)
	if !q.OK() {
		trace.SetAttributes(span, "quote.error", q.Error)
		logger.WarnSkip(ctx, 1, "LTP unavailable", "symbol", h.Symbol, "error", q.Error)
		return q
	}

	logger.DebugSkip(ctx, 1, "LTP fetched successfully", "symbol", h.Symbol, "price", q.LTP.LastPrice)
	return q
}

// Historical fetches candles with observability
func (o *observableMarketData) Historical(ctx context.Context, s types.Session, r types.HistoricalRequest) (types.CandleSeries, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Historical")
	defer span.End()
	trace.SetAttributes(span, "symboltoken", r.SymbolToken, "interval", r.Interval.String(), "session_id", s.ID)

	logger.DebugSkip(ctx, 1, "Fetching historical candles",
		"symboltoken", r.SymbolToken,
		"interval", r.Interval,
		"from", r.FromDate,
		"to", r.ToDate,
	)

	series, err := o.md.Historical(ctx, s, r)
	if err != nil {
		trace.Fail(ctx, err)
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch historical candles", err, "symboltoken", r.SymbolToken)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Historical candles fetched successfully", "symboltoken", r.SymbolToken, "bytes", len(series))
	return series, nil
}
