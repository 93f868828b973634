package interfaces

import (
	"context"

	"smartapi-gateway/internal/types"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_broker.go -source=broker.go

// MarketData is a broker backend able to price holdings and return candles.
type MarketData interface {
	// LTP never fails: every failure mode is returned as an error-shaped quote.
	LTP(ctx context.Context, session types.Session, holding types.Holding) types.PriceQuote
	// Historical returns the upstream candle payload unmodified.
	Historical(ctx context.Context, session types.Session, req types.HistoricalRequest) (types.CandleSeries, error)
}

// SessionProvider hands out a session usable for upstream calls.
type SessionProvider interface {
	Acquire(ctx context.Context) (types.Session, error)
}

// SessionInvalidator is implemented by providers that cache sessions. The
// caller reports a session the upstream refused.
type SessionInvalidator interface {
	Invalidate(session types.Session)
}

// Authenticator performs the broker login exchange.
type Authenticator interface {
	Login(ctx context.Context, creds types.Credentials, totp string) (types.LoginTokens, error)
}
