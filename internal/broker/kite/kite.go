// Package kite serves live prices and candles from Zerodha Kite Connect,
// shaped so callers cannot tell it apart from the Angel One backend.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// Kite names for the gateway's interval enum.
var intervals = map[types.Interval]string{
	types.OneMinute:     "minute",
	types.ThreeMinute:   "3minute",
	types.FiveMinute:    "5minute",
	types.TenMinute:     "10minute",
	types.FifteenMinute: "15minute",
	types.ThirtyMinute:  "30minute",
	types.OneHour:       "60minute",
	types.OneDay:        "day",
}

// candleTimeLayout matches the timestamps Angel One puts in candle rows.
const candleTimeLayout = "2006-01-02T15:04:05-07:00"

type Params struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// HTTPClient is optional; Timeout applies only when it is nil.
	HTTPClient *http.Client
}

type Kite struct {
	params Params
	hc     *http.Client

	// A kiteconnect.Client reads its access token on every call, so a token
	// change gets a fresh client instead of mutating one that is in use.
	mu    sync.Mutex
	token string
	kc    *kiteconnect.Client
}

var _ interfaces.MarketData = (*Kite)(nil)

func New(p Params) *Kite {
	hc := p.HTTPClient
	if hc == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Kite{params: p, hc: hc}
}

// clientFor returns the client bound to s's token. Callers keep using the
// client they got even if another session replaces it.
func (k *Kite) clientFor(s types.Session) *kiteconnect.Client {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kc != nil && k.token == s.AccessToken {
		return k.kc
	}
	kc := kiteconnect.New(k.params.APIKey)
	if k.params.BaseURL != "" {
		kc.SetBaseURI(strings.TrimRight(k.params.BaseURL, "/"))
	}
	kc.SetHTTPClient(k.hc)
	kc.SetAccessToken(s.AccessToken)
	k.kc, k.token = kc, s.AccessToken
	return kc
}

// instrumentKey turns an Angel-style holding ("INFY-EQ" on "NSE") into the
// "NSE:INFY" form Kite expects.
func instrumentKey(h types.Holding) string {
	symbol := strings.ToUpper(strings.TrimSpace(h.Symbol))
	symbol = strings.TrimSuffix(symbol, "-EQ")
	return strings.ToUpper(strings.TrimSpace(h.Exchange)) + ":" + symbol
}

func (k *Kite) LTP(ctx context.Context, s types.Session, h types.Holding) types.PriceQuote {
	if err := ctx.Err(); err != nil {
		return types.QuoteError(h.Symbol, err.Error())
	}
	kc := k.clientFor(s)

	key := instrumentKey(h)
	start := time.Now()
	quotes, err := kc.GetQuote(key)
	logger.Upstream(ctx, "kite.quote", h.Symbol, statusOf(err), time.Since(start), "instrument", key)
	if err != nil {
		q := types.QuoteError(h.Symbol, describe(err))
		if tokenRefused(err) {
			q = q.Rejected()
		}
		return q
	}

	q, ok := quotes[key]
	if !ok {
		return types.QuoteError(h.Symbol, "No data in response")
	}

	change := q.NetChange
	if change == 0 && q.OHLC.Close > 0 {
		change = q.LastPrice - q.OHLC.Close
	}
	var pct float64
	if q.OHLC.Close > 0 {
		pct = change / q.OHLC.Close * 100
	}
	var traded string
	if !q.LastTradeTime.Time.IsZero() {
		traded = q.LastTradeTime.Time.Format(types.DateLayout)
	}

	return types.Quote(h.Symbol, types.LTP{
		LastPrice:      q.LastPrice,
		Change:         round2(change),
		PercentChange:  round2(pct),
		LastTradedTime: traded,
	})
}

type historicalEnvelope struct {
	Status    bool    `json:"status"`
	Message   string  `json:"message"`
	ErrorCode string  `json:"errorcode"`
	Data      [][]any `json:"data"`
}

// Historical fetches candles and re-encodes them in the Angel One layout.
func (k *Kite) Historical(ctx context.Context, s types.Session, r types.HistoricalRequest) (types.CandleSeries, error) {
	interval, ok := intervals[r.Interval]
	if !ok {
		return nil, apperrors.Validation("unknown interval %q", r.Interval.String())
	}
	token, err := strconv.Atoi(strings.TrimSpace(r.SymbolToken))
	if err != nil {
		return nil, apperrors.Validation("symboltoken %q must be a numeric instrument token", r.SymbolToken)
	}
	from, to, err := r.Range()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Upstream("historical request cancelled", 0, err)
	}
	kc := k.clientFor(s)

	start := time.Now()
	candles, err := kc.GetHistoricalData(token, interval, from, to, false, false)
	logger.Upstream(ctx, "kite.historical", r.SymbolToken, statusOf(err), time.Since(start), "interval", interval)
	if err != nil {
		if tokenRefused(err) {
			return nil, apperrors.Rejected("historical request failed", statusOf(err), err)
		}
		return nil, apperrors.Upstream("historical request failed", statusOf(err), err)
	}

	env := historicalEnvelope{Status: true, Message: "SUCCESS", Data: make([][]any, 0, len(candles))}
	for _, c := range candles {
		env.Data = append(env.Data, []any{
			c.Date.Time.Format(candleTimeLayout),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		})
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode candles: %w", err)
	}
	return types.CandleSeries(b), nil
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e kiteconnect.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// tokenRefused reports a TokenException: the access token expired or was revoked.
func tokenRefused(err error) bool {
	var e kiteconnect.Error
	return errors.As(err, &e) && e.ErrorType == "TokenException"
}

// describe renders Kite errors like the Angel One backend: "<status>: <message>".
func describe(err error) string {
	var e kiteconnect.Error
	if errors.As(err, &e) && e.Code != 0 {
		return fmt.Sprintf("%d: %s", e.Code, e.Message)
	}
	return err.Error()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
