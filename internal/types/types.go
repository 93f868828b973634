package types

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "smartapi-gateway/internal/errors"
)

// DateLayout is the "YYYY-MM-DD HH:MM" format the historical endpoint speaks.
const DateLayout = "2006-01-02 15:04"

// Credentials are the four secrets a TOTP login needs. Opaque to the core.
type Credentials struct {
	APIKey     string
	ClientID   string
	PIN        string
	TOTPSecret string
}

// Missing returns the names of empty fields, in a stable order.
func (c Credentials) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "API_KEY")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if strings.TrimSpace(c.PIN) == "" {
		missing = append(missing, "MPIN")
	}
	if strings.TrimSpace(c.TOTPSecret) == "" {
		missing = append(missing, "TOTP_SECRET")
	}
	return missing
}

// Session is an authenticated token set. Only the session manager creates or replaces it.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	IssuedAt     time.Time
	// ExpiresAt is zero when the session is not cached.
	ExpiresAt time.Time
}

// Usable reports whether a cached session can still be handed out at now,
// keeping margin in reserve for the request that will use it.
func (s Session) Usable(now time.Time, margin time.Duration) bool {
	if s.AccessToken == "" || s.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(s.ExpiresAt)
}

// Holding is one caller-supplied instrument of a live-price batch.
type Holding struct {
	Symbol   string `json:"symbol" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Exchange string `json:"exchange" validate:"required"`
}

// LTP is the success payload of a live-price lookup.
type LTP struct {
	LastPrice      float64
	Change         float64
	PercentChange  float64
	LastTradedTime string
}

// PriceQuote is the per-holding batch result: exactly one of LTP or Error is set.
type PriceQuote struct {
	Symbol string
	LTP    *LTP
	Error  string
	// SessionRejected is set on error quotes when the upstream refused the
	// session token itself. Never serialized.
	SessionRejected bool
}

// Quote builds a successful PriceQuote.
func Quote(symbol string, ltp LTP) PriceQuote {
	return PriceQuote{Symbol: symbol, LTP: &ltp}
}

// QuoteError builds an error-shaped PriceQuote. An empty message is replaced
// so the error shape is never ambiguous.
func QuoteError(symbol, msg string) PriceQuote {
	if strings.TrimSpace(msg) == "" {
		msg = "unknown error"
	}
	return PriceQuote{Symbol: symbol, Error: msg}
}

// Rejected marks an error quote as a refusal of the session token.
func (q PriceQuote) Rejected() PriceQuote {
	q.SessionRejected = true
	return q
}

// OK reports whether q is the success shape.
func (q PriceQuote) OK() bool {
	return q.LTP != nil && q.Error == ""
}

type quoteOK struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	Change         float64 `json:"change"`
	PercentChange  float64 `json:"percent_change"`
	LastTradedTime string  `json:"last_traded_time"`
}

type quoteErr struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// MarshalJSON emits either the price shape or the error shape, never both.
func (q PriceQuote) MarshalJSON() ([]byte, error) {
	if !q.OK() {
		return json.Marshal(quoteErr{Symbol: q.Symbol, Error: q.Error})
	}
	return json.Marshal(quoteOK{
		Symbol:         q.Symbol,
		Price:          q.LTP.LastPrice,
		Change:         q.LTP.Change,
		PercentChange:  q.LTP.PercentChange,
		LastTradedTime: q.LTP.LastTradedTime,
	})
}

// UnmarshalJSON accepts either shape.
func (q *PriceQuote) UnmarshalJSON(b []byte) error {
	var raw struct {
		quoteOK
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Error != nil {
		*q = QuoteError(raw.Symbol, *raw.Error)
		return nil
	}
	*q = Quote(raw.Symbol, LTP{
		LastPrice:      raw.Price,
		Change:         raw.Change,
		PercentChange:  raw.PercentChange,
		LastTradedTime: raw.LastTradedTime,
	})
	return nil
}

// Interval is a candle width understood by the historical endpoint.
type Interval string

const (
	OneMinute     Interval = "ONE_MINUTE"
	ThreeMinute   Interval = "THREE_MINUTE"
	FiveMinute    Interval = "FIVE_MINUTE"
	TenMinute     Interval = "TEN_MINUTE"
	FifteenMinute Interval = "FIFTEEN_MINUTE"
	ThirtyMinute  Interval = "THIRTY_MINUTE"
	OneHour       Interval = "ONE_HOUR"
	OneDay        Interval = "ONE_DAY"
)

// Intervals lists every supported interval, narrowest first.
var Intervals = []Interval{
	OneMinute, ThreeMinute, FiveMinute, TenMinute,
	FifteenMinute, ThirtyMinute, OneHour, OneDay,
}

// Valid reports whether i is one of Intervals.
func (i Interval) Valid() bool {
	for _, known := range Intervals {
		if i == known {
			return true
		}
	}
	return false
}

// HistoricalRequest asks for the candles of one instrument between two timestamps.
type HistoricalRequest struct {
	SymbolToken string   `json:"symboltoken" validate:"required"`
	Interval    Interval `json:"interval" validate:"required"`
	FromDate    string   `json:"fromdate" validate:"required"`
	ToDate      string   `json:"todate" validate:"required"`
}

// Range parses FromDate and ToDate.
func (r HistoricalRequest) Range() (from, to time.Time, err error) {
	from, err = time.Parse(DateLayout, r.FromDate)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Validation("fromdate %q must use layout YYYY-MM-DD HH:MM", r.FromDate)
	}
	to, err = time.Parse(DateLayout, r.ToDate)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Validation("todate %q must use layout YYYY-MM-DD HH:MM", r.ToDate)
	}
	return from, to, nil
}

// Validate rejects requests that cannot be sent upstream.
func (r HistoricalRequest) Validate() error {
	if strings.TrimSpace(r.SymbolToken) == "" {
		return apperrors.Validation("symboltoken is required")
	}
	if !r.Interval.Valid() {
		return apperrors.Validation("unknown interval %q", string(r.Interval))
	}
	from, to, err := r.Range()
	if err != nil {
		return err
	}
	if from.After(to) {
		return apperrors.Validation("fromdate %s is after todate %s", r.FromDate, r.ToDate)
	}
	return nil
}

// CandleSeries is the upstream candle payload, passed through verbatim.
type CandleSeries = json.RawMessage

// String renders an interval for logs.
func (i Interval) String() string { return string(i) }

// LoginTokens is what a successful login exchange yields.
type LoginTokens struct {
	JWTToken     string
	RefreshToken string
	FeedToken    string
}
