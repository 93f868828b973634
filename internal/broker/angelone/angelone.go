// Package angelone talks to the Angel One SmartAPI REST endpoints: the
// password+TOTP login, single-instrument LTP and historical candles.
package angelone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"smartapi-gateway/internal/api"
	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// HistoricalExchange is sent with every candle request. Callers cannot
// choose the exchange for historical data.
const HistoricalExchange = "NSE"

const noDataMessage = "No data in response"

// Config holds the static identification and endpoint settings.
type Config struct {
	BaseURL        string
	LoginPath      string
	LTPPath        string
	HistoricalPath string

	APIKey         string
	SourceID       string
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
	UserType       string

	Timeout       time.Duration
	RatePerSecond float64
	RateBurst     int
	Retry         api.RetryConfig
}

type Client struct {
	http  *api.Client
	cfg   Config
	retry *api.RetryConfig
}

var (
	_ interfaces.MarketData    = (*Client)(nil)
	_ interfaces.Authenticator = (*Client)(nil)
)

// New builds a client. Extra options are applied after the configured ones.
func New(cfg Config, opts ...api.ClientOption) *Client {
	base := []api.ClientOption{
		api.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		api.WithTimeout(cfg.Timeout),
		api.WithRateLimit(cfg.RatePerSecond, cfg.RateBurst),
		api.WithLogging(true),
		api.WithHeader("X-PrivateKey", cfg.APIKey),
		api.WithHeader("X-SourceID", cfg.SourceID),
		api.WithHeader("X-ClientLocalIP", cfg.ClientLocalIP),
		api.WithHeader("X-ClientPublicIP", cfg.ClientPublicIP),
		api.WithHeader("X-MACAddress", cfg.MACAddress),
		api.WithHeader("X-UserType", cfg.UserType),
		api.WithHeader("Accept", "application/json"),
		api.WithHeader("Content-Type", "application/json"),
	}
	retry := cfg.Retry
	return &Client{
		http:  api.NewClient(append(base, opts...)...),
		cfg:   cfg,
		retry: &retry,
	}
}

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) hasData() bool {
	d := strings.TrimSpace(string(e.Data))
	return d != "" && d != "null"
}

type loginRequest struct {
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type loginData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Login exchanges the client code, PIN and current TOTP for session tokens.
// It is attempted exactly once.
func (c *Client) Login(ctx context.Context, creds types.Credentials, totp string) (types.LoginTokens, error) {
	start := time.Now()
	resp, err := c.http.POST(ctx, c.cfg.LoginPath, loginRequest{
		ClientCode: creds.ClientID,
		Password:   creds.PIN,
		TOTP:       totp,
	}, map[string]string{"X-PrivateKey": creds.APIKey})
	logger.Upstream(ctx, "login", "", statusOf(resp, err), time.Since(start))
	if err != nil {
		return types.LoginTokens{}, apperrors.Auth("login request failed", err)
	}

	var env envelope
	if err := resp.ParseJSON(&env); err != nil {
		return types.LoginTokens{}, apperrors.Auth("login response unreadable", err)
	}
	if !env.Status || !env.hasData() {
		msg := "login rejected"
		if env.Message != "" {
			msg = fmt.Sprintf("login rejected: %s", env.Message)
		}
		if env.ErrorCode != "" {
			msg = fmt.Sprintf("%s (%s)", msg, env.ErrorCode)
		}
		return types.LoginTokens{}, apperrors.Auth(msg, nil)
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return types.LoginTokens{}, apperrors.Auth("login response unreadable", err)
	}
	return types.LoginTokens{
		JWTToken:     data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}, nil
}

type ltpRequest struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

type ltpData struct {
	LTP            float64 `json:"ltp"`
	Change         float64 `json:"change"`
	PercentChange  float64 `json:"percentchange"`
	LastTradedTime string  `json:"last_traded_time"`
}

// LTP prices one holding. Every failure is folded into the returned quote.
func (c *Client) LTP(ctx context.Context, s types.Session, h types.Holding) types.PriceQuote {
	req := api.NewRequest(http.MethodPost, c.cfg.LTPPath).
		WithContext(ctx).
		WithBody(ltpRequest{Exchange: h.Exchange, TradingSymbol: h.Symbol, SymbolToken: h.Token}).
		WithHeader("Authorization", "Bearer "+s.AccessToken)

	start := time.Now()
	resp, err := c.http.DoWithRetry(req, c.retry)
	logger.Upstream(ctx, "ltp", h.Symbol, statusOf(resp, err), time.Since(start))

	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			return failedQuote(h.Symbol, se.StatusCode, se.Body)
		}
		return types.QuoteError(h.Symbol, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failedQuote(h.Symbol, resp.StatusCode, resp.Body)
	}

	var env envelope
	if err := resp.ParseJSON(&env); err != nil {
		return types.QuoteError(h.Symbol, err.Error())
	}
	if !env.hasData() {
		msg := env.Message
		if msg == "" {
			msg = noDataMessage
		}
		q := types.QuoteError(h.Symbol, msg)
		if sessionRejected(resp.StatusCode, env.ErrorCode, env.Message) {
			q = q.Rejected()
		}
		return q
	}

	var data ltpData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return types.QuoteError(h.Symbol, fmt.Sprintf("failed to parse ltp data: %v", err))
	}
	return types.Quote(h.Symbol, types.LTP{
		LastPrice:      data.LTP,
		Change:         data.Change,
		PercentChange:  data.PercentChange,
		LastTradedTime: data.LastTradedTime,
	})
}

type historicalRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

// Historical returns the candle payload exactly as the upstream sent it.
func (c *Client) Historical(ctx context.Context, s types.Session, r types.HistoricalRequest) (types.CandleSeries, error) {
	req := api.NewRequest(http.MethodPost, c.cfg.HistoricalPath).
		WithContext(ctx).
		WithBody(historicalRequest{
			Exchange:    HistoricalExchange,
			SymbolToken: r.SymbolToken,
			Interval:    r.Interval.String(),
			FromDate:    r.FromDate,
			ToDate:      r.ToDate,
		}).
		WithHeader("Authorization", "Bearer "+s.AccessToken)

	start := time.Now()
	resp, err := c.http.DoWithRetry(req, c.retry)
	status := statusOf(resp, err)
	logger.Upstream(ctx, "historical", r.SymbolToken, status, time.Since(start), "interval", r.Interval)

	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			return nil, historicalError(se.StatusCode, se.Body, err)
		}
		return nil, apperrors.Upstream("historical request failed", status, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, historicalError(resp.StatusCode, resp.Body, nil)
	}
	if !json.Valid(resp.Body) {
		return nil, apperrors.Upstream("historical response is not JSON", status, nil)
	}
	return types.CandleSeries(resp.Body), nil
}

func statusOf(resp *api.Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	return api.StatusOf(err)
}

// sessionErrorCodes are the SmartAPI codes for a refused or expired JWT.
var sessionErrorCodes = map[string]bool{
	"AG8001": true, // Invalid Token
	"AG8002": true, // Token Expired
	"AG8003": true, // Token missing
}

// sessionRejected reports whether the upstream refused the bearer token rather
// than the request. SmartAPI also answers 403 when the access rate is exceeded.
func sessionRejected(status int, code, message string) bool {
	if sessionErrorCodes[strings.ToUpper(code)] {
		return true
	}
	switch status {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return !strings.Contains(strings.ToLower(message), "access rate")
	}
	return false
}

// failedQuote renders a non-2xx LTP answer as "<status>: <message>".
func failedQuote(symbol string, status int, body []byte) types.PriceQuote {
	msg, code := upstreamError(status, body)
	q := types.QuoteError(symbol, fmt.Sprintf("%d: %s", status, msg))
	if sessionRejected(status, code, msg) {
		q = q.Rejected()
	}
	return q
}

func historicalError(status int, body []byte, cause error) error {
	msg, code := upstreamError(status, body)
	text := fmt.Sprintf("historical request returned %d", status)
	if sessionRejected(status, code, msg) {
		return apperrors.Rejected(text, status, cause)
	}
	return apperrors.Upstream(text, status, cause)
}

// upstreamError prefers the JSON "message" field, then the raw body. code is
// the SmartAPI errorcode, if any.
func upstreamError(status int, body []byte) (msg, code string) {
	var env envelope
	if json.Unmarshal(body, &env) == nil {
		code = env.ErrorCode
		if env.Message != "" {
			return env.Message, code
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text, code
	}
	return http.StatusText(status), code
}
