package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/server"
	"smartapi-gateway/internal/types"
)

type fakeGateway struct {
	quotes   []types.PriceQuote
	series   types.CandleSeries
	err      error
	calls    int
	holdings []types.Holding
}

func (f *fakeGateway) LivePrices(_ context.Context, hs []types.Holding) ([]types.PriceQuote, error) {
	f.calls++
	f.holdings = hs
	if f.err != nil {
		return nil, f.err
	}
	if f.quotes == nil {
		return []types.PriceQuote{}, nil
	}
	return f.quotes, nil
}

func (f *fakeGateway) Historical(_ context.Context, req types.HistoricalRequest) (types.CandleSeries, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.series, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{}).Handler()

	for _, path := range []string{"/", "/health"} {
		rec := serve(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","message":"Angel One API is running."}`, rec.Body.String())
	}
}

func TestLivePrices(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{quotes: []types.PriceQuote{
		types.Quote("INFY-EQ", types.LTP{LastPrice: 1500.5, Change: 10, PercentChange: 0.67, LastTradedTime: "15-Jul-2024 15:29:59"}),
		types.QuoteError("BAD-EQ", "403: Invalid Token"),
	}}
	h := server.New(gw, server.Config{}).Handler()

	rec := serve(t, h, http.MethodPost, "/live-prices",
		`[{"symbol":"INFY-EQ","token":"1594","exchange":"NSE"},{"symbol":"BAD-EQ","token":"1","exchange":"NSE"}]`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"live_prices":[
		{"symbol":"INFY-EQ","price":1500.5,"change":10,"percent_change":0.67,"last_traded_time":"15-Jul-2024 15:29:59"},
		{"symbol":"BAD-EQ","error":"403: Invalid Token"}
	]}`, rec.Body.String())
	require.Len(t, gw.holdings, 2)
	assert.Equal(t, "1594", gw.holdings[0].Token)
}

func TestLivePricesEmptyArray(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{}).Handler()

	rec := serve(t, h, http.MethodPost, "/live-prices", `[]`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"live_prices":[]}`, rec.Body.String())
}

func TestLivePricesRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"null", `null`, "JSON array"},
		{"object", `{"symbol":"X"}`, "invalid JSON"},
		{"empty", ``, "empty"},
		{"missing token", `[{"symbol":"INFY-EQ","exchange":"NSE"}]`, "[0]token: required"},
		{"over limit", `[{"symbol":"A","token":"1","exchange":"NSE"},{"symbol":"B","token":"2","exchange":"NSE"},{"symbol":"C","token":"3","exchange":"NSE"}]`, "at most 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gw := &fakeGateway{}
			h := server.New(gw, server.Config{MaxBatch: 2}).Handler()

			rec := serve(t, h, http.MethodPost, "/live-prices", tt.body)

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Contains(t, detail(t, rec), tt.want)
			assert.Zero(t, gw.calls)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"auth", apperrors.Auth("Invalid totp", nil), http.StatusServiceUnavailable, "Login failed"},
		{"config", apperrors.Config("missing TOTP_SECRET"), http.StatusInternalServerError, "Login failed"},
		{"upstream", apperrors.Upstream("bad gateway", 502, nil), http.StatusBadGateway, "Failed to fetch historical data"},
		{"validation", apperrors.Validation("fromdate must not be after todate"), http.StatusUnprocessableEntity, "fromdate must not be after todate"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "Upstream timed out"},
		{"unknown", assert.AnError, http.StatusInternalServerError, "Internal server error"},
	}

	body := `{"symboltoken":"1594","interval":"ONE_DAY","fromdate":"2024-07-01 09:15","todate":"2024-07-15 15:30"}`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := server.New(&fakeGateway{err: tt.err}, server.Config{}).Handler()

			rec := serve(t, h, http.MethodPost, "/historical-data", body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.detail, detail(t, rec))
		})
	}
}

func TestLivePricesLoginFailure(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{err: apperrors.Auth("Invalid totp", nil)}, server.Config{}).Handler()

	rec := serve(t, h, http.MethodPost, "/live-prices", `[{"symbol":"A","token":"1","exchange":"NSE"}]`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Login failed", detail(t, rec))
}

func TestHistoricalPassesBodyThrough(t *testing.T) {
	t.Parallel()

	raw := `{"status":true,"message":"SUCCESS","errorcode":"","data":[["2024-07-01T09:15:00+05:30",1500,1510,1495,1505.5,120000]]}`
	h := server.New(&fakeGateway{series: types.CandleSeries(raw)}, server.Config{}).Handler()

	rec := serve(t, h, http.MethodPost, "/historical-data",
		`{"symboltoken":"1594","interval":"ONE_DAY","fromdate":"2024-07-01 09:15","todate":"2024-07-15 15:30"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, raw, rec.Body.String())
}

func TestHistoricalRequiresFields(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	h := server.New(gw, server.Config{}).Handler()

	rec := serve(t, h, http.MethodPost, "/historical-data", `{"symboltoken":"1594","interval":"ONE_DAY"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	d := detail(t, rec)
	assert.Contains(t, d, "fromdate: required")
	assert.Contains(t, d, "todate: required")
	assert.Zero(t, gw.calls)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{MaxBodyBytes: 16}).Handler()

	rec := serve(t, h, http.MethodPost, "/live-prices", `[{"symbol":"INFY-EQ","token":"1594","exchange":"NSE"}]`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, detail(t, rec), "exceeds 16 bytes")
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{CORSOrigins: []string{"https://app.example.com"}}).Handler()

	t.Run("preflight allowed", func(t *testing.T) {
		rec := serve(t, h, http.MethodOptions, "/live-prices", "",
			"Origin", "https://app.example.com",
			"Access-Control-Request-Method", "POST",
			"Access-Control-Request-Headers", "Content-Type")

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("simple request allowed", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/health", "", "Origin", "https://app.example.com")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/health", "", "Origin", "https://evil.example.com")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRateLimitPerIP(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{RatePerSecond: 0.001, RateBurst: 2, TrustProxy: true}).Handler()
	post := func(ip string) int {
		return serve(t, h, http.MethodPost, "/live-prices", `[]`, "X-Real-IP", ip).Code
	}

	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.2"))

	// health is outside the limited group
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health", "", "X-Real-IP", "10.0.0.1").Code)
}

func TestRateLimitIgnoresForwardedForUnlessTrusted(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{RatePerSecond: 0.001, RateBurst: 2}).Handler()
	post := func(forwarded string) int {
		return serve(t, h, http.MethodPost, "/live-prices", `[]`, "X-Forwarded-For", forwarded).Code
	}

	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.2"))
	assert.Equal(t, http.StatusTooManyRequests, post("10.0.0.3"), "rotating the header must not reset the bucket")
}

func TestNegativeRateDisablesLimiter(t *testing.T) {
	t.Parallel()

	h := server.New(&fakeGateway{}, server.Config{RatePerSecond: -1, RateBurst: 1}).Handler()

	for range 5 {
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/live-prices", `[]`).Code)
	}
}
