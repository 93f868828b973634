package angelone

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartapi-gateway/internal/api"
	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/types"
)

var (
	session = types.Session{ID: "s-1", AccessToken: "jwt-token"}
	infy    = types.Holding{Symbol: "INFY-EQ", Token: "1594", Exchange: "NSE"}
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New(Config{
		BaseURL:        srv.URL,
		LoginPath:      "/login",
		LTPPath:        "/ltp",
		HistoricalPath: "/candles",
		APIKey:         "private-key",
		SourceID:       "WEB",
		ClientLocalIP:  "127.0.0.1",
		ClientPublicIP: "127.0.0.1",
		MACAddress:     "00:00:00:00:00:00",
		UserType:       "USER",
		Timeout:        2 * time.Second,
		Retry:          api.RetryConfig{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})
}

func TestLTPRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ltp", r.URL.Path)
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))
		assert.Equal(t, "private-key", r.Header.Get("X-PrivateKey"))
		assert.Equal(t, "WEB", r.Header.Get("X-SourceID"))
		assert.Equal(t, "00:00:00:00:00:00", r.Header.Get("X-MACAddress"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"exchange": "NSE", "tradingsymbol": "INFY-EQ", "symboltoken": "1594"}, body)

		_, _ = w.Write([]byte(`{"data":{"ltp":101.5,"change":1.2,"percentchange":1.2,"last_traded_time":"2024-07-01 10:00"}}`))
	})

	q := c.LTP(context.Background(), session, infy)

	require.True(t, q.OK(), "unexpected error: %s", q.Error)
	assert.Equal(t, "INFY-EQ", q.Symbol)
	assert.Equal(t, types.LTP{LastPrice: 101.5, Change: 1.2, PercentChange: 1.2, LastTradedTime: "2024-07-01 10:00"}, *q.LTP)
}

func TestLTPWithoutData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"no data key", `{"status":true}`, "No data in response"},
		{"null data", `{"status":true,"data":null}`, "No data in response"},
		{"upstream message", `{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`, "Invalid Token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})

			q := c.LTP(context.Background(), session, infy)

			assert.False(t, q.OK())
			assert.Nil(t, q.LTP)
			assert.Equal(t, tt.want, q.Error)
		})
	}
}

func TestLTPNon2xxCarriesStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Access denied because of exceeding access rate"}`))
	})

	q := c.LTP(context.Background(), session, infy)
	assert.Equal(t, "403: Access denied because of exceeding access rate", q.Error)
	assert.False(t, q.SessionRejected, "rate limiting is not a token refusal")
}

func TestLTPFlagsRefusedToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid Token"}`},
		{"forbidden", http.StatusForbidden, `{"message":"Invalid Token","errorcode":"AG8001"}`},
		{"ok with token errorcode", http.StatusOK, `{"status":false,"message":"Token Expired","errorcode":"AG8002","data":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			q := c.LTP(context.Background(), session, infy)

			assert.False(t, q.OK())
			assert.True(t, q.SessionRejected, q.Error)
		})
	}
}

func TestLTPOtherFailuresKeepSession(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid symboltoken","errorcode":"AB1018","data":null}`))
	})

	q := c.LTP(context.Background(), session, infy)

	assert.Equal(t, "Invalid symboltoken", q.Error)
	assert.False(t, q.SessionRejected)
}

func TestLTPRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"ltp":50}}`))
	})

	q := c.LTP(context.Background(), session, infy)

	require.True(t, q.OK(), q.Error)
	assert.Equal(t, 50.0, q.LTP.LastPrice)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLTPTransportFailureIsData(t *testing.T) {
	t.Parallel()

	c := New(Config{BaseURL: "http://127.0.0.1:1", LTPPath: "/ltp", Timeout: time.Second})
	q := c.LTP(context.Background(), session, infy)

	assert.False(t, q.OK())
	assert.NotEmpty(t, q.Error)
}

func TestLTPMalformedBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})

	q := c.LTP(context.Background(), session, infy)
	assert.False(t, q.OK())
	assert.NotEmpty(t, q.Error)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	creds := types.Credentials{APIKey: "private-key", ClientID: "C123", PIN: "1234", TOTPSecret: "seed"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"clientcode": "C123", "password": "1234", "totp": "123456"}, body)

		_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","data":{"jwtToken":"Bearer.jwt","refreshToken":"r","feedToken":"f"}}`))
	})

	tokens, err := c.Login(context.Background(), creds, "123456")
	require.NoError(t, err)
	assert.Equal(t, types.LoginTokens{JWTToken: "Bearer.jwt", RefreshToken: "r", FeedToken: "f"}, tokens)
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid totp","errorcode":"AB1050","data":null}`))
	})

	_, err := c.Login(context.Background(), types.Credentials{ClientID: "C123"}, "000000")

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))
	assert.Contains(t, err.Error(), "Invalid totp")
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoginIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Login(context.Background(), types.Credentials{}, "000000")

	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHistoricalPassesBodyThrough(t *testing.T) {
	t.Parallel()

	const payload = `{"status":true,"message":"SUCCESS","errorcode":"","data":[["2024-07-01T09:15:00+05:30",1590.0,1600.5,1585.0,1598.2,120345]]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/candles", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, HistoricalExchange, body["exchange"])
		assert.Equal(t, "ONE_DAY", body["interval"])
		assert.Equal(t, "2024-07-01 09:15", body["fromdate"])
		_, _ = w.Write([]byte(payload))
	})

	out, err := c.Historical(context.Background(), session, types.HistoricalRequest{
		SymbolToken: "1594", Interval: types.OneDay, FromDate: "2024-07-01 09:15", ToDate: "2024-07-15 15:30",
	})

	require.NoError(t, err)
	assert.Equal(t, payload, string(out))
}

func TestHistoricalUpstreamFailure(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid interval"}`))
	})

	_, err := c.Historical(context.Background(), session, types.HistoricalRequest{SymbolToken: "1", Interval: types.OneDay})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstream))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.False(t, apperrors.Is(err, apperrors.ErrSessionRejected))
}

func TestHistoricalRefusedToken(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid Token","errorcode":"AG8001"}`))
	})

	_, err := c.Historical(context.Background(), session, types.HistoricalRequest{SymbolToken: "1", Interval: types.OneDay})

	assert.True(t, apperrors.Is(err, apperrors.ErrUpstream))
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionRejected))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.Status)
}
