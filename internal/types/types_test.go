package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "smartapi-gateway/internal/errors"
)

func TestCredentialsMissing(t *testing.T) {
	full := Credentials{APIKey: "k", ClientID: "c", PIN: "1234", TOTPSecret: "JBSWY3DPEHPK3PXP"}
	if m := full.Missing(); len(m) != 0 {
		t.Fatalf("expected no missing fields, got %v", m)
	}

	partial := full
	partial.PIN = "  "
	partial.TOTPSecret = ""
	m := partial.Missing()
	if len(m) != 2 || m[0] != "MPIN" || m[1] != "TOTP_SECRET" {
		t.Errorf("unexpected missing list: %v", m)
	}
}

func TestSessionUsable(t *testing.T) {
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	s := Session{AccessToken: "jwt", ExpiresAt: now.Add(time.Minute)}

	if !s.Usable(now, 30*time.Second) {
		t.Error("expected session to be usable with 60s left and 30s margin")
	}
	if s.Usable(now, 2*time.Minute) {
		t.Error("expected margin to disqualify the session")
	}
	if (Session{AccessToken: "jwt"}).Usable(now, 0) {
		t.Error("uncached session (zero expiry) must never be reused")
	}
}

func TestPriceQuoteShapes(t *testing.T) {
	ok := Quote("INFY-EQ", LTP{LastPrice: 101.5, Change: 1.2, PercentChange: 1.2, LastTradedTime: "2024-07-01 10:00"})
	b, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, has := fields["error"]; has {
		t.Errorf("success quote must not carry an error key: %s", b)
	}
	if fields["price"].(float64) != 101.5 {
		t.Errorf("price = %v", fields["price"])
	}

	bad := QuoteError("TCS-EQ", "")
	b, err = json.Marshal(bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	fields = nil
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(fields) != 2 || fields["error"] == "" {
		t.Errorf("error quote must be exactly {symbol, error} with a message: %s", b)
	}

	var back PriceQuote
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("decode error shape: %v", err)
	}
	if back.OK() || back.Symbol != "TCS-EQ" {
		t.Errorf("unexpected decode: %+v", back)
	}
}

func TestHistoricalRequestValidate(t *testing.T) {
	base := HistoricalRequest{
		SymbolToken: "3045",
		Interval:    OneDay,
		FromDate:    "2024-07-01 09:15",
		ToDate:      "2024-07-15 15:30",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*HistoricalRequest)
	}{
		{"from after to", func(r *HistoricalRequest) { r.FromDate, r.ToDate = r.ToDate, r.FromDate }},
		{"unknown interval", func(r *HistoricalRequest) { r.Interval = "TWO_DAY" }},
		{"bad date layout", func(r *HistoricalRequest) { r.FromDate = "2024-07-01" }},
		{"missing token", func(r *HistoricalRequest) { r.SymbolToken = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			err := req.Validate()
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEqualDatesAreAccepted(t *testing.T) {
	req := HistoricalRequest{SymbolToken: "1", Interval: OneMinute, FromDate: "2024-07-01 09:15", ToDate: "2024-07-01 09:15"}
	if err := req.Validate(); err != nil {
		t.Errorf("from == to should be accepted: %v", err)
	}
}

func TestRejectedQuoteKeepsErrorShape(t *testing.T) {
	q := QuoteError("INFY-EQ", "401: Invalid Token").Rejected()
	if !q.SessionRejected || q.OK() {
		t.Fatalf("unexpected quote: %+v", q)
	}
	b, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"symbol":"INFY-EQ","error":"401: Invalid Token"}` {
		t.Errorf("rejection flag leaked into JSON: %s", b)
	}
}
