// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	apperrors "smartapi-gateway/internal/errors"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/types"
)

// Gateway is the core the HTTP surface drives. Implemented by batch.Service.
type Gateway interface {
	LivePrices(ctx context.Context, holdings []types.Holding) ([]types.PriceQuote, error)
	Historical(ctx context.Context, req types.HistoricalRequest) (types.CandleSeries, error)
}

type Config struct {
	CORSOrigins   []string
	MaxBatch      int
	MaxBodyBytes  int64
	RatePerSecond float64
	RateBurst     int
	// TrustProxy takes the client address from X-Real-IP / X-Forwarded-For.
	// Without it every limit and log line uses the TCP peer.
	TrustProxy bool
}

type Server struct {
	gw       Gateway
	cfg      Config
	validate *validator.Validate
	router   chi.Router
}

func New(gw Gateway, cfg Config) *Server {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{gw: gw, cfg: cfg, validate: v}
	s.router = s.routes()
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.RatePerSecond > 0 {
			r.Use(NewRateLimiter(s.cfg.RatePerSecond, s.cfg.RateBurst).Limit)
		}
		r.Use(limitBody(s.cfg.MaxBodyBytes))
		r.Post("/live-prices", s.handleLivePrices)
		r.Post("/historical-data", s.handleHistorical)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Angel One API is running.",
	})
}

type livePricesResponse struct {
	LivePrices []types.PriceQuote `json:"live_prices"`
}

func (s *Server) handleLivePrices(w http.ResponseWriter, r *http.Request) {
	var in *[]types.Holding
	if err := decodeJSON(r.Body, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in == nil {
		writeError(w, r, apperrors.Validation("request body must be a JSON array of holdings"))
		return
	}
	holdings := *in
	if len(holdings) > s.cfg.MaxBatch {
		writeError(w, r, apperrors.Validation("at most %d holdings per request, got %d", s.cfg.MaxBatch, len(holdings)))
		return
	}
	for i, h := range holdings {
		if err := s.validate.Struct(h); err != nil {
			writeError(w, r, validationError(fmt.Sprintf("[%d]", i), err))
			return
		}
	}

	quotes, err := s.gw.LivePrices(r.Context(), holdings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, livePricesResponse{LivePrices: quotes})
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	var req types.HistoricalRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, validationError("", err))
		return
	}

	series, err := s.gw.Historical(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(series)
}

func decodeJSON(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("request body is empty")
		}
		return apperrors.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func validationError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s%s: %s", prefix, fe.Field(), fe.Tag()))
	}
	return apperrors.Validation("%s", strings.Join(msgs, "; "))
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := http.StatusInternalServerError, "Internal server error"
	switch {
	case apperrors.Is(err, apperrors.ErrValidation):
		status, detail = http.StatusUnprocessableEntity, apperrors.Message(err)
	case apperrors.Is(err, apperrors.ErrConfig):
		status, detail = http.StatusInternalServerError, "Login failed"
	case apperrors.Is(err, apperrors.ErrAuth):
		status, detail = http.StatusServiceUnavailable, "Login failed"
	case apperrors.Is(err, apperrors.ErrUpstream):
		status, detail = http.StatusBadGateway, "Failed to fetch historical data"
	case errors.Is(err, context.DeadlineExceeded):
		status, detail = http.StatusGatewayTimeout, "Upstream timed out"
	}

	if status >= 500 {
		logger.ErrorWithErr(r.Context(), "Request failed", err, "path", r.URL.Path, "status", status)
	} else {
		logger.Info(r.Context(), "Request rejected", "path", r.URL.Path, "status", status, "detail", detail)
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
