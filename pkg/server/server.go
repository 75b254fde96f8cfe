// Package server exposes a read-only JSON view of the vault over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/royalfork/custodian/pkg/convert"
	"github.com/royalfork/custodian/pkg/metrics"
	"github.com/royalfork/custodian/pkg/storage"
	"github.com/royalfork/custodian/pkg/vault"
)

// Vault is the subset of *vault.Vault the API reads.
type Vault interface {
	Snapshot() vault.Snapshot
	QuoteDeposit(ctx context.Context, amount *big.Int) (convert.Quote, error)
	QuoteRedeem(ctx context.Context, shares *big.Int) (convert.Quote, error)
}

// Journal lists committed operations.
type Journal interface {
	Operations(ctx context.Context, limit int) ([]storage.Operation, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Vault   Vault
	Journal Journal
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	Logger    *zerolog.Logger
	Metrics   *metrics.HTTPMetrics
}

// Server serves the API.
type Server struct {
	vault   Vault
	journal Journal
	limiter *clientLimiter
	logger  zerolog.Logger
	metrics *metrics.HTTPMetrics
	router  http.Handler
}

const maxOperations = 500

// New builds the router.
func New(cfg Config) *Server {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.HTTP()
	}
	s := &Server{
		vault:   cfg.Vault,
		journal: cfg.Journal,
		logger:  logger.With().Str("component", "api").Logger(),
		metrics: m,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newClientLimiter(cfg.RateLimit, burst)
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	if s.limiter != nil {
		r.Use(s.throttle)
	}

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(api chi.Router) {
		api.Get("/vault", s.getVault)
		api.Get("/preview/deposit", s.previewDeposit)
		api.Get("/preview/redeem", s.previewRedeem)
		api.Get("/operations", s.listOperations)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type vaultResponse struct {
	Address        string   `json:"address"`
	Owner          string   `json:"owner"`
	MintCap        string   `json:"mint_cap"`
	MintFeeBps     uint32   `json:"mint_fee_bps"`
	RedeemFeeBps   uint32   `json:"redeem_fee_bps"`
	MaxOracleDelay string   `json:"max_oracle_delay"`
	Public         bool     `json:"public"`
	TotalMinted    string   `json:"total_minted"`
	Reserve        string   `json:"reserve"`
	Operators      []string `json:"operators"`
	AssetDecimals  uint8    `json:"asset_decimals"`
	ShareDecimals  uint8    `json:"share_decimals"`
	OracleDecimals uint8    `json:"oracle_decimals"`
}

func (s *Server) getVault(w http.ResponseWriter, _ *http.Request) {
	snap := s.vault.Snapshot()
	ops := make([]string, 0, len(snap.Operators))
	for _, op := range snap.Operators {
		ops = append(ops, op.Hex())
	}
	writeJSON(w, http.StatusOK, vaultResponse{
		Address:        snap.Address.Hex(),
		Owner:          snap.Owner.Hex(),
		MintCap:        snap.Config.MintCap.String(),
		MintFeeBps:     snap.Config.Fees.MintBps,
		RedeemFeeBps:   snap.Config.Fees.RedeemBps,
		MaxOracleDelay: snap.Config.MaxOracleDelay.String(),
		Public:         snap.Config.Public,
		TotalMinted:    snap.TotalMinted.String(),
		Reserve:        snap.Reserve.String(),
		Operators:      ops,
		AssetDecimals:  snap.AssetDecimals,
		ShareDecimals:  snap.ShareDecimals,
		OracleDecimals: snap.OracleDecimals,
	})
}

type quoteResponse struct {
	AmountIn       string    `json:"amount_in"`
	Gross          string    `json:"gross"`
	Fee            string    `json:"fee"`
	Net            string    `json:"net"`
	Price          string    `json:"price"`
	PriceDecimals  uint8     `json:"price_decimals"`
	PriceUpdatedAt time.Time `json:"price_updated_at"`
}

func (s *Server) previewDeposit(w http.ResponseWriter, r *http.Request) {
	amount, err := parseAmount(r, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := s.vault.QuoteDeposit(r.Context(), amount)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

func (s *Server) previewRedeem(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount(r, "shares")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := s.vault.QuoteRedeem(r.Context(), shares)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

type operationResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Caller        string    `json:"caller"`
	Receiver      string    `json:"receiver"`
	Owner         string    `json:"owner"`
	AmountIn      string    `json:"amount_in"`
	AmountOut     string    `json:"amount_out"`
	Fee           string    `json:"fee"`
	Price         string    `json:"price"`
	PriceDecimals uint8     `json:"price_decimals"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "operation journal not configured")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOperations)
	}
	ops, err := s.journal.Operations(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list operations")
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationResponse(op))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeVaultError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch vault.ErrorKind(err) {
	case vault.KindValidation, vault.KindPolicy:
		status = http.StatusBadRequest
	case vault.KindAccess:
		status = http.StatusForbidden
	case vault.KindOracle:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("vault request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.Observe(route, status, elapsed)
		s.logger.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			s.metrics.Throttled()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (c *clientLimiter) allow(key string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func parseAmount(r *http.Request, name string) (*big.Int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func toQuoteResponse(q convert.Quote) quoteResponse {
	return quoteResponse{
		AmountIn:       q.AmountIn.String(),
		Gross:          q.Gross.String(),
		Fee:            q.Fee.String(),
		Net:            q.Net.String(),
		Price:          q.Price.Value.String(),
		PriceDecimals:  q.Price.Decimals,
		PriceUpdatedAt: q.Price.UpdatedAt.UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
