package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/singleflight"

	"cashucloak/internal/config"
	"cashucloak/internal/hmacauth"
	"cashucloak/internal/idempotency"
	"cashucloak/internal/lifecycle"
	"cashucloak/internal/poller"
	"cashucloak/internal/stego"
	"cashucloak/internal/wallet"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = hmacauth.RequestIDHeader

	// maxBodyBytes bounds JSON request bodies. Images travel by reference.
	maxBodyBytes = 1 << 20
)

// Deps are the collaborators the API is built on.
type Deps struct {
	Config  *config.Config
	Wallet  wallet.Client
	Codec   stego.Codec
	Store   idempotency.Store
	Network *chaincfg.Params

	// Images confines the image references requests may name.
	Images *stego.ImageRoot

	// Clock is optional.
	Clock clock.Clock
}

type Server struct {
	cfg     *config.Config
	wallet  wallet.Client
	codec   stego.Codec
	images  *stego.ImageRoot
	store   idempotency.Store
	network *chaincfg.Params
	clock   clock.Clock

	hmac     *hmacauth.Verifier
	metrics  *metricsRegistry
	registry *poller.Registry
	ledger   lifecycle.Ledger
	inflight *lifecycle.InFlight
	sessions *sessionStore
	workers  *fn.GoroutineManager
	redeems  singleflight.Group

	httpServer     *http.Server
	dbHealthFn     func(context.Context) error
	walletHealthFn func(context.Context) error
}

func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("config is required")
	case deps.Wallet == nil:
		return nil, errors.New("wallet client is required")
	case deps.Codec == nil:
		return nil, errors.New("codec is required")
	case deps.Store == nil:
		return nil, errors.New("idempotency store is required")
	case deps.Images == nil:
		return nil, errors.New("image root is required")
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	cfg := deps.Config

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		wallet:  deps.Wallet,
		codec:   deps.Codec,
		images:  deps.Images,
		store:   deps.Store,
		network: deps.Network,
		clock:   clk,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.APISecret,
			MaxSkew: cfg.MaxClockSkew,
			Clock:   clk,
		},
		metrics:  metrics,
		registry: poller.NewRegistry(metrics),
		ledger:   idempotency.NewSpentLedger(deps.Store, clk),
		inflight: lifecycle.NewInFlight(),
		sessions: newSessionStore(),
		workers:  fn.NewGoroutineManager(),
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Wallet.(wallet.HealthChecker); ok {
		s.walletHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	signed := api.NewRoute().Subrouter()
	signed.Use(s.hmac.Middleware)
	signed.HandleFunc("/invoices", s.idempotent("invoices", s.handleCreateInvoice)).Methods(http.MethodPost)
	signed.HandleFunc("/tokens", s.idempotent("tokens", s.handleCreateToken)).Methods(http.MethodPost)
	signed.HandleFunc("/watch", s.idempotent("watch", s.handleWatch)).Methods(http.MethodPost)
	signed.HandleFunc("/reveal", s.idempotent("reveal", s.handleReveal)).Methods(http.MethodPost)
	signed.HandleFunc("/redeem", s.idempotent("redeem", s.handleRedeem)).Methods(http.MethodPost)
	signed.HandleFunc("/pay", s.idempotent("pay", s.handlePay)).Methods(http.MethodPost)
	signed.HandleFunc("/sessions/{id}", s.handleCancelSession).Methods(http.MethodDelete)

	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/image", s.handleSessionImage).Methods(http.MethodGet)
	api.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/mints", s.handleMints).Methods(http.MethodGet)
	api.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           requestIDMiddleware(r),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed API, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Infof("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then cancels background workflows and
// waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.registry.CancelAll()
	s.workers.Stop()
	return err
}

// newController builds a controller sharing the server-wide poll registry,
// spent ledger and in-flight set.
func (s *Server) newController() (*lifecycle.Controller, error) {
	return lifecycle.NewController(lifecycle.Config{
		Wallet: s.wallet,
		Codec:  s.codec,
		Poll: poller.Config{
			Interval:    s.cfg.PollInterval,
			MaxAttempts: s.cfg.PollMaxAttempts,
			Clock:       s.clock,
		},
		Registry: s.registry,
		Ledger:   s.ledger,
		InFlight: s.inflight,
		Network:  s.network,
		Clock:    s.clock,
	})
}

type jsonHandler func(r *http.Request) (int, interface{})

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(msg string) (int, interface{}) {
	return http.StatusBadRequest, errorResponse{Error: msg}
}

// idempotent serves a stored response when the idempotency key was seen
// within the window, and stores fresh non-5xx responses.
func (s *Server) idempotent(scope string, h jsonHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key != "" {
			key = scope + ":" + key
			existing, err := s.store.Get(ctx, key)
			if err != nil {
				log.Warnf("Idempotency lookup failed: %v", err)
			}
			if existing != nil {
				s.metrics.incReplay()
				w.Header().Set("Idempotent-Replay", "true")
				writeRaw(w, existing.StatusCode, existing.Response)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		status, body := h(r)

		b, err := json.Marshal(body)
		if err != nil {
			log.Errorf("Unable to encode response: %v", err)
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{Error: "internal error"})
			return
		}

		if key != "" && status < http.StatusInternalServerError {
			now := s.clock.Now()
			err := s.store.Save(ctx, key, idempotency.Record{
				StatusCode: status,
				Response:   b,
				CreatedAt:  now,
				ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
			})
			if err != nil {
				log.Warnf("Unable to store idempotent response: %v", err)
			}
		}

		writeRaw(w, status, b)
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Unable to encode response: %v", err)
		status = http.StatusInternalServerError
		b = []byte(`{"error":"internal error"}`)
	}
	writeRaw(w, status, b)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json payload")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	walletInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.walletHealthFn != nil {
		start := time.Now()
		walletCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.walletHealthFn(walletCtx); err != nil {
			walletInfo.Connected = false
			walletInfo.Error = err.Error()
			overallHealthy = false
		} else {
			walletInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status       string      `json:"status"`
		Wallet       interface{} `json:"wallet"`
		Database     interface{} `json:"database"`
		PollSessions int         `json:"poll_sessions"`
	}{
		Status:       status,
		Wallet:       walletInfo,
		Database:     dbInfo,
		PollSessions: s.registry.Len(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		log.Debugf("[%s] %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
