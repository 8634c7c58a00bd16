package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/staking"
)

// Server exposes the staking engine over HTTP.
type Server struct {
	log     *slog.Logger
	cfg     Config
	limiter *RateLimiter
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RequestRate, cfg.RequestBurst),
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/version", s.handleVersion)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Put("/parameters", s.handleSetParameters)
		r.Get("/parameters", s.handleGetParameters)
		r.Post("/stake", s.handleStake)
		r.Post("/claim", s.handleClaim)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the server's HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		s.limiter.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.limiter.Close()
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

// handleReadyz probes the registry with a lookup that is expected to miss.
// ErrUnknownUser proves the backing store answered.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err := s.cfg.Registry.Get(ctx, "__readyz__")
	if err != nil && !errors.Is(err, staking.ErrUnknownUser) {
		s.log.Debug("readyz: registry not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("registry not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type createUserRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	account, err := s.cfg.Provisioner.Provision(r.Context(), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	rec := staking.UserStakeRecord{
		UserID:    account.UserID,
		Owner:     account.Owner,
		Principal: account.TokenAccount,
	}
	if err := s.cfg.Registry.Register(r.Context(), rec); err != nil {
		s.writeDomainError(w, err)
		return
	}

	created, err := s.cfg.Registry.Get(r.Context(), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, userView(created))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	out := make([]userResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, userView(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Registry.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, userView(rec))
}

type parametersRequest struct {
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	LockDurationDays int       `json:"lock_duration_days"`
	APY              float64   `json:"apy"`
}

type parametersResponse struct {
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	LockDurationDays int       `json:"lock_duration_days"`
	APY              float64   `json:"apy"`
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	var req parametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	params := staking.StakingParameters{
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		LockDurationDays: req.LockDurationDays,
		APY:              req.APY,
	}
	if err := s.cfg.Params.Set(params); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, paramsView(params))
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	params, ok := s.cfg.Params.Get()
	if !ok {
		s.writeError(w, http.StatusNotFound, "staking parameters not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, paramsView(params))
}

type stakeRequest struct {
	UserID string `json:"user_id"`
	Amount uint64 `json:"amount"`
}

type stakeResponse struct {
	UserID           string    `json:"user_id"`
	Amount           uint64    `json:"amount"`
	StakeStart       time.Time `json:"stake_start"`
	StakeEnd         time.Time `json:"stake_end"`
	LockDurationDays int       `json:"lock_duration_days"`
	APY              float64   `json:"apy"`
	Signature        string    `json:"signature"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	receipt, err := s.cfg.Engine.Stake(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stakeResponse{
		UserID:           receipt.UserID,
		Amount:           receipt.Amount,
		StakeStart:       receipt.StakeStart.UTC(),
		StakeEnd:         receipt.StakeEnd.UTC(),
		LockDurationDays: receipt.LockDurationDays,
		APY:              receipt.APY,
		Signature:        receipt.Transaction.Signature.String(),
	})
}

type claimRequest struct {
	UserID string `json:"user_id"`
}

type claimResponse struct {
	UserID    string `json:"user_id"`
	Staked    uint64 `json:"staked"`
	Reward    uint64 `json:"reward"`
	Payout    uint64 `json:"payout"`
	Signature string `json:"signature"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	receipt, err := s.cfg.Engine.Claim(r.Context(), req.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{
		UserID:    receipt.UserID,
		Staked:    receipt.Staked,
		Reward:    receipt.Reward,
		Payout:    receipt.Payout,
		Signature: receipt.Transaction.Signature.String(),
	})
}

type userResponse struct {
	UserID           string     `json:"user_id"`
	Owner            string     `json:"owner"`
	Principal        string     `json:"principal"`
	StakedAmount     uint64     `json:"staked_amount"`
	LockDurationDays int        `json:"lock_duration_days"`
	APY              float64    `json:"apy"`
	StakeStart       *time.Time `json:"stake_start,omitempty"`
	StakeEnd         *time.Time `json:"stake_end,omitempty"`
	CanStake         bool       `json:"can_stake"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
}

func userView(rec staking.UserStakeRecord) userResponse {
	return userResponse{
		UserID:           rec.UserID,
		Owner:            rec.Owner.String(),
		Principal:        rec.Principal.String(),
		StakedAmount:     rec.StakedAmount,
		LockDurationDays: rec.LockDurationDays,
		APY:              rec.APY,
		StakeStart:       optionalTime(rec.StakeStart),
		StakeEnd:         optionalTime(rec.StakeEnd),
		CanStake:         rec.CanStake,
		State:            rec.State().String(),
		CreatedAt:        rec.CreatedAt.UTC(),
	}
}

func paramsView(p staking.StakingParameters) parametersResponse {
	return parametersResponse{
		WindowStart:      p.WindowStart.UTC(),
		WindowEnd:        p.WindowEnd.UTC(),
		LockDurationDays: p.LockDurationDays,
		APY:              p.APY,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// writeDomainError maps staking and ledger errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var cooldownErr *staking.FeeCooldownError
	var lockErr *staking.LockNotElapsedError

	switch {
	case errors.Is(err, staking.ErrUnknownUser):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, staking.ErrUserExists),
		errors.Is(err, staking.ErrAlreadyStaked),
		errors.Is(err, staking.ErrOutsideStakingWindow),
		errors.Is(err, staking.ErrNothingToClaim):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &lockErr):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, staking.ErrInsufficientFunds),
		errors.Is(err, staking.ErrInvalidParameters):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cooldownErr):
		retrySeconds := int(cooldownErr.Remaining.Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       err.Error(),
			"retry_after": retrySeconds,
		})
	case ledger.IsError(err):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
