package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
)

// Engine is the settlement core the HTTP surface fronts.
type Engine interface {
	ProgramID() solana.PublicKey
	TokenProgramID() solana.PublicKey
	Authority() authority.Identity
	LTVRatio() uint8
	CollateralMint() solana.PublicKey
	Price(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, tx runtime.Transaction) (*runtime.Result, error)
	Vault(ctx context.Context, key solana.PublicKey) (*vault.State, error)
	TokenAccount(ctx context.Context, key solana.PublicKey) (*token.Account, error)
	Subscribe(buffer int) (<-chan engine.Event, func())
}

type Service struct {
	cfg              config.EngineConfig
	logger           *slog.Logger
	engine           Engine
	replays          *replayGuard
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.EngineConfig, eng Engine, logger *slog.Logger) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		engine:           eng,
		replays:          newReplayGuard(cfg.TxMaxAge),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/authority", s.handleAuthority)
	mux.HandleFunc("/v1/quote", s.handleQuote)
	mux.HandleFunc("/v1/vaults/", s.handleVault)
	mux.HandleFunc("/v1/token-accounts/", s.handleTokenAccount)
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("vault-engine api started",
		"listen_addr", s.cfg.ListenAddr,
		"program_id", s.engine.ProgramID(),
		"authority", s.engine.Authority().Key,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("vault-engine api stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error      string  `json:"error"`
	Code       string  `json:"code,omitempty"`
	CustomCode *uint32 `json:"custom_code,omitempty"`
}

type authorityResponse struct {
	ProgramID      string `json:"program_id"`
	TokenProgramID string `json:"token_program_id"`
	Authority      string `json:"authority"`
	CollateralMint string `json:"collateral_mint"`
	Seed           string `json:"seed"`
	Bump           uint8  `json:"bump"`
	LTVRatio       uint8  `json:"ltv_ratio"`
}

type quoteResponse struct {
	Price            uint64 `json:"price"`
	PriceDecimals    int    `json:"price_decimals"`
	LTVRatio         uint8  `json:"ltv_ratio"`
	CollateralAmount uint64 `json:"collateral_amount"`
	DebtAmount       uint64 `json:"debt_amount"`
}

type vaultResponse struct {
	Pubkey string      `json:"pubkey"`
	State  vault.State `json:"state"`
}

type tokenAccountResponse struct {
	Pubkey string `json:"pubkey"`
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
	Frozen bool   `json:"frozen"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleAuthority(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	identity := s.engine.Authority()
	s.respondJSON(w, http.StatusOK, authorityResponse{
		ProgramID:      s.engine.ProgramID().String(),
		TokenProgramID: s.engine.TokenProgramID().String(),
		Authority:      identity.Key.String(),
		CollateralMint: s.engine.CollateralMint().String(),
		Seed:           identity.Seed,
		Bump:           identity.Bump,
		LTVRatio:       s.engine.LTVRatio(),
	})
}

// handleQuote prices a deposit (?collateral=) or a repayment (?debt=) at the
// current oracle price and the engine's configured ratio.
func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	collateral, err := parseOptionalUint64(r, "collateral")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	debt, err := parseOptionalUint64(r, "debt")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (collateral == nil) == (debt == nil) {
		s.respondError(w, http.StatusBadRequest, "exactly one of collateral or debt is required")
		return
	}

	price, err := s.engine.Price(r.Context())
	if err != nil {
		s.logger.Warn("price unavailable", "err", err)
		s.respondError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}
	ltv := s.engine.LTVRatio()
	response := quoteResponse{Price: price, PriceDecimals: oracle.PriceDecimals, LTVRatio: ltv}
	if collateral != nil {
		response.CollateralAmount = *collateral
		response.DebtAmount, err = vault.DebtForCollateral(*collateral, price, ltv)
	} else {
		response.DebtAmount = *debt
		response.CollateralAmount, err = vault.CollateralForDebt(*debt, price, ltv)
	}
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleVault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	key, err := pubkeyFromPath(r.URL.Path, "/v1/vaults/")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.Vault(r.Context(), key)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, vaultResponse{Pubkey: key.String(), State: *state})
}

func (s *Service) handleTokenAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	key, err := pubkeyFromPath(r.URL.Path, "/v1/token-accounts/")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := s.engine.TokenAccount(r.Context(), key)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tokenAccountResponse{
		Pubkey: key.String(),
		Mint:   account.Mint.String(),
		Owner:  account.Owner.String(),
		Amount: account.Amount,
		Frozen: account.State == token.StateFrozen,
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func pubkeyFromPath(path, prefix string) (solana.PublicKey, error) {
	raw := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if raw == "" || strings.Contains(raw, "/") {
		return solana.PublicKey{}, fmt.Errorf("expected %s<pubkey>", prefix)
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid pubkey %q", raw)
	}
	return key, nil
}

func parseOptionalUint64(r *http.Request, key string) (*uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
