package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coldbell/vault/backend/internal/apiserver"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// APIError is a non-2xx answer from a vault-engine.
type APIError struct {
	Status     int
	Message    string
	Code       string
	CustomCode *uint32
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vault-engine %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vault-engine %d: %s", e.Status, e.Message)
}

// Engine talks to a vault-engine's HTTP API.
type Engine struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration
}

func NewEngine(baseURL string, httpClient *http.Client, ttl time.Duration) *Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Engine{baseURL: baseURL, http: httpClient, ttl: ttl}
}

func (e *Engine) Submit(ctx context.Context, ix solana.Instruction, signers ...solana.PrivateKey) (string, error) {
	request, err := apiserver.NewTransactionRequest(ix, uuid.NewString(), time.Now().Add(e.ttl))
	if err != nil {
		return "", err
	}
	if err := request.Sign(signers...); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	var response struct {
		Signature string `json:"signature"`
	}
	if err := e.do(ctx, http.MethodPost, "/v1/transactions", request, &response); err != nil {
		return "", err
	}
	return response.Signature, nil
}

func (e *Engine) Vault(ctx context.Context, key solana.PublicKey) (*vault.State, error) {
	var response struct {
		State vault.State `json:"state"`
	}
	if err := e.do(ctx, http.MethodGet, "/v1/vaults/"+key.String(), nil, &response); err != nil {
		return nil, err
	}
	return &response.State, nil
}

func (e *Engine) TokenAccount(ctx context.Context, key solana.PublicKey) (*token.Account, error) {
	var response struct {
		Mint   solana.PublicKey `json:"mint"`
		Owner  solana.PublicKey `json:"owner"`
		Amount uint64           `json:"amount"`
		Frozen bool             `json:"frozen"`
	}
	if err := e.do(ctx, http.MethodGet, "/v1/token-accounts/"+key.String(), nil, &response); err != nil {
		return nil, err
	}
	state := token.StateInitialized
	if response.Frozen {
		state = token.StateFrozen
	}
	return &token.Account{
		Mint:   response.Mint,
		Owner:  response.Owner,
		Amount: response.Amount,
		State:  state,
	}, nil
}

type Authority struct {
	ProgramID      solana.PublicKey `json:"program_id"`
	TokenProgramID solana.PublicKey `json:"token_program_id"`
	Authority      solana.PublicKey `json:"authority"`
	CollateralMint solana.PublicKey `json:"collateral_mint"`
	Seed           string           `json:"seed"`
	Bump           uint8            `json:"bump"`
	LTVRatio       uint8            `json:"ltv_ratio"`
}

// Authority asks the engine which program and derived authority it runs.
func (e *Engine) Authority(ctx context.Context) (*Authority, error) {
	var out Authority
	if err := e.do(ctx, http.MethodGet, "/v1/authority", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error      string  `json:"error"`
			Code       string  `json:"code"`
			CustomCode *uint32 `json:"custom_code"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err == nil {
			apiErr.Message, apiErr.Code, apiErr.CustomCode = payload.Error, payload.Code, payload.CustomCode
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound && apiErr.Code == "" {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
