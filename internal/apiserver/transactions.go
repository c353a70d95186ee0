package apiserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const signingDomain = "vault-engine/tx/v1"

var (
	ErrTxExpired   = errors.New("transaction expired")
	ErrTxTooFar    = errors.New("transaction expiry too far in the future")
	ErrTxReplayed  = errors.New("transaction already submitted")
	ErrBadEnvelope = errors.New("invalid transaction envelope")
)

// TransactionRequest is one instruction submitted to the engine over HTTP.
// Every account flagged as a signer must carry an ed25519 signature over
// SigningMessage.
type TransactionRequest struct {
	ProgramID  string             `json:"program_id"`
	Accounts   []AccountMeta      `json:"accounts"`
	Data       string             `json:"data"`
	Nonce      string             `json:"nonce"`
	ExpiresAt  int64              `json:"expires_at"`
	Signatures []SignatureRequest `json:"signatures"`
}

type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

type SignatureRequest struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

type transactionResponse struct {
	Signature string           `json:"signature"`
	ProgramID string           `json:"program_id"`
	Changed   []changedAccount `json:"changed"`
	Events    []engine.Event   `json:"events"`
}

type changedAccount struct {
	Pubkey   string `json:"pubkey"`
	Owner    string `json:"owner"`
	Lamports uint64 `json:"lamports"`
	DataLen  int    `json:"data_len"`
}

// NewTransactionRequest wraps ix in an unsigned envelope.
func NewTransactionRequest(ix solana.Instruction, nonce string, expiresAt time.Time) (TransactionRequest, error) {
	data, err := ix.Data()
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("instruction data: %w", err)
	}
	request := TransactionRequest{
		ProgramID: ix.ProgramID().String(),
		Data:      base64.StdEncoding.EncodeToString(data),
		Nonce:     nonce,
		ExpiresAt: expiresAt.Unix(),
	}
	for _, meta := range ix.Accounts() {
		request.Accounts = append(request.Accounts, AccountMeta{
			Pubkey:     meta.PublicKey.String(),
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}
	return request, nil
}

// Sign appends a signature from each key.
func (r *TransactionRequest) Sign(keys ...solana.PrivateKey) error {
	decoded, err := r.decode()
	if err != nil {
		return err
	}
	for _, key := range keys {
		var signature solana.Signature
		copy(signature[:], ed25519.Sign(ed25519.PrivateKey(key), decoded.message))
		r.Signatures = append(r.Signatures, SignatureRequest{
			Pubkey:    key.PublicKey().String(),
			Signature: signature.String(),
		})
	}
	return nil
}

type decodedTransaction struct {
	instruction solana.Instruction
	message     []byte
}

func (r TransactionRequest) decode() (*decodedTransaction, error) {
	programID, err := solana.PublicKeyFromBase58(strings.TrimSpace(r.ProgramID))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid program_id", ErrBadEnvelope)
	}
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64", ErrBadEnvelope)
	}
	if strings.TrimSpace(r.Nonce) == "" {
		return nil, fmt.Errorf("%w: nonce is required", ErrBadEnvelope)
	}
	metas := make(solana.AccountMetaSlice, 0, len(r.Accounts))
	for i, account := range r.Accounts {
		key, err := solana.PublicKeyFromBase58(strings.TrimSpace(account.Pubkey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid account #%d", ErrBadEnvelope, i)
		}
		metas = append(metas, solana.NewAccountMeta(key, account.IsWritable, account.IsSigner))
	}
	message, err := SigningMessage(programID, metas, data, r.Nonce, r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &decodedTransaction{
		instruction: solana.NewInstruction(programID, metas, data),
		message:     message,
	}, nil
}

// SigningMessage is the Borsh encoding of the domain tag, program, account
// metas, data, nonce and expiry.
func SigningMessage(programID solana.PublicKey, metas []*solana.AccountMeta, data []byte, nonce string, expiresAt int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.WriteBytes([]byte(signingDomain), true); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes(programID[:], false); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint32(uint32(len(metas)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if err := encoder.WriteBytes(meta.PublicKey[:], false); err != nil {
			return nil, err
		}
		if err := encoder.WriteBool(meta.IsSigner); err != nil {
			return nil, err
		}
		if err := encoder.WriteBool(meta.IsWritable); err != nil {
			return nil, err
		}
	}
	if err := encoder.WriteBytes(data, true); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes([]byte(nonce), true); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(expiresAt, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request TransactionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decoded, err := request.decode()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	signers, first, err := verifySignatures(decoded, request.Signatures)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	digest := sha256.Sum256(decoded.message)
	if err := s.replays.Reserve(digest, request.ExpiresAt); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}

	result, err := s.engine.Submit(r.Context(), runtime.Transaction{
		Instruction: decoded.instruction,
		Signers:     signers,
	})
	if err != nil {
		s.replays.Release(digest)
		s.logger.Info("transaction rejected", "signature", first, "program", request.ProgramID, "err", err)
		s.respondEngineError(w, err)
		return
	}

	response := transactionResponse{
		Signature: first.String(),
		ProgramID: result.ProgramID.String(),
		Changed:   make([]changedAccount, 0, len(result.Changed)),
		Events:    make([]engine.Event, 0, len(result.Events)),
	}
	for _, account := range result.Changed {
		response.Changed = append(response.Changed, changedAccount{
			Pubkey:   account.Key.String(),
			Owner:    account.Owner.String(),
			Lamports: account.Lamports,
			DataLen:  len(account.Data),
		})
	}
	for _, raw := range result.Events {
		if event, ok := engine.EventFrom(raw); ok {
			response.Events = append(response.Events, event)
		}
	}
	s.respondJSON(w, http.StatusOK, response)
}

// verifySignatures checks every supplied signature and requires one for each
// account flagged as a signer. The first signature names the transaction.
func verifySignatures(decoded *decodedTransaction, entries []SignatureRequest) ([]solana.PublicKey, solana.Signature, error) {
	if len(entries) == 0 {
		return nil, solana.Signature{}, fmt.Errorf("at least one signature is required")
	}
	required := make(map[solana.PublicKey]struct{})
	for _, meta := range decoded.instruction.Accounts() {
		if meta.IsSigner {
			required[meta.PublicKey] = struct{}{}
		}
	}

	var first solana.Signature
	signers := make([]solana.PublicKey, 0, len(entries))
	for i, entry := range entries {
		key, err := solana.PublicKeyFromBase58(strings.TrimSpace(entry.Pubkey))
		if err != nil {
			return nil, first, fmt.Errorf("invalid signer pubkey #%d", i)
		}
		raw, err := decodeSignature(entry.Signature)
		if err != nil {
			return nil, first, err
		}
		if !ed25519.Verify(key[:], decoded.message, raw) {
			return nil, first, fmt.Errorf("signature verification failed for %s", key)
		}
		if i == 0 {
			copy(first[:], raw)
		}
		delete(required, key)
		signers = append(signers, key)
	}
	for key := range required {
		return nil, first, fmt.Errorf("missing signature for %s", key)
	}
	return signers, first, nil
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if sig, err := solana.SignatureFromBase58(trimmed); err == nil {
		return sig[:], nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == ed25519.SignatureSize {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == ed25519.SignatureSize {
		return decoded, nil
	}
	return nil, fmt.Errorf("unsupported signature encoding")
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

// respondEngineError maps a rejected operation onto an HTTP status. Vault
// failures also carry their numeric code.
func (s *Service) respondEngineError(w http.ResponseWriter, err error) {
	if code, ok := vault.CodeOf(err); ok {
		custom := uint32(code)
		s.respondJSON(w, vaultStatus(code), errorResponse{Error: err.Error(), Code: code.String(), CustomCode: &custom})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runtime.ErrMissingSignature):
		status = http.StatusForbidden
	case errors.Is(err, runtime.ErrEmptyTransaction),
		errors.Is(err, runtime.ErrUnknownProgram),
		errors.Is(err, runtime.ErrNotEnoughAccountKeys),
		errors.Is(err, runtime.ErrReadonlyAccount),
		errors.Is(err, token.ErrInvalidInstruction):
		status = http.StatusBadRequest
	case errors.Is(err, runtime.ErrInsufficientLamports),
		errors.Is(err, runtime.ErrAccountInUse),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrOwnerMismatch),
		errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrAccountFrozen),
		errors.Is(err, token.ErrOverflow):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("engine failure", "err", err)
		s.respondError(w, status, "internal error")
		return
	}
	s.respondError(w, status, err.Error())
}

func vaultStatus(code vault.Code) int {
	switch code {
	case vault.CodeVaultNotFound:
		return http.StatusNotFound
	case vault.CodeMissingSignature:
		return http.StatusForbidden
	case vault.CodeInvalidInstruction, vault.CodeAccountMismatch, vault.CodeInvalidVaultData:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// replayGuard remembers the digests of accepted signing messages until their
// expiry.
type replayGuard struct {
	mu       sync.Mutex
	maxAge   time.Duration
	seen     map[[32]byte]int64
	now      func() time.Time
	lastTrim time.Time
}

func newReplayGuard(maxAge time.Duration) *replayGuard {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &replayGuard{
		maxAge: maxAge,
		seen:   make(map[[32]byte]int64),
		now:    time.Now,
	}
}

func (g *replayGuard) Reserve(digest [32]byte, expiresAt int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt <= now.Unix() {
		return ErrTxExpired
	}
	if expiresAt > now.Add(g.maxAge).Unix() {
		return fmt.Errorf("%w: max age is %s", ErrTxTooFar, g.maxAge)
	}
	if now.Sub(g.lastTrim) > g.maxAge {
		for seen, expiry := range g.seen {
			if expiry <= now.Unix() {
				delete(g.seen, seen)
			}
		}
		g.lastTrim = now
	}
	if _, ok := g.seen[digest]; ok {
		return ErrTxReplayed
	}
	g.seen[digest] = expiresAt
	return nil
}

func (g *replayGuard) Release(digest [32]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, digest)
}
