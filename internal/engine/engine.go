package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
)

var ErrNotFound = errors.New("account not found")

type Config struct {
	ProgramID      solana.PublicKey
	AuthoritySeed  string
	LTVRatio       uint8
	TokenProgramID solana.PublicKey
	CollateralMint solana.PublicKey
}

// Event is a committed vault state change.
type Event struct {
	Kind  string           `json:"kind"`
	Vault solana.PublicKey `json:"vault"`
	Data  any              `json:"data"`
}

const (
	EventInitialized = "vault.initialized"
	EventDeposited   = "vault.deposited"
	EventRepaid      = "vault.repaid"
)

// Engine hosts the vault and token programs over a Store and fans committed
// events out to subscribers.
type Engine struct {
	store     store.Store
	executor  *runtime.Executor
	processor *vault.Processor
	tokens    *token.Program
	prices    oracle.Source
	logger    *slog.Logger

	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextSubID   uint64
}

func New(st store.Store, prices oracle.Source, cfg Config, logger *slog.Logger, opts ...runtime.Option) (*Engine, error) {
	tokens := token.NewProgram(cfg.TokenProgramID)
	processor, err := vault.NewProcessor(vault.Config{
		ProgramID:      cfg.ProgramID,
		Seed:           cfg.AuthoritySeed,
		LTVRatio:       cfg.LTVRatio,
		TokenProgram:   tokens.ProgramID(),
		CollateralMint: cfg.CollateralMint,
	}, tokens, prices, logger.With("program", "vault"))
	if err != nil {
		return nil, fmt.Errorf("init vault program: %w", err)
	}

	return &Engine{
		store:       st,
		executor:    runtime.NewExecutor(st, logger, []runtime.Program{processor, tokens}, opts...),
		processor:   processor,
		tokens:      tokens,
		prices:      prices,
		logger:      logger,
		subscribers: make(map[uint64]chan Event),
	}, nil
}

func (e *Engine) ProgramID() solana.PublicKey {
	return e.processor.ProgramID()
}

func (e *Engine) TokenProgramID() solana.PublicKey {
	return e.tokens.ProgramID()
}

func (e *Engine) Authority() authority.Identity {
	return e.processor.Authority()
}

func (e *Engine) LTVRatio() uint8 {
	return e.processor.LTVRatio()
}

// CollateralMint is the only mint vaults may lock.
func (e *Engine) CollateralMint() solana.PublicKey {
	return e.processor.CollateralMint()
}

func (e *Engine) Rent() runtime.Rent {
	return e.executor.Rent()
}

// Price is the oracle price new deposits and repayments would settle at.
func (e *Engine) Price(ctx context.Context) (uint64, error) {
	return e.prices.CurrentPrice(ctx)
}

// Submit executes one already verified transaction and publishes the events
// it produced once it has committed.
func (e *Engine) Submit(ctx context.Context, tx runtime.Transaction) (*runtime.Result, error) {
	result, err := e.executor.Execute(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, raw := range result.Events {
		event, ok := EventFrom(raw)
		if !ok {
			continue
		}
		e.logEvent(event)
		e.publish(event)
	}
	return result, nil
}

func (e *Engine) Vault(ctx context.Context, key solana.PublicKey) (*vault.State, error) {
	account, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(e.ProgramID()) {
		return nil, fmt.Errorf("%w: %s is not a vault", ErrNotFound, key)
	}
	state, err := vault.DecodeState(account.Data)
	if err != nil {
		return nil, err
	}
	if !state.Initialized() {
		return nil, fmt.Errorf("%w: vault %s is not initialized", ErrNotFound, key)
	}
	return state, nil
}

func (e *Engine) TokenAccount(ctx context.Context, key solana.PublicKey) (*token.Account, error) {
	account, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(e.TokenProgramID()) || len(account.Data) != token.AccountSize {
		return nil, fmt.Errorf("%w: %s is not a token account", ErrNotFound, key)
	}
	return token.DecodeAccount(account.Data)
}

func (e *Engine) load(ctx context.Context, key solana.PublicKey) (*store.Account, error) {
	loaded, err := e.store.Load(ctx, []solana.PublicKey{key})
	if err != nil {
		return nil, err
	}
	account, ok := loaded[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return account, nil
}

// Subscribe returns a channel of committed events. Events are dropped for a
// subscriber whose buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subscribers, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.logger.Warn("dropping event for slow subscriber", "subscriber", id, "kind", event.Kind)
		}
	}
}

func (e *Engine) logEvent(event Event) {
	switch data := event.Data.(type) {
	case vault.InitializedEvent:
		e.logger.Info("vault initialized",
			"vault", event.Vault,
			"owner", data.State.Owner,
			"collateral_mint", data.State.CollateralMint,
			"debt_mint", data.State.DebtMint,
			"ltv_ratio", data.State.LTVRatio,
		)
	case vault.DepositedEvent:
		e.logger.Info("collateral deposited",
			"vault", event.Vault,
			"owner", data.Owner,
			"collateral_amount", data.CollateralAmount,
			"debt_amount", data.DebtAmount,
			"price", data.Price,
		)
	case vault.RepaidEvent:
		e.logger.Info("debt repaid",
			"vault", event.Vault,
			"owner", data.Owner,
			"debt_amount", data.DebtAmount,
			"collateral_amount", data.CollateralAmount,
			"price", data.Price,
		)
	}
}

// EventFrom converts a raw program event into a published Event.
func EventFrom(raw any) (Event, bool) {
	switch data := raw.(type) {
	case vault.InitializedEvent:
		return Event{Kind: EventInitialized, Vault: data.Vault, Data: data}, true
	case vault.DepositedEvent:
		return Event{Kind: EventDeposited, Vault: data.Vault, Data: data}, true
	case vault.RepaidEvent:
		return Event{Kind: EventRepaid, Vault: data.Vault, Data: data}, true
	default:
		return Event{}, false
	}
}
