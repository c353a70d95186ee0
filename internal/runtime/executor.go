package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coldbell/vault/backend/internal/store"
	"github.com/gagliardetto/solana-go"
)

// Program is an on-ledger program the executor can dispatch to.
type Program interface {
	ProgramID() solana.PublicKey
	Process(ctx context.Context, rc *Context, data []byte) error
}

// Transaction is a single instruction plus the keys whose signatures the
// caller has already verified.
type Transaction struct {
	Instruction solana.Instruction
	Signers     []solana.PublicKey
}

type Result struct {
	ProgramID solana.PublicKey
	Changed   []*store.Account
	Events    []any
}

type Option func(*Executor)

func WithRent(rent Rent) Option {
	return func(e *Executor) {
		e.rent = rent
	}
}

// WithCommitHook runs fn with the accounts about to be committed. A non-nil
// error aborts the commit.
func WithCommitHook(fn func([]*store.Account) error) Option {
	return func(e *Executor) {
		e.commitHook = fn
	}
}

// Executor runs instructions as atomic units against a Store. Instructions
// that share an account are linearized; disjoint ones run in parallel.
type Executor struct {
	store      store.Store
	programs   map[solana.PublicKey]Program
	locks      *keyLocks
	rent       Rent
	commitHook func([]*store.Account) error
	logger     *slog.Logger
}

func NewExecutor(st store.Store, logger *slog.Logger, programs []Program, opts ...Option) *Executor {
	e := &Executor{
		store:    st,
		programs: make(map[solana.PublicKey]Program, len(programs)),
		locks:    newKeyLocks(),
		rent:     DefaultRent,
		logger:   logger,
	}
	for _, program := range programs {
		e.programs[program.ProgramID()] = program
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Rent() Rent {
	return e.rent
}

func (e *Executor) Execute(ctx context.Context, tx Transaction) (*Result, error) {
	if tx.Instruction == nil {
		return nil, ErrEmptyTransaction
	}
	programID := tx.Instruction.ProgramID()
	program, ok := e.programs[programID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, programID)
	}
	data, err := tx.Instruction.Data()
	if err != nil {
		return nil, fmt.Errorf("instruction data: %w", err)
	}
	metas := tx.Instruction.Accounts()

	keys := make([]solana.PublicKey, 0, len(metas))
	for _, meta := range metas {
		if meta != nil {
			keys = append(keys, meta.PublicKey)
		}
	}

	unlock := e.locks.Lock(keys)
	defer unlock()

	loaded, err := e.store.Load(ctx, uniqueSortedKeys(keys))
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	rc := newContext(programID, metas, loaded, tx.Signers, e.rent)
	processErr := program.Process(ctx, rc, data)
	rc.revoke()
	if processErr != nil {
		e.logger.Debug("instruction failed", "program", programID, "err", processErr)
		return nil, processErr
	}

	changed, err := rc.changedAccounts()
	if err != nil {
		return nil, err
	}
	if e.commitHook != nil {
		if err := e.commitHook(changed); err != nil {
			return nil, fmt.Errorf("commit accounts: %w", err)
		}
	}
	if err := e.store.Commit(ctx, changed); err != nil {
		return nil, fmt.Errorf("commit accounts: %w", err)
	}

	e.logger.Debug("instruction committed", "program", programID, "changed_accounts", len(changed))
	return &Result{
		ProgramID: programID,
		Changed:   changed,
		Events:    rc.events,
	}, nil
}
