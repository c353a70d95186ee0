package store

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type Memory struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
	closed   bool
}

func NewMemory(seed ...*Account) *Memory {
	m := &Memory{accounts: make(map[solana.PublicKey]*Account, len(seed))}
	for _, account := range seed {
		if account == nil {
			continue
		}
		m.accounts[account.Key] = account.Clone()
	}
	return m
}

func (m *Memory) Load(_ context.Context, keys []solana.PublicKey) (map[solana.PublicKey]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[solana.PublicKey]*Account, len(keys))
	for _, key := range keys {
		if account, ok := m.accounts[key]; ok {
			out[key] = account.Clone()
		}
	}
	return out, nil
}

func (m *Memory) Commit(_ context.Context, accounts []*Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, account := range accounts {
		if account == nil {
			continue
		}
		m.accounts[account.Key] = account.Clone()
	}
	return nil
}

// Get is a convenience lookup used by read-only API paths and tests.
func (m *Memory) Get(key solana.PublicKey) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[key]
	if !ok {
		return nil, false
	}
	return account.Clone(), true
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
