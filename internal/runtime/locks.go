package runtime

import (
	"bytes"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// keyLocks serializes instructions that share an account. Keys are always
// acquired in ascending order so two instructions can never deadlock.
type keyLocks struct {
	mu      sync.Mutex
	entries map[solana.PublicKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{entries: make(map[solana.PublicKey]*keyLock)}
}

func (l *keyLocks) Lock(keys []solana.PublicKey) func() {
	sorted := uniqueSortedKeys(keys)
	held := make([]*keyLock, 0, len(sorted))
	for _, key := range sorted {
		l.mu.Lock()
		entry, ok := l.entries[key]
		if !ok {
			entry = &keyLock{}
			l.entries[key] = entry
		}
		entry.refs++
		l.mu.Unlock()

		entry.mu.Lock()
		held = append(held, entry)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.entries, sorted[i])
			}
			l.mu.Unlock()
		}
	}
}

func uniqueSortedKeys(keys []solana.PublicKey) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(keys))
	out := make([]solana.PublicKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
