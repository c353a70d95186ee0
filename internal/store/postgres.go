package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrWriterLocked means another engine already holds the accounts table.
// Load runs outside the commit transaction and per-key locks live in process
// memory, so a second writer could commit over a stale read.
var ErrWriterLocked = errors.New("postgres store already has a writer")

// writerLockKey is the session advisory lock that makes one engine the only
// writer of the accounts table.
const writerLockKey int64 = 0x7661756c74

type Postgres struct {
	db     *sql.DB
	writer *sql.Conn
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Postgres{db: db}
	if err := store.acquireWriter(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Postgres) acquireWriter(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve writer connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, writerLockKey).Scan(&locked); err != nil {
		_ = conn.Close()
		return fmt.Errorf("take writer lock: %w", err)
	}
	if !locked {
		_ = conn.Close()
		return ErrWriterLocked
	}
	s.writer = conn
	return nil
}

func (s *Postgres) Close() error {
	if s.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = s.writer.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, writerLockKey)
		cancel()
		_ = s.writer.Close()
		s.writer = nil
	}
	return s.db.Close()
}

func (s *Postgres) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			lamports TEXT NOT NULL,
			data BYTEA NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate accounts: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, keys []solana.PublicKey) (map[solana.PublicKey]*Account, error) {
	out := make(map[solana.PublicKey]*Account, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = "?"
		args[i] = key.String()
	}
	query := `SELECT pubkey, owner, lamports, data FROM accounts WHERE pubkey IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := s.db.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rawKey      string
			rawOwner    string
			rawLamports string
			data        []byte
		)
		if err := rows.Scan(&rawKey, &rawOwner, &rawLamports, &data); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		account, err := decodeAccountRow(rawKey, rawOwner, rawLamports, data)
		if err != nil {
			return nil, err
		}
		out[account.Key] = account
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

func (s *Postgres) Commit(ctx context.Context, accounts []*Account) error {
	if len(accounts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, rebindPostgresPlaceholders(`
			INSERT INTO accounts (pubkey, owner, lamports, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (pubkey) DO UPDATE SET
				owner = EXCLUDED.owner,
				lamports = EXCLUDED.lamports,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at`))
		if err != nil {
			return fmt.Errorf("prepare account upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, account := range accounts {
			if account == nil {
				continue
			}
			data := account.Data
			if data == nil {
				data = []byte{}
			}
			if _, err := stmt.ExecContext(ctx,
				account.Key.String(),
				account.Owner.String(),
				strconv.FormatUint(account.Lamports, 10),
				data,
				now,
			); err != nil {
				return fmt.Errorf("upsert account %s: %w", account.Key, err)
			}
		}
		return nil
	})
}

func (s *Postgres) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("commit accounts: %w", err)
		}
		return err
	}
	return nil
}

func decodeAccountRow(rawKey, rawOwner, rawLamports string, data []byte) (*Account, error) {
	key, err := solana.PublicKeyFromBase58(rawKey)
	if err != nil {
		return nil, fmt.Errorf("decode account key %q: %w", rawKey, err)
	}
	owner, err := solana.PublicKeyFromBase58(rawOwner)
	if err != nil {
		return nil, fmt.Errorf("decode owner of %s: %w", key, err)
	}
	lamports, err := strconv.ParseUint(rawLamports, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode lamports of %s: %w", key, err)
	}
	return &Account{Key: key, Owner: owner, Lamports: lamports, Data: data}, nil
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}
