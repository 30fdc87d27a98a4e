package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultProfile = "default"

// PostgresStore persists the credential pair as rows of a key-value table,
// one row per fixed key, scoped by a client profile.
type PostgresStore struct {
	pool      *pgxpool.Pool
	profile   string
	tableName string
}

func NewPostgresStore(ctx context.Context, databaseURL, profile string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = defaultProfile
	}
	s := &PostgresStore{pool: pool, profile: profile, tableName: "client_state"}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			profile TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (profile, key)
		);`, s.tableName),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init client state schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context) (Pair, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE profile=$1 AND key = ANY($2)`, s.tableName),
		s.profile,
		[]string{AccessKey, RefreshKey},
	)
	if err != nil {
		return Pair{}, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var pair Pair
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Pair{}, fmt.Errorf("scan credential row: %w", err)
		}
		switch key {
		case AccessKey:
			pair.Access = value
		case RefreshKey:
			pair.Refresh = value
		}
	}
	if err := rows.Err(); err != nil {
		return Pair{}, fmt.Errorf("iterate credential rows: %w", err)
	}
	return pair, nil
}

func (s *PostgresStore) Set(ctx context.Context, pair Pair) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.putTx(ctx, tx, AccessKey, pair.Access); err != nil {
			return err
		}
		return s.putTx(ctx, tx, RefreshKey, pair.Refresh)
	})
}

func (s *PostgresStore) SetAccess(ctx context.Context, access string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return s.putTx(ctx, tx, AccessKey, access)
	})
}

func (s *PostgresStore) Rotate(ctx context.Context, exchanged string, next Pair) (bool, error) {
	exchanged = strings.TrimSpace(exchanged)
	wrote := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT value FROM %s WHERE profile=$1 AND key=$2 FOR UPDATE`, s.tableName),
			s.profile, RefreshKey,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", RefreshKey, err)
		}
		if exchanged == "" || current != exchanged {
			return nil
		}
		if err := s.putTx(ctx, tx, AccessKey, next.Access); err != nil {
			return err
		}
		if strings.TrimSpace(next.Refresh) != "" {
			if err := s.putTx(ctx, tx, RefreshKey, next.Refresh); err != nil {
				return err
			}
		}
		wrote = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return wrote, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE profile=$1 AND key = ANY($2)`, s.tableName),
		s.profile,
		[]string{AccessKey, RefreshKey},
	)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) putTx(ctx context.Context, tx pgx.Tx, key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE profile=$1 AND key=$2`, s.tableName),
			s.profile, key,
		); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (profile, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile, key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, s.tableName),
		s.profile, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
