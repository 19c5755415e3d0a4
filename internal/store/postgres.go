package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists overrides, profiles, credits and notes in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := migrateUp(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migrateUp(databaseURL string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres URL to the scheme the pgx/v5 migrate driver registers.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (s *PostgresStore) Overrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM provider_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan override row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate override rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveOverrides(ctx context.Context, entries map[string]string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for k, v := range entries {
			if v == "" {
				if _, err := tx.Exec(ctx, `DELETE FROM provider_overrides WHERE key=$1`, k); err != nil {
					return fmt.Errorf("delete override %q: %w", k, err)
				}
				continue
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO provider_overrides (key, value, updated_at) VALUES ($1, $2, now())
				 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`,
				k, v,
			)
			if err != nil {
				return fmt.Errorf("save override %q: %w", k, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) PronunciationHints(ctx context.Context, ownerID string) (string, error) {
	var hints string
	err := s.pool.QueryRow(ctx, `SELECT pronunciation_hints FROM dictation_profiles WHERE owner_id=$1`, ownerID).Scan(&hints)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query pronunciation hints: %w", err)
	}
	return hints, nil
}

func (s *PostgresStore) Macros(ctx context.Context, ownerID string) ([]Macro, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT macros FROM dictation_profiles WHERE owner_id=$1`, ownerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query macros: %w", err)
	}
	var macros []Macro
	if err := json.Unmarshal(raw, &macros); err != nil {
		return nil, fmt.Errorf("decode macros: %w", err)
	}
	return macros, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p Profile) error {
	macros := p.Macros
	if macros == nil {
		macros = []Macro{}
	}
	raw, err := json.Marshal(macros)
	if err != nil {
		return fmt.Errorf("encode macros: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dictation_profiles (owner_id, pronunciation_hints, macros, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (owner_id) DO UPDATE SET pronunciation_hints=EXCLUDED.pronunciation_hints, macros=EXCLUDED.macros, updated_at=now()`,
		p.OwnerID, p.PronunciationHints, raw,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeductIfPositive(ctx context.Context, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credit_balances SET balance = balance - 1, updated_at = now() WHERE owner_id=$1 AND balance > 0`,
		ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("deduct credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE owner_id=$1`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Grant(ctx context.Context, ownerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO credit_balances (owner_id, balance, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (owner_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`,
		ownerID, amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) SaveNote(ctx context.Context, record NoteRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notes (id, owner_id, kind, transcript, html, backend_id, model_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.OwnerID, string(record.Kind), record.Transcript, record.HTML,
		record.BackendID, record.ModelID, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save note: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentNotes(ctx context.Context, ownerID string, limit int) ([]NoteRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, kind, transcript, html, backend_id, model_id, created_at
		 FROM notes WHERE owner_id=$1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	items := make([]NoteRecord, 0, limit)
	for rows.Next() {
		var r NoteRecord
		var kind string
		if err := rows.Scan(&r.ID, &r.OwnerID, &kind, &r.Transcript, &r.HTML, &r.BackendID, &r.ModelID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		r.Kind = NoteKind(kind)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
