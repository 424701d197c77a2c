package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Schema creates the table used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS crypto_operation (
	operation_id TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	token        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS crypto_operation_created_at_idx ON crypto_operation (created_at);
`

const uniqueViolation = "23505"

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// PostgresStore keeps operations in the crypto_operation table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// OpenPostgres connects a pool and makes sure the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create operation schema: %w", err)
	}
	store := NewPostgresStore(pool)
	store.logger.WithField("max_conns", pcfg.MaxConns).Info("Connected to postgres operation registry")
	return store, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logrus.WithField("component", "operation-store-postgres"),
	}
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Create(ctx context.Context, id string, kind Kind, fileName string) (*Operation, error) {
	if err := validateCreate(id, kind, fileName); err != nil {
		return nil, err
	}
	op := &Operation{ID: id, Kind: kind, FileName: fileName}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crypto_operation (operation_id, kind, file_name) VALUES ($1, $2, $3) RETURNING created_at`,
		id, string(kind), fileName,
	).Scan(&op.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert operation: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) FindByOperationID(ctx context.Context, id string) (*Operation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT operation_id, kind, file_name, COALESCE(token, ''), created_at
		   FROM crypto_operation WHERE operation_id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) SetToken(ctx context.Context, id, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crypto_operation SET token = $2 WHERE operation_id = $1 AND token IS NULL`, id, token)
	if err != nil {
		return fmt.Errorf("failed to set operation token: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM crypto_operation WHERE operation_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check operation: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTokenAlreadySet
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crypto_operation WHERE operation_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete operation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT operation_id, kind, file_name, COALESCE(token, ''), created_at
		   FROM crypto_operation WHERE created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*Operation, error) {
	var (
		op   Operation
		kind string
	)
	if err := row.Scan(&op.ID, &kind, &op.FileName, &op.Token, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.Kind = Kind(kind)
	return &op, nil
}
