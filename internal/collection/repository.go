package collection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketrouter/config"
	"marketrouter/models"
)

// Repository persists collection status records keyed by
// (symbol, timeframe, bucket).
type Repository interface {
	Get(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, bucket time.Time) (*models.CollectionStatusRecord, error)
	Upsert(ctx context.Context, rec models.CollectionStatusRecord) error
	ListRange(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, from, to time.Time) ([]models.CollectionStatusRecord, error)
	Close()
}

// MemoryRepository is the in-process implementation used when no storage
// backend is configured, and by tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]models.CollectionStatusRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.CollectionStatusRecord)}
}

func recordKey(symbol models.TradingSymbol, tf models.Timeframe, bucket time.Time) string {
	return fmt.Sprintf("%s:%s:%d", symbol.Native(), tf, bucket.UnixMilli())
}

func (r *MemoryRepository) Get(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, bucket time.Time) (*models.CollectionStatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordKey(symbol, tf, bucket)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, rec models.CollectionStatusRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[recordKey(rec.Symbol, rec.Timeframe, rec.BucketTime)] = rec
	return nil
}

func (r *MemoryRepository) ListRange(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, from, to time.Time) ([]models.CollectionStatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.CollectionStatusRecord
	for _, rec := range r.records {
		if rec.Symbol != symbol || rec.Timeframe != tf {
			continue
		}
		if rec.BucketTime.Before(from) || !rec.BucketTime.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketTime.Before(out[j].BucketTime) })
	return out, nil
}

func (r *MemoryRepository) Close() {}

const statusSchema = `
CREATE TABLE IF NOT EXISTS collection_status (
	symbol       TEXT        NOT NULL,
	timeframe    TEXT        NOT NULL,
	bucket_time  TIMESTAMPTZ NOT NULL,
	status       TEXT        NOT NULL,
	attempts     INT         NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, timeframe, bucket_time)
)`

// PostgresRepository persists status records in Postgres through a pgx
// connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects the pool, verifies it, and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg config.PostgresConfig) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, statusSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Get(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, bucket time.Time) (*models.CollectionStatusRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT status, attempts, updated_at FROM collection_status
		 WHERE symbol = $1 AND timeframe = $2 AND bucket_time = $3`,
		symbol.Native(), string(tf), bucket)

	rec := models.CollectionStatusRecord{Symbol: symbol, Timeframe: tf, BucketTime: bucket}
	var status string
	if err := row.Scan(&status, &rec.AttemptCount, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query status: %w", err)
	}
	rec.Status = models.CollectionStatus(status)
	return &rec, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec models.CollectionStatusRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO collection_status (symbol, timeframe, bucket_time, status, attempts, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (symbol, timeframe, bucket_time)
		 DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, updated_at = EXCLUDED.updated_at`,
		rec.Symbol.Native(), string(rec.Timeframe), rec.BucketTime, string(rec.Status), rec.AttemptCount, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListRange(ctx context.Context, symbol models.TradingSymbol, tf models.Timeframe, from, to time.Time) ([]models.CollectionStatusRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT bucket_time, status, attempts, updated_at FROM collection_status
		 WHERE symbol = $1 AND timeframe = $2 AND bucket_time >= $3 AND bucket_time < $4
		 ORDER BY bucket_time`,
		symbol.Native(), string(tf), from, to)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionStatusRecord
	for rows.Next() {
		rec := models.CollectionStatusRecord{Symbol: symbol, Timeframe: tf}
		var status string
		if err := rows.Scan(&rec.BucketTime, &status, &rec.AttemptCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Status = models.CollectionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
