package shared

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS downloads (
	id SERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	format_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_url_fmt ON downloads(url, format_id);
`

// PostgresCache implements CacheAdmin on the downloads table. The unique index on
// (url, format_id) makes concurrent inserts for one key collapse to a single row.
type PostgresCache struct {
	pool *pgxpool.Pool
}

// NewPostgresPool connects and pings the database
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

func NewPostgresCache(pool *pgxpool.Pool) *PostgresCache {
	return &PostgresCache{pool: pool}
}

// EnsureSchema creates the downloads table and its unique index if missing
func (p *PostgresCache) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, cacheSchema); err != nil {
		return errors.Wrap(err, "create cache schema")
	}
	return nil
}

func (p *PostgresCache) Lookup(ctx context.Context, url, formatID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var fileID string
	err := p.pool.QueryRow(ctx,
		`SELECT file_id FROM downloads WHERE url = $1 AND format_id = $2 LIMIT 1`,
		url, formatID).Scan(&fileID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCacheMiss
		}
		return "", errors.Wrap(ErrCacheBackendUnavailable, err.Error())
	}
	return fileID, nil
}

func (p *PostgresCache) Insert(ctx context.Context, url, formatID, fileID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO downloads (url, format_id, file_id) VALUES ($1, $2, $3)
		 ON CONFLICT (url, format_id) DO NOTHING`,
		url, formatID, fileID)
	if err != nil {
		return false, errors.Wrap(ErrCacheBackendUnavailable, err.Error())
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresCache) List(ctx context.Context, limit int) ([]CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT url, format_id, file_id, created_at FROM downloads ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, errors.Wrap(err, "list cache entries")
	}
	defer rows.Close()

	entries := []CacheEntry{}
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.URL, &e.FormatID, &e.FileID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan cache entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresCache) Delete(ctx context.Context, url, formatID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM downloads WHERE url = $1 AND format_id = $2`, url, formatID)
	if err != nil {
		return false, errors.Wrap(err, "delete cache entry")
	}
	return tag.RowsAffected() > 0, nil
}
