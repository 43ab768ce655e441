package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TreeRepository persists realtime tree shards, one JSONB document per user
type TreeRepository struct {
	db *pgxpool.Pool
}

// NewTreeRepository creates a new tree repository
func NewTreeRepository(db *pgxpool.Pool) *TreeRepository {
	return &TreeRepository{db: db}
}

// LoadShards reads every stored shard keyed by its tree path
func (r *TreeRepository) LoadShards(ctx context.Context) (map[string]any, error) {
	rows, err := r.db.Query(ctx, `SELECT key, doc FROM tree_shards`)
	if err != nil {
		return nil, fmt.Errorf("failed to load shards: %w", err)
	}
	defer rows.Close()

	shards := make(map[string]any)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan shard: %w", err)
		}
		var value any
		if err := json.Unmarshal(doc, &value); err != nil {
			return nil, fmt.Errorf("failed to decode shard %q: %w", key, err)
		}
		shards[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shards: %w", err)
	}
	return shards, nil
}

// SaveShard inserts or replaces a shard
func (r *TreeRepository) SaveShard(ctx context.Context, key string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode shard %q: %w", key, err)
	}
	query := `
		INSERT INTO tree_shards (key, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, key, doc); err != nil {
		return fmt.Errorf("failed to save shard: %w", err)
	}
	return nil
}

// DeleteShard removes a shard
func (r *TreeRepository) DeleteShard(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM tree_shards WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete shard: %w", err)
	}
	return nil
}
