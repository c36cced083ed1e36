package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/leeaandrob/marketforge/internal/models"
)

const checkpointPrefix = "marketforge:checkpoint:"

func checkpointKey(category string) string { return checkpointPrefix + models.Slugify(category) }

// CheckpointStore keeps one JSON-encoded RunState per category. A SET
// replaces the value atomically.
//
// Key schema:
//
//	marketforge:checkpoint:{slug} - string value containing JSON
type CheckpointStore struct {
	rdb *redis.Client
}

// NewCheckpointStore creates a CheckpointStore backed by the given Client.
func NewCheckpointStore(c *Client) *CheckpointStore {
	return &CheckpointStore{rdb: c.rdb}
}

// Load returns the checkpoint for a category, or nil when absent.
func (s *CheckpointStore) Load(ctx context.Context, category string) (*models.RunState, error) {
	data, err := s.rdb.Get(ctx, checkpointKey(category)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: get checkpoint %s: %w", category, err)
	}

	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("redis: unmarshal checkpoint %s: %w", category, err)
	}
	if state.ConsumedArticleIDs == nil {
		state.ConsumedArticleIDs = map[string]bool{}
	}
	return &state, nil
}

// Save stores the checkpoint for a category without expiry.
func (s *CheckpointStore) Save(ctx context.Context, category string, state *models.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal checkpoint %s: %w", category, err)
	}
	if err := s.rdb.Set(ctx, checkpointKey(category), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set checkpoint %s: %w", category, err)
	}
	return nil
}

// Clear deletes the checkpoint for a category.
func (s *CheckpointStore) Clear(ctx context.Context, category string) error {
	if err := s.rdb.Del(ctx, checkpointKey(category)).Err(); err != nil {
		return fmt.Errorf("redis: del checkpoint %s: %w", category, err)
	}
	return nil
}

// List returns the slugs of all stored checkpoints.
func (s *CheckpointStore) List(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, checkpointPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), checkpointPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan checkpoints: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
