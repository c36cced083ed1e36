// Package storage provides MongoDB storage for MarketForge.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leeaandrob/marketforge/internal/models"
)

// Store provides access to all MongoDB collections.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	checkpoints *mongo.Collection
	markets     *mongo.Collection
	runs        *mongo.Collection
}

// NewStore creates a new storage connection.
func NewStore(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	log.Info().Str("db", dbName).Msg("Connected to MongoDB")

	store := &Store{
		client:      client,
		db:          db,
		checkpoints: db.Collection("checkpoints"),
		markets:     db.Collection("markets"),
		runs:        db.Collection("runs"),
	}

	// Initialize indexes
	if err := store.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create some indexes")
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// createIndexes creates necessary indexes for efficient queries.
func (s *Store) createIndexes(ctx context.Context) error {
	// Markets indexes
	marketIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "end_time", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	}
	if _, err := s.markets.Indexes().CreateMany(ctx, marketIndexes); err != nil {
		log.Warn().Err(err).Msg("Failed to create market indexes")
	}

	// Runs indexes
	runIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "startedAt", Value: -1}}},
	}
	if _, err := s.runs.Indexes().CreateMany(ctx, runIndexes); err != nil {
		log.Warn().Err(err).Msg("Failed to create run indexes")
	}

	return nil
}

// ============================================================================
// CHECKPOINT OPERATIONS
// ============================================================================

// Load returns the checkpoint for a category, or nil when none exists.
func (s *Store) Load(ctx context.Context, category string) (*models.RunState, error) {
	var state models.RunState
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": models.Slugify(category)}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state.ConsumedArticleIDs == nil {
		state.ConsumedArticleIDs = map[string]bool{}
	}
	// _id holds the slug; restore the display name
	state.Category = category
	return &state, nil
}

// Save replaces the checkpoint document for a category. A single-document
// replace is atomic in MongoDB.
func (s *Store) Save(ctx context.Context, category string, state *models.RunState) error {
	doc := *state
	doc.Category = models.Slugify(category)

	filter := bson.M{"_id": doc.Category}
	opts := options.Replace().SetUpsert(true)

	_, err := s.checkpoints.ReplaceOne(ctx, filter, doc, opts)
	return err
}

// Clear deletes the checkpoint for a category.
func (s *Store) Clear(ctx context.Context, category string) error {
	_, err := s.checkpoints.DeleteOne(ctx, bson.M{"_id": models.Slugify(category)})
	return err
}

// List returns the slugs of all stored checkpoints.
func (s *Store) List(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.checkpoints.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out, nil
}

// ============================================================================
// MARKET OPERATIONS
// ============================================================================

// Name identifies the store as a publisher in logs.
func (s *Store) Name() string { return "mongo" }

// Publish archives the markets of a run. Markets already archived are left
// untouched. An id already archived under a different title is an error.
func (s *Store) Publish(ctx context.Context, markets []models.Market) (int, error) {
	published := 0
	for i := range markets {
		update := bson.M{"$setOnInsert": markets[i]}
		opts := options.Update().SetUpsert(true)

		res, err := s.markets.UpdateOne(ctx, publishFilter(markets[i]), update, opts)
		if mongo.IsDuplicateKeyError(err) {
			return published, fmt.Errorf("market id %s already archived with another title", markets[i].ID)
		}
		if err != nil {
			return published, err
		}
		if res.UpsertedCount > 0 {
			published++
		}
	}
	return published, nil
}

// publishFilter matches a market by id and title, so an upsert whose id is
// taken by a different market fails on the _id index instead of matching.
func publishFilter(m models.Market) bson.M {
	return bson.M{"_id": m.ID, "title": m.Title}
}

// GetMarketsByCategory returns the most recent markets for a category.
func (s *Store) GetMarketsByCategory(ctx context.Context, category string, limit int) ([]models.Market, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	return s.findMarkets(ctx, bson.M{"category": category}, opts)
}

// GetRecentMarkets returns markets created within the given duration.
func (s *Store) GetRecentMarkets(ctx context.Context, since time.Duration, limit int) ([]models.Market, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	filter := bson.M{"created_at": bson.M{"$gte": time.Now().Add(-since)}}
	return s.findMarkets(ctx, filter, opts)
}

func (s *Store) findMarkets(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Market, error) {
	cursor, err := s.markets.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var markets []models.Market
	if err := cursor.All(ctx, &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// ============================================================================
// RUN OPERATIONS
// ============================================================================

// RecordRun stores a run summary.
func (s *Store) RecordRun(ctx context.Context, summary *models.RunSummary) error {
	doc := bson.M{
		"_id":        summary.RunID,
		"startedAt":  summary.StartedAt,
		"finishedAt": summary.FinishedAt,
		"output":     summary.Output,
		"requested":  summary.Requested,
		"delivered":  summary.Delivered,
		"skipped":    summary.Skipped,
		"duplicates": summary.Duplicates,
		"published":  summary.Published,
		"categories": summary.Categories,
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.runs.ReplaceOne(ctx, bson.M{"_id": summary.RunID}, doc, opts)
	return err
}

// ============================================================================
// STATS OPERATIONS
// ============================================================================

// Stats holds general statistics.
type Stats struct {
	TotalMarkets int64 `json:"total_markets"`
	TodayMarkets int64 `json:"today_markets"`
	TotalRuns    int64 `json:"total_runs"`
	Checkpoints  int64 `json:"checkpoints"`
}

// GetStats returns general statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var err error
	stats.TotalMarkets, err = s.markets.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	stats.TodayMarkets, err = s.markets.CountDocuments(ctx, bson.M{"created_at": bson.M{"$gte": today}})
	if err != nil {
		return nil, err
	}

	stats.TotalRuns, err = s.runs.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	stats.Checkpoints, err = s.checkpoints.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	return stats, nil
}
