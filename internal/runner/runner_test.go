package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/leeaandrob/marketforge/internal/checkpoint"
	"github.com/leeaandrob/marketforge/internal/dedup"
	"github.com/leeaandrob/marketforge/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testCategory = models.Category{Name: "Economics", Slug: "economics"}

// fakeSource serves a fixed article pool, honouring the window and the
// consumed set the way the feed-backed source does.
type fakeSource struct {
	articles []models.Article
	windows  []time.Duration
}

func (f *fakeSource) Fetch(_ context.Context, _ models.Category, window time.Duration, consumed map[string]bool) ([]models.Article, error) {
	f.windows = append(f.windows, window)
	cutoff := testNow.Add(-window)
	var out []models.Article
	for _, a := range f.articles {
		if a.PublishedAt.Before(cutoff) || consumed[a.ID] {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []string
	override map[string]func(ctx context.Context) (*models.MarketCandidate, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, a models.Article, cat models.Category) (*models.MarketCandidate, error) {
	g.mu.Lock()
	g.calls = append(g.calls, a.ID)
	fn := g.override[a.ID]
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return &models.MarketCandidate{
		Title:            fmt.Sprintf("Will %s happen?", a.Title),
		Description:      "desc",
		Category:         cat.Name,
		Tags:             []string{"Economy"},
		EndTime:          testNow.Add(30 * 24 * time.Hour),
		ResolutionSource: a.URL,
		ArticleID:        a.ID,
	}, nil
}

// flakyStore fails every Save after the first okSaves calls.
type flakyStore struct {
	*checkpoint.MemoryStore
	okSaves int
	saves   int
}

func (f *flakyStore) Save(ctx context.Context, category string, state *models.RunState) error {
	f.saves++
	if f.saves > f.okSaves {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, category, state)
}

func article(id string, age time.Duration) models.Article {
	return models.Article{
		ID:          id,
		Title:       "event " + id,
		URL:         "https://news.example.com/" + id,
		PublishedAt: testNow.Add(-age),
	}
}

func newTestRunner(src ArticleSource, gen MarketGenerator, store checkpoint.Store, seen *dedup.Set) *Runner {
	return New(src, gen, store, seen, Config{
		Window:         24 * time.Hour,
		FallbackFactor: 2,
		Now:            func() time.Time { return testNow },
	})
}

func TestRunStopsAtTarget(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article("a1", time.Hour), article("a2", 2*time.Hour), article("a3", 3*time.Hour),
		article("a4", 4*time.Hour), article("a5", 5*time.Hour),
	}}
	gen := &fakeGenerator{}
	store := checkpoint.NewMemoryStore()

	markets, summary, err := newTestRunner(src, gen, store, dedup.New()).Run(context.Background(), testCategory, 3)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(markets) != 3 {
		t.Fatalf("got %d markets, want 3", len(markets))
	}
	if diff := cmp.Diff([]string{"a1", "a2", "a3"}, gen.calls); diff != "" {
		t.Errorf("generator calls (-want +got):\n%s", diff)
	}
	for i, m := range markets {
		if want := "https://news.example.com/" + gen.calls[i]; m.ResolutionSource != want {
			t.Errorf("market %d resolutionSource = %q, want %q", i, m.ResolutionSource, want)
		}
		if m.Status != models.StatusOpen || m.Result != nil || !m.StartTime.Equal(testNow) {
			t.Errorf("market %d not materialized: %+v", i, m)
		}
	}
	if summary.Delivered != 3 || summary.Shortfall != 0 || summary.Widened {
		t.Errorf("summary = %+v", summary)
	}
	if state, _ := store.Load(context.Background(), "economics"); state != nil {
		t.Errorf("checkpoint not cleared after reaching target: %+v", state)
	}
}

func TestRunWidensOnceAndReportsShortfall(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article("fresh", time.Hour),
		article("older", 36*time.Hour),
		article("ancient", 100*time.Hour),
	}}
	gen := &fakeGenerator{}
	store := checkpoint.NewMemoryStore()

	markets, summary, err := newTestRunner(src, gen, store, dedup.New()).Run(context.Background(), testCategory, 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(markets))
	}
	if diff := cmp.Diff([]time.Duration{24 * time.Hour, 48 * time.Hour}, src.windows); diff != "" {
		t.Errorf("fetch windows (-want +got):\n%s", diff)
	}
	if !summary.Widened || summary.Shortfall != 3 || summary.Delivered != 2 {
		t.Errorf("summary = %+v", summary)
	}

	state, err := store.Load(context.Background(), "economics")
	if err != nil || state == nil {
		t.Fatalf("shortfall checkpoint missing: %v", err)
	}
	if len(state.Accepted) != 2 || !state.IsConsumed("fresh") || !state.IsConsumed("older") {
		t.Errorf("checkpoint = %+v", state)
	}
}

func TestRunEmptyPoolGoesStraightToWidening(t *testing.T) {
	src := &fakeSource{}
	markets, summary, err := newTestRunner(src, &fakeGenerator{}, checkpoint.NewMemoryStore(), dedup.New()).
		Run(context.Background(), testCategory, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 0 || !summary.Widened || summary.Shortfall != 2 {
		t.Errorf("markets = %d, summary = %+v", len(markets), summary)
	}
	if len(src.windows) != 2 {
		t.Errorf("fetched %d times, want 2", len(src.windows))
	}
}

func TestRunResumesWithoutRegenerating(t *testing.T) {
	pool := []models.Article{
		article("a1", time.Hour), article("a2", 2*time.Hour), article("a3", 3*time.Hour),
		article("a4", 4*time.Hour), article("a5", 5*time.Hour),
	}
	store := checkpoint.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := &fakeGenerator{override: map[string]func(context.Context) (*models.MarketCandidate, error){
		"a3": func(ctx context.Context) (*models.MarketCandidate, error) {
			cancel()
			return nil, ctx.Err()
		},
	}}
	_, _, err := newTestRunner(&fakeSource{articles: pool}, interrupted, store, dedup.New()).Run(ctx, testCategory, 4)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted Run() error = %v, want context.Canceled", err)
	}

	saved, err := store.Load(context.Background(), "economics")
	if err != nil || saved == nil {
		t.Fatalf("checkpoint missing after interruption: %v", err)
	}
	if len(saved.Accepted) != 2 {
		t.Fatalf("checkpoint has %d accepted, want 2", len(saved.Accepted))
	}

	resumed := &fakeGenerator{}
	markets, summary, err := newTestRunner(&fakeSource{articles: pool}, resumed, store, dedup.New()).
		Run(context.Background(), testCategory, 4)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}

	if diff := cmp.Diff(saved.Accepted, markets[:2]); diff != "" {
		t.Errorf("resumed prefix changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a3", "a4"}, resumed.calls); diff != "" {
		t.Errorf("resumed generator calls (-want +got):\n%s", diff)
	}
	if len(markets) != 4 || summary.Resumed != 2 {
		t.Errorf("markets = %d, summary = %+v", len(markets), summary)
	}
}

func TestRunCompletedCheckpointIsReturnedAsIs(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	state := models.NewRunState("economics", 1)
	state.Accepted = []models.Market{{ID: "market_1", Title: "Will X?"}}
	if err := store.Save(context.Background(), "economics", state); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{}
	seen := dedup.New()
	markets, _, err := newTestRunner(&fakeSource{articles: []models.Article{article("a1", time.Hour)}}, gen, store, seen).
		Run(context.Background(), testCategory, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "market_1" || len(gen.calls) != 0 {
		t.Errorf("markets = %+v, calls = %v", markets, gen.calls)
	}
	if !seen.IsDuplicate("will x") {
		t.Error("resumed titles were not seeded into the dedup set")
	}
}

func TestRunCheckpointFailureKeepsPreviousState(t *testing.T) {
	store := &flakyStore{MemoryStore: checkpoint.NewMemoryStore(), okSaves: 1}
	src := &fakeSource{articles: []models.Article{article("a1", time.Hour), article("a2", 2*time.Hour)}}
	seen := dedup.New()

	_, _, err := newTestRunner(src, &fakeGenerator{}, store, seen).Run(context.Background(), testCategory, 2)
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("Run() error = %v, want ErrPersistence", err)
	}

	state, _ := store.Load(context.Background(), "economics")
	if state == nil || len(state.Accepted) != 1 || state.IsConsumed("a2") {
		t.Fatalf("checkpoint = %+v, want only the first accept", state)
	}
	if seen.IsDuplicate("Will event a2 happen?") {
		t.Error("unpersisted market left its fingerprint behind")
	}
}

func TestRunRejectsInvalidCandidates(t *testing.T) {
	src := &fakeSource{articles: []models.Article{
		article("no-end", time.Hour), article("past", 2*time.Hour), article("no-tags", 3*time.Hour), article("ok", 4*time.Hour),
	}}
	gen := &fakeGenerator{override: map[string]func(context.Context) (*models.MarketCandidate, error){
		"no-end": func(context.Context) (*models.MarketCandidate, error) {
			return &models.MarketCandidate{Title: "Will A?", Tags: []string{"Economy"}, ResolutionSource: "u"}, nil
		},
		"past": func(context.Context) (*models.MarketCandidate, error) {
			return &models.MarketCandidate{Title: "Will B?", Tags: []string{"Economy"}, ResolutionSource: "u", EndTime: testNow.Add(-time.Hour)}, nil
		},
		"no-tags": func(context.Context) (*models.MarketCandidate, error) {
			return &models.MarketCandidate{Title: "Will C?", ResolutionSource: "u", EndTime: testNow.Add(time.Hour)}, nil
		},
	}}
	store := checkpoint.NewMemoryStore()

	markets, summary, err := newTestRunner(src, gen, store, dedup.New()).Run(context.Background(), testCategory, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 1 || markets[0].Title != "Will event ok happen?" {
		t.Fatalf("markets = %+v", markets)
	}
	if summary.Invalid != 3 || summary.Shortfall != 1 {
		t.Errorf("summary = %+v", summary)
	}
	state, _ := store.Load(context.Background(), "economics")
	for _, id := range []string{"no-end", "past", "no-tags", "ok"} {
		if !state.IsConsumed(id) {
			t.Errorf("article %s not marked consumed", id)
		}
	}
}

func TestRunSameEventThreeWays(t *testing.T) {
	titles := map[string]string{
		"x1": "Will the Fed cut rates in June?",
		"x2": "will the fed cut rates in june",
		"x3": "Will the Fed cut rates, in June?!",
	}
	gen := &fakeGenerator{override: map[string]func(context.Context) (*models.MarketCandidate, error){}}
	for id, title := range titles {
		id, title := id, title
		gen.override[id] = func(context.Context) (*models.MarketCandidate, error) {
			return &models.MarketCandidate{
				Title:            title,
				Tags:             []string{"Economy"},
				EndTime:          testNow.Add(24 * time.Hour),
				ResolutionSource: "https://news.example.com/" + id,
			}, nil
		}
	}
	src := &fakeSource{articles: []models.Article{article("x1", time.Hour), article("x2", 2*time.Hour), article("x3", 3*time.Hour)}}

	markets, summary, err := newTestRunner(src, gen, checkpoint.NewMemoryStore(), dedup.New()).Run(context.Background(), testCategory, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 1 || markets[0].ResolutionSource != "https://news.example.com/x1" {
		t.Fatalf("markets = %+v", markets)
	}
	if summary.Duplicates != 2 || summary.Shortfall != 1 || summary.Delivered != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunCategoryTimeoutIsExhaustion(t *testing.T) {
	gen := &fakeGenerator{override: map[string]func(context.Context) (*models.MarketCandidate, error){
		"slow": func(ctx context.Context) (*models.MarketCandidate, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	src := &fakeSource{articles: []models.Article{article("fast", time.Hour), article("slow", 2*time.Hour)}}
	store := checkpoint.NewMemoryStore()
	r := New(src, gen, store, dedup.New(), Config{
		Window:          24 * time.Hour,
		CategoryTimeout: 50 * time.Millisecond,
		Now:             func() time.Time { return testNow },
	})

	markets, summary, err := r.Run(context.Background(), testCategory, 3)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 1 || summary.Shortfall != 2 {
		t.Errorf("markets = %d, summary = %+v", len(markets), summary)
	}
	state, _ := store.Load(context.Background(), "economics")
	if state == nil || len(state.Accepted) != 1 || state.IsConsumed("slow") {
		t.Errorf("checkpoint = %+v", state)
	}
}

func TestRunSharesFingerprintsAcrossCategories(t *testing.T) {
	seen := dedup.New()
	seen.Accept("Will event a1 happen?", "Politics")

	src := &fakeSource{articles: []models.Article{article("a1", time.Hour), article("a2", 2*time.Hour)}}
	markets, summary, err := newTestRunner(src, &fakeGenerator{}, checkpoint.NewMemoryStore(), seen).
		Run(context.Background(), testCategory, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 1 || summary.Duplicates != 1 {
		t.Errorf("markets = %d, summary = %+v", len(markets), summary)
	}
}

func TestRunRejectsTitlesWithoutWords(t *testing.T) {
	src := &fakeSource{articles: []models.Article{article("q1", time.Hour), article("q2", 2*time.Hour)}}
	gen := &fakeGenerator{override: map[string]func(context.Context) (*models.MarketCandidate, error){}}
	for id, title := range map[string]string{"q1": "?", "q2": " ?!- "} {
		title := title
		gen.override[id] = func(context.Context) (*models.MarketCandidate, error) {
			return &models.MarketCandidate{
				Title:            title,
				Tags:             []string{"Economy"},
				EndTime:          testNow.Add(24 * time.Hour),
				ResolutionSource: "https://news.example.com/q",
			}, nil
		}
	}
	seen := dedup.New()

	markets, summary, err := newTestRunner(src, gen, checkpoint.NewMemoryStore(), seen).
		Run(context.Background(), testCategory, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(markets) != 0 {
		t.Fatalf("markets = %+v, want none", markets)
	}
	if summary.Invalid != 2 || summary.Duplicates != 0 || summary.Shortfall != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if seen.Len() != 0 {
		t.Errorf("dedup set holds %d fingerprints, want 0", seen.Len())
	}
}

func TestRunDropsResumedMarketOwnedElsewhere(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	state := models.NewRunState("economics", 2)
	state.Accepted = []models.Market{{ID: "market_1", Title: "Will X?"}}
	if err := store.Save(context.Background(), "economics", state); err != nil {
		t.Fatal(err)
	}

	seen := dedup.New()
	seen.Seed("Politics", "Will X?")

	src := &fakeSource{articles: []models.Article{article("a1", time.Hour), article("a2", 2*time.Hour)}}
	markets, summary, err := newTestRunner(src, &fakeGenerator{}, store, seen).
		Run(context.Background(), testCategory, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var titles []string
	for _, m := range markets {
		titles = append(titles, m.Title)
	}
	if diff := cmp.Diff([]string{"Will event a1 happen?", "Will event a2 happen?"}, titles); diff != "" {
		t.Errorf("titles (-want +got):\n%s", diff)
	}
	if summary.Resumed != 0 {
		t.Errorf("Resumed = %d, want 0", summary.Resumed)
	}
	if owner, _ := seen.Owner("Will X?"); owner != "Politics" {
		t.Errorf("owner = %q, want Politics", owner)
	}
}
