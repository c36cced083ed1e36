package models

import "time"

// RunState is the persisted per-category progress used to resume an
// interrupted run.
type RunState struct {
	Category           string          `bson:"_id" json:"category"`
	Accepted           []Market        `bson:"accepted" json:"accepted"`
	ConsumedArticleIDs map[string]bool `bson:"consumed_article_ids" json:"consumedArticleIds"`
	TargetCount        int             `bson:"target_count" json:"targetCount"`
	UpdatedAt          time.Time       `bson:"updated_at" json:"updatedAt"`
}

// NewRunState returns an empty state for a category.
func NewRunState(category string, target int) *RunState {
	return &RunState{
		Category:           category,
		Accepted:           []Market{},
		ConsumedArticleIDs: map[string]bool{},
		TargetCount:        target,
	}
}

// MarkConsumed records that an article has been processed.
func (s *RunState) MarkConsumed(articleID string) {
	if s.ConsumedArticleIDs == nil {
		s.ConsumedArticleIDs = map[string]bool{}
	}
	s.ConsumedArticleIDs[articleID] = true
}

// IsConsumed reports whether an article was already processed.
func (s *RunState) IsConsumed(articleID string) bool {
	return s.ConsumedArticleIDs[articleID]
}

// Remaining is how many more markets the category needs.
func (s *RunState) Remaining() int {
	if n := s.TargetCount - len(s.Accepted); n > 0 {
		return n
	}
	return 0
}

// Clone returns a deep copy so a stored snapshot is unaffected by later
// mutation of the working state.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.Accepted = make([]Market, len(s.Accepted))
	for i, m := range s.Accepted {
		m.Tags = append([]string(nil), m.Tags...)
		c.Accepted[i] = m
	}
	c.ConsumedArticleIDs = make(map[string]bool, len(s.ConsumedArticleIDs))
	for k, v := range s.ConsumedArticleIDs {
		c.ConsumedArticleIDs[k] = v
	}
	return &c
}

// Event groups the markets of one category in the output document.
type Event struct {
	Category string   `json:"category,omitempty"`
	Markets  []Market `json:"markets"`
}

// OutputDocument is the file produced by a run.
type OutputDocument struct {
	EventsData []Event `json:"eventsData"`
}

// MarketCount returns the number of markets across all events.
func (d *OutputDocument) MarketCount() int {
	n := 0
	for _, e := range d.EventsData {
		n += len(e.Markets)
	}
	return n
}

// CategorySummary reports what a single category produced in a run.
type CategorySummary struct {
	Category     string `json:"category"`
	Requested    int    `json:"requested"`
	Delivered    int    `json:"delivered"`
	Resumed      int    `json:"resumed"`
	ArticlesSeen int    `json:"articlesSeen"`
	Skipped      int    `json:"skipped"`
	Invalid      int    `json:"invalid"`
	Duplicates   int    `json:"duplicates"`
	Widened      bool   `json:"widened"`
	Shortfall    int    `json:"shortfall"`
	Error        string `json:"error,omitempty"`
}

// RunSummary aggregates category results for one pipeline run.
type RunSummary struct {
	RunID      string            `json:"runId"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Output     string            `json:"output"`
	Requested  int               `json:"requested"`
	Delivered  int               `json:"delivered"`
	Skipped    int               `json:"skipped"`
	Duplicates int               `json:"duplicates"`
	Published  int               `json:"published"`
	Categories []CategorySummary `json:"categories"`
}
