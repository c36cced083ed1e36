package models

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Article is a single news item pulled from a feed or search provider.
type Article struct {
	ID          string    `bson:"_id" json:"id"`
	Title       string    `bson:"title" json:"title"`
	Body        string    `bson:"body" json:"body"`
	URL         string    `bson:"url" json:"url"`
	Source      string    `bson:"source" json:"source"`
	Feed        string    `bson:"feed,omitempty" json:"feed,omitempty"`
	PublishedAt time.Time `bson:"published_at" json:"publishedAt"`
}

// ArticleID derives a stable identifier from an article URL. Scheme, host
// case, fragment and trailing slash do not affect the result.
func ArticleID(rawURL string) string {
	sum := sha256.Sum256([]byte(normalizeURL(rawURL)))
	return hex.EncodeToString(sum[:8])
}

func normalizeURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = ""
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return strings.TrimPrefix(u.String(), "//")
}
