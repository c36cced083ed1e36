// Package models defines the core data structures for MarketForge.
package models

import (
	"regexp"
	"strings"
)

// Feed is a single RSS/Atom source with optional mirrors tried when the
// primary returns nothing.
type Feed struct {
	URL          string   `toml:"url" json:"url"`
	FallbackURLs []string `toml:"fallback_urls" json:"fallbackUrls,omitempty"`
}

// Category is a named topical grouping with its own feeds and target count.
type Category struct {
	Name          string   `toml:"name" json:"name"`
	Slug          string   `toml:"slug" json:"slug"`
	Feeds         []Feed   `toml:"feeds" json:"feeds"`
	SearchQuery   string   `toml:"search_query" json:"searchQuery,omitempty"`
	Target        int      `toml:"target" json:"target,omitempty"`
	Subcategories []string `toml:"subcategories" json:"subcategories,omitempty"`
}

// Key returns the checkpoint key for the category.
func (c Category) Key() string {
	if c.Slug != "" {
		return c.Slug
	}
	return Slugify(c.Name)
}

// TargetOr returns the category target, or def when none is configured.
func (c Category) TargetOr(def int) int {
	if c.Target > 0 {
		return c.Target
	}
	return def
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a display name into a file- and key-safe slug.
func Slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// DefaultCategories is used when no categories file is present.
var DefaultCategories = []Category{
	{
		Name:          "Politics",
		Slug:          "politics",
		Feeds:         []Feed{{URL: "https://feeds.feedburner.com/ndtvnews-india-news"}},
		Subcategories: []string{"Elections", "Government", "Law", "Public Figures"},
	},
	{
		Name:          "Culture",
		Slug:          "culture",
		Feeds:         []Feed{{URL: "https://www.rollingstone.com/culture/feed/"}},
		Subcategories: []string{"Entertainment", "Awards", "Festivals", "Social Media Trends"},
	},
	{
		Name:          "Crypto",
		Slug:          "crypto",
		Feeds:         []Feed{{URL: "https://cointelegraph.com/rss"}},
		Subcategories: []string{"Crypto", "Currency", "Finance"},
	},
	{
		Name: "Economics",
		Slug: "economics",
		Feeds: []Feed{
			{URL: "https://www.livemint.com/rss/economy"},
			{URL: "https://www.economist.com/finance-and-economics/rss.xml"},
		},
		Subcategories: []string{"Economy", "Trade", "Employment", "Stock Market"},
	},
	{
		Name: "Companies",
		Slug: "companies",
		Feeds: []Feed{
			{URL: "https://techcrunch.com/feed/"},
			{URL: "https://rss.nytimes.com/services/xml/rss/nyt/Business.xml"},
		},
		Subcategories: []string{"Companies", "Startups", "IPOs", "Mergers & Acquisitions"},
	},
	{
		Name: "World",
		Slug: "world",
		Feeds: []Feed{
			{URL: "https://www.aljazeera.com/xml/rss/all.xml"},
			{URL: "https://rss.nytimes.com/services/xml/rss/nyt/World.xml"},
			{URL: "https://feeds.bbci.co.uk/news/world/rss.xml"},
			{URL: "https://www.theguardian.com/world/rss"},
		},
		Subcategories: []string{"World Affairs", "International Relations", "Diplomacy", "Conflict"},
	},
	{
		Name: "Tech & Science",
		Slug: "tech-science",
		Feeds: []Feed{
			{URL: "https://rss.nytimes.com/services/xml/rss/nyt/Technology.xml"},
			{URL: "https://feeds.wired.com/wired/index"},
		},
		Subcategories: []string{"Technology", "Science", "Artificial Intelligence", "Space", "Gadgets"},
	},
}

// AvailableTags is the closed vocabulary markets are tagged from.
var AvailableTags = []string{
	"Politics", "Sports", "Business", "Finance", "Entertainment", "Technology", "Science", "Health",
	"World Affairs", "Climate", "Crypto", "Economy", "Companies", "Consumer Trends", "Travel",
	"Education", "Energy", "Environment", "Weather", "Law", "Government", "Elections", "Stock Market",
	"Startups", "Public Figures", "Awards", "Festivals", "Innovation", "Gadgets", "Artificial Intelligence",
	"Space", "Mergers & Acquisitions", "Real Estate", "Agriculture", "Food & Beverage", "Defense & Military",
	"Currency", "Trade", "Pandemics", "Employment", "Media & News", "Transportation", "Social Media Trends",
	"IPOs", "Court Cases", "Natural Disasters", "Religion", "International Relations", "Diplomacy", "Conflict",
}

var tagIndex = func() map[string]string {
	idx := make(map[string]string, len(AvailableTags))
	for _, t := range AvailableTags {
		idx[strings.ToLower(t)] = t
	}
	return idx
}()

// CanonicalTag maps a tag to its spelling in AvailableTags, ignoring case
// and surrounding whitespace.
func CanonicalTag(tag string) (string, bool) {
	t, ok := tagIndex[strings.ToLower(strings.TrimSpace(tag))]
	return t, ok
}

// GetCategoryByName returns the category with the given name or slug.
func GetCategoryByName(categories []Category, name string) *Category {
	for i := range categories {
		if strings.EqualFold(categories[i].Name, name) || categories[i].Key() == Slugify(name) {
			return &categories[i]
		}
	}
	return nil
}
