package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

// categoriesFile is the on-disk layout of the categories file:
//
//	[[category]]
//	name = "Crypto"
//	target = 30
//	search_query = "bitcoin ethereum regulation"
//	subcategories = ["Crypto", "Finance"]
//
//	  [[category.feeds]]
//	  url = "https://cointelegraph.com/rss"
//	  fallback_urls = ["https://cointelegraph.com/feed"]
type categoriesFile struct {
	Category []models.Category `toml:"category"`
}

// LoadCategories reads category definitions from a TOML file. A missing
// file yields the built-in defaults.
func LoadCategories(path string) ([]models.Category, error) {
	if path == "" {
		return cloneDefaults(), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", path).Msg("No categories file found, using built-in categories")
		return cloneDefaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read categories file: %w", err)
	}

	return ParseCategories(string(data))
}

// ParseCategories decodes the TOML categories document.
func ParseCategories(doc string) ([]models.Category, error) {
	var f categoriesFile
	if _, err := toml.Decode(doc, &f); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}

	seen := make(map[string]bool, len(f.Category))
	out := make([]models.Category, 0, len(f.Category))
	for i, c := range f.Category {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, fmt.Errorf("category #%d has no name", i+1)
		}
		if c.Slug == "" {
			c.Slug = models.Slugify(c.Name)
		}
		if seen[c.Slug] {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Slug] = true
		if c.Target < 0 {
			return nil, fmt.Errorf("category %q has negative target", c.Name)
		}
		out = append(out, c)
	}
	return out, nil
}

func cloneDefaults() []models.Category {
	out := make([]models.Category, len(models.DefaultCategories))
	copy(out, models.DefaultCategories)
	return out
}
