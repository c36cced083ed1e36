// Package dedup tracks market title fingerprints so that no two markets in a
// run share a question.
package dedup

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint normalizes a market title: NFC-composed, case-folded,
// punctuation and symbols removed, whitespace collapsed. Titles that differ
// only in those respects share a fingerprint.
func Fingerprint(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	space := false
	for _, r := range strings.ToLower(norm.NFC.String(title)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		default:
			// word separators; any other punctuation or symbol is dropped
			if r == '-' || r == '/' || r == '_' {
				space = true
			}
		}
	}
	return b.String()
}

// Set is the run-wide fingerprint registry. It is safe for concurrent use.
type Set struct {
	mu   sync.Mutex
	seen map[string]string // fingerprint -> owning category
}

// New returns an empty Set.
func New() *Set {
	return &Set{seen: make(map[string]string)}
}

// IsDuplicate reports whether a title's fingerprint has already been accepted.
func (s *Set) IsDuplicate(title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[Fingerprint(title)]
	return ok
}

// Accept records a title's fingerprint unconditionally.
func (s *Set) Accept(title, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[Fingerprint(title)] = category
}

// TryAccept atomically checks and records a title. It returns false when the
// fingerprint was already present, in which case nothing changes.
func (s *Set) TryAccept(title, category string) bool {
	fp := Fingerprint(title)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; ok {
		return false
	}
	s.seen[fp] = category
	return true
}

// Release forgets a title accepted by category, so a decision that could
// not be persisted does not block a later attempt. Titles owned by another
// category are left alone.
func (s *Set) Release(title, category string) {
	fp := Fingerprint(title)

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.seen[fp]; ok && owner == category {
		delete(s.seen, fp)
	}
}

// Seed records titles restored from a checkpoint. Titles already present are
// left with their existing owner; the number newly recorded is returned.
func (s *Set) Seed(category string, titles ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range titles {
		fp := Fingerprint(t)
		if _, ok := s.seen[fp]; ok {
			continue
		}
		s.seen[fp] = category
		n++
	}
	return n
}

// Owner returns the category that accepted a title, if any.
func (s *Set) Owner(title string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.seen[Fingerprint(title)]
	return c, ok
}

// Len returns the number of distinct fingerprints.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
