package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"Will BTC hit $100k?", "will btc hit 100k", true},
		{"Will  the Fed   cut rates?", "Will the Fed cut rates", true},
		{"Will the Fed cut rates?!", "WILL THE FED CUT RATES.", true},
		{"Will U.S. GDP grow?", "Will US GDP grow", true},
		{"Will Apple-Google merge?", "Will Apple Google merge?", true},
		{"Will the Fed cut rates?", "Will the Fed raise rates?", false},
		{"Will BTC hit 100k in 2025?", "Will BTC hit 100k in 2026?", false},
		{"Will Caf\u00e9 Nero close?", "Will Cafe\u0301 Nero close?", true},
		{"Will Caf\u00e9 Nero close?", "Will Cafe Nero close?", false},
	}

	for _, tt := range tests {
		t.Run(tt.a, func(t *testing.T) {
			got := Fingerprint(tt.a) == Fingerprint(tt.b)
			if got != tt.same {
				t.Errorf("Fingerprint(%q)=%q, Fingerprint(%q)=%q, same=%v want %v",
					tt.a, Fingerprint(tt.a), tt.b, Fingerprint(tt.b), got, tt.same)
			}
		})
	}

	if got := Fingerprint("  Hello,   World!  "); got != "hello world" {
		t.Errorf("Fingerprint = %q, want %q", got, "hello world")
	}
}

func TestSetTryAccept(t *testing.T) {
	s := New()
	if !s.TryAccept("Will X happen?", "world") {
		t.Fatal("first TryAccept rejected")
	}
	if s.TryAccept("will x happen", "politics") {
		t.Fatal("duplicate TryAccept accepted")
	}
	if owner, _ := s.Owner("WILL X HAPPEN"); owner != "world" {
		t.Errorf("owner = %q, want world", owner)
	}
	if !s.IsDuplicate("Will x happen!!") {
		t.Error("IsDuplicate = false")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestSetTryAcceptConcurrent(t *testing.T) {
	s := New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.TryAccept("Will the same question be asked?", fmt.Sprintf("cat-%d", i%4)) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d goroutines accepted the same fingerprint, want 1", wins.Load())
	}
}

func TestSetSeed(t *testing.T) {
	s := New()
	s.Accept("Will A?", "x")
	if n := s.Seed("y", "will a", "Will B?", "will b"); n != 1 {
		t.Errorf("Seed() = %d, want 1", n)
	}
	if owner, _ := s.Owner("Will A?"); owner != "x" {
		t.Errorf("seed overwrote owner: %q", owner)
	}
}

func TestSetRelease(t *testing.T) {
	s := New()
	s.Accept("Will A?", "x")
	s.Release("will a", "y")
	if !s.IsDuplicate("Will A?") {
		t.Fatal("release by non-owner removed the fingerprint")
	}
	s.Release("will a", "x")
	if s.IsDuplicate("Will A?") {
		t.Fatal("release by owner kept the fingerprint")
	}
}
