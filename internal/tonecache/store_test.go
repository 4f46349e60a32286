package tonecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pinyinvox/pinyinvox/internal/tone"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTest(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "tones.db")
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.clock = clk.Now
	return s, clk
}

var nihao = tone.Result{Text: "ni hao", StyledText: "nǐ hǎo", ToneMarker: "3 3"}

func TestStore_MissThenHit(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})

	if _, ok, err := s.Get(ctx, "ni hao"); err != nil || ok {
		t.Fatalf("Get before Put = ok %v, err %v; want miss", ok, err)
	}
	if err := s.Put(ctx, "ni hao", nihao); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, "ni hao")
	if err != nil || !ok {
		t.Fatalf("Get after Put = ok %v, err %v; want hit", ok, err)
	}
	if got != nihao {
		t.Errorf("Get = %+v, want %+v", got, nihao)
	}
}

func TestStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})

	if err := s.Put(ctx, "ma", tone.Result{Text: "ma", StyledText: "mā", ToneMarker: "1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := tone.Result{Text: "ma", StyledText: "mǎ", ToneMarker: "3"}
	if err := s.Put(ctx, "ma", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _, _ := s.Get(ctx, "ma")
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestStore_TTLExpires(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{TTL: time.Hour})

	if err := s.Put(ctx, "ni hao", nihao); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clk.Advance(59 * time.Minute)
	if _, ok, _ := s.Get(ctx, "ni hao"); !ok {
		t.Fatal("entry expired early")
	}
	clk.Advance(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "ni hao"); ok {
		t.Fatal("expired entry still served")
	}

	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
}

func TestStore_PruneKeepsMostRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, clk := openTest(t, Options{MaxEntries: 2})

	for _, in := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, in, tone.Result{Text: in}); err != nil {
			t.Fatalf("Put %s: %v", in, err)
		}
		clk.Advance(time.Second)
	}
	// Touching "a" makes "b" the least recently used.
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatal("a missing")
	}

	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	for in, want := range map[string]bool{"a": true, "b": false, "c": true} {
		if _, ok, _ := s.Get(ctx, in); ok != want {
			t.Errorf("Get(%q) hit = %v, want %v", in, ok, want)
		}
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tones.db")

	s, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, "ni hao", nihao); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, ok, err := s2.Get(ctx, "ni hao")
	if err != nil || !ok || got != nihao {
		t.Fatalf("Get after reopen = %+v, %v, %v", got, ok, err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatal("Open without a path succeeded")
	}
}
