package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/winefact/winefact/internal/research"
)

type providerStub struct {
	name    string
	results []Result
	err     error
}

func (p *providerStub) Name() string { return p.name }

func (p *providerStub) Search(_ context.Context, _ string, _ int) ([]Result, error) {
	return p.results, p.err
}

func newTestDiscoverer(providers ...Provider) *Discoverer {
	return New(providers, []string{"winesearcher", "serper", "brave"}, 10, time.Second, nil)
}

func TestDiscoverFailSoft(t *testing.T) {
	good := &providerStub{name: "serper", results: []Result{
		{URL: "https://a.example/wine"},
		{URL: "https://b.example/wine"},
	}}
	bad := &providerStub{name: "brave", err: errors.New("rate limited")}

	cands, err := newTestDiscoverer(good, bad).Discover(context.Background(), research.Subject{Name: "Opus One"})
	if err != nil {
		t.Fatalf("one failing provider should not fail discovery: %v", err)
	}
	if len(cands) < 2 {
		t.Fatalf("got %d candidates, want at least the good provider's 2", len(cands))
	}
}

func TestDiscoverAllProvidersFail(t *testing.T) {
	a := &providerStub{name: "serper", err: errors.New("down")}
	b := &providerStub{name: "brave", err: errors.New("down")}

	_, err := newTestDiscoverer(a, b).Discover(context.Background(), research.Subject{Name: "Opus One"})
	if !errors.Is(err, research.ErrAllSourcesUnavailable) {
		t.Fatalf("err = %v, want ErrAllSourcesUnavailable", err)
	}
}

func TestDiscoverDedupAndRank(t *testing.T) {
	a := &providerStub{name: "serper", results: []Result{
		{URL: "https://shared.example/wine/"},
		{URL: "https://only-a.example/wine"},
	}}
	b := &providerStub{name: "brave", results: []Result{
		{URL: "HTTPS://shared.example/wine"},
		{URL: "https://only-b.example/wine"},
	}}

	cands, err := newTestDiscoverer(a, b).Discover(context.Background(), research.Subject{Name: "Opus One"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	seen := map[string]int{}
	for _, c := range cands {
		seen[NormalizeURL(c.URL)]++
	}
	if seen["https://shared.example/wine"] != 1 {
		t.Fatalf("shared URL appears %d times, want 1", seen["https://shared.example/wine"])
	}
	for i, c := range cands {
		if c.Rank != i {
			t.Fatalf("candidate %d has rank %d; ranks must be contiguous", i, c.Rank)
		}
	}
}

func TestDiscoverWineSearcherCandidate(t *testing.T) {
	p := &providerStub{name: "serper", results: []Result{{URL: "https://a.example/wine"}}}
	cands, err := newTestDiscoverer(p).Discover(context.Background(), research.Subject{Name: "Chateau Margaux 2015"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	first := cands[0]
	if first.Provider != "winesearcher" {
		t.Fatalf("first candidate provider = %q, want the composed wine-searcher URL first", first.Provider)
	}
	if first.Rank != 0 {
		t.Fatalf("composed candidate rank = %d, want 0", first.Rank)
	}
}

func TestDiscoverEmptySubject(t *testing.T) {
	p := &providerStub{name: "serper"}
	if _, err := newTestDiscoverer(p).Discover(context.Background(), research.Subject{Name: "  "}); err == nil {
		t.Fatal("expected error for empty subject name")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"HTTPS://Example.com/Wine/", "https://example.com/Wine"},
		{"https://example.com/wine#reviews", "https://example.com/wine"},
		{"example.com/wine", "https://example.com/wine"},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
