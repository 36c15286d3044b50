// Package discovery finds candidate source URLs for a subject by fanning
// out to external search providers, merging and ranking their results.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winefact/winefact/internal/research"
)

// Result is one raw provider hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Provider is an external search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// Discoverer queries all providers in parallel and merges their results
// into a bounded, ranked candidate list.
type Discoverer struct {
	providers []Provider
	priority  map[string]int // provider name -> priority, lower wins ties
	max       int
	timeout   time.Duration
	logger    *log.Logger
}

func New(providers []Provider, priorityOrder []string, maxCandidates int, timeout time.Duration, logger *log.Logger) *Discoverer {
	if maxCandidates <= 0 {
		maxCandidates = 10
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags)
	}
	prio := make(map[string]int, len(priorityOrder))
	for i, name := range priorityOrder {
		prio[name] = i
	}
	return &Discoverer{providers: providers, priority: prio, max: maxCandidates, timeout: timeout, logger: logger}
}

type providerHit struct {
	res      Result
	provider string
	pos      int // provider-reported order
}

// Discover implements research.Discoverer. Providers fail soft: an erroring
// or timed-out provider only loses its own results. When every provider
// fails, ErrAllSourcesUnavailable surfaces to the caller.
func (d *Discoverer) Discover(ctx context.Context, subject research.Subject) ([]research.SourceCandidate, error) {
	if strings.TrimSpace(subject.Name) == "" {
		return nil, fmt.Errorf("subject name required")
	}
	query := buildQuery(subject)

	var (
		mu       sync.Mutex
		hits     []providerHit
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.timeout)
			defer cancel()
			results, err := p.Search(pctx, query, d.max)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Printf("provider %s failed, dropping its results: %v", p.Name(), err)
				failures++
				return nil
			}
			for i, r := range results {
				hits = append(hits, providerHit{res: r, provider: p.Name(), pos: i})
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(d.providers) > 0 && failures == len(d.providers) {
		return nil, research.ErrAllSourcesUnavailable
	}

	candidates := d.merge(hits)

	// A subject that parses as wine name + vintage gets a deterministic
	// wine-searcher candidate ahead of provider hits.
	if ws, ok := wineSearcherCandidate(subject); ok {
		candidates = prepend(candidates, ws)
	}

	if len(candidates) > d.max {
		candidates = candidates[:d.max]
	}
	for i := range candidates {
		candidates[i].Rank = i
		candidates[i].DiscoveredAt = time.Now().UTC()
	}
	return candidates, nil
}

// merge deduplicates hits by normalized URL, keeping the best-ranked
// occurrence, then orders by provider position and provider priority.
func (d *Discoverer) merge(hits []providerHit) []research.SourceCandidate {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].pos != hits[j].pos {
			return hits[i].pos < hits[j].pos
		}
		return d.prio(hits[i].provider) < d.prio(hits[j].provider)
	})
	seen := make(map[string]struct{}, len(hits))
	out := make([]research.SourceCandidate, 0, len(hits))
	for _, h := range hits {
		norm := NormalizeURL(h.res.URL)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, research.SourceCandidate{URL: h.res.URL, Provider: h.provider})
	}
	return out
}

func (d *Discoverer) prio(name string) int {
	if p, ok := d.priority[name]; ok {
		return p
	}
	return len(d.priority)
}

func prepend(cands []research.SourceCandidate, c research.SourceCandidate) []research.SourceCandidate {
	norm := NormalizeURL(c.URL)
	for _, existing := range cands {
		if NormalizeURL(existing.URL) == norm {
			return cands
		}
	}
	return append([]research.SourceCandidate{c}, cands...)
}

func buildQuery(subject research.Subject) string {
	parts := []string{subject.Name}
	for _, key := range []string{"producer", "region", "vintage"} {
		if v := subject.Attrs[key]; v != "" && !strings.Contains(strings.ToLower(subject.Name), strings.ToLower(v)) {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// NormalizeURL lowercases scheme and host, strips fragments and trailing
// slashes so the same page discovered twice dedups to one candidate.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	u.Fragment = ""
	if u.Scheme == "" {
		u.Scheme = "https"
	} else {
		u.Scheme = strings.ToLower(u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}
