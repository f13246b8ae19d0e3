package planner

import (
	"context"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lysyi3m/outing-planner/app/ai"
	"github.com/lysyi3m/outing-planner/app/cache"
	"github.com/lysyi3m/outing-planner/app/cfg"
	"github.com/lysyi3m/outing-planner/app/web"
)

const maxGeographyRunes = 200

// resolveGeography asks for a nearby-region OR fragment and falls back to
// the raw location.
func (r *run) resolveGeography(ctx context.Context) string {
	fallback := r.trigger.Location

	resp := r.o.ai.Invoke(ctx, ai.Request{
		Label:     "geography",
		Prompt:    geographyPrompt(r.trigger.Location, r.trigger.TransportMode),
		Model:     r.o.lightModel,
		MaxTokens: 200,
	})
	if resp == nil {
		r.stats.Geography = fallback
		return fallback
	}

	fragment := strings.Trim(strings.TrimSpace(firstLine(resp.Text)), "`")
	if fragment == "" || utf8.RuneCountInString(fragment) > maxGeographyRunes {
		r.log.Warn("Unusable geography fragment, using location", "fragment", fragment)
		fragment = fallback
	}

	r.stats.Geography = fragment
	return fragment
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "```") {
			return line
		}
	}
	return ""
}

type query struct {
	Interest string
	Text     string
}

// buildQueries issues one query per distinct interest.
func buildQueries(interests []string, geography string, s *cfg.Settings) []query {
	audience := orGroup(s.AudienceTerms)
	event := ""
	if len(s.EventTerms) > 0 {
		event = s.EventTerms[0]
	}

	seen := make(map[string]bool)
	var queries []query
	for _, interest := range interests {
		key := normalizeText(interest)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		var parts []string
		for _, p := range []string{interest, audience, event, geography} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		queries = append(queries, query{Interest: interest, Text: strings.Join(parts, " ")})
	}
	return queries
}

func orGroup(terms []string) string {
	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	default:
		return "(" + strings.Join(terms, " OR ") + ")"
	}
}

// candidateSet keeps candidates in discovery order, unique by identity.
type candidateSet struct {
	items []Candidate
	seen  map[string]bool
}

func newCandidateSet() *candidateSet {
	return &candidateSet{seen: make(map[string]bool)}
}

func (s *candidateSet) add(c Candidate) bool {
	id := c.Identity()
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	s.items = append(s.items, c)
	return true
}

func (r *run) discover(ctx context.Context, queries []query) []Candidate {
	set := newCandidateSet()
	excluded := r.o.settings.ExcludedDomains

	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}

		results := r.o.search.Search(ctx, q.Text, r.o.settings.Limits.SearchCount)
		r.stats.SearchResults += len(results)
		r.log.Debug("Search completed", "query", q.Text, "results", len(results))

		for _, res := range results {
			if res.URL == "" || web.HostExcluded(res.URL, excluded) {
				continue
			}
			set.add(Candidate{
				EventName: res.Title,
				URL:       res.URL,
				Snippet:   res.Snippet,
				Interest:  q.Interest,
				Source:    SourceSearch,
			})
		}
	}

	return set.items
}

func (r *run) isListing(c Candidate) bool {
	lowerURL := strings.ToLower(c.URL)
	for _, hint := range r.o.settings.ListingHints {
		if hint == "" {
			continue
		}
		if strings.Contains(lowerURL, strings.ToLower(hint)) || strings.Contains(c.EventName, hint) {
			return true
		}
	}
	return false
}

type expansion struct {
	index    int
	children []Candidate
}

// expandListings replaces listing pages with the events they link to. The
// stage is time boxed: when the budget runs out it stops starting new work
// and continues with whatever was collected, leaving in-flight calls alone.
func (r *run) expandListings(ctx context.Context, candidates []Candidate) []Candidate {
	var listings []int
	for i, c := range candidates {
		if len(listings) >= r.o.settings.Limits.MaxListingPages {
			break
		}
		if r.isListing(c) {
			listings = append(listings, i)
		}
	}
	if len(listings) == 0 {
		return candidates
	}
	r.stats.ListingPages = len(listings)

	started := time.Now()
	defer func() { r.listingSpent = time.Since(started) }()

	budget := r.o.settings.ListExpansionBudget()
	stop := make(chan struct{})
	results := make(chan expansion, len(listings))

	for _, idx := range listings {
		go func(idx int) {
			results <- expansion{index: idx, children: r.expandOne(ctx, stop, candidates[idx])}
		}(idx)
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	finished := make(map[int]bool)
	expanded := make(map[int]bool)
	var children []Candidate

collect:
	for range listings {
		select {
		case e := <-results:
			finished[e.index] = true
			if len(e.children) > 0 {
				expanded[e.index] = true
				children = append(children, e.children...)
			}
		case <-timer.C:
			close(stop)
			r.stats.ListingTimedOut = true
			r.log.Warn("Listing expansion time box reached", "budget", budget.String(), "finished", len(finished), "pending", len(listings)-len(finished))
			break collect
		}
	}

	pending := make(map[int]bool)
	for _, idx := range listings {
		if !finished[idx] {
			pending[idx] = true
		}
	}

	// Listings that yielded nothing are still inspected; unfinished ones are
	// dropped with the time box.
	set := newCandidateSet()
	for i, c := range candidates {
		if !expanded[i] && !pending[i] {
			set.add(c)
		}
	}
	for _, c := range children {
		if set.add(c) {
			r.stats.ListingChildren++
		}
	}

	return set.items
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// expandOne must not touch run state: it may outlive the stage.
func (r *run) expandOne(ctx context.Context, stop <-chan struct{}, listing Candidate) []Candidate {
	if halted(ctx, stop) {
		return nil
	}

	page := r.fetch.Get(ctx, listing.URL)
	if !page.OK() || halted(ctx, stop) {
		return nil
	}

	extracted := r.extract(ctx, page)
	if extracted == nil {
		return nil
	}

	limit := r.o.settings.Limits.MaxChildrenPerListing
	excluded := r.o.settings.ExcludedDomains
	var children []Candidate

	if extracted.IsFeed {
		for _, item := range extracted.FeedItems {
			if len(children) >= limit {
				break
			}
			if item.URL == "" || web.HostExcluded(item.URL, excluded) {
				continue
			}
			children = append(children, Candidate{
				EventName: item.Title,
				URL:       item.URL,
				Snippet:   item.Summary,
				Interest:  listing.Interest,
				Source:    SourceFeed,
			})
		}
		return children
	}

	if halted(ctx, stop) {
		return nil
	}

	var out struct {
		Events []struct {
			EventName string `json:"eventName"`
			URL       string `json:"url"`
		} `json:"events"`
	}
	if !r.o.ai.InvokeJSON(ctx, ai.Request{
		Label:  "listing",
		Prompt: listingPrompt(extracted, limit),
		Model:  r.o.lightModel,
	}, &out) {
		return nil
	}

	base, _ := url.Parse(page.URL)
	self := normalizeURL(listing.URL)
	for _, ev := range out.Events {
		if len(children) >= limit {
			break
		}
		u := web.Resolve(base, ev.URL)
		if u == "" || normalizeURL(u) == self || web.HostExcluded(u, excluded) {
			continue
		}
		children = append(children, Candidate{
			EventName: strings.TrimSpace(ev.EventName),
			URL:       u,
			Interest:  listing.Interest,
			Source:    SourceListing,
		})
	}

	return children
}

// extract parses a fetched page under the light pool.
func (r *run) extract(ctx context.Context, page *cache.Page) *web.Page {
	var out *web.Page
	err := r.o.light.Do(ctx, func(context.Context) error {
		p, err := web.Extract(page.URL, page.Body)
		out = p
		return err
	})
	if err != nil {
		r.log.Debug("Page extraction failed", "url", page.URL, "error", err)
		return nil
	}
	return out
}
