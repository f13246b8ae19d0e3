package planner

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/lysyi3m/outing-planner/app/ai"
	"github.com/lysyi3m/outing-planner/app/cache"
	"github.com/lysyi3m/outing-planner/app/web"
)

// inspected is a candidate that passed classification.
type inspected struct {
	Candidate Candidate
	Result    InspectionResult
	Page      *web.Page
	Stale     bool
}

type inspection struct {
	item     *inspected
	children []Candidate
	miss     bool
	stale    bool
	cacheHit bool
}

// inspect classifies candidates concurrently; the fetch and ai pools bound
// the actual fan-out. Output order follows input order. The second result
// holds the pages linked from candidates classified as listings.
func (r *run) inspect(ctx context.Context, candidates []Candidate) ([]inspected, []Candidate) {
	if limit := r.o.settings.Limits.MaxInspections; len(candidates) > limit {
		r.log.Info("Inspection capped", "candidates", len(candidates), "limit", limit)
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]inspection, len(candidates))

	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			results[i] = r.inspectOne(ctx, c)
		}(i, c)
	}
	wg.Wait()

	var (
		matched []inspected
		linked  []Candidate
	)
	for _, res := range results {
		r.stats.Inspected++
		if res.miss {
			r.stats.FetchMisses++
		}
		if res.stale {
			r.stats.StaleServed++
		}
		if res.cacheHit {
			r.stats.AnalysisHits++
		}
		if res.item != nil {
			matched = append(matched, *res.item)
		}
		linked = append(linked, res.children...)
	}

	return matched, linked
}

// inspectLinked follows the childUrls of pages classified as listings. It
// is a single pass, limited by the inspections left over and by what remains
// of the list expansion budget.
func (r *run) inspectLinked(ctx context.Context, known, linked []Candidate) []inspected {
	set := newCandidateSet()
	for _, c := range known {
		set.add(c)
	}
	var fresh []Candidate
	for _, c := range linked {
		if set.add(c) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	remaining := r.o.settings.Limits.MaxInspections - r.stats.Inspected
	budget := r.o.settings.ListExpansionBudget() - r.listingSpent
	if remaining <= 0 || budget <= 0 {
		r.log.Info("Skipping pages linked from listings", "linked", len(fresh), "inspections_left", remaining, "budget_left", budget.String())
		return nil
	}
	if len(fresh) > remaining {
		fresh = fresh[:remaining]
	}
	r.stats.ListingLinked = len(fresh)

	linkCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	matched, _ := r.inspect(linkCtx, fresh)
	return matched
}

// linkedChildren turns a listing's childUrls into candidates resolved
// against the page, capped per listing.
func (r *run) linkedChildren(pageURL string, listing Candidate, childURLs []string) []Candidate {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	limit := r.o.settings.Limits.MaxChildrenPerListing
	self := normalizeURL(listing.URL)
	var children []Candidate
	for _, ref := range childURLs {
		if len(children) >= limit {
			break
		}
		u := web.Resolve(base, strings.TrimSpace(ref))
		if u == "" || normalizeURL(u) == self || web.HostExcluded(u, r.o.settings.ExcludedDomains) {
			continue
		}
		children = append(children, Candidate{URL: u, Interest: listing.Interest, Source: SourceListing})
	}
	return children
}

func (r *run) inspectOne(ctx context.Context, c Candidate) inspection {
	page := r.fetch.Get(ctx, c.URL)
	if !page.OK() {
		return inspection{miss: true}
	}

	res := inspection{stale: page.Stale()}
	if res.stale {
		r.log.Warn("Inspecting stale page", "url", c.URL, "fetched_at", page.FetchedAt)
	}

	extracted := r.extract(ctx, page)
	if extracted == nil {
		return res
	}

	hash := cache.ContentHash(page.Body)

	var result InspectionResult
	if raw, ok := r.o.analysis.Get(ctx, c.URL, hash, r.o.model, r.signature); ok && json.Unmarshal(raw, &result) == nil {
		res.cacheHit = true
	} else {
		resp := r.o.ai.Invoke(ctx, ai.Request{
			Label:  "classify",
			Prompt: classifyPrompt(c, extracted, r.trigger.Interests),
			Model:  r.o.model,
			JSON:   true,
		})
		if resp == nil {
			return res
		}
		result = InspectionResult{}
		if err := json.Unmarshal(resp.JSON, &result); err != nil {
			r.log.Warn("Classification had unexpected shape", "url", c.URL, "error", err)
			return res
		}
		r.o.analysis.Put(ctx, c.URL, hash, r.o.model, r.signature, resp.JSON)
	}

	result.Kind = Kind(strings.ToLower(strings.TrimSpace(string(result.Kind))))
	if result.Kind == KindListPage {
		res.children = r.linkedChildren(page.URL, c, result.ChildURLs)
		r.log.Debug("Candidate is a listing", "url", c.URL, "children", len(res.children))
		return res
	}
	if !r.accept(&result) {
		r.log.Debug("Candidate rejected", "url", c.URL, "kind", result.Kind, "match", result.Match, "date", result.Date, "reason", result.Reason)
		return res
	}

	if strings.TrimSpace(result.EventName) == "" {
		result.EventName = c.EventName
	}

	res.item = &inspected{Candidate: c, Result: result, Page: extracted, Stale: res.stale}
	return res
}

// accept keeps matching single events whose dates overlap the window.
func (r *run) accept(result *InspectionResult) bool {
	if result.Kind != KindSingleEvent || !result.Match {
		return false
	}
	start, end, ok := result.Dates(r.o.loc)
	if !ok {
		return false
	}
	return !start.After(r.windowEnd) && !end.Before(r.windowStart)
}
