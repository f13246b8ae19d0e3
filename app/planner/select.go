package planner

import (
	"cmp"
	"context"
	"strings"

	"github.com/lysyi3m/outing-planner/app/ai"
)

const maxAlternativeGroups = 3

// dedupe collapses events that share a normalized URL or a normalized
// name+venue. The first event of a group represents it, unless it was
// served stale and a later member was not.
func dedupe(events []inspected) []inspected {
	var out []inspected
	groupOf := make(map[string]int)

	for _, e := range events {
		keys := []string{"url:" + normalizeURL(e.Candidate.URL)}
		if k := eventKey(e.Result.EventName, cmp.Or(e.Result.Venue, e.Result.Location)); k != "" {
			keys = append(keys, "event:"+k)
		}

		group := -1
		for _, k := range keys {
			if g, ok := groupOf[k]; ok {
				group = g
				break
			}
		}

		if group < 0 {
			group = len(out)
			out = append(out, e)
		} else if out[group].Stale && !e.Stale {
			out[group] = e
		}

		for _, k := range keys {
			groupOf[k] = group
		}
	}

	return out
}

// selectFinal deduplicates and picks up to MaxResults events. One AI call
// chooses with a justification when there is a choice to make; otherwise,
// or when that call fails, a greedy category-diverse pick is used.
func (r *run) selectFinal(ctx context.Context, events []inspected) ([]inspected, []inspected, string) {
	unique := dedupe(events)
	r.stats.Duplicates = len(events) - len(unique)
	if len(unique) == 0 {
		return nil, nil, ""
	}

	limit := r.trigger.MaxResults
	if len(unique) <= limit {
		r.stats.Selected = len(unique)
		return unique, nil, ""
	}

	var out struct {
		Selected      []int  `json:"selected"`
		Justification string `json:"justification"`
	}
	if r.o.ai.InvokeJSON(ctx, ai.Request{
		Label:  "selection",
		Prompt: selectionPrompt(unique, r.trigger),
		Model:  r.o.model,
	}, &out) {
		if picked := validIndices(out.Selected, len(unique), limit); len(picked) > 0 {
			selected, rest := partition(unique, picked)
			r.stats.Selected = len(selected)
			r.stats.SelectionByAI = true
			return selected, rest, strings.TrimSpace(out.Justification)
		}
	}

	r.log.Warn("AI selection unavailable, using diversity fallback", "events", len(unique))
	selected, rest := partition(unique, diverseIndices(unique, limit))
	r.stats.Selected = len(selected)
	return selected, rest, ""
}

func validIndices(indices []int, n, limit int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, i := range indices {
		if len(out) >= limit {
			break
		}
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out
}

// diverseIndices prefers one event per category, then fills the remaining
// slots in discovery order.
func diverseIndices(events []inspected, limit int) []int {
	usedCategory := make(map[string]bool)
	taken := make([]bool, len(events))
	var picked []int

	for i, e := range events {
		if len(picked) >= limit {
			break
		}
		category := normalizeText(e.Result.Category)
		if category != "" && usedCategory[category] {
			continue
		}
		if category != "" {
			usedCategory[category] = true
		}
		taken[i] = true
		picked = append(picked, i)
	}

	for i := range events {
		if len(picked) >= limit {
			break
		}
		if !taken[i] {
			taken[i] = true
			picked = append(picked, i)
		}
	}

	return picked
}

func partition(events []inspected, picked []int) ([]inspected, []inspected) {
	chosen := make(map[int]bool, len(picked))
	selected := make([]inspected, 0, len(picked))
	for _, i := range picked {
		chosen[i] = true
		selected = append(selected, events[i])
	}

	var rest []inspected
	for i, e := range events {
		if !chosen[i] {
			rest = append(rest, e)
		}
	}
	return selected, rest
}

// categorizeAlternatives groups unselected events for secondary display.
// Any failure yields no groups.
func (r *run) categorizeAlternatives(ctx context.Context, rest []inspected) []AlternativeGroup {
	if len(rest) == 0 {
		return nil
	}

	var out struct {
		Groups []struct {
			Label   string `json:"label"`
			Indices []int  `json:"indices"`
		} `json:"groups"`
	}
	if !r.o.ai.InvokeJSON(ctx, ai.Request{
		Label:  "alternatives",
		Prompt: alternativesPrompt(rest),
		Model:  r.o.lightModel,
	}, &out) {
		r.log.Warn("Alternative categorization skipped", "events", len(rest))
		return nil
	}

	assigned := make(map[int]bool)
	var groups []AlternativeGroup
	for _, g := range out.Groups {
		if len(groups) >= maxAlternativeGroups {
			break
		}
		label := strings.TrimSpace(g.Label)
		if label == "" {
			continue
		}

		var items []AlternativeItem
		for _, i := range g.Indices {
			if i < 0 || i >= len(rest) || assigned[i] {
				continue
			}
			assigned[i] = true
			items = append(items, AlternativeItem{
				EventName: rest[i].Result.EventName,
				URL:       rest[i].Candidate.URL,
				Date:      rest[i].Result.Date,
			})
		}
		if len(items) > 0 {
			groups = append(groups, AlternativeGroup{Label: label, Items: items})
		}
	}

	return groups
}
