package planner

import (
	"cmp"
	"context"
	"strings"
	"sync"

	"github.com/lysyi3m/outing-planner/app/ai"
	"github.com/lysyi3m/outing-planner/app/web"
)

const guideMaxTokens = 4096

type guideResponse struct {
	PlanName        string          `json:"planName"`
	AlternativePlan string          `json:"alternativePlan"`
	StrategicGuide  *StrategicGuide `json:"strategicGuide"`
}

type enrichment struct {
	plan            *SuggestedPlan
	imageFromSearch bool
}

// enrich builds one plan per selected event. An event whose guide cannot be
// produced is dropped; the others are unaffected.
func (r *run) enrich(ctx context.Context, selected []inspected) []SuggestedPlan {
	if len(selected) == 0 {
		return nil
	}

	results := make([]enrichment, len(selected))

	var wg sync.WaitGroup
	for i, e := range selected {
		wg.Add(1)
		go func(i int, e inspected) {
			defer wg.Done()
			results[i] = r.enrichOne(ctx, e)
		}(i, e)
	}
	wg.Wait()

	plans := make([]SuggestedPlan, 0, len(selected))
	for i, res := range results {
		if res.plan == nil {
			r.stats.GuideFailures++
			r.log.Warn("Plan dropped after guide failure", "url", selected[i].Candidate.URL)
			continue
		}
		if res.imageFromSearch {
			r.stats.ImagesFromSearch++
		}
		plans = append(plans, *res.plan)
	}
	r.stats.Enriched = len(plans)

	return plans
}

func (r *run) enrichOne(ctx context.Context, e inspected) enrichment {
	var imageURL string
	var fromSearch bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		imageURL, fromSearch = r.pickImage(ctx, e)
	}()

	guide := r.writeGuide(ctx, e)
	wg.Wait()

	if guide == nil {
		return enrichment{}
	}

	plan := &SuggestedPlan{
		ID:              r.o.newID(),
		PlanName:        cmp.Or(strings.TrimSpace(guide.PlanName), e.Result.EventName),
		EventName:       e.Result.EventName,
		URL:             e.Candidate.URL,
		Date:            e.Result.Date,
		EndDate:         e.Result.EndDate,
		Location:        e.Result.Location,
		Venue:           e.Result.Venue,
		Category:        e.Result.Category,
		Summary:         cmp.Or(e.Result.Summary, e.Candidate.Snippet),
		ImageURL:        imageURL,
		StrategicGuide:  guide.StrategicGuide,
		AlternativePlan: strings.TrimSpace(guide.AlternativePlan),
		RunID:           r.id,
		CreatedAt:       r.o.now(),
	}

	return enrichment{plan: plan, imageFromSearch: fromSearch}
}

// pickImage asks the visual scout to choose among on-page images. When the
// scout cannot answer, the og:image or else the first on-page image is used.
// When it rejects every image or the page has none, image search is tried,
// and an on-page image remains the last resort.
func (r *run) pickImage(ctx context.Context, e inspected) (string, bool) {
	var images []web.Image
	if e.Page != nil {
		images = e.Page.Images
		if limit := r.o.settings.Limits.MaxImageCandidates; len(images) > limit {
			images = images[:limit]
		}
	}

	if len(images) > 0 {
		var out struct {
			Index *int `json:"index"`
		}
		if r.o.ai.InvokeJSON(ctx, ai.Request{
			Label:     "image",
			Prompt:    imagePrompt(e.Result.EventName, images),
			Model:     r.o.lightModel,
			MaxTokens: 100,
		}, &out) {
			if out.Index != nil && *out.Index >= 0 && *out.Index < len(images) {
				return images[*out.Index].URL, false
			}
		} else {
			return onPageImage(images), false
		}
	}

	q := strings.TrimSpace(e.Result.EventName + " " + e.Result.Venue)
	if u := r.o.search.SearchImage(ctx, q); u != "" {
		return u, true
	}

	if len(images) > 0 {
		return onPageImage(images), false
	}

	r.log.Warn("Plan has no image", "url", e.Candidate.URL, "event", e.Result.EventName)
	return "", false
}

// onPageImage prefers the og:image and otherwise takes the first image.
func onPageImage(images []web.Image) string {
	for _, img := range images {
		if img.Source == "og" {
			return img.URL
		}
	}
	return images[0].URL
}

func (r *run) writeGuide(ctx context.Context, e inspected) *guideResponse {
	var out guideResponse
	if !r.o.ai.InvokeJSON(ctx, ai.Request{
		Label:     "guide",
		Prompt:    guidePrompt(e, r.trigger),
		Model:     r.o.model,
		MaxTokens: guideMaxTokens,
	}, &out) {
		return nil
	}
	if !out.StrategicGuide.usable() {
		r.log.Warn("Strategic guide incomplete", "url", e.Candidate.URL)
		return nil
	}
	return &out
}
