package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/outing-planner/app/ai"
	"github.com/lysyi3m/outing-planner/app/cache"
	"github.com/lysyi3m/outing-planner/app/cfg"
	"github.com/lysyi3m/outing-planner/app/governor"
)

const commitTimeout = 30 * time.Second

type Deps struct {
	Fetch      *cache.FetchCache
	Search     *cache.SearchCache
	Analysis   *cache.AnalysisCache
	AI         *ai.Invoker
	Light      *governor.Pool
	Recorder   Recorder
	Settings   *cfg.Settings
	Model      string
	LightModel string
	Location   *time.Location
}

type Orchestrator struct {
	fetch      *cache.FetchCache
	search     *cache.SearchCache
	analysis   *cache.AnalysisCache
	ai         *ai.Invoker
	light      *governor.Pool
	recorder   Recorder
	settings   *cfg.Settings
	model      string
	lightModel string
	loc        *time.Location
	now        func() time.Time
	newID      func() string
}

func NewOrchestrator(d Deps) *Orchestrator {
	settings := d.Settings
	if settings == nil {
		settings = cfg.DefaultSettings()
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	lightModel := d.LightModel
	if lightModel == "" {
		lightModel = d.Model
	}

	return &Orchestrator{
		fetch:      d.Fetch,
		search:     d.Search,
		analysis:   d.Analysis,
		ai:         d.AI,
		light:      d.Light,
		recorder:   d.Recorder,
		settings:   settings,
		model:      d.Model,
		lightModel: lightModel,
		loc:        loc,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// run carries the state of one pipeline execution.
type run struct {
	o            *Orchestrator
	id           string
	trigger      *Trigger
	fetch        *cache.FetchCache
	signature    string
	windowStart  time.Time
	windowEnd    time.Time
	listingSpent time.Duration
	stats        Stats
	log          *slog.Logger
}

// Run executes every stage for one trigger and commits the result. Stages
// degrade to empty output instead of failing, so the returned error is
// either invalid input or a failed commit.
func (o *Orchestrator) Run(ctx context.Context, runID string, t Trigger) (*Outcome, error) {
	t.Normalize(o.now(), o.loc)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	windowStart, windowEnd, err := t.Window(o.loc)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, o.settings.RunBudget())
	defer cancel()

	r := &run{
		o:           o,
		id:          runID,
		trigger:     &t,
		fetch:       o.fetch.ForRun(),
		signature:   classifySignature(t.Interests),
		windowStart: windowStart,
		windowEnd:   windowEnd,
		log:         slog.With("run_id", runID, "user_id", t.UserID),
	}

	r.log.Info("Pipeline started", "location", t.Location, "interests", t.Interests, "max_results", t.MaxResults)

	geography := r.resolveGeography(runCtx)
	queries := buildQueries(t.Interests, geography, o.settings)
	r.stats.Queries = len(queries)

	candidates := r.discover(runCtx, queries)
	candidates = r.expandListings(runCtx, candidates)
	r.stats.Candidates = len(candidates)

	matched, linked := r.inspect(runCtx, candidates)
	if len(linked) > 0 {
		matched = append(matched, r.inspectLinked(runCtx, candidates, linked)...)
	}
	r.stats.Matched = len(matched)

	selected, rest, justification := r.selectFinal(runCtx, matched)
	alternatives := r.categorizeAlternatives(runCtx, rest)
	plans := r.enrich(runCtx, selected)

	if runCtx.Err() != nil {
		r.log.Warn("Pipeline exceeded run budget", "budget", o.settings.RunBudget().String())
	}

	r.stats.DurationMs = time.Since(started).Milliseconds()

	outcome := &Outcome{
		RunID:         runID,
		Plans:         plans,
		Alternatives:  alternatives,
		Justification: justification,
		Stats:         r.stats,
	}
	meta := RunMetadata{
		Input:         t,
		Alternatives:  alternatives,
		Justification: justification,
		Stats:         r.stats,
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancelCommit()

	if err := o.recorder.Commit(commitCtx, t.UserID, runID, plans, meta); err != nil {
		r.log.Error("Failed to commit plans", "error", err)
		if ferr := o.recorder.Fail(commitCtx, t.UserID, runID, meta, err); ferr != nil {
			r.log.Error("Failed to record run failure", "error", ferr)
		}
		return outcome, fmt.Errorf("failed to commit run %s: %w", runID, err)
	}

	r.log.Info("Pipeline completed",
		"plans", len(plans),
		"candidates", r.stats.Candidates,
		"matched", r.stats.Matched,
		"stale", r.stats.StaleServed,
		"duration", time.Since(started).String())

	return outcome, nil
}
