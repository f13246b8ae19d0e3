// Package bootstrap assembles the service from configuration. Both the HTTP
// server and the operator CLI start from New.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lysyi3m/outing-planner/app/ai"
	"github.com/lysyi3m/outing-planner/app/cache"
	"github.com/lysyi3m/outing-planner/app/cfg"
	"github.com/lysyi3m/outing-planner/app/database"
	"github.com/lysyi3m/outing-planner/app/governor"
	"github.com/lysyi3m/outing-planner/app/planner"
	"github.com/lysyi3m/outing-planner/app/runs"
	"github.com/lysyi3m/outing-planner/app/search"
	"github.com/lysyi3m/outing-planner/app/tasks"
	"github.com/lysyi3m/outing-planner/app/web"
)

const (
	aiHTTPTimeout     = 2 * time.Minute
	searchHTTPTimeout = 15 * time.Second
	commitSlack       = time.Minute
)

type App struct {
	Cfg          *cfg.Cfg
	Settings     *cfg.Settings
	DB           *database.DB
	Governor     *governor.Governor
	Runs         *runs.Manager
	Orchestrator *planner.Orchestrator
	Scheduler    *tasks.Scheduler
	Dispatcher   *tasks.Dispatcher

	redis *redis.Client
}

type stores struct {
	fetch    cache.Store
	search   cache.Store
	analysis cache.Store
}

// New opens the database, applies migrations and wires every component.
// The scheduler is created but not started.
func New(ctx context.Context, c *cfg.Cfg) (*App, error) {
	settings, err := cfg.LoadSettings(c.SettingsFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(c.DBPath)
	if err != nil {
		return nil, err
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("Database ready", "path", c.DBPath, "schema_version", version, "dirty", dirty)

	app := &App{Cfg: c, Settings: settings, DB: db}

	st, err := app.openStores(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Governor = governor.New(settings.Pools.Fetch, settings.Pools.Light, settings.Pools.AI)

	fetchOpts := cache.DefaultFetchOptions()
	fetchOpts.TTL = settings.Cache.FetchTTLDuration()
	fetchOpts.StaleWindow = settings.Cache.StaleWindowDuration()
	fetchOpts.MinContentBytes = settings.Cache.MinContentBytes
	fetchOpts.ExcludedDomains = settings.ExcludedDomains

	fetcher := web.NewFetcher(&http.Client{}, c.UserAgent)
	searcher := search.NewClient(&http.Client{Timeout: searchHTTPTimeout}, c.SearchBaseURL, c.SearchAPIKey, c.SearchEngine, c.SearchRPS)

	generator, err := newGenerator(c)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Runs = runs.NewManager(database.NewPlanRepository(db))

	app.Orchestrator = planner.NewOrchestrator(planner.Deps{
		Fetch:      cache.NewFetchCache(st.fetch, fetcher, app.Governor.Fetch, fetchOpts),
		Search:     cache.NewSearchCache(st.search, searcher, settings.Cache.SearchTTLDuration(), settings.Limits.SearchRecency),
		Analysis:   cache.NewAnalysisCache(st.analysis, settings.Cache.AnalysisTTLDuration()),
		AI:         ai.NewInvoker(generator, app.Governor.AI, c.AIModel, settings.AI.MaxRetries),
		Light:      app.Governor.Light,
		Recorder:   app.Runs,
		Settings:   settings,
		Model:      c.AIModel,
		LightModel: c.AILightModel,
		Location:   c.Location(),
	})

	app.Scheduler = tasks.NewScheduler(c.WorkerCount, settings.RunBudget()+commitSlack)

	var queue tasks.Queue = app.Scheduler
	if c.DispatchMode == cfg.DispatchHTTP {
		queue = tasks.NewHTTPQueue(app.Scheduler, &http.Client{Timeout: settings.RunBudget() + commitSlack}, c.CallbackURL, c.TaskKey)
	}
	app.Dispatcher = tasks.NewDispatcher(app.Orchestrator, app.Runs, queue, c.Location())

	slog.Info("Application wired",
		"cache_backend", c.CacheBackend,
		"dispatch_mode", c.DispatchMode,
		"ai_provider", c.AIProvider,
		"model", c.AIModel,
		"pools", fmt.Sprintf("fetch=%d light=%d ai=%d", settings.Pools.Fetch, settings.Pools.Light, settings.Pools.AI))

	return app, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	s := a.Settings

	if a.Cfg.CacheBackend == cfg.CacheBackendRedis {
		client, err := cache.NewRedisClient(ctx, a.Cfg.RedisAddr)
		if err != nil {
			return stores{}, err
		}
		a.redis = client
		return stores{
			fetch:    cache.NewRedisStore(client, database.TableFetchCache, s.Cache.StaleWindowDuration()),
			search:   cache.NewRedisStore(client, database.TableSearchCache, s.Cache.SearchTTLDuration()),
			analysis: cache.NewRedisStore(client, database.TableAnalysisCache, s.Cache.AnalysisTTLDuration()),
		}, nil
	}

	var out stores
	for _, t := range []struct {
		table string
		dst   *cache.Store
	}{
		{database.TableFetchCache, &out.fetch},
		{database.TableSearchCache, &out.search},
		{database.TableAnalysisCache, &out.analysis},
	} {
		repo, err := database.NewCacheRepository(a.DB, t.table)
		if err != nil {
			return stores{}, err
		}
		*t.dst = cache.NewSQLStore(repo)
	}
	return out, nil
}

func newGenerator(c *cfg.Cfg) (ai.Generator, error) {
	if c.AIAPIKey == "" {
		slog.Warn("AI API key not set, every AI stage will degrade")
	}

	client := &http.Client{Timeout: aiHTTPTimeout}
	switch c.AIProvider {
	case cfg.AIProviderAnthropic:
		return ai.NewAnthropicClient(client, c.AIEndpoint, c.AIAPIKey), nil
	case cfg.AIProviderOpenAI:
		return ai.NewOpenAIClient(client, c.AIEndpoint, c.AIAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", c.AIProvider)
	}
}

// Start launches the background workers.
func (a *App) Start() {
	a.Scheduler.Start()
}

// Close stops the workers and releases connections.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
