package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath       string `long:"db-path" env:"DB_PATH" default:"./data/planner.db" description:"SQLite database file"`
	CacheBackend string `long:"cache-backend" env:"CACHE_BACKEND" default:"sql" choice:"sql" choice:"redis" description:"Persistent backend for fetch/search/analysis caches"`
	RedisAddr    string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address when cache-backend=redis"`
	SettingsFile string `long:"settings" env:"SETTINGS_FILE" default:"./pipeline.yml" description:"Pipeline settings YAML file"`

	// HTTP service
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://planner.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for /api endpoints"`
	TaskKey      string `long:"task-key" env:"TASK_CALLBACK_KEY" description:"Shared secret for the task callback endpoint"`
	DispatchMode string `long:"dispatch-mode" env:"DISPATCH_MODE" default:"local" choice:"local" choice:"http" description:"Where long pipeline runs are queued"`
	CallbackURL  string `long:"callback-url" env:"TASK_CALLBACK_URL" description:"Callback URL used when dispatch-mode=http"`
	WorkerCount  int    `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background workers for queued runs"`

	// Capabilities
	AIProvider    string  `long:"ai-provider" env:"AI_PROVIDER" default:"anthropic" choice:"anthropic" choice:"openai" description:"Generative AI provider"`
	AIEndpoint    string  `long:"ai-endpoint" env:"AI_ENDPOINT" description:"Override the AI provider base URL"`
	AIAPIKey      string  `long:"ai-api-key" env:"AI_API_KEY" description:"AI provider API key"`
	AIModel       string  `long:"ai-model" env:"AI_MODEL" default:"claude-sonnet-4-20250514" description:"Model for classification and generation"`
	AILightModel  string  `long:"ai-light-model" env:"AI_LIGHT_MODEL" description:"Cheaper model for geography and image scouting (defaults to ai-model)"`
	SearchAPIKey  string  `long:"search-api-key" env:"SEARCH_API_KEY" description:"Google Custom Search API key"`
	SearchEngine  string  `long:"search-engine" env:"SEARCH_ENGINE_ID" description:"Google Custom Search engine id"`
	SearchRPS     float64 `long:"search-rps" env:"SEARCH_RPS" default:"1" description:"Maximum search requests per second"`
	SearchBaseURL string  `long:"search-base-url" env:"SEARCH_BASE_URL" description:"Override the search API base URL"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"OutingPlanner/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"Asia/Tokyo" description:"Timezone for date windows"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load reads .env (when present), then flags and environment from os.Args.
// It returns nil, nil when help was requested.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load for an explicit argument list. Callers that own their own
// flag parsing pass an empty slice to get environment and defaults only.
func LoadArgs(args []string) (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:        raw.DBPath,
		CacheBackend:  raw.CacheBackend,
		RedisAddr:     raw.RedisAddr,
		SettingsFile:  raw.SettingsFile,
		Port:          raw.Port,
		BaseUrl:       raw.BaseUrl,
		APIAccessKey:  raw.APIAccessKey,
		TaskKey:       cmp.Or(raw.TaskKey, raw.APIAccessKey),
		DispatchMode:  raw.DispatchMode,
		CallbackURL:   raw.CallbackURL,
		WorkerCount:   raw.WorkerCount,
		AIProvider:    raw.AIProvider,
		AIEndpoint:    raw.AIEndpoint,
		AIAPIKey:      raw.AIAPIKey,
		AIModel:       raw.AIModel,
		AILightModel:  cmp.Or(raw.AILightModel, raw.AIModel),
		SearchAPIKey:  raw.SearchAPIKey,
		SearchEngine:  raw.SearchEngine,
		SearchRPS:     raw.SearchRPS,
		SearchBaseURL: raw.SearchBaseURL,
		UserAgent:     raw.UserAgent,
		Timezone:      raw.Timezone,
		Debug:         raw.Debug,
		Version:       GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Cfg) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.SearchRPS <= 0 {
		return fmt.Errorf("search rps must be positive")
	}
	if c.DispatchMode == DispatchHTTP && c.CallbackURL == "" {
		return fmt.Errorf("callback URL is required when dispatch mode is %q", DispatchHTTP)
	}
	if c.DispatchMode == DispatchHTTP && c.TaskKey == "" {
		return fmt.Errorf("task callback key is required when dispatch mode is %q", DispatchHTTP)
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Cfg) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("Invalid timezone, using UTC", "timezone", c.Timezone, "error", err)
		return time.UTC
	}
	return loc
}
