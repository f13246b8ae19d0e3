package cfg

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings tunes the discovery pipeline. It is loaded from YAML so operators
// can adjust budgets and lists without rebuilding.
type Settings struct {
	AudienceTerms   []string       `yaml:"audience_terms"`
	EventTerms      []string       `yaml:"event_terms"`
	ExcludedDomains []string       `yaml:"excluded_domains"`
	ListingHints    []string       `yaml:"listing_hints"`
	Pools           PoolSettings   `yaml:"pools"`
	Budgets         BudgetSettings `yaml:"budgets"`
	Limits          LimitSettings  `yaml:"limits"`
	Cache           CacheSettings  `yaml:"cache"`
	AI              AISettings     `yaml:"ai"`
}

type PoolSettings struct {
	Fetch int `yaml:"fetch"`
	Light int `yaml:"light"`
	AI    int `yaml:"ai"`
}

type BudgetSettings struct {
	ListExpansion int `yaml:"list_expansion"` // seconds
	Run           int `yaml:"run"`            // seconds
}

type LimitSettings struct {
	SearchCount           int    `yaml:"search_count"`
	SearchRecency         string `yaml:"search_recency"`
	MaxListingPages       int    `yaml:"max_listing_pages"`
	MaxChildrenPerListing int    `yaml:"max_children_per_listing"`
	MaxInspections        int    `yaml:"max_inspections"`
	MaxImageCandidates    int    `yaml:"max_image_candidates"`
	MaxResults            int    `yaml:"max_results"`
}

type CacheSettings struct {
	FetchTTL        int `yaml:"fetch_ttl"`    // seconds
	SearchTTL       int `yaml:"search_ttl"`   // seconds
	AnalysisTTL     int `yaml:"analysis_ttl"` // seconds
	StaleWindow     int `yaml:"stale_window"` // seconds
	MinContentBytes int `yaml:"min_content_bytes"`
}

type AISettings struct {
	MaxRetries int `yaml:"max_retries"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	s := &Settings{
		AudienceTerms: []string{"親子", "子連れ", "family", "kids", "toddler"},
		EventTerms:    []string{"イベント", "event"},
		ExcludedDomains: []string{
			"facebook.com", "instagram.com", "x.com", "twitter.com",
			"tiktok.com", "youtube.com", "pinterest.com", "line.me",
		},
		ListingHints: []string{
			"/events", "/event/list", "/calendar", "/schedule", "/list",
			"/search", "/tag/", "/category/", "一覧", "まとめ", "カレンダー",
		},
	}
	applySettingsDefaults(s)
	return s
}

// LoadSettings reads the pipeline settings file. A missing file yields the
// defaults.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("Settings file not found, using defaults", "path", path)
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applySettingsDefaults(s)

	if err := validateSettings(s); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}

	slog.Debug("Settings loaded", "path", path, "excluded_domains", len(s.ExcludedDomains))
	return s, nil
}

func applySettingsDefaults(s *Settings) {
	if s.Pools.Fetch == 0 {
		s.Pools.Fetch = 1
	}
	if s.Pools.Light == 0 {
		s.Pools.Light = 3
	}
	if s.Pools.AI == 0 {
		s.Pools.AI = 2
	}
	if s.Budgets.ListExpansion == 0 {
		s.Budgets.ListExpansion = 90
	}
	if s.Budgets.Run == 0 {
		s.Budgets.Run = 540
	}
	if s.Limits.SearchCount == 0 {
		s.Limits.SearchCount = 10
	}
	if s.Limits.SearchRecency == "" {
		s.Limits.SearchRecency = "m1"
	}
	if s.Limits.MaxListingPages == 0 {
		s.Limits.MaxListingPages = 5
	}
	if s.Limits.MaxChildrenPerListing == 0 {
		s.Limits.MaxChildrenPerListing = 8
	}
	if s.Limits.MaxInspections == 0 {
		s.Limits.MaxInspections = 30
	}
	if s.Limits.MaxImageCandidates == 0 {
		s.Limits.MaxImageCandidates = 6
	}
	if s.Limits.MaxResults == 0 {
		s.Limits.MaxResults = 4
	}
	if s.Cache.FetchTTL == 0 {
		s.Cache.FetchTTL = 6 * 3600
	}
	if s.Cache.SearchTTL == 0 {
		s.Cache.SearchTTL = 24 * 3600
	}
	if s.Cache.AnalysisTTL == 0 {
		s.Cache.AnalysisTTL = 3 * 24 * 3600
	}
	if s.Cache.StaleWindow == 0 {
		s.Cache.StaleWindow = 7 * 24 * 3600
	}
	if s.Cache.MinContentBytes == 0 {
		s.Cache.MinContentBytes = 512
	}
	if s.AI.MaxRetries == 0 {
		s.AI.MaxRetries = 3
	}
}

func validateSettings(s *Settings) error {
	if s == nil {
		return fmt.Errorf("settings are nil")
	}

	positiveFields := map[string]int{
		"fetch pool":           s.Pools.Fetch,
		"light pool":           s.Pools.Light,
		"ai pool":              s.Pools.AI,
		"list expansion":       s.Budgets.ListExpansion,
		"run budget":           s.Budgets.Run,
		"search count":         s.Limits.SearchCount,
		"max inspections":      s.Limits.MaxInspections,
		"max results":          s.Limits.MaxResults,
		"max retries":          s.AI.MaxRetries,
		"min content bytes":    s.Cache.MinContentBytes,
		"max listing pages":    s.Limits.MaxListingPages,
		"max image candidates": s.Limits.MaxImageCandidates,
	}

	for fieldName, fieldValue := range positiveFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if s.Limits.SearchCount > 10 {
		return fmt.Errorf("search count must be at most 10")
	}

	if s.Cache.StaleWindow < s.Cache.FetchTTL {
		return fmt.Errorf("stale window must not be shorter than fetch ttl")
	}

	if len(s.AudienceTerms) == 0 {
		return fmt.Errorf("at least one audience term is required")
	}

	return nil
}

func (s *Settings) ListExpansionBudget() time.Duration {
	return time.Duration(s.Budgets.ListExpansion) * time.Second
}

func (s *Settings) RunBudget() time.Duration {
	return time.Duration(s.Budgets.Run) * time.Second
}

func (c CacheSettings) FetchTTLDuration() time.Duration {
	return time.Duration(c.FetchTTL) * time.Second
}

func (c CacheSettings) SearchTTLDuration() time.Duration {
	return time.Duration(c.SearchTTL) * time.Second
}

func (c CacheSettings) AnalysisTTLDuration() time.Duration {
	return time.Duration(c.AnalysisTTL) * time.Second
}

func (c CacheSettings) StaleWindowDuration() time.Duration {
	return time.Duration(c.StaleWindow) * time.Second
}
