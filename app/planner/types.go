// Package planner turns a user's location and interests into a small set of
// enriched outing plans: search, listing expansion, per-page classification,
// selection, and per-plan enrichment.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidInput = errors.New("invalid trigger input")

const (
	DateLayout = "2006-01-02"

	DefaultMaxResults = 4
	MaxMaxResults     = 10
	MaxInterests      = 3
	DefaultWindowDays = 30
)

type TransportMode string

const (
	TransportCar    TransportMode = "car"
	TransportPublic TransportMode = "public"
)

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Trigger is the input of one pipeline run.
type Trigger struct {
	UserID        string        `json:"userId"`
	Location      string        `json:"location"`
	Interests     []string      `json:"interests"`
	TransportMode TransportMode `json:"transportMode"`
	MaxResults    int           `json:"maxResults"`
	DateRange     DateRange     `json:"dateRange"`
}

// Normalize trims fields and fills defaults. The date range defaults to the
// next DefaultWindowDays days in loc.
func (t *Trigger) Normalize(now time.Time, loc *time.Location) {
	t.UserID = strings.TrimSpace(t.UserID)
	t.Location = strings.TrimSpace(t.Location)

	interests := make([]string, 0, len(t.Interests))
	for _, i := range t.Interests {
		if i = strings.TrimSpace(i); i != "" {
			interests = append(interests, i)
		}
	}
	t.Interests = interests

	if t.TransportMode == "" {
		t.TransportMode = TransportPublic
	}
	if t.MaxResults == 0 {
		t.MaxResults = DefaultMaxResults
	}
	if t.DateRange.Start == "" && t.DateRange.End == "" {
		today := now.In(loc)
		t.DateRange.Start = today.Format(DateLayout)
		t.DateRange.End = today.AddDate(0, 0, DefaultWindowDays).Format(DateLayout)
	}
}

func (t *Trigger) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if t.Location == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidInput)
	}
	if len(t.Interests) == 0 || len(t.Interests) > MaxInterests {
		return fmt.Errorf("%w: between 1 and %d interests are required", ErrInvalidInput, MaxInterests)
	}
	if t.TransportMode != TransportCar && t.TransportMode != TransportPublic {
		return fmt.Errorf("%w: unknown transport mode %q", ErrInvalidInput, t.TransportMode)
	}
	if t.MaxResults < 1 || t.MaxResults > MaxMaxResults {
		return fmt.Errorf("%w: maxResults must be between 1 and %d", ErrInvalidInput, MaxMaxResults)
	}
	if _, _, err := t.Window(time.UTC); err != nil {
		return err
	}
	return nil
}

// Window returns the inclusive date window as [start of first day, end of
// last day] in loc.
func (t *Trigger) Window(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout, t.DateRange.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid start date %q", ErrInvalidInput, t.DateRange.Start)
	}
	end, err := time.ParseInLocation(DateLayout, t.DateRange.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid end date %q", ErrInvalidInput, t.DateRange.End)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end date precedes start date", ErrInvalidInput)
	}
	return start, end.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

type CandidateSource string

const (
	SourceSearch  CandidateSource = "search"
	SourceListing CandidateSource = "listing"
	SourceFeed    CandidateSource = "feed"
)

// Candidate is an unvalidated event reference.
type Candidate struct {
	EventName string
	URL       string
	Snippet   string
	Interest  string
	Source    CandidateSource
}

// Identity is the normalized URL, or the normalized name when no URL is
// known.
func (c Candidate) Identity() string {
	if c.URL != "" {
		return "url:" + normalizeURL(c.URL)
	}
	return "name:" + normalizeText(c.EventName)
}

type Kind string

const (
	KindSingleEvent Kind = "single_event"
	KindListPage    Kind = "list_page"
	KindIrrelevant  Kind = "irrelevant"
)

// InspectionResult is the classifier's view of one page. Only the fields of
// the reported Kind are meaningful; absent fields are zero values.
type InspectionResult struct {
	Kind      Kind     `json:"kind"`
	EventName string   `json:"eventName,omitempty"`
	Date      string   `json:"date,omitempty"`
	EndDate   string   `json:"endDate,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Location  string   `json:"location,omitempty"`
	Venue     string   `json:"venue,omitempty"`
	Category  string   `json:"category,omitempty"`
	ChildURLs []string `json:"childUrls,omitempty"`
	Match     bool     `json:"match"`
	Reason    string   `json:"reason,omitempty"`
}

// Dates parses Date and EndDate in loc. EndDate defaults to Date.
func (r *InspectionResult) Dates(loc *time.Location) (time.Time, time.Time, bool) {
	start, err := time.ParseInLocation(DateLayout, strings.TrimSpace(r.Date), loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end := start
	if r.EndDate != "" {
		if e, err := time.ParseInLocation(DateLayout, strings.TrimSpace(r.EndDate), loc); err == nil && !e.Before(start) {
			end = e
		}
	}
	return start, end, true
}

type ItineraryStep struct {
	Time     string `json:"time"`
	Activity string `json:"activity"`
}

// StrategicGuide is the generated guidance persisted with each plan.
type StrategicGuide struct {
	WhyRecommended string          `json:"whyRecommended"`
	Access         string          `json:"access,omitempty"`
	Parking        string          `json:"parking,omitempty"`
	Facilities     string          `json:"facilities,omitempty"`
	PackingList    []string        `json:"packingList,omitempty"`
	Itinerary      []ItineraryStep `json:"itinerary,omitempty"`
	Contingency    string          `json:"contingency,omitempty"`
}

func (g *StrategicGuide) usable() bool {
	return g != nil && strings.TrimSpace(g.WhyRecommended) != "" && len(g.Itinerary) > 0
}

// SuggestedPlan is the user-facing artifact of a run.
type SuggestedPlan struct {
	ID              string          `json:"id"`
	PlanName        string          `json:"planName"`
	EventName       string          `json:"eventName"`
	URL             string          `json:"url"`
	Date            string          `json:"date"`
	EndDate         string          `json:"endDate,omitempty"`
	Location        string          `json:"location"`
	Venue           string          `json:"venue,omitempty"`
	Category        string          `json:"category,omitempty"`
	Summary         string          `json:"summary"`
	ImageURL        string          `json:"imageUrl"`
	StrategicGuide  *StrategicGuide `json:"strategicGuide"`
	AlternativePlan string          `json:"alternativePlan,omitempty"`
	RunID           string          `json:"runId"`
	CreatedAt       time.Time       `json:"createdAt"`
	Placeholder     bool            `json:"placeholder,omitempty"`
}

type AlternativeItem struct {
	EventName string `json:"eventName"`
	URL       string `json:"url"`
	Date      string `json:"date,omitempty"`
}

type AlternativeGroup struct {
	Label string            `json:"label"`
	Items []AlternativeItem `json:"items"`
}

// Stats counts what each stage produced.
type Stats struct {
	Geography        string `json:"geography"`
	Queries          int    `json:"queries"`
	SearchResults    int    `json:"searchResults"`
	Candidates       int    `json:"candidates"`
	ListingPages     int    `json:"listingPages"`
	ListingChildren  int    `json:"listingChildren"`
	ListingTimedOut  bool   `json:"listingTimedOut"`
	ListingLinked    int    `json:"listingLinked"`
	Inspected        int    `json:"inspected"`
	FetchMisses      int    `json:"fetchMisses"`
	StaleServed      int    `json:"staleServed"`
	AnalysisHits     int    `json:"analysisHits"`
	Matched          int    `json:"matched"`
	Duplicates       int    `json:"duplicates"`
	Selected         int    `json:"selected"`
	SelectionByAI    bool   `json:"selectionByAi"`
	Enriched         int    `json:"enriched"`
	GuideFailures    int    `json:"guideFailures"`
	ImagesFromSearch int    `json:"imagesFromSearch"`
	DurationMs       int64  `json:"durationMs"`
}

// RunMetadata travels with a run into the history record.
type RunMetadata struct {
	Input         Trigger            `json:"input"`
	Alternatives  []AlternativeGroup `json:"alternatives"`
	Justification string             `json:"justification,omitempty"`
	Stats         Stats              `json:"stats"`
}

type Outcome struct {
	RunID         string
	Plans         []SuggestedPlan
	Alternatives  []AlternativeGroup
	Justification string
	Stats         Stats
}

// Recorder persists the result of a run.
type Recorder interface {
	Commit(ctx context.Context, userID, runID string, plans []SuggestedPlan, meta RunMetadata) error
	Fail(ctx context.Context, userID, runID string, meta RunMetadata, cause error) error
}
