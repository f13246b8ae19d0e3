package planner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lysyi3m/outing-planner/app/cache"
	"github.com/lysyi3m/outing-planner/app/web"
)

// Prompt headings double as stable markers of the calling stage.
const (
	geographyHeading   = "Expand a place name into a search region."
	listingHeading     = "Extract individual events from a listing page."
	classifyHeading    = "Classify a web page for a family outing planner."
	selectionHeading   = "Choose outing plans from validated events."
	alternativeHeading = "Group leftover events into themed collections."
	imageHeading       = "Pick the best illustrative image for an event."
	guideHeading       = "Write a strategic outing guide for one event."

	// classifyVersion changes whenever the classification prompt changes in
	// a way that invalidates cached analyses.
	classifyVersion = "classify-v1"
)

func geographyPrompt(location string, mode TransportMode) string {
	var sb strings.Builder

	sb.WriteString(geographyHeading + "\n\n")
	fmt.Fprintf(&sb, "Place: %s\n", location)
	fmt.Fprintf(&sb, "Transport: %s\n\n", transportLabel(mode))
	sb.WriteString(`List the place itself plus nearby cities or prefectures reachable within about 60 minutes by this transport.
Return a single search-engine OR fragment on one line, for example:
(Yokohama OR Kawasaki OR Machida)

Use the names as locals would write them in a web search. Return ONLY the fragment.`)

	return sb.String()
}

func transportLabel(mode TransportMode) string {
	if mode == TransportCar {
		return "car"
	}
	return "public transport"
}

func listingPrompt(page *web.Page, limit int) string {
	var sb strings.Builder

	sb.WriteString(listingHeading + "\n\n")
	fmt.Fprintf(&sb, "Page URL: %s\nTitle: %s\n\n", page.URL, page.Title)
	sb.WriteString("Text:\n")
	sb.WriteString(page.Text)
	sb.WriteString("\n\nLinks:\n")
	for i, l := range page.Links {
		if i >= 80 {
			break
		}
		fmt.Fprintf(&sb, "- %s | %s\n", l.Text, l.URL)
	}

	fmt.Fprintf(&sb, `
Return a JSON object with this structure:
{
  "events": [
    {"eventName": "name of one event", "url": "link to that event's own page"}
  ]
}

Rules:
- Only include links to pages about one specific event
- Skip navigation, category, archive and advertisement links
- At most %d events
- Use URLs exactly as listed above`, limit)

	return sb.String()
}

func classifyPrompt(c Candidate, page *web.Page, interests []string) string {
	var sb strings.Builder

	sb.WriteString(classifyHeading + "\n\n")
	fmt.Fprintf(&sb, "Interests of the family: %s\n", strings.Join(interests, ", "))
	fmt.Fprintf(&sb, "Page URL: %s\nTitle: %s\n\n", c.URL, page.Title)
	sb.WriteString("Text:\n")
	sb.WriteString(page.Text)

	sb.WriteString(`

Return a JSON object with this structure:
{
  "kind": "single_event | list_page | irrelevant",
  "eventName": "official event name",
  "date": "YYYY-MM-DD first day",
  "endDate": "YYYY-MM-DD last day or empty",
  "summary": "two sentences for parents",
  "location": "city or area",
  "venue": "venue name",
  "category": "short event type such as exhibition, workshop, festival",
  "childUrls": ["for list_page only: links to individual events"],
  "match": true,
  "reason": "why it does or does not match"
}

Rules:
- single_event means the page describes one event with concrete dates
- list_page means the page lists several events
- match is true only when the event suits small children and relates to one of the interests
- Leave unknown fields empty rather than guessing`)

	return sb.String()
}

// classifySignature identifies the classification prompt for the analysis
// cache. The verdict depends on the interests, so they are part of it;
// their order is not.
func classifySignature(interests []string) string {
	folded := make([]string, len(interests))
	for i, in := range interests {
		folded[i] = normalizeText(in)
	}
	slices.Sort(folded)
	return cache.HashKey(append([]string{classifyVersion}, folded...)...)
}

func selectionPrompt(events []inspected, t *Trigger) string {
	var sb strings.Builder

	sb.WriteString(selectionHeading + "\n\n")
	fmt.Fprintf(&sb, "Location: %s\nInterests: %s\nDates: %s to %s\n\n",
		t.Location, strings.Join(t.Interests, ", "), t.DateRange.Start, t.DateRange.End)
	sb.WriteString("Events:\n")
	for i, e := range events {
		fmt.Fprintf(&sb, "%d. %s | %s | %s | %s | %s\n", i, e.Result.EventName, e.Result.Category, e.Result.Date, e.Result.Venue, e.Result.Summary)
	}

	fmt.Fprintf(&sb, `
Return a JSON object with this structure:
{
  "selected": [0, 3],
  "justification": "one short paragraph for the parents"
}

Rules:
- Select at most %d events by their number
- Prefer variety: avoid picking several events of the same type when others exist
- Prefer events closer to the location`, t.MaxResults)

	return sb.String()
}

func alternativesPrompt(events []inspected) string {
	var sb strings.Builder

	sb.WriteString(alternativeHeading + "\n\n")
	sb.WriteString("Events:\n")
	for i, e := range events {
		fmt.Fprintf(&sb, "%d. %s | %s | %s\n", i, e.Result.EventName, e.Result.Category, e.Result.Summary)
	}

	sb.WriteString(`
Return a JSON object with this structure:
{
  "groups": [
    {"label": "catchy collection title", "indices": [0, 2]}
  ]
}

Rules:
- Between 1 and 3 groups
- Each event appears in at most one group
- Labels are short and inviting`)

	return sb.String()
}

func imagePrompt(eventName string, images []web.Image) string {
	var sb strings.Builder

	sb.WriteString(imageHeading + "\n\n")
	fmt.Fprintf(&sb, "Event: %s\n\nImages:\n", eventName)
	for i, img := range images {
		fmt.Fprintf(&sb, "%d. %s | alt=%q | source=%s\n", i, img.URL, img.Alt, img.Source)
	}

	sb.WriteString(`
Return a JSON object with this structure:
{"index": 0}

Rules:
- Prefer photos or key visuals of the event itself
- Reject logos, icons, banners for other events, and maps
- Use -1 when no image is suitable`)

	return sb.String()
}

func guidePrompt(e inspected, t *Trigger) string {
	var sb strings.Builder

	sb.WriteString(guideHeading + "\n\n")
	fmt.Fprintf(&sb, "Family starts from: %s\nTransport: %s\nInterests: %s\n\n",
		t.Location, transportLabel(t.TransportMode), strings.Join(t.Interests, ", "))
	fmt.Fprintf(&sb, "Event: %s\nDate: %s %s\nVenue: %s\nLocation: %s\nURL: %s\nSummary: %s\n\n",
		e.Result.EventName, e.Result.Date, e.Result.EndDate, e.Result.Venue, e.Result.Location, e.Candidate.URL, e.Result.Summary)
	if e.Page != nil {
		sb.WriteString("Page text:\n")
		sb.WriteString(e.Page.Text)
		sb.WriteString("\n\n")
	}

	sb.WriteString(`Return a JSON object with this structure:
{
  "planName": "catchy plan title",
  "alternativePlan": "what to do instead if the event is cancelled or it rains",
  "strategicGuide": {
    "whyRecommended": "why this suits the family",
    "access": "how to get there",
    "parking": "parking or station notes",
    "facilities": "nursing rooms, stroller access, toilets",
    "packingList": ["item"],
    "itinerary": [{"time": "10:00", "activity": "arrive"}],
    "contingency": "what to do if it is crowded or sold out"
  }
}

The output is stored verbatim: it must be RFC 8259 JSON with no trailing commas and with every quote inside strings escaped.`)

	return sb.String()
}
