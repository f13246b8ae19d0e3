package web

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
)

const (
	MaxTextRunes = 6000
	maxImages    = 12
	maxLinks     = 150
)

type Image struct {
	URL    string
	Alt    string
	Source string // og, twitter, lead, img
}

type Link struct {
	URL  string
	Text string
}

type FeedItem struct {
	Title     string
	URL       string
	Summary   string
	Published *time.Time
}

type Page struct {
	URL       string
	Title     string
	Text      string
	Images    []Image
	Links     []Link
	FeedLinks []string
	IsFeed    bool
	FeedItems []FeedItem
}

// Extract turns a fetched body into prompt-ready text plus image and link
// candidates. RSS/Atom bodies are parsed as feeds instead of HTML.
func Extract(pageURL string, body []byte) (*Page, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("page body is empty")
	}

	base, _ := url.Parse(pageURL)

	if ft := gofeed.DetectFeedType(bytes.NewReader(body)); ft == gofeed.FeedTypeRSS || ft == gofeed.FeedTypeAtom {
		return extractFeed(pageURL, body)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	seenImages := make(map[string]bool)
	addImage := func(src, alt, source string) {
		abs := Resolve(base, src)
		if abs == "" || seenImages[abs] || len(page.Images) >= maxImages || !usableImage(abs) {
			return
		}
		seenImages[abs] = true
		page.Images = append(page.Images, Image{URL: abs, Alt: strings.TrimSpace(alt), Source: source})
	}

	if og, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		addImage(og, page.Title, "og")
	}
	if tw, ok := doc.Find(`meta[name="twitter:image"]`).First().Attr("content"); ok {
		addImage(tw, page.Title, "twitter")
	}

	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err == nil {
		page.Text = collapseWhitespace(article.TextContent)
		if page.Title == "" {
			page.Title = strings.TrimSpace(article.Title)
		}
		if article.Image != "" {
			addImage(article.Image, article.Title, "lead")
		}
	} else {
		slog.Debug("Readability extraction failed, using document text", "url", pageURL, "error", err)
	}

	if page.Text == "" {
		page.Text = collapseWhitespace(doc.Find("body").Text())
	}
	page.Text = truncateRunes(page.Text, MaxTextRunes)

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Attr("data-src")
		}
		alt, _ := s.Attr("alt")
		addImage(src, alt, "img")
	})

	seenLinks := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if len(page.Links) >= maxLinks {
			return
		}
		href, _ := s.Attr("href")
		abs := Resolve(base, href)
		if abs == "" {
			return
		}
		key := NormalizeURL(abs)
		if seenLinks[key] || (base != nil && key == NormalizeURL(base.String())) {
			return
		}
		seenLinks[key] = true
		page.Links = append(page.Links, Link{URL: abs, Text: collapseWhitespace(s.Text())})
	})

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		typ, _ := s.Attr("type")
		if typ != "application/rss+xml" && typ != "application/atom+xml" {
			return
		}
		href, _ := s.Attr("href")
		if abs := Resolve(base, href); abs != "" {
			page.FeedLinks = append(page.FeedLinks, abs)
		}
	})

	return page, nil
}

func extractFeed(pageURL string, body []byte) (*Page, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	page := &Page{
		URL:    pageURL,
		Title:  strings.TrimSpace(feed.Title),
		IsFeed: true,
	}

	var text strings.Builder
	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		summary := collapseWhitespace(stripTags(item.Description))
		page.FeedItems = append(page.FeedItems, FeedItem{
			Title:     strings.TrimSpace(item.Title),
			URL:       item.Link,
			Summary:   truncateRunes(summary, 280),
			Published: item.PublishedParsed,
		})
		page.Links = append(page.Links, Link{URL: item.Link, Text: strings.TrimSpace(item.Title)})
		fmt.Fprintf(&text, "%s\n%s\n\n", item.Title, summary)
	}
	page.Text = truncateRunes(strings.TrimSpace(text.String()), MaxTextRunes)

	if feed.Image != nil && feed.Image.URL != "" {
		page.Images = append(page.Images, Image{URL: feed.Image.URL, Alt: feed.Title, Source: "lead"})
	}

	return page, nil
}

func usableImage(src string) bool {
	lower := strings.ToLower(src)
	for _, skip := range []string{".svg", ".gif", "favicon", "sprite", "logo", "icon", "spacer", "pixel", "blank."} {
		if strings.Contains(lower, skip) {
			return false
		}
	}
	return true
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return doc.Text()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
