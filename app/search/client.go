// Package search wraps the Google Custom Search JSON API for web and image
// queries.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// maxCount is the provider's per-request result limit.
const maxCount = 10

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	engineID   string
	limiter    *rate.Limiter
}

func NewClient(httpClient *http.Client, baseURL, apiKey, engineID string, rps float64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		engineID:   engineID,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type apiResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Search runs a web query. recency uses the provider's dateRestrict syntax
// (d7, w2, m1); empty disables the filter.
func (c *Client) Search(ctx context.Context, query string, count int, recency string) ([]Result, error) {
	if count <= 0 || count > maxCount {
		count = maxCount
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("num", strconv.Itoa(count))
	if recency != "" {
		params.Set("dateRestrict", recency)
	}

	resp, err := c.do(ctx, params)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Link == "" {
			continue
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(item.Title),
			URL:     item.Link,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}

	slog.Debug("Search completed", "query", query, "results", len(results))
	return results, nil
}

// SearchImage returns the first image result URL, or "" when none.
func (c *Client) SearchImage(ctx context.Context, query string) (string, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("num", "1")
	params.Set("searchType", "image")
	params.Set("safe", "active")

	resp, err := c.do(ctx, params)
	if err != nil {
		return "", err
	}

	for _, item := range resp.Items {
		if item.Link != "" {
			return item.Link, nil
		}
	}
	return "", nil
}

func (c *Client) do(ctx context.Context, params url.Values) (*apiResponse, error) {
	if c.apiKey == "" || c.engineID == "" {
		return nil, fmt.Errorf("search API key and engine id are required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limiter: %w", err)
	}

	params.Set("key", c.apiKey)
	params.Set("cx", c.engineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 2*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response (status %d): %w", res.StatusCode, err)
	}

	if res.StatusCode != http.StatusOK {
		msg := res.Status
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("search API error %d: %s", res.StatusCode, msg)
	}

	return &out, nil
}
