package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Search(t *testing.T) {
	var gotQuery, gotNum, gotRecency, gotKey, gotCX string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery, gotNum, gotRecency = q.Get("q"), q.Get("num"), q.Get("dateRestrict")
		gotKey, gotCX = q.Get("key"), q.Get("cx")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[
			{"title":" Dino Expo ","link":"https://a.example.com/dino","snippet":"Dinosaurs"},
			{"title":"No link"},
			{"title":"Fossil Day","link":"https://b.example.com/fossil"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL, "key-1", "cx-1", 100)

	results, err := c.Search(context.Background(), "dinosaurs family Yokohama", 25, "m1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("Expected 2 results with links, got %d", len(results))
	}
	if results[0].Title != "Dino Expo" || results[0].URL != "https://a.example.com/dino" {
		t.Errorf("Unexpected first result %+v", results[0])
	}
	if gotQuery != "dinosaurs family Yokohama" {
		t.Errorf("Unexpected query %q", gotQuery)
	}
	if gotNum != "10" {
		t.Errorf("Expected count clamped to 10, got %q", gotNum)
	}
	if gotRecency != "m1" {
		t.Errorf("Expected dateRestrict m1, got %q", gotRecency)
	}
	if gotKey != "key-1" || gotCX != "cx-1" {
		t.Errorf("Expected credentials to be sent, got key=%q cx=%q", gotKey, gotCX)
	}
}

func TestClient_SearchImage(t *testing.T) {
	var gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.URL.Query().Get("searchType")
		w.Write([]byte(`{"items":[{"title":"img","link":"https://img.example.com/dino.jpg"}]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL, "key", "cx", 100)

	got, err := c.SearchImage(context.Background(), "Dinosaur Expo")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "https://img.example.com/dino.jpg" {
		t.Errorf("Unexpected image URL %q", got)
	}
	if gotType != "image" {
		t.Errorf("Expected searchType=image, got %q", gotType)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded"}}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL, "key", "cx", 100)

	if _, err := c.Search(context.Background(), "q", 5, ""); err == nil {
		t.Error("Expected error for 429 response")
	}
}

func TestClient_RequiresCredentials(t *testing.T) {
	c := NewClient(nil, "", "", "", 1)

	if _, err := c.Search(context.Background(), "q", 5, ""); err == nil {
		t.Error("Expected error without credentials")
	}
}
