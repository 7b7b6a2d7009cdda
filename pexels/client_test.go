package pexels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key")
	c.SetBaseURL(srv.URL)
	return c
}

func TestSearch(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "test-key" {
			t.Errorf("missing Authorization header")
		}
		if got := r.URL.Query().Get("query"); got != "modern office" {
			t.Errorf("query=%q", got)
		}
		_ = json.NewEncoder(w).Encode(SearchResult{
			TotalResults: 1234,
			Photos: []Photo{{
				ID:              417273,
				Width:           5184,
				Height:          3456,
				URL:             "https://www.pexels.com/photo/417273/",
				Photographer:    "Example Person",
				PhotographerURL: "https://www.pexels.com/@example",
				Src: PhotoSrcs{
					Original: "https://images.pexels.com/photos/417273/original.jpg",
					Large:    "https://images.pexels.com/photos/417273/large.jpg",
					Medium:   "https://images.pexels.com/photos/417273/medium.jpg",
					Small:    "https://images.pexels.com/photos/417273/small.jpg",
				},
			}},
		})
	})

	res, err := c.Search(context.Background(), "modern office", 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Photos) != 1 || res.TotalResults != 1234 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Photos[0].Src.Original == "" {
		t.Fatalf("source urls missing")
	}
}

func TestSearchPerPageClamp(t *testing.T) {
	var got []string
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.Query().Get("per_page"))
		_ = json.NewEncoder(w).Encode(SearchResult{})
	})

	for _, perPage := range []int{-3, 0, 200} {
		if _, err := c.Search(context.Background(), "office", perPage); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"1", "1", strconv.Itoa(MaxPerPage)}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("per_page[%d]=%q want %q", i, got[i], want[i])
		}
	}
}

func TestSearchProviderError(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Access to this API has been disallowed"}`, http.StatusForbidden)
	})
	_, err := c.Search(context.Background(), "office", 10)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error should carry status: %v", err)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	c := NewClient("k")
	if _, err := c.Search(context.Background(), "  ", 10); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestFormatResultEmpty(t *testing.T) {
	out := FormatResult("office plants", &SearchResult{})
	if !strings.Contains(out, "No photos found") {
		t.Fatalf("out=%q", out)
	}
}

func TestFormatResultCarriesExactURLs(t *testing.T) {
	res := &SearchResult{
		TotalResults: 2,
		Photos: []Photo{{
			ID:           99,
			Photographer: "P",
			Src: PhotoSrcs{
				Original: "https://images.pexels.com/photos/99/original.jpg?cs=srgb",
			},
		}},
	}
	out := FormatResult("office", res)
	if !strings.Contains(out, "https://images.pexels.com/photos/99/original.jpg?cs=srgb") {
		t.Fatalf("original URL not carried verbatim:\n%s", out)
	}
	if !strings.Contains(out, "copy these exactly") {
		t.Fatalf("missing exact-URL framing:\n%s", out)
	}
}
