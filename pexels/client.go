package pexels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.pexels.com/v1"

// MaxPerPage is the provider-defined result-count cap.
const MaxPerPage = 80

// Photo is one structured record from the catalog. Source URLs must be
// passed downstream verbatim; the curation prompts depend on that.
type Photo struct {
	ID              int64     `json:"id"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	URL             string    `json:"url"`
	Photographer    string    `json:"photographer"`
	PhotographerURL string    `json:"photographer_url"`
	Src             PhotoSrcs `json:"src"`
}

type PhotoSrcs struct {
	Original string `json:"original"`
	Large    string `json:"large"`
	Medium   string `json:"medium"`
	Small    string `json:"small"`
}

type SearchResult struct {
	TotalResults int     `json:"total_results"`
	Photos       []Photo `json:"photos"`
}

// Client issues search queries against the Pexels photo catalog. Stateless;
// one HTTP round trip per call.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u != "" {
		c.baseURL = u
	}
}

// Search returns up to perPage photos for the query. perPage is clamped to
// 1..MaxPerPage. An empty result set is a normal return, not an error;
// transport and provider errors are errors.
func (c *Client) Search(ctx context.Context, query string, perPage int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is empty")
	}
	if c.apiKey == "" {
		return nil, errors.New("pexels api key is empty")
	}
	if perPage < 1 {
		perPage = 1
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("per_page", strconv.Itoa(perPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pexels request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("pexels search failed (HTTP %d): %s", resp.StatusCode, msg)
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	var out SearchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("pexels response decode failed: %w", err)
	}
	return &out, nil
}

// FormatResult renders a search result as the text block the curation
// stage feeds to the model. URLs are framed so the model copies them
// verbatim instead of rewriting them.
func FormatResult(query string, res *SearchResult) string {
	if res == nil || len(res.Photos) == 0 {
		return fmt.Sprintf("No photos found for query: %q. Try different search terms.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d photos for %q. Showing top %d results:\n", res.TotalResults, query, len(res.Photos))
	for i, p := range res.Photos {
		fmt.Fprintf(&b, "\n%d. Photo ID: %d\n", i+1, p.ID)
		fmt.Fprintf(&b, "   Photographer: %s\n", p.Photographer)
		fmt.Fprintf(&b, "   Photographer Profile: %s\n", p.PhotographerURL)
		fmt.Fprintf(&b, "   Dimensions: %dx%d\n", p.Width, p.Height)
		fmt.Fprintf(&b, "   Pexels Page: %s\n", p.URL)
		b.WriteString("   === DOWNLOAD URLS (copy these exactly) ===\n")
		fmt.Fprintf(&b, "   Original: %s\n", p.Src.Original)
		fmt.Fprintf(&b, "   Large: %s\n", p.Src.Large)
		fmt.Fprintf(&b, "   Medium: %s\n", p.Src.Medium)
		fmt.Fprintf(&b, "   Small: %s\n", p.Src.Small)
		b.WriteString("   ==========================================\n")
	}
	return b.String()
}
