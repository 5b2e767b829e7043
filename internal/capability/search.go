package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const maxSearchResponseSize = 2 << 20 // 2MB

// SearchConfig configures the web search finder.
type SearchConfig struct {
	APIKey     string
	EngineID   string
	BaseURL    string // defaults to the Google Custom Search endpoint
	NumResults int
	CacheTTL   time.Duration
	RatePerSec float64
}

// WebSearchFinder implements SourceFinder against the Google Custom Search
// JSON API. Identical queries are served from a TTL cache, and requests are
// rate limited so a burst of concurrent sessions cannot exhaust the quota.
type WebSearchFinder struct {
	cfg     SearchConfig
	client  *http.Client
	cache   *gocache.Cache
	limiter *rate.Limiter
}

// NewWebSearchFinder builds a finder. APIKey and EngineID are required.
func NewWebSearchFinder(cfg SearchConfig, client *http.Client) (*WebSearchFinder, error) {
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, fmt.Errorf("search API key and engine id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/customsearch/v1"
	}
	if cfg.NumResults <= 0 || cfg.NumResults > 10 {
		cfg.NumResults = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebSearchFinder{
		cfg:     cfg,
		client:  client,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 5),
	}, nil
}

// buildQuery applies the kind-specific site filters to the base query.
func buildQuery(query, kind string) string {
	switch kind {
	case SearchNews:
		return query + " (site:reuters.com OR site:ap.org OR site:bbc.com OR site:npr.org)"
	case SearchFactCheck:
		return query + " (site:snopes.com OR site:politifact.com OR site:factcheck.org OR site:reuters.com/fact-check)"
	case SearchAcademic:
		return query + ` (site:edu OR site:gov OR filetype:pdf OR "peer reviewed" OR "research study")`
	default:
		return query
	}
}

type cseResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search implements SourceFinder.
func (f *WebSearchFinder) Search(ctx context.Context, query, kind string) ([]SearchResult, error) {
	full := buildQuery(query, kind)

	if cached, ok := f.cache.Get(full); ok {
		return cached.([]SearchResult), nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, TransientErr("source_finder", err)
	}

	params := url.Values{}
	params.Set("key", f.cfg.APIKey)
	params.Set("cx", f.cfg.EngineID)
	params.Set("q", full)
	params.Set("num", fmt.Sprintf("%d", f.cfg.NumResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, PermanentErr("source_finder", fmt.Errorf("building search request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, TransientErr("source_finder", fmt.Errorf("search request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponseSize))
	if err != nil {
		return nil, TransientErr("source_finder", fmt.Errorf("reading search response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, TransientErr("source_finder", fmt.Errorf("search provider returned %d", resp.StatusCode))
	default:
		// 403 here means the daily quota is exhausted; retrying won't help.
		return nil, PermanentErr("source_finder", fmt.Errorf("search provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed cseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, TransientErr("source_finder", fmt.Errorf("parsing search response: %w", err))
	}

	results := make([]SearchResult, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" {
			continue
		}
		results = append(results, SearchResult{URL: item.Link, Title: item.Title, Snippet: item.Snippet})
	}

	f.cache.Set(full, results, gocache.DefaultExpiration)
	return results, nil
}

// PublisherFromURL derives a human-readable publisher name from a URL host.
func PublisherFromURL(rawURL string) string {
	known := map[string]string{
		"reuters.com":    "Reuters",
		"ap.org":         "Associated Press",
		"apnews.com":     "Associated Press",
		"bbc.com":        "BBC",
		"bbc.co.uk":      "BBC",
		"npr.org":        "NPR",
		"cnn.com":        "CNN",
		"snopes.com":     "Snopes",
		"politifact.com": "PolitiFact",
		"factcheck.org":  "FactCheck.org",
		"nytimes.com":    "The New York Times",
		"nature.com":     "Nature",
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if name, ok := known[host]; ok {
		return name
	}
	return host
}
