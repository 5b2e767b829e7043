package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ledongthuc/pdf"
	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const maxFetchSize = 5 << 20 // 5MB

// FetchConfig configures the content extractor.
type FetchConfig struct {
	UserAgent  string
	Timeout    time.Duration
	CacheTTL   time.Duration
	RatePerSec float64 // per-domain request rate
	MaxText    int     // extracted text is truncated to this many bytes
}

// WebContentExtractor implements ContentExtractor: it fetches a URL
// politely (robots.txt, per-domain rate limit) and extracts readable text
// from HTML or PDF responses. Fetched content is cached by URL.
type WebContentExtractor struct {
	cfg    FetchConfig
	client *http.Client
	cache  *gocache.Cache

	mu       sync.Mutex
	robots   map[string]*robotstxt.RobotsData
	limiters map[string]*rate.Limiter
}

// NewWebContentExtractor builds an extractor with sane defaults.
func NewWebContentExtractor(cfg FetchConfig, client *http.Client) *WebContentExtractor {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "veridex/1.0 (+https://github.com/veridex/veridex)"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.MaxText <= 0 {
		cfg.MaxText = 20000
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebContentExtractor{
		cfg:      cfg,
		client:   client,
		cache:    gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		robots:   make(map[string]*robotstxt.RobotsData),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch implements ContentExtractor.
func (e *WebContentExtractor) Fetch(ctx context.Context, rawURL string) (PageContent, error) {
	if cached, ok := e.cache.Get(rawURL); ok {
		return cached.(PageContent), nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return PageContent{}, PermanentErr("content_extractor", fmt.Errorf("invalid url %q", rawURL))
	}

	allowed := e.robotsAllowed(ctx, parsed)
	if !allowed {
		return PageContent{}, PermanentErr("content_extractor", fmt.Errorf("disallowed by robots.txt: %s", rawURL))
	}

	if err := e.limiter(parsed.Host).Wait(ctx); err != nil {
		return PageContent{}, TransientErr("content_extractor", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return PageContent{}, PermanentErr("content_extractor", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return PageContent{}, classifyFetchErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return PageContent{}, TransientErr("content_extractor", fmt.Errorf("%s returned %d", parsed.Host, resp.StatusCode))
	default:
		return PageContent{}, PermanentErr("content_extractor", fmt.Errorf("%s returned %d", parsed.Host, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return PageContent{}, TransientErr("content_extractor", fmt.Errorf("reading %s: %w", rawURL, err))
	}

	var content PageContent
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/pdf") || strings.HasSuffix(strings.ToLower(parsed.Path), ".pdf") {
		content, err = extractPDF(body)
	} else {
		content, err = extractHTML(body)
	}
	if err != nil {
		return PageContent{}, PermanentErr("content_extractor", fmt.Errorf("extracting %s: %w", rawURL, err))
	}

	if len(content.Text) > e.cfg.MaxText {
		content.Text = content.Text[:e.cfg.MaxText]
	}

	e.cache.Set(rawURL, content, gocache.DefaultExpiration)
	return content, nil
}

// Network-level fetch failures (DNS, resets, timeouts) are all worth one
// more try; unreachable hosts fail the retry budget soon enough.
func classifyFetchErr(err error) error {
	return TransientErr("content_extractor", err)
}

// robotsAllowed checks robots.txt for the URL, caching per host. A missing
// or unfetchable robots.txt allows the fetch.
func (e *WebContentExtractor) robotsAllowed(ctx context.Context, u *url.URL) bool {
	e.mu.Lock()
	data, ok := e.robots[u.Host]
	e.mu.Unlock()

	if !ok {
		robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return true
		}
		req.Header.Set("User-Agent", e.cfg.UserAgent)

		resp, err := e.client.Do(req)
		if err != nil {
			return true
		}
		defer resp.Body.Close()

		data, err = robotstxt.FromResponse(resp)
		if err != nil {
			return true
		}

		e.mu.Lock()
		e.robots[u.Host] = data
		e.mu.Unlock()
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, e.cfg.UserAgent)
}

func (e *WebContentExtractor) limiter(host string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.RatePerSec), 2)
		e.limiters[host] = l
	}
	return l
}

// extractHTML pulls the title, author/date metadata, and visible text out of
// an HTML document.
func extractHTML(body []byte) (PageContent, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return PageContent{}, fmt.Errorf("parsing html: %w", err)
	}

	var content PageContent
	var text strings.Builder
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer", "header", "aside":
				skip = true
			case "title":
				if content.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					content.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				name, prop, value := attr(n, "name"), attr(n, "property"), attr(n, "content")
				switch {
				case name == "author" && content.Author == "":
					content.Author = value
				case (prop == "article:published_time" || name == "date") && content.PublishDate == nil:
					if t, err := time.Parse(time.RFC3339, value); err == nil {
						content.PublishDate = &t
					}
				}
			}
		case html.TextNode:
			if !skip {
				if s := strings.TrimSpace(n.Data); s != "" {
					text.WriteString(s)
					text.WriteByte('\n')
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, skip)
		}
	}
	walk(doc, false)

	content.Text = strings.TrimSpace(text.String())
	if content.Text == "" {
		return PageContent{}, fmt.Errorf("no readable text")
	}
	return content, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// extractPDF pulls plain text out of a PDF document.
func extractPDF(body []byte) (PageContent, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return PageContent{}, fmt.Errorf("parsing pdf: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return PageContent{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(textReader)
	if err != nil {
		return PageContent{}, fmt.Errorf("reading pdf text: %w", err)
	}

	content := PageContent{Text: strings.TrimSpace(string(text))}
	if content.Text == "" {
		return PageContent{}, fmt.Errorf("no extractable text in pdf")
	}
	return content, nil
}
