// Package search implements the research provider by scraping an HTML
// search results page.
package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jdziat/durable-research/pkg/core"
)

// DefaultEndpoint is the DuckDuckGo HTML endpoint.
const DefaultEndpoint = "https://html.duckduckgo.com/html/"

// Selectors locate results on the page.
type Selectors struct {
	Result  string `yaml:"result"`
	Link    string `yaml:"link"`
	Snippet string `yaml:"snippet"`
}

// DefaultSelectors match the DuckDuckGo HTML layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Result:  ".result",
		Link:    "a.result__a",
		Snippet: ".result__snippet",
	}
}

// Config configures the scraper.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	QueryKey  string        `yaml:"query_key"`
	Selectors Selectors     `yaml:"selectors"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// Scraper fetches and parses result pages.
type Scraper struct {
	client *http.Client
	cfg    Config
	now    func() time.Time
}

var _ core.Researcher = (*Scraper)(nil)

// New creates a scraper. A nil client gets one with cfg.Timeout.
func New(client *http.Client, cfg Config) *Scraper {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.QueryKey == "" {
		cfg.QueryKey = "q"
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "durable-research/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Scraper{client: client, cfg: cfg, now: time.Now}
}

// perQuery is how many results each query contributes at a depth.
func perQuery(d core.Depth) int {
	switch d {
	case core.DepthQuick:
		return 3
	case core.DepthDeep:
		return 10
	default:
		return 5
	}
}

// Research runs each query in turn. At deep depth the result pages are
// fetched too and their text replaces the snippet. A query that fails is
// skipped unless every query fails.
func (s *Scraper) Research(ctx context.Context, queries []string, depth core.Depth) (*core.ResearchData, error) {
	data := &core.ResearchData{Queries: queries, SearchedAt: s.now()}
	seen := make(map[string]bool)

	var lastErr error
	failed := 0
	for _, q := range queries {
		results, err := s.search(ctx, q, perQuery(depth))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			failed++
			continue
		}
		for _, r := range results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			if depth == core.DepthDeep {
				if text, err := s.pageText(ctx, r.URL); err == nil && text != "" {
					r.Content = text
				}
			}
			data.Results = append(data.Results, r)
		}
	}
	if len(queries) > 0 && failed == len(queries) {
		return nil, fmt.Errorf("search: every query failed: %w", lastErr)
	}
	data.TotalSources = len(data.Results)
	return data, nil
}

func (s *Scraper) search(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return nil, core.NoRetry(fmt.Errorf("search: endpoint: %w", err))
	}
	v := u.Query()
	v.Set(s.cfg.QueryKey, query)
	u.RawQuery = v.Encode()

	doc, err := s.fetch(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return parseResults(doc, u, s.cfg.Selectors, limit), nil
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.RetryAfter(time.Minute, fmt.Errorf("throttled: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

const maxPageText = 8000

// pageText returns the readable text of a page.
func (s *Scraper) pageText(ctx context.Context, pageURL string) (string, error) {
	doc, err := s.fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	text := strings.Join(strings.Fields(root.Text()), " ")
	if r := []rune(text); len(r) > maxPageText {
		text = string(r[:maxPageText])
	}
	return text, nil
}

func parseResults(doc *goquery.Document, base *url.URL, sel Selectors, limit int) []core.SearchResult {
	var out []core.SearchResult
	doc.Find(sel.Result).EachWithBreak(func(i int, res *goquery.Selection) bool {
		link := res.Find(sel.Link).First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		target := resolve(base, href)
		if target == "" {
			return true
		}
		out = append(out, core.SearchResult{
			Title:   strings.TrimSpace(link.Text()),
			URL:     target,
			Content: strings.Join(strings.Fields(res.Find(sel.Snippet).First().Text()), " "),
			Score:   1 / float64(len(out)+1),
		})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// resolve makes href absolute and unwraps redirect links of the form
// /l/?uddg=<target>.
func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if target := abs.Query().Get("uddg"); target != "" {
		if t, err := url.Parse(target); err == nil && t.IsAbs() {
			return t.String()
		}
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
