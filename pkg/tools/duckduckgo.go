package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/mikeboe/report-helper/pkg/search"
)

const defaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo searches the keyless HTML endpoint of DuckDuckGo.
type DuckDuckGo struct {
	BaseURL    string
	Client     *http.Client
	Limiter    *rate.Limiter
	MaxResults int
	Logger     *slog.Logger
}

// NewDuckDuckGo returns a provider throttled to rps requests per second.
func NewDuckDuckGo(rps float64) *DuckDuckGo {
	d := &DuckDuckGo{
		BaseURL:    defaultDuckDuckGoURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxResults: 10,
		Logger:     slog.Default(),
	}
	if rps > 0 {
		d.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return d
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]search.WebHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	base := d.BaseURL
	if base == "" {
		base = defaultDuckDuckGoURL
	}
	searchURL := base + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	hits, err := parseDuckDuckGo(string(body), d.MaxResults)
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.Debug("DuckDuckGo search completed", "query", query, "results", len(hits))
	}
	return hits, nil
}

// parseDuckDuckGo extracts result blocks from the HTML page. A non-positive limit
// keeps every result.
func parseDuckDuckGo(page string, limit int) ([]search.WebHit, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var hits []search.WebHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if limit > 0 && len(hits) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if hit := extractHit(n); hit.URL != "" && hit.Title != "" {
				hits = append(hits, hit)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits, nil
}

func extractHit(n *html.Node) search.WebHit {
	var hit search.WebHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				hit.URL = unwrapRedirect(attr(n, "href"))
				hit.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				hit.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return hit
}

// unwrapRedirect returns the target of a //duckduckgo.com/l/?uddg= link.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && u.Path == "/l/" {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				sb.WriteString(s)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
