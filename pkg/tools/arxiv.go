package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeboe/report-helper/pkg/search"
)

const defaultArxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// Arxiv searches the arXiv Atom API. Hits point at the PDF when one is listed.
type Arxiv struct {
	BaseURL    string
	Client     *http.Client
	Limiter    *rate.Limiter
	MaxResults int
	Logger     *slog.Logger
}

func NewArxiv(rps float64) *Arxiv {
	a := &Arxiv{
		BaseURL:    defaultArxivURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxResults: 5,
		Logger:     slog.Default(),
	}
	if rps > 0 {
		a.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

func (a *Arxiv) Name() string { return "arxiv" }

// Search queries the arXiv API and returns one hit per feed entry.
func (a *Arxiv) Search(ctx context.Context, query string) ([]search.WebHit, error) {
	maxResults := a.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")

	base := a.BaseURL
	if base == "" {
		base = defaultArxivURL
	}
	apiURL := base + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned non-200 status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	hits := make([]search.WebHit, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		hits = append(hits, search.WebHit{
			Title:   collapse(entry.Title),
			URL:     entry.url(),
			Snippet: strings.TrimSpace(fmt.Sprintf("%s (published %s)", collapse(entry.Summary), entry.Published)),
		})
	}
	if a.Logger != nil {
		a.Logger.Info("arXiv search completed", "query", query, "results", len(hits))
	}
	return hits, nil
}

func (e ArxivEntry) url() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" {
			return link.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

// collapse joins the line-wrapped text of Atom fields.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
