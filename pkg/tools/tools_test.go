package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/report-helper/pkg/search"
)

const ddgPage = `<html><body>
<div class="result results_links results_links_deep web-result">
  <div class="result__body">
    <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Facme.example%2Finvestors&amp;rut=abc">Acme <b>Investor</b> Relations</a></h2>
    <a class="result__snippet" href="#">Annual revenue grew 12% in 2024.</a>
  </div>
</div>
<div class="result result--ad">
  <a class="result__a" href="https://ads.example">Sponsored</a>
</div>
<div class="result results_links">
  <a class="result__a" href="https://news.example/acme">Acme news</a>
  <a class="result__snippet">Acme opens a new plant.</a>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(0)
	d.BaseURL = srv.URL + "/html/"

	hits, err := d.Search(context.Background(), "acme revenue")
	require.NoError(t, err)
	assert.Equal(t, "acme revenue", gotQuery)
	require.Len(t, hits, 2)
	assert.Equal(t, search.WebHit{
		Title:   "Acme Investor Relations",
		URL:     "https://acme.example/investors",
		Snippet: "Annual revenue grew 12% in 2024.",
	}, hits[0])
	assert.Equal(t, "https://news.example/acme", hits[1].URL)
}

func TestDuckDuckGoLimitAndErrors(t *testing.T) {
	hits, err := parseDuckDuckGo(ddgPage, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(0)
	d.BaseURL = srv.URL
	_, err = d.Search(context.Background(), "acme")
	require.Error(t, err)

	_, err = d.Search(context.Background(), "  ")
	require.Error(t, err)
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fa.example%2Fx&rut=1", "https://a.example/x"},
		{"https://b.example/y", "https://b.example/y"},
		{"//c.example/z", "https://c.example/z"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, unwrapRedirect(tt.in))
		})
	}
}

const arxivFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00001v1</id>
    <title>Battery
      Markets</title>
    <summary>  A study of battery
      market sizing. </summary>
    <published>2024-01-01T00:00:00Z</published>
    <link href="http://arxiv.org/abs/2401.00001v1" type="text/html"/>
    <link href="http://arxiv.org/pdf/2401.00001v1" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2401.00002v1</id>
    <title>No PDF</title>
    <summary>Abstract only.</summary>
    <published>2024-01-02T00:00:00Z</published>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	var gotQuery, gotMax string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		gotMax = r.URL.Query().Get("max_results")
		fmt.Fprint(w, arxivFeed)
	}))
	defer srv.Close()

	a := NewArxiv(0)
	a.BaseURL = srv.URL
	a.MaxResults = 3

	hits, err := a.Search(context.Background(), "battery market")
	require.NoError(t, err)
	assert.Equal(t, "all:battery market", gotQuery)
	assert.Equal(t, "3", gotMax)
	require.Len(t, hits, 2)
	assert.Equal(t, "Battery Markets", hits[0].Title)
	assert.Equal(t, "http://arxiv.org/pdf/2401.00001v1", hits[0].URL)
	assert.Equal(t, "A study of battery market sizing. (published 2024-01-01T00:00:00Z)", hits[0].Snippet)
	assert.Equal(t, "http://arxiv.org/abs/2401.00002v1", hits[1].URL)
}

type stubProvider struct {
	name string
	hits []search.WebHit
	err  error
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Search(ctx context.Context, query string) ([]search.WebHit, error) {
	return s.hits, s.err
}

func TestMultiSearcher(t *testing.T) {
	a := stubProvider{name: "a", hits: []search.WebHit{{Title: "one", URL: "u1"}, {Title: "two", URL: "u2"}}}
	b := stubProvider{name: "b", hits: []search.WebHit{{Title: "two again", URL: "u2"}, {Title: "three", URL: "u3"}}}
	broken := stubProvider{name: "broken", err: errors.New("down")}

	m := NewMultiSearcher(a, broken, b)
	assert.Equal(t, "a+broken+b", m.Name())

	hits, err := m.Search(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{hits[0].Title, hits[1].Title, hits[2].Title})

	_, err = NewMultiSearcher(broken, broken).Search(context.Background(), "q")
	require.Error(t, err)

	_, err = NewMultiSearcher().Search(context.Background(), "q")
	require.Error(t, err)
}

func TestProvidersByName(t *testing.T) {
	providers := ProvidersByName([]string{"duckduckgo", "unknown", " ArXiv "}, 1)
	require.Len(t, providers, 2)
	assert.Equal(t, "duckduckgo", providers[0].Name())
	assert.Equal(t, "arxiv", providers[1].Name())
}

func TestOCRExtractPages(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(OCRResponse{Pages: []OCRPage{
			{Index: 0, Markdown: "# Annual report"},
			{Index: 1, Markdown: "Revenue 12m"},
		}})
	}))
	defer srv.Close()

	o := NewOCR("secret")
	o.BaseURL = srv.URL

	pages, err := o.ExtractPages(context.Background(), "http://files.example/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	doc, ok := body["document"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://files.example/report.pdf", doc["document_url"])
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].Index)
	assert.Equal(t, 2, pages[1].Index)

	_, err = NewOCR("").ExtractPages(context.Background(), "https://x")
	require.Error(t, err)
}
