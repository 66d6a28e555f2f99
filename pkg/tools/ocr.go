package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOCRURL = "https://api.mistral.ai/v1/ocr"

type OCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OCRResponse struct {
	Pages []OCRPage `json:"pages"`
}

// OCR extracts PDF pages as markdown using the Mistral OCR API.
type OCR struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOCR(apiKey string) *OCR {
	return &OCR{
		APIKey:  apiKey,
		BaseURL: defaultOCRURL,
		Model:   "mistral-ocr-latest",
		Client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// ExtractPages returns the document's pages in order. Page indexes are 1-based.
func (o *OCR) ExtractPages(ctx context.Context, documentURL string) ([]OCRPage, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("MISTRAL_API_KEY is not set")
	}
	documentURL = strings.Replace(documentURL, "http://", "https://", 1)

	reqBody := map[string]any{
		"model": o.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": documentURL,
		},
		"include_image_base64": false,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	base := o.BaseURL
	if base == "" {
		base = defaultOCRURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	client := o.Client
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
		return nil, fmt.Errorf("API request failed with status: %s, body: %s", resp.Status, string(body))
	}

	var ocr OCRResponse
	if err := json.Unmarshal(body, &ocr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}
	// the API numbers pages from zero
	for i := range ocr.Pages {
		ocr.Pages[i].Index++
	}
	return ocr.Pages, nil
}
