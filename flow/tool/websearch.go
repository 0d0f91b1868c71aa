package tool

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// WebSearch queries the DuckDuckGo instant-answer API. No API key needed,
// which keeps the default tool set runnable out of the box.
type WebSearch struct {
	client  *http.Client
	baseURL string
}

// NewWebSearch creates the web search tool.
func NewWebSearch() *WebSearch {
	return &WebSearch{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: "https://api.duckduckgo.com/",
	}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Searches the web and returns a short abstract plus related results."
}

func (w *WebSearch) Schema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{"type": "string", "description": "The search query."},
	}, "query")
}

type searchResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

// Call performs the search.
func (w *WebSearch) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := stringInput(input, "query")
	if query == "" {
		return nil, flow.Errf(flow.CodeValidation, "query parameter required (string)")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, flow.Wrap(flow.CodeValidation, "failed to create search request", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "search request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "failed to read search response", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "unexpected search response", err)
	}

	results := make([]map[string]any, 0, len(parsed.RelatedTopics))
	for _, topic := range parsed.RelatedTopics {
		if topic.Text == "" {
			continue
		}
		results = append(results, map[string]any{
			"title": topic.Text,
			"url":   topic.FirstURL,
		})
		if len(results) == 5 {
			break
		}
	}

	out := map[string]any{
		"query":   query,
		"results": results,
	}
	if parsed.Answer != "" {
		out["answer"] = parsed.Answer
	}
	if parsed.AbstractText != "" {
		out["abstract"] = parsed.AbstractText
		out["abstract_url"] = parsed.AbstractURL
	}
	return out, nil
}
