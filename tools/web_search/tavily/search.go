package tavily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/tools/web_search/models"
)

const defaultBaseURL = "https://api.tavily.com"

type Search struct {
	ApiKey  string
	BaseURL string // defaults to the public endpoint
}

func (s Search) Search(ctx context.Context, q string, k int) ([]models.Hit, error) {
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	// https://docs.tavily.com/ search endpoint
	payload := map[string]any{
		"api_key":      s.ApiKey,
		"query":        q,
		"max_results":  k,
		"search_depth": "advanced",
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", base+"/search", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily status %d", resp.StatusCode)
	}
	var raw struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []models.Hit
	for i, r := range raw.Results {
		if i >= k {
			break
		}
		out = append(out, models.Hit{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return out, nil
}
