package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SerperProvider implements Provider using serper.dev.
type SerperProvider struct {
	APIKey string
	Client *http.Client
}

func (s *SerperProvider) Name() string { return "serper" }

func (s *SerperProvider) Search(ctx context.Context, query string, k int) ([]Result, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": query, "num": k}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []Result
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func (s *SerperProvider) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}
