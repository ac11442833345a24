package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"

	DefaultOpenAIURL   = "https://api.openai.com/v1/moderations"
	DefaultOpenAIModel = "omni-moderation-latest"
)

type CategoryScore struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Provider is an optional external classifier. A provider error means no
// evidence; it never blocks a post by itself.
type Provider interface {
	Name() string
	Classify(ctx context.Context, content string) ([]CategoryScore, error)
}

// openAICategories maps provider categories onto charter category keys.
var openAICategories = map[string]string{
	"sexual/minors":          "csam",
	"violence":               "violent_threat",
	"violence/graphic":       "violent_threat",
	"harassment/threatening": "violent_threat",
	"hate/threatening":       "violent_threat",
	"illicit":                "illegal_trade",
	"illicit/violent":        "illegal_trade",
	"harassment":             "harassment",
	"hate":                   "harassment",
	"self-harm":              "self_harm",
	"self-harm/intent":       "self_harm",
	"self-harm/instructions": "self_harm",
}

type OpenAIProvider struct {
	URL        string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewOpenAIProvider(url, apiKey string) *OpenAIProvider {
	if url == "" {
		url = DefaultOpenAIURL
	}
	return &OpenAIProvider{
		URL:        url,
		APIKey:     apiKey,
		Model:      DefaultOpenAIModel,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

type openAIRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type openAIResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (p *OpenAIProvider) Classify(ctx context.Context, content string) ([]CategoryScore, error) {
	body, err := json.Marshal(openAIRequest{Model: p.Model, Input: content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("moderation provider: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("moderation provider: decode: %w", err)
	}

	best := make(map[string]float64)
	for _, r := range out.Results {
		for name, score := range r.CategoryScores {
			key, ok := openAICategories[name]
			if !ok {
				continue
			}
			if score > best[key] {
				best[key] = score
			}
		}
	}
	scores := make([]CategoryScore, 0, len(best))
	for key, score := range best {
		scores = append(scores, CategoryScore{Category: key, Score: score})
	}
	return scores, nil
}
