package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/config"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

const (
	maxCategorizeResults = 20
	maxTokens            = 512
)

// Client talks to an OpenAI-compatible chat completions endpoint and asks for JSON answers
type Client struct {
	api        *openai.Client
	model      string
	configured bool
}

func NewClient(cfg config.EnrichmentConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:        openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		configured: cfg.BaseURL != "" && cfg.APIKey != "",
	}
}

func (c *Client) IsAvailable() bool {
	return c.configured
}

// complete sends one prompt and decodes the JSON object of the first choice into out
func (c *Client) complete(ctx context.Context, op, system, user string, out interface{}) error {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system + " Respond with a single JSON object only."},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return apperr.EnrichmentUnavailable(op, err)
	}
	if len(resp.Choices) == 0 {
		return apperr.EnrichmentUnavailable(op, errors.New("empty completion"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "`\n ")
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return apperr.EnrichmentUnavailable(op, fmt.Errorf("completion is not the expected JSON: %w", err))
	}
	return nil
}

func (c *Client) Suggest(ctx context.Context, query string) ([]model.QuerySuggestion, error) {
	var out struct {
		Suggestions []struct {
			Text  string  `json:"text"`
			Score float64 `json:"score"`
		} `json:"suggestions"`
	}
	err := c.complete(ctx, OpSuggest,
		`You suggest up to 5 alternative or refined database search queries. Shape: {"suggestions":[{"text":string,"score":number between 0 and 1}]}.`,
		query, &out)
	if err != nil {
		return nil, err
	}

	suggestions := make([]model.QuerySuggestion, 0, len(out.Suggestions))
	for _, s := range out.Suggestions {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		suggestions = append(suggestions, model.QuerySuggestion{Text: text, Score: clamp01(s.Score), Source: "ai"})
	}
	return suggestions, nil
}

func (c *Client) Categorize(ctx context.Context, query string, results []model.SearchResult) (*Categorization, error) {
	if len(results) == 0 {
		return &Categorization{}, nil
	}
	if len(results) > maxCategorizeResults {
		results = results[:maxCategorizeResults]
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Query: %s\nResults:\n", query)
	for i, r := range results {
		text := r.Snippet
		if text == "" {
			text = fmt.Sprint(r.Data)
		}
		if runes := []rune(text); len(runes) > 200 {
			text = string(runes[:200])
		}
		fmt.Fprintf(&prompt, "%d. [%s] %s\n", i, r.Table, text)
	}

	var out struct {
		Categories []struct {
			Name       string  `json:"name"`
			Confidence float64 `json:"confidence"`
		} `json:"categories"`
		Results [][]string `json:"results"`
	}
	err := c.complete(ctx, OpCategorize,
		`You group search results into at most 5 short category labels. Shape: {"categories":[{"name":string,"confidence":number}],"results":[[label,...] for each result in order]}.`,
		prompt.String(), &out)
	if err != nil {
		return nil, err
	}

	cat := &Categorization{ResultTags: make([][]string, len(results))}
	counts := make(map[string]int)
	for i := range results {
		if i < len(out.Results) {
			cat.ResultTags[i] = out.Results[i]
			for _, tag := range out.Results[i] {
				counts[tag]++
			}
		}
	}
	for _, label := range out.Categories {
		if label.Name == "" {
			continue
		}
		cat.Categories = append(cat.Categories, model.Category{Name: label.Name, Count: counts[label.Name], Confidence: clamp01(label.Confidence)})
	}
	return cat, nil
}

func (c *Client) AnalyzeQuery(ctx context.Context, query string) (*Analysis, error) {
	var out struct {
		Recommendations []string                       `json:"recommendations"`
		Optimizations   []model.OptimizationSuggestion `json:"optimizations"`
	}
	err := c.complete(ctx, OpAnalyze,
		`You review full-text database search queries. Shape: {"recommendations":[string],"optimizations":[{"kind":string,"message":string,"impact":"low"|"medium"|"high"}]}.`,
		query, &out)
	if err != nil {
		return nil, err
	}
	return &Analysis{Recommendations: out.Recommendations, Optimizations: out.Optimizations}, nil
}

func (c *Client) ExpandQuery(ctx context.Context, query string) (string, error) {
	var out struct {
		Query string `json:"query"`
	}
	err := c.complete(ctx, OpExpand,
		`You rewrite a semantic search intent into plain keywords suited to a natural-language full-text index, adding close synonyms. Shape: {"query":string}.`,
		query, &out)
	if err != nil {
		return "", err
	}
	expanded := strings.TrimSpace(out.Query)
	if expanded == "" {
		return "", apperr.EnrichmentUnavailable(OpExpand, fmt.Errorf("empty expansion"))
	}
	return expanded, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
