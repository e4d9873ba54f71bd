// Package summarize calls the external summarization capability: merged
// text plus source context in, structured digest content out.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gobreaker "github.com/sony/gobreaker/v2"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

// Client implements ports.Summarizer backed by OpenAI-compatible chat APIs.
type Client struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[*ports.SummaryResult]
}

var _ ports.Summarizer = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.SummarizerConfig) *Client {
	return &Client{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout()},
		breaker: gobreaker.NewCircuitBreaker[*ports.SummaryResult](gobreaker.Settings{
			Name: "summarizer",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Summarize posts the merged text and returns the structured digest
// content the capability produced.
func (c *Client) Summarize(ctx context.Context, req ports.SummaryRequest) (*ports.SummaryResult, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return nil, domain.Capability(fmt.Errorf("summarizer misconfigured"))
	}

	result, err := c.breaker.Execute(func() (*ports.SummaryResult, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		return nil, domain.Capability(fmt.Errorf("summarize %s: %w", req.SourceURL, err))
	}
	return result, nil
}

func (c *Client) complete(ctx context.Context, req ports.SummaryRequest) (*ports.SummaryResult, error) {
	userPayload, err := json.Marshal(map[string]any{
		"source":   req.SourceName,
		"url":      req.SourceURL,
		"tags":     req.Tags,
		"title":    req.Title,
		"content":  req.Text,
		"ocr_text": req.OCRText,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt)},
			{"role": "user", "content": string(userPayload)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("summarizer error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var chat struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var result ports.SummaryResult
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("parse digest json: %w", err)
	}
	if result.Title == "" {
		result.Title = req.Title
	}
	return &result, nil
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You summarize web page changes into a structured notice digest. " +
			"Respond with JSON: {title, summary, target, application_method, " +
			"schedule: [{description, date, location}]}. Dates use YYYY.MM.DD."
	}
	return prompt
}
