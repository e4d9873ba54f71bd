package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gobreaker "github.com/sony/gobreaker/v2"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

// OCRClient calls the external optical text extraction capability over
// HTTP. A circuit breaker stops hammering the capability while it is
// down; tripped calls surface as capability failures and follow the
// normal bounded-retry path.
type OCRClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[string]
	logger   *slog.Logger
}

var _ ports.TextExtractor = (*OCRClient)(nil)

// NewOCRClient builds a client from configuration.
func NewOCRClient(cfg config.OCRConfig, logger *slog.Logger) *OCRClient {
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name: "ocr",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &OCRClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout()},
		breaker:  breaker,
		logger:   logger,
	}
}

// ExtractText posts an image URL to the capability and returns the
// recognized plain text.
func (c *OCRClient) ExtractText(ctx context.Context, imageURL string) (string, error) {
	if c.endpoint == "" {
		return "", domain.Capability(fmt.Errorf("ocr client misconfigured"))
	}

	text, err := c.breaker.Execute(func() (string, error) {
		return c.post(ctx, imageURL)
	})
	if err != nil {
		return "", domain.Capability(fmt.Errorf("ocr %s: %w", imageURL, err))
	}
	return text, nil
}

func (c *OCRClient) post(ctx context.Context, imageURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ocr error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Text, nil
}
