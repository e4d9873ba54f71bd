// Package fetch retrieves the current representation of monitored
// sources. It applies bounded timeouts, retries with jittered exponential
// backoff, and classifies failures as transient or permanent. It never
// mutates stored snapshots.
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

// Fetcher implements ports.Fetcher over HTTP with conditional GET.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	logger *slog.Logger
}

var _ ports.Fetcher = (*Fetcher)(nil)

// New builds a fetcher from configuration.
func New(cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	client := &http.Client{
		Timeout: cfg.Timeout(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch retrieves one source with retries. RSS sources are parsed into a
// normalized item listing; web sources return the raw page plus the URLs
// of embedded images for the OCR stage.
func (f *Fetcher) Fetch(ctx context.Context, source domain.Source) (*ports.FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.backoff(attempt)):
			case <-ctx.Done():
				return nil, domain.Transient(ctx.Err())
			}
		}

		result, err := f.fetchOnce(ctx, source)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if domain.KindOf(err) == domain.FailurePermanent {
			return nil, err
		}
	}
	return nil, domain.Transient(fmt.Errorf("fetch %s after %d retries: %w", source.URL, f.cfg.MaxRetries, lastErr))
}

func (f *Fetcher) fetchOnce(ctx context.Context, source domain.Source) (*ports.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip")
	if source.ETag != "" {
		req.Header.Set("If-None-Match", source.ETag)
	}
	if source.LastModified != "" {
		req.Header.Set("If-Modified-Since", source.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("request %s: %w", source.URL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &ports.FetchResult{
			StatusCode:   resp.StatusCode,
			NotModified:  true,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now(),
		}, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, domain.Permanent(fmt.Errorf("source removed: %s", resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.Transient(fmt.Errorf("server error: %s", resp.Status))
	case resp.StatusCode >= 400:
		return nil, domain.Permanent(fmt.Errorf("client error: %s", resp.Status))
	}

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("gzip reader: %w", err))
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read body: %w", err))
	}

	result := &ports.FetchResult{
		Body:         body,
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now(),
	}

	if source.Kind == domain.KindRSS {
		rendered, err := renderFeed(body)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("parse feed %s: %w", source.URL, err))
		}
		result.Body = rendered
		return result, nil
	}

	result.ImageURLs = collectImageURLs(body, source.URL)
	return result, nil
}

// backoff is jittered exponential: min * 2^(attempt-1), capped at max.
func (f *Fetcher) backoff(attempt int) time.Duration {
	minMS := f.cfg.BackoffMinMS
	maxMS := f.cfg.BackoffMaxMS

	exponential := minMS * (1 << uint(attempt-1))
	if exponential > maxMS {
		exponential = maxMS
	}

	jitterRange := float64(exponential) * float64(f.cfg.JitterPct) / 100
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange
	finalMS := math.Max(float64(exponential)+jitter, float64(minMS))

	return time.Duration(finalMS) * time.Millisecond
}

// collectImageURLs extracts embedded content images (posters) so the
// extraction stage can OCR them. Tracking pixels and icons are skipped by
// a crude size-attribute heuristic.
func collectImageURLs(body []byte, base string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	baseURL, _ := url.Parse(base)
	seen := map[string]struct{}{}
	var urls []string

	doc.Find("article img, .post-content img, .entry-content img, main img, .content img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		if w, ok := sel.Attr("width"); ok && (w == "1" || w == "0") {
			return
		}

		if baseURL != nil {
			if ref, err := url.Parse(src); err == nil {
				src = baseURL.ResolveReference(ref).String()
			}
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		urls = append(urls, src)
	})
	return urls
}
