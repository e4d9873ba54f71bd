package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

const gcalRenderURL = "https://calendar.google.com/calendar/render"

// BuildEventURL returns a Google Calendar template link for one schedule
// entry: an all-day event starting on the entry date and ending the next
// day. Returns false when the date cannot be parsed.
func BuildEventURL(digest *domain.Digest, entry domain.ScheduleEntry, timezone string) (string, bool) {
	start, ok := parseEntryDate(entry.Date)
	if !ok {
		return "", false
	}
	end := start.AddDate(0, 0, 1)

	title := strings.TrimSpace(digest.Title)
	if title == "" {
		title = "Untitled notice"
	}
	if entry.Description != "" {
		title = title + " - " + entry.Description
	}

	var lines []string
	if entry.Location != "" {
		lines = append(lines, "Location: "+entry.Location)
	}
	if digest.Summary != "" {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, digest.Summary)
	}

	q := url.Values{}
	q.Set("action", "TEMPLATE")
	q.Set("text", title)
	q.Set("dates", start.Format("20060102")+"/"+end.Format("20060102"))
	if details := strings.Join(lines, "\n"); details != "" {
		q.Set("details", details)
	}
	if timezone != "" {
		q.Set("ctz", timezone)
	}
	return gcalRenderURL + "?" + q.Encode(), true
}

// AttachEventURLs fills CalendarURL on every schedule entry with a
// parseable date and returns the digest's schedule.
func AttachEventURLs(digest *domain.Digest, timezone string) {
	for i := range digest.Schedule {
		if u, ok := BuildEventURL(digest, digest.Schedule[i], timezone); ok {
			digest.Schedule[i].CalendarURL = u
		}
	}
}

// parseEntryDate accepts the digest date shapes YYYY.MM.DD and YYYY-MM-DD.
func parseEntryDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006.01.02", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CalendarClient pushes structured events to the external calendar-sync
// capability for subscribers who opted into calendar sync.
type CalendarClient struct {
	endpoint string
	apiKey   string
	timezone string
	client   *http.Client
}

var _ ports.CalendarSync = (*CalendarClient)(nil)

// NewCalendarClient builds a client from configuration.
func NewCalendarClient(cfg config.CalendarConfig) *CalendarClient {
	return &CalendarClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timezone: cfg.Timezone,
		client:   &http.Client{Timeout: cfg.Timeout()},
	}
}

// CreateEvent posts one structured event for one recipient.
func (c *CalendarClient) CreateEvent(ctx context.Context, sub domain.Subscription, digest *domain.Digest, entry domain.ScheduleEntry) error {
	if c.endpoint == "" {
		return domain.Delivery(fmt.Errorf("calendar client misconfigured"))
	}

	start, ok := parseEntryDate(entry.Date)
	if !ok {
		// Entries without a parseable date are skipped, not failed.
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"recipient":   sub.Email,
		"title":       digest.Title,
		"description": entry.Description,
		"location":    entry.Location,
		"date":        start.Format("2006-01-02"),
		"timezone":    c.timezone,
		"source_url":  digest.SourceURL,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Delivery(fmt.Errorf("create event: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Delivery(fmt.Errorf("calendar error %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}
	return nil
}
