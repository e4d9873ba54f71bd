package extract

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"pagewatch/internal/domain"
)

type fakeOCR struct {
	texts map[string]string
	fail  error
}

func (f *fakeOCR) ExtractText(_ context.Context, imageURL string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	return f.texts[imageURL], nil
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestExtractNativeText(t *testing.T) {
	t.Parallel()
	e := New(nil, testLogger())

	payload := []byte(`<html><head><title>Fallback</title></head><body>
		<h1>Scholarship notice</h1>
		<p>Applications open until further notice.</p>
		<table><tr><td>Round</td><td>Date</td></tr></table>
	</body></html>`)

	result, err := e.Extract(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Title != "Scholarship notice" {
		t.Fatalf("h1 should win over title tag: %q", result.Title)
	}
	if !strings.Contains(result.Text, "Applications open") {
		t.Fatalf("native text missing: %q", result.Text)
	}
	if len(result.OCR) != 0 {
		t.Fatalf("no OCR expected: %+v", result.OCR)
	}
}

func TestExtractPrefersOpenGraphTitle(t *testing.T) {
	t.Parallel()
	e := New(nil, testLogger())

	payload := []byte(`<html><head>
		<meta property="og:title" content="OG title">
		<title>Plain title</title>
	</head><body><h1>Heading</h1></body></html>`)

	result, err := e.Extract(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Title != "OG title" {
		t.Fatalf("og:title should win: %q", result.Title)
	}
}

func TestExtractMergesImageText(t *testing.T) {
	t.Parallel()
	ocr := &fakeOCR{texts: map[string]string{
		"https://example.com/poster.png": "Deadline 2025.09.04",
		"https://example.com/blank.png":  "   ",
	}}
	e := New(ocr, testLogger())

	result, err := e.Extract(context.Background(), []byte("<p>body</p>"),
		[]string{"https://example.com/poster.png", "https://example.com/blank.png"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.OCR) != 1 {
		t.Fatalf("blank OCR output should be dropped: %+v", result.OCR)
	}
	if result.OCR[0].Text != "Deadline 2025.09.04" {
		t.Fatalf("unexpected OCR text: %q", result.OCR[0].Text)
	}
}

func TestExtractOCRFailureIsCapability(t *testing.T) {
	t.Parallel()
	e := New(&fakeOCR{fail: errors.New("service down")}, testLogger())

	_, err := e.Extract(context.Background(), []byte("<p>body</p>"), []string{"https://example.com/poster.png"})
	if domain.KindOf(err) != domain.FailureCapability {
		t.Fatalf("expected capability classification, got %v", err)
	}
}
