// Package extract turns a raw change payload into merged text for
// summarization: the page's native text via markdown conversion plus,
// when the payload embeds images or posters, the optical-text capability
// output for each.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

// Result is the merged extraction output for one change event.
type Result struct {
	Title string
	Text  string
	OCR   []ports.OCRFragment
}

// Extractor merges native page text with per-image OCR output.
type Extractor struct {
	ocr    ports.TextExtractor
	conv   *converter.Converter
	logger *slog.Logger
}

// New builds an extractor. ocr may be nil when no extraction capability
// is configured; image text is then skipped rather than failing events.
func New(ocr ports.TextExtractor, logger *slog.Logger) *Extractor {
	return &Extractor{
		ocr: ocr,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Extract produces the merged text for a payload. OCR failures surface
// as capability failures so the stage is retried; native-text extraction
// failures fall back to raw document text.
func (e *Extractor) Extract(ctx context.Context, payload []byte, imageURLs []string) (*Result, error) {
	result := &Result{}

	html := string(payload)
	result.Title = findTitle(html)

	markdown, err := e.conv.ConvertString(html)
	if err != nil {
		e.logger.Debug("markdown conversion failed, falling back to document text", "error", err)
		markdown = plainText(html)
	}
	result.Text = strings.TrimSpace(markdown)

	if e.ocr == nil || len(imageURLs) == 0 {
		return result, nil
	}

	for _, imageURL := range imageURLs {
		text, err := e.ocr.ExtractText(ctx, imageURL)
		if err != nil {
			return nil, domain.Capability(fmt.Errorf("extract image text: %w", err))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		result.OCR = append(result.OCR, ports.OCRFragment{ImageURL: imageURL, Text: text})
	}
	return result, nil
}

func findTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && og != "" {
		return og
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func plainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}
