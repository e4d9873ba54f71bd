package diff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"pagewatch/internal/config"
)

var spaceRun = regexp.MustCompile(`\s+`)

// Normalizer reduces a fetched payload to the content that matters for
// change detection: markup noise, configured volatile substrings
// (timestamps, session tokens), ad blocks, and whitespace differences are
// all stripped before fingerprinting.
type Normalizer struct {
	stripSelectors []string
	volatile       []*regexp.Regexp
	policy         *bluemonday.Policy
}

// NewNormalizer compiles the configured volatile patterns.
func NewNormalizer(cfg config.NormalizeConfig) (*Normalizer, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.VolatilePatterns))
	for _, p := range cfg.VolatilePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile volatile pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Normalizer{
		stripSelectors: cfg.StripSelectors,
		volatile:       patterns,
		policy:         bluemonday.UGCPolicy(),
	}, nil
}

// Normalize returns the canonical text of a payload. Configured blocks
// are removed before sanitization because the sanitizer drops the class
// and id attributes the selectors match on.
func (n *Normalizer) Normalize(body []byte) string {
	html := string(body)
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		for _, sel := range n.stripSelectors {
			doc.Find(sel).Remove()
		}
		if rendered, err := doc.Html(); err == nil {
			html = rendered
		}
	}

	sanitized := n.policy.Sanitize(html)

	text := sanitized
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitized)); err == nil {
		text = doc.Text()
	}

	for _, re := range n.volatile {
		text = re.ReplaceAllString(text, "")
	}

	text = strings.ReplaceAll(text, " ", " ")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
