package fetch

import (
	"fmt"
	"html"
	"strings"

	"github.com/mmcdole/gofeed"
)

// renderFeed converts an RSS/Atom payload into a stable HTML listing so
// the diff and extraction layers treat feed sources like web pages.
// Item order follows the feed; volatile feed metadata (build dates, TTL)
// is deliberately not rendered.
func renderFeed(body []byte) ([]byte, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	if feed.Title != "" {
		fmt.Fprintf(&b, "<h1>%s</h1>", html.EscapeString(feed.Title))
	}
	for _, item := range feed.Items {
		b.WriteString("<article>")
		if item.Title != "" {
			fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(item.Title))
		}
		if item.Link != "" {
			link := html.EscapeString(item.Link)
			fmt.Fprintf(&b, `<a href="%s">%s</a>`, link, link)
		}
		if item.Description != "" {
			fmt.Fprintf(&b, "<p>%s</p>", item.Description)
		}
		b.WriteString("</article>")
	}
	b.WriteString("</body></html>")
	return []byte(b.String()), nil
}
