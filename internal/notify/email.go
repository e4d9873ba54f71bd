package notify

import (
	"context"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
)

// EmailChannel delivers digests over SMTP as multipart/alternative
// messages: an HTML body with a schedule table and calendar links, plus a
// plain-text fallback.
type EmailChannel struct {
	host     string
	port     int
	username string
	password string
	from     string

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ ports.Channel = (*EmailChannel)(nil)

// NewEmailChannel builds the channel from SMTP configuration.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		send:     smtp.SendMail,
	}
}

// Name identifies this channel in delivery records.
func (e *EmailChannel) Name() string { return "email" }

// Deliver sends one digest to one subscriber.
func (e *EmailChannel) Deliver(ctx context.Context, digest *domain.Digest, sub domain.Subscription) error {
	if e.host == "" || e.from == "" {
		return domain.Delivery(fmt.Errorf("email channel misconfigured"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := buildMessage(e.from, sub.Email, digest)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	if err := e.send(addr, auth, e.from, []string{sub.Email}, msg); err != nil {
		return domain.Delivery(fmt.Errorf("send mail: %w", err))
	}
	return nil
}

func buildMessage(from, to string, digest *domain.Digest) ([]byte, error) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)

	subject := digest.Title
	if subject == "" {
		subject = "Page update detected"
	}

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	buf.WriteString("\r\n")

	plain, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := plain.Write([]byte(plainBody(digest))); err != nil {
		return nil, err
	}

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(htmlBody(digest))); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func plainBody(digest *domain.Digest) string {
	var b strings.Builder
	b.WriteString(digest.Summary)
	b.WriteString("\n")
	if digest.Target != "" {
		fmt.Fprintf(&b, "\nWho: %s\n", digest.Target)
	}
	if digest.ApplicationMethod != "" {
		fmt.Fprintf(&b, "How to apply: %s\n", digest.ApplicationMethod)
	}
	if len(digest.Schedule) > 0 {
		b.WriteString("\nSchedule:\n")
		for _, entry := range digest.Schedule {
			fmt.Fprintf(&b, "  - %s", entry.Description)
			if entry.Date != "" {
				fmt.Fprintf(&b, " (%s)", entry.Date)
			}
			if entry.Location != "" {
				fmt.Fprintf(&b, " @ %s", entry.Location)
			}
			b.WriteString("\n")
			if entry.CalendarURL != "" {
				fmt.Fprintf(&b, "    add to calendar: %s\n", entry.CalendarURL)
			}
		}
	}
	fmt.Fprintf(&b, "\nSource: %s\n", digest.SourceURL)
	return b.String()
}

func htmlBody(digest *domain.Digest) string {
	esc := html.EscapeString

	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>%s</h2>", esc(digest.Title))
	fmt.Fprintf(&b, "<p>%s</p>", esc(digest.Summary))
	if digest.Target != "" {
		fmt.Fprintf(&b, "<p><b>Who:</b> %s</p>", esc(digest.Target))
	}
	if digest.ApplicationMethod != "" {
		fmt.Fprintf(&b, "<p><b>How to apply:</b> %s</p>", esc(digest.ApplicationMethod))
	}
	if len(digest.Schedule) > 0 {
		b.WriteString("<h3>Schedule</h3><ul>")
		for _, entry := range digest.Schedule {
			b.WriteString("<li>")
			fmt.Fprintf(&b, "%s", esc(entry.Description))
			if entry.Date != "" {
				fmt.Fprintf(&b, " (%s)", esc(entry.Date))
			}
			if entry.Location != "" {
				fmt.Fprintf(&b, " @ %s", esc(entry.Location))
			}
			if entry.CalendarURL != "" {
				fmt.Fprintf(&b, ` &middot; <a href=%q>add to calendar</a>`, entry.CalendarURL)
			}
			b.WriteString("</li>")
		}
		b.WriteString("</ul>")
	}
	fmt.Fprintf(&b, `<p><a href=%q>View source page</a></p>`, digest.SourceURL)
	b.WriteString("</body></html>")
	return b.String()
}
