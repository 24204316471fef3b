// Package mailer delivers review-digest emails over SMTP. It implements the
// engine's Sender interface: one combined message per user carrying both
// pending counts, with zero-count categories omitted from the text.
//
// Nil-safe: when SMTP is not configured, sends are logged and treated as
// delivered so the engine can still be exercised in development.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/lumenreview/lumen-notify/internal/config"
	"github.com/lumenreview/lumen-notify/internal/engine"
)

// SMTPSender sends review digests through a single SMTP relay.
type SMTPSender struct {
	addr   string
	from   string
	auth   smtp.Auth
	logger *slog.Logger

	// send is swapped in tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates an SMTP sender from configuration.
// Returns nil if SMTP_HOST is empty (delivery disabled).
func New(cfg *config.Config, logger *slog.Logger) *SMTPSender {
	if cfg.SMTPHost == "" {
		return nil
	}
	var auth smtp.Auth
	if cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &SMTPSender{
		addr:   fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from:   cfg.SMTPFrom,
		auth:   auth,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// SendCommitsOrFollowups composes and sends one digest email. Retry and
// backoff are the relay's concern; a failure here surfaces to the engine,
// which leaves the dispatch record alone so the next pass tries again.
func (s *SMTPSender) SendCommitsOrFollowups(ctx context.Context, user engine.User, pendingCommits, followups int) error {
	if s == nil {
		return nil // no-op when not configured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := ComposeDigest(user.Login, pendingCommits, followups)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", user.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	if err := s.send(s.addr, s.auth, s.from, []string{user.Email}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", user.Email, err)
	}

	s.logger.Info("Digest sent",
		"user_id", user.ID,
		"pending_commits", pendingCommits,
		"followups", followups)
	return nil
}

// ComposeDigest builds the subject and plain-text body for a digest.
// Zero-count categories are left out entirely.
func ComposeDigest(login string, pendingCommits, followups int) (subject, body string) {
	var parts []string
	if pendingCommits > 0 {
		parts = append(parts, fmt.Sprintf("%d %s awaiting your review",
			pendingCommits, plural(pendingCommits, "commit", "commits")))
	}
	if followups > 0 {
		parts = append(parts, fmt.Sprintf("%d new %s in your discussions",
			followups, plural(followups, "reply", "replies")))
	}

	subject = "Lumen Review: " + strings.Join(parts, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\r\n\r\nWhile you were away:\r\n", login)
	for _, p := range parts {
		fmt.Fprintf(&b, "  - %s\r\n", p)
	}
	b.WriteString("\r\nOpen Lumen Review to catch up.\r\n")
	return subject, b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
