package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// SMTPTransport sends through each identity's own SMTP account. Every send
// is bounded by the caller's context deadline and DialTimeout.
type SMTPTransport struct {
	DialTimeout time.Duration
	Logger      *zap.Logger
	now         func() time.Time
}

func NewSMTPTransport(dialTimeout time.Duration, log *zap.Logger) *SMTPTransport {
	return &SMTPTransport{
		DialTimeout: dialTimeout,
		Logger:      logger.OrNop(log),
		now:         time.Now,
	}
}

// Send returns the Message-ID without angle brackets, the form the ledger
// stores and inbound In-Reply-To headers are normalized to.
func (t *SMTPTransport) Send(ctx context.Context, identity *model.SendingIdentity, msg service.OutboundEmail) (string, error) {
	messageID := NewMessageID(identity.Email)
	raw := BuildMessage(identity, msg, messageID, t.now())

	if err := t.deliver(ctx, identity, msg, raw); err != nil {
		return "", err
	}
	return messageID, nil
}

func (t *SMTPTransport) deliver(ctx context.Context, identity *model.SendingIdentity, msg service.OutboundEmail, raw []byte) error {
	host := identity.SMTPHost
	addr := net.JoinHostPort(host, strconv.Itoa(identity.SMTPPort))

	dialer := &net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Port 465 speaks TLS from the first byte.
	if identity.SMTPPort == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if identity.SMTPPort != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if identity.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", identity.Username, identity.Password, host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(identity.Email); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range append([]string{msg.To}, msg.Bcc...) {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}

	if err := c.Quit(); err != nil {
		t.Logger.Debug("smtp quit failed", zap.String("host", host), zap.Error(err))
	}
	return nil
}

// NewMessageID builds "<uuid>@<sender domain>".
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

// BuildMessage renders the RFC 5322 message. Bcc recipients are only used
// in the envelope.
func BuildMessage(identity *model.SendingIdentity, msg service.OutboundEmail, messageID string, date time.Time) []byte {
	var buf bytes.Buffer

	from := identity.Email
	if identity.Name != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", identity.Name), identity.Email)
	}

	contentType := "text/plain"
	if strings.Contains(msg.Body, "</") {
		contentType = "text/html"
	}

	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	header("From", from)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", "<"+messageID+">")
	header("In-Reply-To", msg.InReplyTo)
	header("References", msg.References)
	if msg.ListUnsubscribe != "" {
		header("List-Unsubscribe", "<"+msg.ListUnsubscribe+">")
		header("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", contentType+"; charset=UTF-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	qp.Write([]byte(msg.Body))
	qp.Close()

	return buf.Bytes()
}

var _ service.MailTransport = (*SMTPTransport)(nil)
