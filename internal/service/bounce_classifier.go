package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type BounceType string

const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceComplaint BounceType = "complaint"
	BounceUnknown   BounceType = "unknown"
)

// StopsLead reports whether a bounce of this type ends all outreach to the lead.
func (t BounceType) StopsLead() bool {
	return t == BounceHard || t == BounceComplaint
}

// LeadStatus is the status a lead moves to after this bounce, or "" when the
// lead stays in outreach.
func (t BounceType) LeadStatus() string {
	switch t {
	case BounceHard:
		return model.LeadBounced
	case BounceComplaint:
		return model.LeadComplained
	}
	return ""
}

// BounceVerdict is a classifier's answer for one inbound message.
type BounceVerdict struct {
	IsBounce  bool       `json:"is_bounce"`
	Type      BounceType `json:"type"`
	Reason    string     `json:"reason"`
	Recipient string     `json:"recipient"`
}

type BounceClassifier interface {
	Classify(ctx context.Context, msg model.IncomingMessage) (BounceVerdict, error)
}

const (
	ClassifierHeuristic = "heuristic"
	ClassifierExternal  = "external"
)

// NewBounceClassifier builds the classifier named by kind. The external
// classifier falls back to the heuristic one when its endpoint fails.
func NewBounceClassifier(kind, endpoint string, timeout time.Duration, log *zap.Logger) BounceClassifier {
	heuristic := &HeuristicClassifier{}
	if kind != ClassifierExternal || endpoint == "" {
		return heuristic
	}
	return NewExternalClassifier(endpoint, timeout, heuristic, log)
}

// ====================== Heuristic ======================

var (
	bounceSenders = []string{
		"mailer-daemon",
		"mailerdaemon",
		"postmaster",
		"mail delivery subsystem",
		"mail delivery system",
	}

	bounceSubjects = []string{
		"undeliverable",
		"undelivered mail",
		"delivery status notification",
		"mail delivery failed",
		"delivery failure",
		"failed delivery",
		"returned mail",
		"failure notice",
	}

	complaintPatterns = compileAll(
		`spam complaint`,
		`abuse report`,
		`feedback loop`,
		`\bfbl\b`,
		`marked as spam`,
		`\bcomplaint\b`,
	)

	hardBouncePatterns = compileAll(
		`user unknown`,
		`user not found`,
		`no such user`,
		`recipient address rejected`,
		`recipient rejected`,
		`address does not exist`,
		`invalid address`,
		`domain not found`,
		`domain does not exist`,
		`account (disabled|suspended|deleted)`,
		`mailbox unavailable`,
		`delivery failed.*permanent`,
		`permanent failure`,
		`55[01].*user`,
		`552.*mailbox`,
		`5\.1\.(1|2|10)\b`,
	)

	softBouncePatterns = compileAll(
		`mailbox full`,
		`inbox full`,
		`quota exceeded`,
		`mailbox quota`,
		`temporary failure`,
		`try again later`,
		`deferred`,
		`greylisted`,
		`4\.2\.2`,
		`4\.3\.1`,
		`4\.4\.[12]`,
		`4\.7\.1`,
	)

	recipientPatterns = compileAll(
		`original-recipient:\s*[^;\n]*;\s*<?([^>\s]+@[^>\s]+)>?`,
		`final-recipient:\s*[^;\n]*;\s*<?([^>\s]+@[^>\s]+)>?`,
		`recipient:\s*<?([^>\s]+@[^>\s]+)>?`,
		`to:\s*<?([^>\s]+@[^>\s]+)>?`,
		`[<\s]([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})[>\s]`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// HeuristicClassifier detects delivery-failure notices from their sender,
// subject and DSN body, then types them with keyword patterns.
type HeuristicClassifier struct{}

func (h *HeuristicClassifier) Classify(_ context.Context, msg model.IncomingMessage) (BounceVerdict, error) {
	if !IsBounceMessage(msg) {
		return BounceVerdict{}, nil
	}
	bounceType, reason := BounceTypeOf(msg.Subject, msg.Body)
	return BounceVerdict{
		IsBounce:  true,
		Type:      bounceType,
		Reason:    reason,
		Recipient: ExtractBouncedRecipient(msg.Body),
	}, nil
}

func IsBounceMessage(msg model.IncomingMessage) bool {
	from := strings.ToLower(msg.From)
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Body)

	for _, s := range bounceSenders {
		if strings.Contains(from, s) {
			return true
		}
	}
	for _, s := range bounceSubjects {
		if strings.Contains(subject, s) {
			return true
		}
	}
	return strings.Contains(body, "diagnostic-code") && strings.Contains(body, "delivery")
}

// BounceTypeOf checks complaints first, then hard, then soft patterns.
func BounceTypeOf(subject, body string) (BounceType, string) {
	text := subject + "\n" + body

	for _, p := range complaintPatterns {
		if p.MatchString(text) {
			return BounceComplaint, "spam complaint or abuse report"
		}
	}
	for _, p := range hardBouncePatterns {
		if loc := p.FindStringIndex(text); loc != nil {
			return BounceHard, "hard bounce: " + excerpt(text, loc)
		}
	}
	for _, p := range softBouncePatterns {
		if loc := p.FindStringIndex(text); loc != nil {
			return BounceSoft, "soft bounce: " + excerpt(text, loc)
		}
	}
	return BounceUnknown, "bounce type not recognised"
}

func excerpt(text string, loc []int) string {
	start := loc[0] - 50
	if start < 0 {
		start = 0
	}
	end := loc[1] + 50
	if end > len(text) {
		end = len(text)
	}
	return strings.Join(strings.Fields(strings.ToLower(text[start:end])), " ")
}

// ExtractBouncedRecipient pulls the original recipient out of a DSN body,
// ignoring the bounce senders themselves.
func ExtractBouncedRecipient(body string) string {
	for _, p := range recipientPatterns {
		for _, m := range p.FindAllStringSubmatch(body, -1) {
			addr := strings.ToLower(strings.Trim(m[1], "<>;,. "))
			if addr == "" || isSystemAddress(addr) {
				continue
			}
			return addr
		}
	}
	return ""
}

func isSystemAddress(addr string) bool {
	for _, s := range []string{"mailer-daemon", "postmaster", "noreply", "no-reply"} {
		if strings.Contains(addr, s) {
			return true
		}
	}
	return false
}

// ====================== External ======================

// ExternalClassifier asks an HTTP service to classify the message.
type ExternalClassifier struct {
	endpoint   string
	httpClient *http.Client
	fallback   BounceClassifier
	logger     *zap.Logger
}

func NewExternalClassifier(endpoint string, timeout time.Duration, fallback BounceClassifier, log *zap.Logger) *ExternalClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExternalClassifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		fallback:   fallback,
		logger:     logger.OrNop(log),
	}
}

type classifyRequest struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (c *ExternalClassifier) Classify(ctx context.Context, msg model.IncomingMessage) (BounceVerdict, error) {
	verdict, err := c.call(ctx, msg)
	if err == nil {
		return verdict, nil
	}
	if c.fallback == nil {
		return BounceVerdict{}, err
	}
	c.logger.Warn("external bounce classifier failed, using heuristic", zap.Error(err))
	return c.fallback.Classify(ctx, msg)
}

func (c *ExternalClassifier) call(ctx context.Context, msg model.IncomingMessage) (BounceVerdict, error) {
	b, err := json.Marshal(classifyRequest{
		MessageID: msg.MessageID,
		From:      msg.From,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return BounceVerdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return BounceVerdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BounceVerdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BounceVerdict{}, fmt.Errorf("bounce classifier error: %d", resp.StatusCode)
	}

	var verdict BounceVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return BounceVerdict{}, err
	}
	if verdict.IsBounce && verdict.Type == "" {
		verdict.Type = BounceUnknown
	}
	return verdict, nil
}
