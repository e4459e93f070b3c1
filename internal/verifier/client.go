package verifier

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

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

const DefaultBaseURL = "https://api.verifalia.com/v2.4/email-validations"

// Client talks to a Verifalia-style email validation API: submit a job,
// read the classification of its single entry, polling if the job is still
// running.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	pollAttempts int
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewClient(cfg config.VerificationConfig, log *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pollAttempts: 6,
		pollInterval: 5 * time.Second,
		logger:       logger.OrNop(log),
	}
}

type submitRequest struct {
	Entries []entryInput `json:"entries"`
}

type entryInput struct {
	InputData string `json:"inputData"`
}

type jobResponse struct {
	Overview struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"overview"`
	Entries struct {
		Data []struct {
			Classification string `json:"classification"`
		} `json:"data"`
	} `json:"entries"`
}

func (j *jobResponse) classification() string {
	if len(j.Entries.Data) == 0 || j.Entries.Data[0].Classification == "" {
		return string(model.VerificationUnknown)
	}
	return j.Entries.Data[0].Classification
}

// Check returns the classification. Unauthorized, quota and server errors
// come back as *appErrors.VerificationError so the gate can skip without
// recording a result.
func (c *Client) Check(ctx context.Context, address string) (string, error) {
	b, err := json.Marshal(submitRequest{Entries: []entryInput{{InputData: address}}})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?waitTime=30000", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &appErrors.VerificationError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decode(resp.Body)

	case resp.StatusCode == http.StatusAccepted:
		var job jobResponse
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return "", &appErrors.VerificationError{StatusCode: resp.StatusCode, Err: err}
		}
		if job.Overview.ID == "" {
			return string(model.VerificationUnknown), nil
		}
		return c.poll(ctx, job.Overview.ID)

	case resp.StatusCode == http.StatusUnauthorized:
		return "", &appErrors.VerificationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("authentication failed")}

	case resp.StatusCode == http.StatusPaymentRequired:
		return "", &appErrors.VerificationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("remote quota exceeded")}

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &appErrors.VerificationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("rate limited")}

	case resp.StatusCode >= 500:
		return "", &appErrors.VerificationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("verifier 5xx")}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	c.logger.Error("verifier API error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("body", string(body)),
	)
	return string(model.VerificationUnknown), nil
}

func (c *Client) decode(r io.Reader) (string, error) {
	var job jobResponse
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return "", &appErrors.VerificationError{StatusCode: http.StatusOK, Err: err}
	}
	return job.classification(), nil
}

// poll waits for an accepted job. A job that never completes is Unknown.
func (c *Client) poll(ctx context.Context, jobID string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s?waitTime=10000", c.baseURL, url.PathEscape(jobID))

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", &appErrors.VerificationError{Err: err}
		}
		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			return c.decode(resp.Body)
		}
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return "", &appErrors.VerificationError{Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
	}

	c.logger.Warn("verification job did not complete in time", zap.String("job_id", jobID))
	return string(model.VerificationUnknown), nil
}

var _ service.Verifier = (*Client)(nil)
