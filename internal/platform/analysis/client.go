// Package analysis calls the separately deployed intake-analysis and
// clinical-insights services.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	IntakeBreaker   = "intake-analysis"
	InsightsBreaker = "clinical-insights"

	maxResponseBytes = 8 << 20
)

// ErrNotConfigured is returned when the intake-analysis API key is missing.
var ErrNotConfigured = errors.New("INTAKE_ANALYSIS_API_KEY not configured")

// UpstreamError is a non-2xx answer from an analysis service.
type UpstreamError struct {
	URL    string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Status)
}

// ResolveURL builds the endpoint for op ("sentiment", "summarize") from a
// configured base. A base already pointing at /api/<op> is used as-is, a
// base containing /api gets /<op> appended, and anything else gets
// /api/<op>.
func ResolveURL(base, op string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.Contains(base, "/api/"+op):
		return base
	case strings.Contains(base, "/api"):
		return base + "/" + op
	default:
		return base + "/api/" + op
	}
}

type Options struct {
	IntakeURL   string
	APIKey      string
	InsightsURL string
	Timeout     time.Duration
	Breaker     BreakerConfig
	HTTPClient  *http.Client
}

type Client struct {
	http        *http.Client
	intakeURL   string
	apiKey      string
	insightsURL string
	intake      *gobreaker.CircuitBreaker[[]byte]
	insights    *gobreaker.CircuitBreaker[[]byte]
	logger      zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.Breaker == (BreakerConfig{}) {
		opts.Breaker = DefaultBreakerConfig()
	}
	logger = logger.With().Str("component", "analysis-client").Logger()
	return &Client{
		http:        hc,
		intakeURL:   opts.IntakeURL,
		apiKey:      strings.TrimSpace(opts.APIKey),
		insightsURL: strings.TrimRight(opts.InsightsURL, "/"),
		intake:      newBreaker(IntakeBreaker, opts.Breaker, logger),
		insights:    newBreaker(InsightsBreaker, opts.Breaker, logger),
		logger:      logger,
	}
}

// Result is an intake-analysis response. Raw is the body exactly as the
// service sent it; Payload is the field worth caching on the profile.
type Result struct {
	Raw     json.RawMessage
	Success bool
	Payload json.RawMessage
}

// Sentiment runs sentiment analysis for a patient. Payload is "result".
func (c *Client) Sentiment(ctx context.Context, userID string) (*Result, error) {
	return c.intakeCall(ctx, "sentiment", "result", userID)
}

// Summarize produces the intake summary for a patient. Payload is "summary".
func (c *Client) Summarize(ctx context.Context, userID string) (*Result, error) {
	return c.intakeCall(ctx, "summarize", "summary", userID)
}

func (c *Client) intakeCall(ctx context.Context, op, field, userID string) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if c.intakeURL == "" {
		return nil, errors.New("INTAKE_ANALYSIS_URL not configured")
	}

	body, err := c.post(ctx, c.intake, ResolveURL(c.intakeURL, op), userID, true)
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", op, err)
	}
	res := &Result{Raw: body}
	if raw, ok := envelope["success"]; ok {
		_ = json.Unmarshal(raw, &res.Success)
	}
	if raw, ok := envelope[field]; ok && !isJSONNull(raw) {
		res.Payload = raw
	}
	return res, nil
}

// Diagnosis is one differential from the clinical-insights service.
type Diagnosis struct {
	Diagnosis       string `json:"diagnosis"`
	RuleInCriteria  string `json:"rule_in_criteria"`
	RuleOutCriteria string `json:"rule_out_criteria"`
	Reasoning       string `json:"reasoning"`
}

// ActionItems fetches the recommended follow-ups, kept opaque.
func (c *Client) ActionItems(ctx context.Context, userID string) (json.RawMessage, error) {
	body, err := c.post(ctx, c.insights, c.insightsURL+"/action-items", userID, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ActionItems json.RawMessage `json:"actionItems"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding action items: %w", err)
	}
	if isJSONNull(resp.ActionItems) {
		return nil, errors.New("action items missing from response")
	}
	return resp.ActionItems, nil
}

func (c *Client) Diagnoses(ctx context.Context, userID string) ([]Diagnosis, error) {
	body, err := c.post(ctx, c.insights, c.insightsURL+"/diagnoses", userID, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Diagnoses []Diagnosis `json:"diagnoses"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding diagnoses: %w", err)
	}
	return resp.Diagnoses, nil
}

func (c *Client) post(ctx context.Context, cb *gobreaker.CircuitBreaker[[]byte], url, userID string, withKey bool) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}

	body, err := cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if withKey {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("POST %s: %w", url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &UpstreamError{URL: url, Status: resp.StatusCode, Body: string(data)}
		}
		return data, nil
	})
	recordBreakerResult(cb.Name(), err)
	if err != nil {
		c.logger.Error().Err(err).Str("url", url).Str("user_id", userID).Msg("analysis request failed")
		return nil, err
	}
	return body, nil
}

func isJSONNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
