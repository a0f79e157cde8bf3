package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/metrics"
	"github.com/careline/triage/internal/triage/evidence"
)

// HTTPClient calls the NLP service over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the configured NLP service. The
// transport timeout is a backstop; callers bound each call with a context.
func NewHTTPClient(cfg config.ClassifierConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type classifyRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	PatientRef string `json:"patient_ref,omitempty"`
}

type classifyResponse struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	SubCategory string  `json:"sub_category,omitempty"`
}

type extractRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type extractResponse struct {
	Symptoms []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Onset       string   `json:"onset"`
		Severity    int      `json:"severity"`
		Medications []string `json:"medications"`
	} `json:"symptoms"`
}

// Classify implements Classifier.
func (c *HTTPClient) Classify(ctx context.Context, text, language, patientRef string) (Result, error) {
	var resp classifyResponse
	if err := c.post(ctx, "/classify", classifyRequest{Text: text, Language: language, PatientRef: patientRef}, &resp); err != nil {
		return Result{}, err
	}
	return NewResult(ParseCategory(resp.Category), resp.Confidence, resp.SubCategory), nil
}

// Extract implements Extractor.
func (c *HTTPClient) Extract(ctx context.Context, text, language string) ([]evidence.Symptom, error) {
	var resp extractResponse
	if err := c.post(ctx, "/extract", extractRequest{Text: text, Language: language}, &resp); err != nil {
		return nil, err
	}

	out := make([]evidence.Symptom, 0, len(resp.Symptoms))
	for _, s := range resp.Symptoms {
		out = append(out, evidence.Symptom{
			Name:        s.Name,
			Description: s.Description,
			Onset:       s.Onset,
			Severity:    evidence.ClampSeverity(s.Severity),
			Medications: s.Medications,
		})
	}
	return out, nil
}

// Health checks the NLP service.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrAdapterUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) (err error) {
	start := time.Now()
	defer func() { metrics.RecordCollaboratorCall("classifier", err, time.Since(start)) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAdapterTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status code: %d", ErrAdapterUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrAdapterUnavailable, err)
	}
	return nil
}
