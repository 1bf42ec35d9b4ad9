package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InferenceClient talks to a HuggingFace-style inference API exposing
// summarization and zero-shot-classification models under /models/<name>.
type InferenceClient struct {
	baseURL         string
	apiKey          string
	summarizerModel string
	classifierModel string
	client          *http.Client
}

// NewInferenceClient creates a new InferenceClient
func NewInferenceClient(baseURL, apiKey, summarizerModel, classifierModel string, timeout time.Duration) *InferenceClient {
	return &InferenceClient{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		apiKey:          apiKey,
		summarizerModel: summarizerModel,
		classifierModel: classifierModel,
		client:          &http.Client{Timeout: timeout},
	}
}

type inferenceRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Summarize calls the summarization model and returns its summary_text.
func (c *InferenceClient) Summarize(ctx context.Context, text string) (string, error) {
	var out []struct {
		SummaryText string `json:"summary_text"`
	}
	if err := c.post(ctx, c.summarizerModel, inferenceRequest{Inputs: text}, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("summarizer returned no summary")
	}
	return strings.TrimSpace(out[0].SummaryText), nil
}

// Classify runs zero-shot classification of text against labels.
// Both the {labels, scores} and the [{label, score}] response shapes are accepted.
func (c *InferenceClient) Classify(ctx context.Context, text string, labels []string) ([]Score, error) {
	req := inferenceRequest{
		Inputs:     text,
		Parameters: map[string]any{"candidate_labels": labels},
	}
	var raw json.RawMessage
	if err := c.post(ctx, c.classifierModel, req, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pairs []struct {
			Label string  `json:"label"`
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		scores := make([]Score, len(pairs))
		for i, p := range pairs {
			scores[i] = Score{Label: p.Label, Score: p.Score}
		}
		return scores, nil
	}

	var dist struct {
		Labels []string  `json:"labels"`
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal(trimmed, &dist); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if len(dist.Labels) != len(dist.Scores) {
		return nil, fmt.Errorf("classification returned %d labels and %d scores", len(dist.Labels), len(dist.Scores))
	}
	scores := make([]Score, len(dist.Labels))
	for i := range dist.Labels {
		scores[i] = Score{Label: dist.Labels[i], Score: dist.Scores[i]}
	}
	return scores, nil
}

func (c *InferenceClient) post(ctx context.Context, model string, payload any, out any) error {
	url := fmt.Sprintf("%s/models/%s", c.baseURL, model)

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model %s: unexpected status code %d: %s", model, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
