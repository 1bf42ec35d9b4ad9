package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatrelay/internal/llm"
)

// SystemPrompt asks the chat model for the analysis JSON directly.
const SystemPrompt = `Du bist ein Experte für die Überwachung und Analyse von Kommunikationsmustern.
Deine Aufgabe ist es, den Gesprächsverlauf zu analysieren und eine JSON-Ausgabe auf Deutsch bereitzustellen.

Regeln für die Ausgabe:
1. Bestimme für jede Vorhersage ein 'risk_level': "neutral", "auffällig", oder "sehr auffällig".
2. Wähle die 'color' basierend auf dem 'risk_level':
   - "neutral" -> "#27c93f" (grün)
   - "auffällig" -> "#ffbd2e" (gelb)
   - "sehr auffällig" -> "#ff5f56" (rot)

Das JSON muss strikt dieser Struktur folgen:
{
  "summary": "Eine prägnante Zusammenfassung der Gesprächsdynamik und des Inhalts auf Deutsch. Beschreibe ob Gefahr besteht.",
  "predictions": [
    {
      "label": "Kategorie (z.B. 'Politischer Extremismus', 'Alltag', 'Betrug', 'Drogenhandel')",
      "risk_level": "neutral" | "auffällig" | "sehr auffällig",
      "color": "Hex-Farbcode"
    }
  ]
}
Gib bis zu 4 Vorhersagen an.`

// Risk levels the analysis prompt asks for.
const (
	RiskNeutral     = "neutral"
	RiskNotable     = "auffällig"
	RiskVeryNotable = "sehr auffällig"
)

var riskColors = map[string]string{
	RiskNeutral:     "#27c93f",
	RiskNotable:     "#ffbd2e",
	RiskVeryNotable: "#ff5f56",
}

// riskWeights turn a risk level into a relative score before normalization.
var riskWeights = map[string]float64{
	RiskNeutral:     1,
	RiskNotable:     2,
	RiskVeryNotable: 3,
}

const maxLLMPredictions = 4

// LLMAnalyzer asks the chat model itself for {summary, predictions}.
// Scores come from the model when present, otherwise from the risk level, and
// are always renormalized to sum to 1.
type LLMAnalyzer struct {
	Client llm.Client
	Model  string
	Prompt string
}

type llmPrediction struct {
	Label     string   `json:"label"`
	RiskLevel string   `json:"risk_level"`
	Color     string   `json:"color"`
	Score     *float64 `json:"score,omitempty"`
}

type llmAnalysis struct {
	Summary     string          `json:"summary"`
	Predictions []llmPrediction `json:"predictions"`
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript string) (*Result, error) {
	prompt := a.Prompt
	if prompt == "" {
		prompt = SystemPrompt
	}
	resp, err := a.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	return ParseLLMAnalysis(resp.Choices[0].Message.Content)
}

// ParseLLMAnalysis decodes the model's JSON answer, tolerating a fenced code block.
func ParseLLMAnalysis(content string) (*Result, error) {
	content = stripFence(content)

	var raw llmAnalysis
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode analysis json: %w", err)
	}
	if len(raw.Predictions) > maxLLMPredictions {
		raw.Predictions = raw.Predictions[:maxLLMPredictions]
	}

	res := &Result{Summary: strings.TrimSpace(raw.Summary), Predictions: make([]Prediction, 0, len(raw.Predictions))}
	for _, p := range raw.Predictions {
		level := strings.ToLower(strings.TrimSpace(p.RiskLevel))
		color, ok := riskColors[level]
		if !ok {
			color = p.Color
		}
		if color == "" {
			color = DefaultColor
		}
		score := riskWeights[level]
		if p.Score != nil {
			score = *p.Score
		}
		res.Predictions = append(res.Predictions, Prediction{Label: p.Label, Score: score, Color: color})
	}
	Normalize(res.Predictions)
	return res, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
