package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/logger"
)

// Analysis backends selectable by configuration.
const (
	ModeInference = "inference"
	ModeLLM       = "llm"
)

// ErrEmptyTranscript is returned when a conversation has nothing but system messages.
var ErrEmptyTranscript = errors.New("nothing to analyze")

// Summarizer produces a short summary of a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Classifier scores text against a fixed set of candidate labels.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) ([]Score, error)
}

// Analyzer turns a flattened transcript into a Result.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (*Result, error)
}

// ModelAnalyzer summarizes first and then classifies the summary, keeping the
// classifier's own confidences.
type ModelAnalyzer struct {
	Summarizer Summarizer
	Classifier Classifier
	Labels     []string
}

func (a *ModelAnalyzer) Analyze(ctx context.Context, transcript string) (*Result, error) {
	summary, err := a.Summarizer.Summarize(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	labels := a.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	scores, err := a.Classifier.Classify(ctx, summary, labels)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return &Result{Summary: summary, Predictions: BuildPredictions(scores)}, nil
}

// Pipeline runs one analysis job end to end and publishes the result.
type Pipeline struct {
	Analyzer Analyzer
	Cache    Cache
	Speakers Speakers
}

// Run analyzes conv and writes the result into the session's cache slot.
func (p *Pipeline) Run(ctx context.Context, sessionID string, conv history.Conversation) (*Result, error) {
	transcript := Transcript(conv, p.Speakers)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}
	logger.L.Debug("analysis transcript", "session", sessionID, "chars", len(transcript))

	res, err := p.Analyzer.Analyze(ctx, transcript)
	if err != nil {
		return nil, err
	}
	if err := p.Cache.Write(ctx, sessionID, res); err != nil {
		return nil, fmt.Errorf("write analysis: %w", err)
	}
	logger.L.Info("analysis stored", "session", sessionID, "predictions", len(res.Predictions))
	return res, nil
}
