// Package analysis turns a conversation into a risk summary and hands it to the
// chat server through a single-slot per-session cache.
package analysis

import "sort"

// Prediction is one classified label. Score is in [0,1].
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Color string  `json:"color"`
}

// Result is what the chat server surfaces to the client as "analysis".
type Result struct {
	Summary     string       `json:"summary"`
	Predictions []Prediction `json:"predictions"`
}

// DefaultColor is used for labels missing from the color table.
const DefaultColor = "#666666"

// DefaultLabels is the zero-shot candidate label set.
var DefaultLabels = []string{"criminal activity", "fraud", "casual chat", "flirt", "political crime", "hatespeech"}

var labelColors = map[string]string{
	"criminal activity": "#F31905",
	"fraud":             "#FBB904",
	"casual chat":       "#34A853",
	"flirt":             "#297F3F",
	"political crime":   "#E20606",
	"hatespeech":        "#E9AC10",
}

// ColorFor returns the fixed display color for a label.
func ColorFor(label string) string {
	if c, ok := labelColors[label]; ok {
		return c
	}
	return DefaultColor
}

// Score is a raw label/score pair as produced by a classifier.
type Score struct {
	Label string
	Score float64
}

// BuildPredictions pairs every score with its color, highest score first.
func BuildPredictions(scores []Score) []Prediction {
	out := make([]Prediction, 0, len(scores))
	for _, s := range scores {
		out = append(out, Prediction{Label: s.Label, Score: clamp01(s.Score), Color: ColorFor(s.Label)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Normalize rescales prediction scores so they sum to 1. All-zero input is
// spread evenly.
func Normalize(preds []Prediction) {
	if len(preds) == 0 {
		return
	}
	var sum float64
	for _, p := range preds {
		sum += clamp01(p.Score)
	}
	for i := range preds {
		if sum == 0 {
			preds[i].Score = 1 / float64(len(preds))
			continue
		}
		preds[i].Score = clamp01(preds[i].Score) / sum
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
