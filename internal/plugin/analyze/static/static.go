// Package static provides a deterministic rule-based analyzer for
// development and tests. It splits text into sentences and classifies each
// with keyword heuristics instead of calling a model.
package static

import (
	"context"
	"strings"

	"github.com/antigravity/cortex/internal/model"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
)

func init() {
	registryanalyze.Register(registryanalyze.Plugin{
		Name: "static",
		Loader: func(_ context.Context) (registryanalyze.Analyzer, error) {
			return &StaticAnalyzer{}, nil
		},
	})
}

type StaticAnalyzer struct{}

func (a *StaticAnalyzer) Name() string { return "static" }

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank you": true,
	"good morning": true, "good evening": true, "bye": true, "goodbye": true,
}

var policyMarkers = []string{"always ", "never ", "should ", "must ", "do not ", "don't "}

var episodeMarkers = []string{
	"yesterday", "last week", "last month", "last year", "ago",
	" attended ", " visited ", " went ", " met ", " finished ", " completed ",
}

var stateMarkers = []string{
	"currently", "right now", "at the moment", "these days", "this week",
	"is feeling", "am feeling", "working on", "is sick", "is tired", "is busy",
}

func (a *StaticAnalyzer) Analyze(_ context.Context, req registryanalyze.Request) (*registryanalyze.Result, error) {
	result := &registryanalyze.Result{}
	for _, sentence := range splitSentences(req.Text) {
		lower := strings.ToLower(sentence)
		if greetings[strings.Trim(lower, ".!? ")] || strings.HasSuffix(sentence, "?") {
			continue
		}
		chunk := registryanalyze.Chunk{
			Content:    sentence,
			MemoryType: classify(lower),
			Importance: 3,
			Confidence: 0.9,
		}
		if chunk.MemoryType == model.MemoryTypeEpisode && !req.ReferenceTime.IsZero() {
			t := req.ReferenceTime
			chunk.EventTime = &t
		}
		result.Chunks = append(result.Chunks, chunk)
	}
	return result, nil
}

// Synthesize degrades to a verbatim restatement of the evidence, highest
// scored first.
func (a *StaticAnalyzer) Synthesize(_ context.Context, query string, evidence []registryanalyze.Evidence) (*registryanalyze.Synthesis, error) {
	synth := &registryanalyze.Synthesis{}
	for _, e := range evidence {
		synth.Bullets = append(synth.Bullets, e.Content)
	}
	synth.Summary = strings.Join(synth.Bullets, " ")
	return synth, nil
}

func classify(lower string) model.MemoryType {
	for _, m := range policyMarkers {
		if strings.Contains(lower, m) {
			return model.MemoryTypePolicy
		}
	}
	for _, m := range episodeMarkers {
		if strings.Contains(lower, m) {
			return model.MemoryTypeEpisode
		}
	}
	for _, m := range stateMarkers {
		if strings.Contains(lower, m) {
			return model.MemoryTypeState
		}
	}
	return model.MemoryTypeFact
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		b.Reset()
		if s != "" {
			out = append(out, s)
		}
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			if r != '\n' {
				b.WriteRune(r)
			}
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}

var _ registryanalyze.Analyzer = (*StaticAnalyzer)(nil)
