package analyze

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity/cortex/internal/model"
)

// Chunk is one atomic assertion extracted from raw text.
type Chunk struct {
	Content         string                 `json:"content"`
	MemoryType      model.MemoryType       `json:"memory_type"`
	Tags            []string               `json:"tags,omitempty"`
	RelatedEntities map[string]interface{} `json:"related_entities,omitempty"`
	Importance      int                    `json:"importance"`
	Confidence      float64                `json:"confidence"`
	EventTime       *time.Time             `json:"event_time,omitempty"`
}

// Request carries the raw text plus optional hints for extraction.
type Request struct {
	Text string
	// Hints are caller-supplied metadata forwarded to the model (e.g. source).
	Hints map[string]string
	// ReferenceTime anchors relative date expressions in the text.
	ReferenceTime time.Time
}

// Result is the extraction output. Zero chunks means the text carried no
// retention-worthy signal.
type Result struct {
	Chunks   []Chunk
	Warnings []string
}

// Evidence is one ranked memory handed to Synthesize.
type Evidence struct {
	MemoryID string  `json:"memory_id"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Synthesis is the summarization output for downstream agents.
type Synthesis struct {
	Summary string   `json:"summary"`
	Bullets []string `json:"bullets"`
}

// Analyzer wraps the LLM capability: extraction of atomic assertions from
// raw text, and summarization of ranked evidence. Reaching the model can
// fail transiently; malformed model output must yield zero chunks plus a
// warning, never an error.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
	Synthesize(ctx context.Context, query string, evidence []Evidence) (*Synthesis, error)
	Name() string
}

// Loader creates an Analyzer from config.
type Loader func(ctx context.Context) (Analyzer, error)

// Plugin represents an analyzer plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an analyzer plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered analyzer plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named analyzer plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown analyzer %q; valid: %v", name, Names())
}
