package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/antigravity/cortex/internal/model"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	"github.com/charmbracelet/log"
)

func init() {
	registryanalyze.Register(registryanalyze.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryanalyze.Analyzer, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("openai analyzer: CORTEX_LLM_API_KEY is required")
	}
	return &OpenAIAnalyzer{
		apiKey:  cfg.LLMAPIKey,
		model:   cfg.LLMModelName,
		baseURL: strings.TrimRight(cfg.LLMBaseURL, "/"),
	}, nil
}

type OpenAIAnalyzer struct {
	apiKey  string
	model   string
	baseURL string
}

func (a *OpenAIAnalyzer) Name() string { return "openai" }

const extractSystemPrompt = `You extract durable memories from text about a user.
Split the input into atomic assertions. For each assertion emit a JSON object:
{"content": "...", "memory_type": "fact|state|episode|policy", "tags": ["..."],
 "importance": 1-5, "confidence": 0.0-1.0, "event_time": "RFC3339 or null"}
Rules:
- fact: stable attribute or preference of the user.
- state: current but changeable condition.
- episode: a dated event; set event_time when the text implies one.
- policy: a standing instruction about how agents should behave.
- Skip greetings, chit-chat, and questions; emit nothing for them.
Respond with only a JSON array.`

const synthesizeSystemPrompt = `You summarize a user's stored memories for an agent.
Given a query and a ranked list of memories, respond with only a JSON object:
{"summary": "one paragraph answering the query from the memories",
 "bullets": ["each memory restated as one short line"]}
Never invent information that is not present in the memories.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// rawChunk mirrors the model's output shape before validation.
type rawChunk struct {
	Content    string   `json:"content"`
	MemoryType string   `json:"memory_type"`
	Tags       []string `json:"tags"`
	Importance int      `json:"importance"`
	Confidence float64  `json:"confidence"`
	EventTime  *string  `json:"event_time"`
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req registryanalyze.Request) (*registryanalyze.Result, error) {
	user := req.Text
	if !req.ReferenceTime.IsZero() {
		user = fmt.Sprintf("Current time: %s\n\n%s", req.ReferenceTime.Format(time.RFC3339), user)
	}
	for k, v := range req.Hints {
		user = fmt.Sprintf("%s: %s\n%s", k, v, user)
	}

	content, err := a.chat(ctx, extractSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var raw []rawChunk
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		// Some models wrap the array in an object despite instructions.
		var wrapped struct {
			Memories []rawChunk `json:"memories"`
		}
		if err2 := json.Unmarshal([]byte(stripFences(content)), &wrapped); err2 != nil || wrapped.Memories == nil {
			log.Warn("analyzer returned malformed JSON", "model", a.model, "err", err)
			return &registryanalyze.Result{
				Warnings: []string{"extraction output was not valid JSON; no memories extracted"},
			}, nil
		}
		raw = wrapped.Memories
	}

	result := &registryanalyze.Result{}
	for _, r := range raw {
		c := registryanalyze.Chunk{
			Content:    strings.TrimSpace(r.Content),
			MemoryType: model.MemoryType(r.MemoryType),
			Tags:       r.Tags,
			Importance: clampInt(r.Importance, 1, 5),
			Confidence: clampFloat(r.Confidence, 0, 1),
		}
		if c.Content == "" {
			continue
		}
		if !model.ValidMemoryType(c.MemoryType) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped chunk with unknown memory_type %q", r.MemoryType))
			continue
		}
		if r.EventTime != nil {
			if t, err := time.Parse(time.RFC3339, *r.EventTime); err == nil {
				c.EventTime = &t
			}
		}
		result.Chunks = append(result.Chunks, c)
	}
	return result, nil
}

func (a *OpenAIAnalyzer) Synthesize(ctx context.Context, query string, evidence []registryanalyze.Evidence) (*registryanalyze.Synthesis, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query":    query,
		"memories": evidence,
	})
	if err != nil {
		return nil, err
	}

	content, err := a.chat(ctx, synthesizeSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}

	var synth registryanalyze.Synthesis
	if err := json.Unmarshal([]byte(stripFences(content)), &synth); err != nil {
		return nil, fmt.Errorf("synthesis output was not valid JSON: %w", err)
	}
	return &synth, nil
}

func (a *OpenAIAnalyzer) chat(ctx context.Context, system, user string) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai chat: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("openai chat: parse response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai chat error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ registryanalyze.Analyzer = (*OpenAIAnalyzer)(nil)
