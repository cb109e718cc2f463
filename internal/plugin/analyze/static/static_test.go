package static

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity/cortex/internal/model"
	registryanalyze "github.com/antigravity/cortex/internal/registry/analyze"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, text string) *registryanalyze.Result {
	t.Helper()
	result, err := (&StaticAnalyzer{}).Analyze(context.Background(), registryanalyze.Request{
		Text:          text,
		ReferenceTime: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return result
}

func TestAnalyze_SplitsSentences(t *testing.T) {
	result := analyze(t, "The user likes coffee. The user lives in Tokyo.")
	require.Len(t, result.Chunks, 2)
	require.Equal(t, "The user likes coffee.", result.Chunks[0].Content)
	require.Equal(t, "The user lives in Tokyo.", result.Chunks[1].Content)
	for _, c := range result.Chunks {
		require.Equal(t, 3, c.Importance)
		require.InDelta(t, 0.9, c.Confidence, 1e-9)
	}
}

func TestAnalyze_SkipsGreetingsAndQuestions(t *testing.T) {
	result := analyze(t, "Hello! What time is it? The user likes coffee. Thanks.")
	require.Len(t, result.Chunks, 1)
	require.Equal(t, "The user likes coffee.", result.Chunks[0].Content)
}

func TestAnalyze_Classification(t *testing.T) {
	cases := map[string]model.MemoryType{
		"The user likes coffee.":                model.MemoryTypeFact,
		"Always answer in formal English.":      model.MemoryTypePolicy,
		"Never mention the user's age.":         model.MemoryTypePolicy,
		"The user visited Kyoto yesterday.":     model.MemoryTypeEpisode,
		"The user attended a conference.":       model.MemoryTypeEpisode,
		"The user is currently job hunting.":    model.MemoryTypeState,
		"The user is feeling tired this week.":  model.MemoryTypeState,
		"The user is working on a side project": model.MemoryTypeState,
	}
	for text, want := range cases {
		result := analyze(t, text)
		require.Len(t, result.Chunks, 1, "text: %s", text)
		require.Equal(t, want, result.Chunks[0].MemoryType, "text: %s", text)
	}
}

func TestAnalyze_EpisodesGetEventTime(t *testing.T) {
	result := analyze(t, "The user visited Kyoto yesterday.")
	require.Len(t, result.Chunks, 1)
	require.NotNil(t, result.Chunks[0].EventTime)

	result = analyze(t, "The user likes coffee.")
	require.Len(t, result.Chunks, 1)
	require.Nil(t, result.Chunks[0].EventTime)
}

func TestAnalyze_EmptyInput(t *testing.T) {
	result := analyze(t, "")
	require.Empty(t, result.Chunks)
}

func TestSynthesize_Verbatim(t *testing.T) {
	synth, err := (&StaticAnalyzer{}).Synthesize(context.Background(), "coffee", []registryanalyze.Evidence{
		{Content: "The user likes coffee.", Score: 0.9},
		{Content: "The user drinks espresso.", Score: 0.5},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"The user likes coffee.", "The user drinks espresso."}, synth.Bullets)
	require.Equal(t, "The user likes coffee. The user drinks espresso.", synth.Summary)
}
