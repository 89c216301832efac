package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/harrison/taskpilot/internal/config"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
	delay    time.Duration
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func textOf(m llms.MessageContent) string {
	if len(m.Parts) == 0 {
		return ""
	}
	if tc, ok := m.Parts[0].(llms.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestLangchainGenerator_Generate(t *testing.T) {
	model := &fakeModel{reply: "42"}
	gen := NewLangchainGenerator(model, Options{Temperature: 0.7})

	out, err := gen.Generate(context.Background(), "what is 6*7?", map[string]string{"goal": "math", "hints": ""})
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	require.Len(t, model.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, "goal: math\n", textOf(model.messages[0]))
	assert.Equal(t, schema.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, "what is 6*7?", textOf(model.messages[1]))
	assert.InDelta(t, 0.7, model.opts.Temperature, 1e-9)
}

func TestLangchainGenerator_NoContextSkipsSystemMessage(t *testing.T) {
	model := &fakeModel{reply: "ok"}
	gen := NewLangchainGenerator(model, Options{})

	_, err := gen.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, model.messages, 1)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.messages[0].Role)
}

func TestLangchainGenerator_Errors(t *testing.T) {
	ctx := context.Background()

	gen := NewLangchainGenerator(&fakeModel{err: errors.New("connection refused")}, Options{})
	_, err := gen.Generate(ctx, "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	gen = NewLangchainGenerator(&fakeModel{reply: "   "}, Options{})
	_, err = gen.Generate(ctx, "p", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)

	gen = NewLangchainGenerator(&fakeModel{reply: "late", delay: time.Second}, Options{Timeout: 10 * time.Millisecond})
	_, err = gen.Generate(ctx, "p", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLangchainGenerator_RateLimitHonoursContext(t *testing.T) {
	gen := NewLangchainGenerator(&fakeModel{reply: "ok"}, Options{RequestsPerSecond: 0.001, Burst: 1})

	_, err := gen.Generate(context.Background(), "first", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gen.Generate(ctx, "second", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestNewGenerator_Providers(t *testing.T) {
	_, err := NewGenerator(config.LLMConfig{Provider: "openai", Model: "llama3", BaseURL: "http://localhost:11434/v1"}, nil)
	assert.NoError(t, err)

	_, err = NewGenerator(config.LLMConfig{Provider: "ollama", Model: "llama3", BaseURL: "http://localhost:11434"}, nil)
	assert.NoError(t, err)

	_, err = NewGenerator(config.LLMConfig{Provider: "bard"}, nil)
	assert.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	var out struct {
		Score float64 `json:"score"`
	}

	require.NoError(t, ParseJSON(`{"score": 0.9}`, &out))
	assert.InDelta(t, 0.9, out.Score, 1e-9)

	require.NoError(t, ParseJSON("Sure! Here it is:\n```json\n{\"score\": 0.4}\n```", &out))
	assert.InDelta(t, 0.4, out.Score, 1e-9)

	err := ParseJSON("no json here", &out)
	assert.Error(t, err)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short ascii", "abc", 5, "abc"},
		{"exact", "abc", 3, "abc"},
		{"cut ascii", "abcdef", 3, "abc..."},
		{"multibyte under limit", "héllo", 5, "héllo"},
		{"cut multibyte", "日本語のテキスト", 3, "日本語..."},
		{"cut before emoji", "ok👍👍", 3, "ok👍..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}

	var out struct{}
	err := ParseJSON(strings.Repeat("é", 250), &out)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()), "error message must stay valid UTF-8")
	assert.Contains(t, err.Error(), strings.Repeat("é", 200)+"...")
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, ExtractJSON(`prefix {"a":{"b":1}} suffix`))
	assert.Equal(t, "", ExtractJSON("} backwards {"))
	assert.Equal(t, "", ExtractJSON(""))
}

func TestGenerateJSON(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, prompt string, _ map[string]string) (string, error) {
		return `{"name":"skill_x","description":"` + prompt + `"}`, nil
	})
	var out struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	require.NoError(t, GenerateJSON(context.Background(), gen, "desc", nil, &out))
	assert.Equal(t, "skill_x", out.Name)
	assert.Equal(t, "desc", out.Description)

	failing := GeneratorFunc(func(context.Context, string, map[string]string) (string, error) {
		return "", errors.New("down")
	})
	assert.Error(t, GenerateJSON(context.Background(), failing, "p", nil, &out))
}

func TestRenderContext(t *testing.T) {
	assert.Equal(t, "", RenderContext(nil))
	assert.Equal(t, "a: 1\nb: 2\n", RenderContext(map[string]string{"b": "2", "a": " 1 "}))
}
