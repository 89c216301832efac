package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harrison/taskpilot/internal/config"
)

// placeholderAPIKey is sent to OpenAI-compatible local servers that ignore auth.
const placeholderAPIKey = "ollama"

// Options tune a LangchainGenerator.
type Options struct {
	Temperature       float64
	RequestsPerSecond float64 // <= 0 disables rate limiting
	Burst             int
	Timeout           time.Duration // per call; 0 = none
	Logger            *zap.Logger
}

// LangchainGenerator implements Generator on a langchaingo chat model.
type LangchainGenerator struct {
	model       llms.Model
	limiter     *rate.Limiter
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

// NewLangchainGenerator wraps an existing langchaingo model.
func NewLangchainGenerator(model llms.Model, opts Options) *LangchainGenerator {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LangchainGenerator{
		model:       model,
		limiter:     rate.NewLimiter(limit, burst),
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		logger:      logger,
	}
}

// NewGenerator builds a generator for the configured provider: "ollama" talks
// to the native Ollama API, "openai" to any OpenAI-compatible endpoint.
func NewGenerator(cfg config.LLMConfig, logger *zap.Logger) (*LangchainGenerator, error) {
	var (
		model llms.Model
		err   error
	)

	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	case "openai":
		token := cfg.APIKey
		if token == "" {
			token = placeholderAPIKey
		}
		opts := []openai.Option{
			openai.WithToken(token),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (want ollama or openai)", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}

	return NewLangchainGenerator(model, Options{
		Temperature:       cfg.Temperature,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Timeout:           cfg.Timeout,
		Logger:            logger,
	}), nil
}

// Generate sends promptContext as a system message and prompt as the user message.
func (g *LangchainGenerator) Generate(ctx context.Context, prompt string, promptContext map[string]string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var messages []llms.MessageContent
	if system := RenderContext(promptContext); system != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, prompt))

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, messages, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", ErrEmptyResponse
	}

	g.logger.Debug("llm generate",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("response_chars", len(resp.Choices[0].Content)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.Choices[0].Content, nil
}
