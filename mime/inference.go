package mime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// promptTemplate wraps the filtered message content in an instruction
// prompt before it's sent to the completion endpoint.
const promptTemplate = "Below is an instruction that describes a task. " +
	"Write a response that appropriately completes the request." +
	"\n\n### Instruction:\n%s\n\n### Response:\n"

// mentionPattern matches discord user mention tokens (`<@123>`, `<@!123>`)
var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// strippedCharPattern matches characters removed from message content
// before it's used as a prompt
var strippedCharPattern = regexp.MustCompile(`[<>&@]`)

// CompletionClient defines the methods used from `openai.Client`, to
// enable testing/mocking.
type CompletionClient interface {
	// CreateCompletion sends a completion request to the configured
	// endpoint
	CreateCompletion(
		ctx context.Context,
		request openai.CompletionRequest,
	) (openai.CompletionResponse, error)
}

// LLM manages requests to the inference server.
//
// The zero value isn't usable - create one via newLLM. Requests are
// serialized: Infer holds a lock for the duration of each call, so at
// most one completion request is in flight at any time, mirroring the
// single inference slot a local model server provides.
type LLM struct {
	client         CompletionClient
	config         *LLMConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	// serializes inference calls
	mu sync.Mutex

	m *Mime
}

func newLLM(m *Mime, httpClient *http.Client) *LLM {
	config := m.config.LLM
	l := &LLM{
		config: config,
		m:      m,
	}
	l.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "llm")

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.BaseURL = config.BaseURL
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	l.client = openai.NewClientWithConfig(clientCfg)

	if config.MaxRequestsPerSecond > 0 {
		l.requestLimiter = rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		)
	}

	return l
}

// Infer sends the given content to the completion endpoint and returns
// the generated text. Only one request is in flight at a time; callers
// block until the previous inference finishes.
func (l *LLM) Infer(ctx context.Context, content string) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = l.logger
		ctx = WithLogger(ctx, logger)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.requestLimiter != nil {
		if err := l.requestLimiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req := openai.CompletionRequest{
		Model:            l.config.Model,
		Prompt:           fmt.Sprintf(promptTemplate, content),
		MaxTokens:        l.config.MaxTokens,
		Temperature:      l.config.Temperature,
		TopP:             l.config.TopP,
		FrequencyPenalty: l.config.FrequencyPenalty,
		Stop:             l.config.Stop,
	}

	reqCtx := ctx
	if l.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, l.config.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := l.client.CreateCompletion(reqCtx, req)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"completion request failed",
			tint.Err(err),
			"duration", elapsed,
			"model", l.config.Model,
		)
		return "", fmt.Errorf("completion request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		logger.WarnContext(ctx, "completion response had no choices")
		return "", fmt.Errorf("empty completion response")
	}

	output := strings.TrimSpace(resp.Choices[0].Text)
	logger.InfoContext(
		ctx,
		"completion finished",
		"duration", elapsed,
		"model", l.config.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"output_len", len(output),
		"output_preview", truncate(output, 100),
	)
	return output, nil
}

// filterContent cleans message content before inference, removing
// mention tokens, the given names, and platform control characters.
func filterContent(content string, names ...string) string {
	output := mentionPattern.ReplaceAllString(content, "")
	for _, name := range names {
		if name == "" {
			continue
		}
		output = strings.ReplaceAll(output, name, "")
	}
	output = strippedCharPattern.ReplaceAllString(output, "")
	return strings.TrimSpace(output)
}

// writeTranscript writes the inference output to the given path,
// replacing any previous transcript.
func writeTranscript(path string, inference string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(inference), 0o644)
}
