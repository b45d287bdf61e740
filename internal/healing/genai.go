package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// Default bounds for oracle calls. The oracle sits on the hot path of a
// failed write, so deadlines are short and the retry budget is small;
// exceeding either surfaces as an oracle-tier failure, not a loop failure.
const (
	DefaultOracleTimeout = 15 * time.Second
	DefaultOracleRetries = 2
	retryBackoff         = 500 * time.Millisecond
)

// GenAI is an Oracle backed by the Gemini API.
type GenAI struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewGenAI creates a Gemini-backed oracle.
func NewGenAI(ctx context.Context, apiKey, model string, timeout time.Duration, retries int, logger *slog.Logger) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("oracle api key required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	if retries <= 0 {
		retries = DefaultOracleRetries
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create oracle client: %w", err)
	}

	return &GenAI{
		client:  client,
		model:   model,
		timeout: timeout,
		retries: retries,
		logger:  logger.With("system", "oracle"),
	}, nil
}

// Complete sends the prompt to the model, retrying transient failures with
// backoff inside the configured budget.
func (g *GenAI) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= g.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), nil)
		cancel()

		if err == nil {
			text := resp.Text()
			if text == "" {
				lastErr = fmt.Errorf("empty completion")
			} else {
				return text, nil
			}
		} else {
			lastErr = err
		}

		g.logger.Warn("oracle call failed", "attempt", attempt, "error", lastErr)

		if attempt < g.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
	}

	return "", fmt.Errorf("oracle completion after %d attempts: %w", g.retries, lastErr)
}
