// Package generator wraps Genkit's Gemini integration behind a client
// that owns an ordered pool of API keys and rotates through it when a
// key runs out of quota.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/mimic/internal/otel"
)

// Client is a quota-rotating Gemini client. Each process holds its own
// client and key index; rotation in one worker never affects another.
type Client struct {
	mu      sync.Mutex
	keys    []string
	model   string
	index   int
	enabled bool
	logger  *slog.Logger
	metrics *otel.Metrics

	// Seams for tests. Production wiring points these at Genkit.
	configureFn func(ctx context.Context, apiKey string) (generateFunc, error)
	generateFn  generateFunc
}

type generateFunc func(ctx context.Context, prompt string) (string, error)

// New builds a client and configures the first usable key. A pool where
// every key fails to configure yields a disabled client, not an error:
// clones keep serving with the echo fallback.
func New(ctx context.Context, keys []string, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		keys:        keys,
		model:       model,
		logger:      logger,
		configureFn: genkitConfigure(model),
	}
	if len(keys) == 0 {
		logger.Warn("no generation keys configured; replies fall back to echo")
		return c
	}
	c.Configure(ctx, 0)
	return c
}

// SetMetrics attaches telemetry instruments. Call before serving.
func (c *Client) SetMetrics(m *otel.Metrics) {
	c.metrics = m
}

// Configure activates the key at index i, walking forward through the
// pool when a key fails to initialize. If every key fails the client is
// left disabled.
func (c *Client) Configure(ctx context.Context, i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configureLocked(ctx, i)
}

func (c *Client) configureLocked(ctx context.Context, i int) {
	n := len(c.keys)
	if n == 0 {
		c.enabled = false
		return
	}
	for tried := 0; tried < n; tried++ {
		idx := (i + tried) % n
		gen, err := c.configureFn(ctx, c.keys[idx])
		if err != nil {
			c.logger.Warn("generation key failed to configure", "key_index", idx, "error", err)
			continue
		}
		c.index = idx
		c.generateFn = gen
		c.enabled = true
		c.logger.Info("generation key active", "key_index", idx, "model", c.model)
		return
	}
	c.enabled = false
	c.logger.Error("all generation keys failed to configure; replies fall back to echo")
}

// Enabled reports whether a key is active.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// KeyIndex returns the index of the active key.
func (c *Client) KeyIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// RotateKey advances to the next key in the pool and reconfigures,
// wrapping back to the first key after the last.
func (c *Client) RotateKey(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return 0
	}
	next := (c.index + 1) % len(c.keys)
	c.logger.Warn("rotating generation key", "from_index", c.index, "to_index", next)
	c.configureLocked(ctx, next)
	if c.metrics != nil {
		c.metrics.KeyRotations.Add(ctx, 1)
	}
	return c.index
}

// BuildPrompt concatenates the persona instructions with the user text.
// Without instructions the text passes through verbatim.
func BuildPrompt(instructions, text string) string {
	if instructions == "" {
		return text
	}
	return instructions + "\n\nUser: " + text
}

// Generate produces a reply for the prompt. Quota exhaustion rotates to
// the next key and returns ErrQuotaExceeded so the caller can tell the
// user to retry; the rotated key serves the next message. A disabled
// client echoes the prompt back rather than failing.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	enabled := c.enabled
	gen := c.generateFn
	c.mu.Unlock()

	if !enabled || gen == nil {
		return prompt, nil
	}

	start := time.Now()
	reply, err := gen(ctx, prompt)
	if c.metrics != nil {
		c.metrics.GenerateDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if IsQuotaError(err) {
			c.RotateKey(ctx)
			return "", fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return "", fmt.Errorf("generate: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// genkitConfigure initializes Genkit with the GoogleAI plugin for one
// key and returns the bound generate function.
func genkitConfigure(model string) func(ctx context.Context, apiKey string) (generateFunc, error) {
	return func(ctx context.Context, apiKey string) (generateFunc, error) {
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("empty api key")
		}
		g := genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}),
			genkit.WithDefaultModel("googleai/"+model),
		)
		return func(ctx context.Context, prompt string) (string, error) {
			resp, err := genkit.Generate(ctx, g, ai.WithPrompt(prompt))
			if err != nil {
				return "", err
			}
			return resp.Text(), nil
		}, nil
	}
}
