package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/mimic/internal/otel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeClient builds a client with injected configure behavior, bypassing
// Genkit entirely.
func fakeClient(keys []string, configure func(ctx context.Context, apiKey string) (generateFunc, error)) *Client {
	c := &Client{
		keys:        keys,
		model:       "test-model",
		logger:      discardLogger(),
		configureFn: configure,
	}
	if len(keys) > 0 {
		c.Configure(context.Background(), 0)
	}
	return c
}

func alwaysOK(reply string) func(ctx context.Context, apiKey string) (generateFunc, error) {
	return func(ctx context.Context, apiKey string) (generateFunc, error) {
		return func(ctx context.Context, prompt string) (string, error) {
			return reply, nil
		}, nil
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Run("with_instructions", func(t *testing.T) {
		got := BuildPrompt("You are terse.", "hi")
		want := "You are terse.\n\nUser: hi"
		if got != want {
			t.Errorf("prompt = %q, want %q", got, want)
		}
	})
	t.Run("empty_instructions_passes_text_verbatim", func(t *testing.T) {
		if got := BuildPrompt("", "hello there"); got != "hello there" {
			t.Errorf("prompt = %q", got)
		}
	})
}

func TestConfigure_SkipsFailingKeys(t *testing.T) {
	c := fakeClient([]string{"bad", "bad", "good"}, func(ctx context.Context, apiKey string) (generateFunc, error) {
		if apiKey != "good" {
			return nil, errors.New("invalid api key")
		}
		return func(ctx context.Context, prompt string) (string, error) { return "ok", nil }, nil
	})

	if !c.Enabled() {
		t.Fatal("client should be enabled")
	}
	if c.KeyIndex() != 2 {
		t.Errorf("index = %d, want 2", c.KeyIndex())
	}
}

func TestConfigure_AllKeysFailDisablesClient(t *testing.T) {
	c := fakeClient([]string{"a", "b"}, func(ctx context.Context, apiKey string) (generateFunc, error) {
		return nil, errors.New("invalid api key")
	})

	if c.Enabled() {
		t.Fatal("client should be disabled")
	}
	// Disabled client echoes instead of erroring.
	reply, err := c.Generate(context.Background(), "echo me")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "echo me" {
		t.Errorf("reply = %q", reply)
	}
}

func TestRotateKey_CyclesBackToStart(t *testing.T) {
	keys := []string{"k0", "k1", "k2"}
	c := fakeClient(keys, alwaysOK("ok"))

	start := c.KeyIndex()
	for i := 0; i < len(keys); i++ {
		c.RotateKey(context.Background())
	}
	if c.KeyIndex() != start {
		t.Errorf("after %d rotations index = %d, want %d", len(keys), c.KeyIndex(), start)
	}
}

func TestGenerate_QuotaErrorRotatesAndReports(t *testing.T) {
	c := fakeClient([]string{"k0", "k1"}, func(ctx context.Context, apiKey string) (generateFunc, error) {
		key := apiKey
		return func(ctx context.Context, prompt string) (string, error) {
			if key == "k0" {
				return "", fmt.Errorf("googleapi: Error 429: quota exceeded")
			}
			return "served by k1", nil
		}, nil
	})

	_, err := c.Generate(context.Background(), "hi")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if c.KeyIndex() != 1 {
		t.Errorf("index after rotation = %d, want 1", c.KeyIndex())
	}

	// Next message is served by the rotated key.
	reply, err := c.Generate(context.Background(), "hi again")
	if err != nil {
		t.Fatalf("Generate after rotation: %v", err)
	}
	if reply != "served by k1" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGenerate_NonQuotaErrorDoesNotRotate(t *testing.T) {
	c := fakeClient([]string{"k0", "k1"}, func(ctx context.Context, apiKey string) (generateFunc, error) {
		return func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("connection reset by peer")
		}, nil
	})

	_, err := c.Generate(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Fatal("non-quota error classified as quota")
	}
	if c.KeyIndex() != 0 {
		t.Errorf("index moved to %d on non-quota error", c.KeyIndex())
	}
}

func TestGenerate_QuotaRotationIsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	c := fakeClient([]string{"k0", "k1"}, func(ctx context.Context, apiKey string) (generateFunc, error) {
		key := apiKey
		return func(ctx context.Context, prompt string) (string, error) {
			if key == "k0" {
				return "", fmt.Errorf("googleapi: Error 429: quota exceeded")
			}
			return "ok", nil
		}, nil
	})
	c.SetMetrics(m)

	if _, err := c.Generate(context.Background(), "hi"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var rotations int64
	for _, sm := range rm.ScopeMetrics {
		for _, mtr := range sm.Metrics {
			if mtr.Name != "mimic.generator.rotations" {
				continue
			}
			sum, ok := mtr.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("rotations metric is %T, not an int64 sum", mtr.Data)
			}
			for _, dp := range sum.DataPoints {
				rotations += dp.Value
			}
		}
	}
	if rotations != 1 {
		t.Errorf("rotations counter = %d, want 1", rotations)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"http_429", errors.New("googleapi: Error 429: Too Many Requests"), ErrorClassQuota},
		{"quota_text", errors.New("Quota exceeded for quota metric"), ErrorClassQuota},
		{"resource_exhausted", errors.New("rpc error: code = ResourceExhausted desc = resource exhausted"), ErrorClassQuota},
		{"unauthorized", errors.New("401 Unauthorized"), ErrorClassAuth},
		{"invalid_key", errors.New("API key not valid. invalid api key"), ErrorClassAuth},
		{"timeout", errors.New("context deadline exceeded"), ErrorClassTimeout},
		{"unknown", errors.New("connection reset by peer"), ErrorClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError = %v, want %v", got, tc.want)
			}
		})
	}
}
