package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/retry"
)

// ErrBreakerOpen is returned when the circuit breaker is short-circuiting
// calls. The worker fails the attempt and lets the queue redeliver.
var ErrBreakerOpen = errors.New("llm circuit breaker open")

// maxResponseBytes bounds the streaming accumulator so a runaway model
// cannot exhaust memory. Responses past the cap are truncated.
const maxResponseBytes = 4 << 20

// Options configures the client. All zero values get usable defaults.
type Options struct {
	Provider    string // openai | ollama | googleai
	Model       string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
	MaxRetries  int

	BreakerFailureRate float64
	BreakerWindow      time.Duration
	BreakerCooldown    time.Duration
}

// Completion is the aggregated outcome of one chat completion.
type Completion struct {
	Text         string
	FinishReason string
	Provider     string
	Model        string
}

// Client is a chat-completion consumer with per-call timeout, bounded retry
// with exponential backoff on transient errors, and a circuit breaker that
// short-circuits while the upstream is unhealthy.
type Client struct {
	model    llms.Model
	opts     Options
	breaker  *gobreaker.CircuitBreaker
	retryCfg retry.Config
	log      zerolog.Logger
}

// NewClient builds the provider-specific langchaingo model and wraps it.
func NewClient(opts Options) (*Client, error) {
	model, err := buildModel(opts)
	if err != nil {
		return nil, err
	}
	return NewClientWithModel(model, opts), nil
}

// NewClientWithModel wraps an already-constructed model; tests inject fakes
// through this path.
func NewClientWithModel(model llms.Model, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.BreakerFailureRate <= 0 {
		opts.BreakerFailureRate = 0.5
	}
	if opts.BreakerWindow <= 0 {
		opts.BreakerWindow = time.Minute
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	log := logging.Component("llm")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "llm:" + opts.Provider,
		Interval: opts.BreakerWindow,
		Timeout:  opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.BreakerFailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		},
	})

	return &Client{
		model:    model,
		opts:     opts,
		breaker:  breaker,
		retryCfg: retry.LLMConfig(opts.MaxRetries),
		log:      log,
	}
}

func buildModel(opts Options) (llms.Model, error) {
	switch strings.ToLower(opts.Provider) {
	case "openai":
		copts := []openai.Option{openai.WithToken(opts.APIKey), openai.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			copts = append(copts, openai.WithBaseURL(opts.BaseURL))
		}
		return openai.New(copts...)
	case "ollama":
		copts := []ollama.Option{ollama.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			copts = append(copts, ollama.WithServerURL(opts.BaseURL))
		}
		return ollama.New(copts...)
	case "googleai":
		return googleai.New(context.Background(),
			googleai.WithAPIKey(opts.APIKey),
			googleai.WithDefaultModel(opts.Model))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}

// ChatCompletion streams a completion for the given prompts and returns the
// aggregated text. onDelta, when non-nil, is invoked for every arrived text
// delta; it exists for progress reporting, not for incremental parsing.
func (c *Client) ChatCompletion(ctx context.Context, systemPrompt, userPrompt string, onDelta func(delta string)) (*Completion, error) {
	var completion *Completion

	err := retry.Do(ctx, c.retryCfg, c.log, func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.callOnce(ctx, systemPrompt, userPrompt, onDelta)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
			}
			return err
		}
		completion = result.(*Completion)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// callOnce performs a single streaming generation under the per-call
// timeout.
func (c *Client) callOnce(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string)) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var buf strings.Builder
	truncated := false

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(c.opts.Temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if buf.Len()+len(chunk) > maxResponseBytes {
				truncated = true
				return nil
			}
			buf.Write(chunk)
			if onDelta != nil {
				onDelta(string(chunk))
			}
			return nil
		}),
	}

	started := time.Now()
	resp, err := c.model.GenerateContent(callCtx, messages, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm generate: empty choice list")
	}

	choice := resp.Choices[0]
	text := choice.Content
	if text == "" {
		// Providers that only stream leave Content empty; fall back to the
		// accumulated deltas.
		text = buf.String()
	}
	if truncated {
		c.log.Warn().Int("cap_bytes", maxResponseBytes).Msg("llm response truncated at accumulator cap")
	}

	c.log.Debug().
		Dur("elapsed", time.Since(started)).
		Int("bytes", len(text)).
		Str("finish", choice.StopReason).
		Msg("llm completion finished")

	return &Completion{
		Text:         text,
		FinishReason: choice.StopReason,
		Provider:     c.opts.Provider,
		Model:        c.opts.Model,
	}, nil
}
