package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel scripts GenerateContent outcomes and replays deltas through the
// streaming func when one is supplied.
type fakeModel struct {
	calls    int
	failures int // fail this many calls before succeeding
	err      error
	deltas   []string
	content  string
	stop     string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		for _, d := range f.deltas {
			if err := opts.StreamingFunc(ctx, []byte(d)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    f.content,
		StopReason: f.stop,
	}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.content, nil
}

func newTestClient(model llms.Model) *Client {
	return NewClientWithModel(model, Options{
		Provider:        "openai",
		Model:           "test-model",
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		BreakerWindow:   time.Minute,
		BreakerCooldown: time.Minute,
	})
}

func TestChatCompletionAggregatesDeltas(t *testing.T) {
	model := &fakeModel{deltas: []string{"{\"a\":", "1}"}, stop: "stop"}
	client := newTestClient(model)

	var streamed string
	completion, err := client.ChatCompletion(context.Background(), "sys", "user", func(d string) {
		streamed += d
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, completion.Text)
	assert.Equal(t, `{"a":1}`, streamed)
	assert.Equal(t, "stop", completion.FinishReason)
	assert.Equal(t, "openai", completion.Provider)
	assert.Equal(t, "test-model", completion.Model)
}

func TestChatCompletionPrefersFinalContent(t *testing.T) {
	model := &fakeModel{deltas: []string{"partial"}, content: "full response", stop: "stop"}
	client := newTestClient(model)

	completion, err := client.ChatCompletion(context.Background(), "sys", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "full response", completion.Text)
}

func TestChatCompletionRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		failures: 2,
		err:      errors.New("upstream returned 503 service unavailable"),
		content:  "ok",
		stop:     "stop",
	}
	client := newTestClient(model)
	client.retryCfg.BaseDelay = time.Millisecond
	client.retryCfg.MaxDelay = 2 * time.Millisecond

	completion, err := client.ChatCompletion(context.Background(), "sys", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Text)
	assert.Equal(t, 3, model.calls)
}

func TestChatCompletionDoesNotRetryFatalErrors(t *testing.T) {
	model := &fakeModel{failures: 10, err: errors.New("invalid api key")}
	client := newTestClient(model)
	client.retryCfg.BaseDelay = time.Millisecond

	_, err := client.ChatCompletion(context.Background(), "sys", "user", nil)
	require.Error(t, err)
	assert.Equal(t, 1, model.calls)
}

func TestChatCompletionBreakerOpens(t *testing.T) {
	model := &fakeModel{failures: 100, err: errors.New("connection refused")}
	client := NewClientWithModel(model, Options{
		Provider:           "openai",
		Model:              "m",
		Timeout:            time.Second,
		MaxRetries:         1,
		BreakerFailureRate: 0.5,
		BreakerWindow:      time.Minute,
		BreakerCooldown:    time.Minute,
	})
	client.retryCfg.BaseDelay = time.Millisecond
	client.retryCfg.MaxDelay = 2 * time.Millisecond

	// Drive enough failures through the breaker to trip it.
	for i := 0; i < 4; i++ {
		_, err := client.ChatCompletion(context.Background(), "s", "u", nil)
		require.Error(t, err)
	}

	_, err := client.ChatCompletion(context.Background(), "s", "u", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBreakerOpen), "expected breaker-open error, got %v", err)
}

func TestChatCompletionCancellation(t *testing.T) {
	model := &fakeModel{deltas: []string{"never"}, content: "x"}
	client := newTestClient(model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ChatCompletion(ctx, "s", "u", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
