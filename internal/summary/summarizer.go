// Package summary condenses long call transcripts so the LLM context window
// stays small on calls that run for many minutes.
package summary

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// summaryPrompt asks for a compact replacement for the conversation so far.
const summaryPrompt = `Summarise the phone conversation below in 2 to 4 sentences.
Preserve: the caller's intent, any personal details they provided (names, dates,
phone numbers), commitments made by either side, and the current state of the
conversation. Write in third person.`

// Turn is one transcript entry handed to the summarizer.
type Turn struct {
	Role string
	Text string
}

// Summarizer produces a concise summary of a conversation segment.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Option is a functional option for [ChatSummarizer].
type Option func(*config)

type config struct {
	baseURL string
}

// WithBaseURL overrides the OpenAI API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// ChatSummarizer implements [Summarizer] with an OpenAI chat completion.
type ChatSummarizer struct {
	client oai.Client
	model  string
}

var _ Summarizer = (*ChatSummarizer)(nil)

// New creates a [ChatSummarizer] using the given API key and model.
func New(apiKey, model string, opts ...Option) (*ChatSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summary: apiKey must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &ChatSummarizer{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Summarize formats the turns into a readable transcript and asks the model
// for a condensed summary.
func (s *ChatSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Text)
	}

	resp, err := s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summaryPrompt),
			oai.UserMessage(sb.String()),
		},
		Temperature:         param.NewOpt(0.3),
		MaxCompletionTokens: param.NewOpt(int64(256)),
	})
	if err != nil {
		return "", fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// WordCount reports the whitespace-delimited word total across turns. The
// pipeline uses it to decide when a transcript is long enough to summarize.
func WordCount(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += len(strings.Fields(t.Text))
	}
	return total
}
