package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

const summaryPrompt = "Ты делаешь краткую выжимку голосовых сообщений. " +
	"Передай суть в 2-4 предложениях на русском языке, без вступлений и " +
	"оценок. Если в тексте несколько сообщений, объедини их в одну связную выжимку."

// Reasoning models leak chain-of-thought in <think> blocks; users never
// see those.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
var xmlTag = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// Summarizer condenses transcripts through an OpenAI-compatible endpoint.
type Summarizer struct {
	client openai.Client
	model  string
}

func NewSummarizer(baseURL, token, model string) *Summarizer {
	return &Summarizer{
		client: openai.NewClient(
			option.WithAPIKey(token),
			option.WithBaseURL(baseURL),
		),
		model: model,
	}
}

// Summarize returns a short digest of the transcript text.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summaryPrompt),
			openai.UserMessage(transcript),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("summary oracle returned no choices")
	}

	out := CleanModelOutput(completion.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("summary oracle returned empty text")
	}
	logger.DebugCF("oracle", "Summary produced", map[string]any{"chars": len(out)})
	return out, nil
}

// CleanModelOutput strips reasoning blocks and stray markup from model
// text.
func CleanModelOutput(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	text = xmlTag.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
