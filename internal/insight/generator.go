// Package insight produces short plain-language summaries of a consultation
// for the patient, using a chat completion model.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("insight: model returned no content")

// Request is the session text an insight is generated from.
type Request struct {
	IssueDetails   string
	UserNotes      string
	DoctorFeedback string
}

// Generator turns session text into an insight.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator calls the OpenAI chat completion API.
type OpenAIGenerator struct {
	client chatClient
	model  string
}

const defaultModel = "gpt-4o-mini"

// NewOpenAIGenerator returns a Generator for apiKey, or nil when apiKey is
// empty so callers can treat the feature as switched off.
func NewOpenAIGenerator(apiKey, model string) *OpenAIGenerator {
	if apiKey == "" {
		return nil
	}
	return newGenerator(openai.NewClient(apiKey), model)
}

func newGenerator(client chatClient, model string) *OpenAIGenerator {
	if model == "" {
		model = defaultModel
	}
	return &OpenAIGenerator{client: client, model: model}
}

const systemPrompt = "You summarize a telehealth consultation for the patient in plain language. " +
	"Do not diagnose. Keep it under 120 words."

func (r Request) prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reason for visit: %s\n", r.IssueDetails)
	if r.UserNotes != "" {
		fmt.Fprintf(&b, "Patient notes: %s\n", r.UserNotes)
	}
	if r.DoctorFeedback != "" {
		fmt.Fprintf(&b, "Doctor feedback: %s\n", r.DoctorFeedback)
	}
	return b.String()
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.prompt()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("insight: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
