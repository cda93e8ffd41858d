package adapt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/config"
	"pulseboard/api/internal/store"
)

const systemPrompt = `You design brand color themes for dashboards.
Given an organization's name and description, answer with a single JSON object and nothing else:
{"primaryColor":"#rrggbb","backgroundColor":"#rrggbb","accentColor":"#rrggbb"}
Keep enough contrast between primary and background.`

var validate = validator.New()

type themeAnswer struct {
	PrimaryColor    string `json:"primaryColor" validate:"required,hexcolor"`
	BackgroundColor string `json:"backgroundColor" validate:"required,hexcolor"`
	AccentColor     string `json:"accentColor" validate:"required,hexcolor"`
}

// OpenAIAdapter asks a chat completion model for a theme.
type OpenAIAdapter struct {
	client openai.Client
	model  string
	log    *logrus.Entry
}

func NewOpenAIAdapter(opts config.OpenAIOptions, log *logrus.Logger, extra ...option.RequestOption) *OpenAIAdapter {
	requestOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(opts.BaseURL))
	}
	requestOpts = append(requestOpts, extra...)
	return &OpenAIAdapter{
		client: openai.NewClient(requestOpts...),
		model:  opts.Model,
		log:    log.WithField("component", "openai_adapter"),
	}
}

func (a *OpenAIAdapter) Adapt(ctx context.Context, contextText string) (store.Theme, error) {
	response, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(contextText),
		},
		Temperature: openai.Float(0.4),
		MaxTokens:   openai.Int(200),
	})
	if err != nil {
		return store.Theme{}, fmt.Errorf("request theme: %w", err)
	}
	if len(response.Choices) == 0 {
		return store.Theme{}, fmt.Errorf("request theme: no choices in response")
	}

	raw := response.Choices[0].Message.Content
	a.log.WithField("raw_response", raw).Debug("theme model output received")
	return ParseTheme(raw)
}

// ParseTheme extracts and validates the JSON theme object from a model
// answer. Code fences and surrounding prose are ignored.
func ParseTheme(raw string) (store.Theme, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return store.Theme{}, fmt.Errorf("parse theme: no JSON object in %q", raw)
	}

	var answer themeAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &answer); err != nil {
		return store.Theme{}, fmt.Errorf("parse theme: %w", err)
	}
	if err := validate.Struct(answer); err != nil {
		return store.Theme{}, fmt.Errorf("validate theme: %w", err)
	}
	return store.Theme{
		PrimaryColor:    strings.ToLower(answer.PrimaryColor),
		BackgroundColor: strings.ToLower(answer.BackgroundColor),
		AccentColor:     strings.ToLower(answer.AccentColor),
	}, nil
}
