// Package llmnormalize is a reference handler demonstrating a tool
// backed by a real external collaborator: it takes a single free-text
// "request" argument ("remind me to call mom in an hour") and asks
// Claude to turn it into the strict {message, when} shape the
// reminders handler's create_reminder schema requires, then returns
// that structured result without itself creating the reminder — the
// caller chains it into a second tool.invoke.create_reminder call.
package llmnormalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fred-drake/carapace/internal/executor"
	"github.com/fred-drake/carapace/internal/pipeline"
)

// Schema is the JSON Schema for the normalize_reminder_request tool's
// arguments.
const Schema = `{
	"type": "object",
	"properties": {
		"request": {"type": "string", "description": "Free-text reminder request, e.g. 'remind me to call mom in an hour'"}
	},
	"required": ["request"]
}`

const systemPrompt = `Extract a reminder message and a relative or absolute trigger time from the user's request. Respond with JSON only, of the exact shape {"message": string, "when": string}, where "when" is either "in N minutes/hours/days" or an RFC3339 timestamp. No other text.`

// Handler implements pipeline.Handler for normalize_reminder_request.
type Handler struct {
	client anthropic.Client
	model  anthropic.Model
}

// Config configures the Anthropic client. APIKey is read at New time,
// never logged or placed in an audit entry.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New builds a Handler wired to a real anthropic.Client. A zero
// Config.Model defaults to Claude Haiku, which is plenty for a
// structured-extraction call this small.
func New(cfg Config) *Handler {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &Handler{client: anthropic.NewClient(opts...), model: anthropic.Model(model)}
}

func (h *Handler) Initialize() error { return nil }
func (h *Handler) Shutdown() error   { return nil }

// NormalizedRequest is the structured result returned to the caller.
type NormalizedRequest struct {
	Message string `json:"message"`
	When    string `json:"when"`
}

func (h *Handler) HandleToolInvocation(toolName string, arguments map[string]any, ctx pipeline.Context) (any, error) {
	if toolName != "normalize_reminder_request" {
		return nil, &executor.ToolError{
			Code:    pipeline.ErrHandlerError,
			Message: fmt.Sprintf("llmnormalize: unknown tool %q", toolName),
		}
	}

	request, _ := arguments["request"].(string)
	if request == "" {
		return nil, &executor.ToolError{Code: pipeline.ErrHandlerError, Message: "request is required"}
	}

	message, err := h.client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     h.model,
		MaxTokens: 256,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request)),
		},
	})
	if err != nil {
		return nil, &executor.ToolError{
			Code:      pipeline.ErrPluginUnavailable,
			Message:   "llmnormalize: anthropic request failed",
			Retriable: true,
		}
	}

	text := extractText(message)
	var normalized NormalizedRequest
	if err := json.Unmarshal([]byte(text), &normalized); err != nil {
		return nil, &executor.ToolError{
			Code:    pipeline.ErrHandlerError,
			Message: "llmnormalize: model returned non-JSON output",
		}
	}
	return normalized, nil
}

func extractText(message *anthropic.Message) string {
	for _, block := range message.Content {
		if text := block.AsText(); text.Text != "" {
			return text.Text
		}
	}
	return ""
}
