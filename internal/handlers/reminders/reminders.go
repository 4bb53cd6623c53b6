// Package reminders is the reference create_reminder handler: a
// minimal, runnable tool so the executor and its Testable Properties
// scenarios have something concrete to dispatch to. It keeps its
// state in memory, the same "out of scope" choice the supervisor
// itself makes for persistence beyond the audit trail.
package reminders

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/executor"
	"github.com/fred-drake/carapace/internal/pipeline"
)

// Schema is the JSON Schema for the create_reminder tool's arguments.
const Schema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "description": "The reminder message to deliver when it fires"},
		"when": {"type": "string", "description": "'in X minutes', 'in X hours', 'in X days', or an RFC3339 timestamp"}
	},
	"required": ["message", "when"]
}`

// Reminder is one scheduled reminder, keyed by ID.
type Reminder struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	TriggerAt time.Time `json:"triggerAt"`
}

// Handler implements pipeline.Handler for the create_reminder and
// list_reminders tools. One Handler instance is registered per tool
// name in the catalog; both share the same in-memory store.
type Handler struct {
	mu        sync.Mutex
	reminders map[string]Reminder
}

// New returns a Handler with an empty reminder store.
func New() *Handler {
	return &Handler{reminders: make(map[string]Reminder)}
}

func (h *Handler) Initialize() error { return nil }
func (h *Handler) Shutdown() error   { return nil }

// HandleToolInvocation dispatches on toolName since both
// create_reminder and list_reminders share this Handler's state.
func (h *Handler) HandleToolInvocation(toolName string, arguments map[string]any, ctx pipeline.Context) (any, error) {
	switch toolName {
	case "create_reminder":
		return h.create(arguments, ctx)
	case "list_reminders":
		return h.list(ctx)
	default:
		return nil, &executor.ToolError{
			Code:    pipeline.ErrHandlerError,
			Message: fmt.Sprintf("reminders: unknown tool %q", toolName),
		}
	}
}

func (h *Handler) create(arguments map[string]any, ctx pipeline.Context) (any, error) {
	message, _ := arguments["message"].(string)
	when, _ := arguments["when"].(string)
	if message == "" {
		return nil, &executor.ToolError{Code: pipeline.ErrHandlerError, Message: "message is required"}
	}
	triggerAt, err := parseWhen(when)
	if err != nil {
		return nil, &executor.ToolError{Code: pipeline.ErrHandlerError, Message: err.Error()}
	}
	if triggerAt.Before(time.Now()) {
		return nil, &executor.ToolError{Code: pipeline.ErrHandlerError, Message: "cannot set a reminder in the past"}
	}

	r := Reminder{ID: uuid.NewString(), SessionID: ctx.SessionID, Message: message, TriggerAt: triggerAt}

	h.mu.Lock()
	h.reminders[r.ID] = r
	h.mu.Unlock()

	return r, nil
}

func (h *Handler) list(ctx pipeline.Context) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Reminder, 0)
	for _, r := range h.reminders {
		if r.SessionID == ctx.SessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// parseWhen accepts "in N unit" (minutes/hours/days) or an RFC3339
// timestamp, matching the teacher's reminder tool's two input shapes.
func parseWhen(when string) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, fmt.Errorf("when is required")
	}
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}

	fields := strings.Fields(strings.ToLower(when))
	if len(fields) == 3 && fields[0] == "in" {
		n, err := strconv.Atoi(fields[1])
		if err == nil {
			unit := strings.TrimSuffix(fields[2], "s")
			var d time.Duration
			switch unit {
			case "minute":
				d = time.Duration(n) * time.Minute
			case "hour":
				d = time.Duration(n) * time.Hour
			case "day":
				d = time.Duration(n) * 24 * time.Hour
			default:
				return time.Time{}, fmt.Errorf("unrecognized unit %q", fields[2])
			}
			return time.Now().Add(d), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression %q", when)
}
