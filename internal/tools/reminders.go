package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marloweai/marlowe/internal/statestore"
	"github.com/marloweai/marlowe/pkg/models"
)

// ReminderStore is the state-store surface the reminder tools need.
type ReminderStore interface {
	CreateReminder(ctx context.Context, create models.ReminderCreate) (*models.Reminder, error)
	ListUserReminders(ctx context.Context, userID int64) ([]models.Reminder, error)
	UpdateReminder(ctx context.Context, id int64, update models.ReminderUpdate) error
}

// cronParser matches the scheduler's expression grammar so a reminder
// accepted here is guaranteed to be schedulable.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ReminderCreateTool creates a one-shot or recurring reminder for the
// invoking user.
type ReminderCreateTool struct {
	name        string
	description string
	inv         Invocation
	store       ReminderStore
	now         func() time.Time
}

// NewReminderCreateTool builds the reminder creation tool.
func NewReminderCreateTool(name, description string, inv Invocation, store ReminderStore, now func() time.Time) (*ReminderCreateTool, error) {
	if store == nil {
		return nil, errors.New("reminder store is required")
	}
	if now == nil {
		now = time.Now
	}
	if description == "" {
		description = "Create a reminder. Use trigger_at (RFC3339) for one-time reminders or cron_expression + timezone for recurring ones."
	}
	return &ReminderCreateTool{name: name, description: description, inv: inv, store: store, now: now}, nil
}

func (t *ReminderCreateTool) Name() string        { return t.name }
func (t *ReminderCreateTool) Description() string { return t.description }

func (t *ReminderCreateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "What to remind the user about"
			},
			"trigger_at": {
				"type": "string",
				"description": "RFC3339 timestamp for a one-time reminder"
			},
			"cron_expression": {
				"type": "string",
				"description": "Five-field cron expression for a recurring reminder"
			},
			"timezone": {
				"type": "string",
				"description": "IANA timezone the cron expression is evaluated in"
			}
		},
		"required": ["message"]
	}`)
}

type reminderCreateInput struct {
	Message        string `json:"message"`
	TriggerAt      string `json:"trigger_at"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
}

// Execute validates the one_shot XOR recurring shape and persists the
// reminder.
func (t *ReminderCreateTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input reminderCreateInput
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if input.Message == "" {
		return errorResult(t.name, CodeInvalidInput, "message is required"), nil
	}
	if (input.TriggerAt == "") == (input.CronExpression == "") {
		return errorResult(t.name, CodeInvalidInput, "set exactly one of trigger_at or cron_expression"), nil
	}

	create := models.ReminderCreate{
		UserID:             t.inv.UserID,
		AssistantID:        t.inv.AssistantID,
		CreatedByAssistant: t.inv.AssistantID,
		Payload:            mustPayload(input.Message),
	}

	switch {
	case input.TriggerAt != "":
		at, err := time.Parse(time.RFC3339, input.TriggerAt)
		if err != nil {
			return errorResult(t.name, CodeInvalidInput, "trigger_at must be RFC3339: %v", err), nil
		}
		if at.Before(t.now()) {
			return errorResult(t.name, CodeInvalidInput, "trigger_at is in the past"), nil
		}
		utc := at.UTC()
		create.Type = models.ReminderOneShot
		create.TriggerAt = &utc

	default:
		if _, err := cronParser.Parse(input.CronExpression); err != nil {
			return errorResult(t.name, CodeInvalidInput, "invalid cron expression: %v", err), nil
		}
		tz := input.Timezone
		if tz == "" {
			tz = t.inv.Timezone
		}
		if tz == "" {
			tz = "UTC"
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return errorResult(t.name, CodeInvalidInput, "unknown timezone %q", tz), nil
		}
		create.Type = models.ReminderRecurring
		create.CronExpression = input.CronExpression
		create.Timezone = tz
	}

	reminder, err := t.store.CreateReminder(ctx, create)
	if err != nil {
		return storeErrorResult(t.name, "create reminder", err), nil
	}

	when := input.CronExpression
	if reminder.Type == models.ReminderOneShot {
		when = reminder.TriggerAt.Format(time.RFC3339)
	}
	return &ToolResult{
		Content: fmt.Sprintf("Reminder %d created (%s, %s): %s", reminder.ID, reminder.Type, when, input.Message),
	}, nil
}

// ReminderListTool lists the invoking user's reminders.
type ReminderListTool struct {
	name        string
	description string
	inv         Invocation
	store       ReminderStore
}

// NewReminderListTool builds the reminder listing tool.
func NewReminderListTool(name, description string, inv Invocation, store ReminderStore) (*ReminderListTool, error) {
	if store == nil {
		return nil, errors.New("reminder store is required")
	}
	if description == "" {
		description = "List the user's reminders, optionally filtered by status."
	}
	return &ReminderListTool{name: name, description: description, inv: inv, store: store}, nil
}

func (t *ReminderListTool) Name() string        { return t.name }
func (t *ReminderListTool) Description() string { return t.description }

func (t *ReminderListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {
				"type": "string",
				"enum": ["active", "paused", "completed", "cancelled"],
				"description": "Only return reminders with this status"
			}
		}
	}`)
}

// Execute lists reminders.
func (t *ReminderListTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		Status string `json:"status"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
		}
	}

	reminders, err := t.store.ListUserReminders(ctx, t.inv.UserID)
	if err != nil {
		return storeErrorResult(t.name, "list reminders", err), nil
	}

	var lines []string
	for _, r := range reminders {
		if input.Status != "" && string(r.Status) != input.Status {
			continue
		}
		when := r.CronExpression
		if r.Type == models.ReminderOneShot && r.TriggerAt != nil {
			when = r.TriggerAt.Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("[%d] %s %s (%s): %s", r.ID, r.Type, when, r.Status, payloadText(r.Payload)))
	}
	if len(lines) == 0 {
		return &ToolResult{Content: "No reminders found."}, nil
	}
	return &ToolResult{Content: strings.Join(lines, "\n")}, nil
}

// ReminderDeleteTool cancels a reminder by id. Cancellation is a
// status transition, not a row delete, so history is retained.
type ReminderDeleteTool struct {
	name        string
	description string
	inv         Invocation
	store       ReminderStore
}

// NewReminderDeleteTool builds the reminder cancellation tool.
func NewReminderDeleteTool(name, description string, inv Invocation, store ReminderStore) (*ReminderDeleteTool, error) {
	if store == nil {
		return nil, errors.New("reminder store is required")
	}
	if description == "" {
		description = "Cancel one of the user's reminders by id."
	}
	return &ReminderDeleteTool{name: name, description: description, inv: inv, store: store}, nil
}

func (t *ReminderDeleteTool) Name() string        { return t.name }
func (t *ReminderDeleteTool) Description() string { return t.description }

func (t *ReminderDeleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"reminder_id": {
				"type": "integer",
				"description": "Id of the reminder to cancel"
			}
		},
		"required": ["reminder_id"]
	}`)
}

// Execute cancels the reminder after checking ownership.
func (t *ReminderDeleteTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.inv.UserID == 0 {
		return errorResult(t.name, CodeUserIDRequired, "no user bound to this invocation"), nil
	}
	var input struct {
		ReminderID int64 `json:"reminder_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if input.ReminderID == 0 {
		return errorResult(t.name, CodeInvalidInput, "reminder_id is required"), nil
	}

	// Ownership check: the model must not cancel another user's rows.
	reminders, err := t.store.ListUserReminders(ctx, t.inv.UserID)
	if err != nil {
		return storeErrorResult(t.name, "list reminders", err), nil
	}
	owned := false
	for _, r := range reminders {
		if r.ID == input.ReminderID {
			owned = true
			break
		}
	}
	if !owned {
		return errorResult(t.name, CodeInvalidInput, "reminder %d not found", input.ReminderID), nil
	}

	status := models.ReminderCancelled
	if err := t.store.UpdateReminder(ctx, input.ReminderID, models.ReminderUpdate{Status: &status}); err != nil {
		return storeErrorResult(t.name, "cancel reminder", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Reminder %d cancelled.", input.ReminderID)}, nil
}

// storeErrorResult maps a state-store failure onto a tool error code.
func storeErrorResult(tool, op string, err error) *ToolResult {
	code := CodeAPIError
	switch statestore.KindOf(err) {
	case statestore.KindNetwork, statestore.KindCircuitOpen:
		code = CodeNetworkError
	}
	return errorResult(tool, code, "%s: %v", op, err)
}

func mustPayload(message string) json.RawMessage {
	raw, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func payloadText(payload json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(payload)
}
