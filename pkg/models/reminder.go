package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ReminderType distinguishes one-shot from recurring reminders.
type ReminderType string

const (
	ReminderOneShot   ReminderType = "one_shot"
	ReminderRecurring ReminderType = "recurring"
)

// ReminderStatus tracks the reminder lifecycle. One-shot reminders move
// to completed when they fire; recurring reminders stay active until
// cancelled.
type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderPaused    ReminderStatus = "paused"
	ReminderCompleted ReminderStatus = "completed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a user-owned rule producing scheduled trigger events.
// Exactly one of TriggerAt (one_shot) or CronExpression+Timezone
// (recurring) is set.
type Reminder struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	AssistantID        int64           `json:"assistant_id"`
	CreatedByAssistant int64           `json:"created_by_assistant_id"`
	Type               ReminderType    `json:"type"`
	TriggerAt          *time.Time      `json:"trigger_at,omitempty"`
	CronExpression     string          `json:"cron_expression,omitempty"`
	Timezone           string          `json:"timezone,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Status             ReminderStatus  `json:"status"`
	LastTriggeredAt    *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Validate checks the one_shot XOR recurring shape.
func (r *Reminder) Validate() error {
	switch r.Type {
	case ReminderOneShot:
		if r.TriggerAt == nil {
			return errors.New("one_shot reminder requires trigger_at")
		}
		if r.CronExpression != "" {
			return errors.New("one_shot reminder must not set cron_expression")
		}
	case ReminderRecurring:
		if r.CronExpression == "" {
			return errors.New("recurring reminder requires cron_expression")
		}
		if r.TriggerAt != nil {
			return errors.New("recurring reminder must not set trigger_at")
		}
	default:
		return errors.New("unknown reminder type: " + string(r.Type))
	}
	return nil
}

// ReminderCreate is the POST body for creating a reminder.
type ReminderCreate struct {
	UserID             int64           `json:"user_id"`
	AssistantID        int64           `json:"assistant_id"`
	CreatedByAssistant int64           `json:"created_by_assistant_id"`
	Type               ReminderType    `json:"type"`
	TriggerAt          *time.Time      `json:"trigger_at,omitempty"`
	CronExpression     string          `json:"cron_expression,omitempty"`
	Timezone           string          `json:"timezone,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// ReminderUpdate is the PATCH body for reminder mutations.
type ReminderUpdate struct {
	Status          *ReminderStatus `json:"status,omitempty"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
}
