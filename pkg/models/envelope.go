package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates inbound stream envelopes.
type EventKind string

const (
	EventUserMessage EventKind = "user_message"
	EventTrigger     EventKind = "trigger"
)

// TriggerType names the system event that produced a Trigger.
type TriggerType string

const (
	TriggerReminder   TriggerType = "reminder_triggered"
	TriggerGoogleAuth TriggerType = "google_auth_successful"
)

// MessageMetadata carries front-end provenance for a user message.
type MessageMetadata struct {
	Username string `json:"username,omitempty"`
	ChatID   *int64 `json:"chat_id,omitempty"`
	Source   string `json:"source,omitempty"` // telegram | api | ...
}

// UserMessage is the inbound envelope for text a user submitted.
type UserMessage struct {
	Kind      EventKind       `json:"kind"`
	UserID    int64           `json:"user_id"`
	Content   string          `json:"content"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trigger is the inbound envelope for a system-generated event, such as
// a reminder firing.
type Trigger struct {
	Kind        EventKind       `json:"kind"`
	TriggerType TriggerType     `json:"trigger_type"`
	UserID      int64           `json:"user_id"`
	Source      string          `json:"source"` // cron | calendar | api
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ReminderTriggerPayload is the Trigger payload emitted by the scheduler.
type ReminderTriggerPayload struct {
	ReminderID  int64           `json:"reminder_id"`
	Type        ReminderType    `json:"type"`
	UserID      int64           `json:"user_id"`
	AssistantID int64           `json:"assistant_id"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// InboundEvent is the decoded form of a stream_in entry: exactly one of
// UserMessage or Trigger is non-nil.
type InboundEvent struct {
	UserMessage *UserMessage
	Trigger     *Trigger
}

// Kind returns the envelope discriminator.
func (e *InboundEvent) Kind() EventKind {
	if e.UserMessage != nil {
		return EventUserMessage
	}
	return EventTrigger
}

// UserID returns the addressed user regardless of envelope kind.
func (e *InboundEvent) UserID() int64 {
	if e.UserMessage != nil {
		return e.UserMessage.UserID
	}
	if e.Trigger != nil {
		return e.Trigger.UserID
	}
	return 0
}

// ErrInvalidEnvelope marks payloads that fail strict envelope decoding.
// Such entries go straight to the DLQ; retrying cannot fix them.
var ErrInvalidEnvelope = errors.New("invalid stream envelope")

// DecodeInbound strictly decodes a stream_in payload. Unknown fields and
// unknown kinds are rejected.
func DecodeInbound(payload []byte) (*InboundEvent, error) {
	var probe struct {
		Kind EventKind `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch probe.Kind {
	case EventUserMessage:
		var m UserMessage
		if err := strictUnmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if m.UserID == 0 {
			return nil, fmt.Errorf("%w: user_message missing user_id", ErrInvalidEnvelope)
		}
		if m.Content == "" {
			return nil, fmt.Errorf("%w: user_message missing content", ErrInvalidEnvelope)
		}
		return &InboundEvent{UserMessage: &m}, nil
	case EventTrigger:
		var t Trigger
		if err := strictUnmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if t.UserID == 0 {
			return nil, fmt.Errorf("%w: trigger missing user_id", ErrInvalidEnvelope)
		}
		switch t.TriggerType {
		case TriggerReminder, TriggerGoogleAuth:
		default:
			return nil, fmt.Errorf("%w: unknown trigger_type %q", ErrInvalidEnvelope, t.TriggerType)
		}
		return &InboundEvent{Trigger: &t}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, probe.Kind)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ResponseStatus is the outcome field of an AssistantResponse.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseError   ResponseStatus = "error"
)

// AssistantResponse is the outbound envelope published to stream_out.
type AssistantResponse struct {
	UserID   int64          `json:"user_id"`
	Status   ResponseStatus `json:"status"`
	Source   string         `json:"source,omitempty"`
	Response string         `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Validate enforces the status/error contract: an error response must
// carry an error message. A success response may have an empty body.
func (r *AssistantResponse) Validate() error {
	if r.UserID == 0 {
		return errors.New("assistant response requires user_id")
	}
	switch r.Status {
	case ResponseSuccess:
		return nil
	case ResponseError:
		if r.Error == "" {
			return errors.New("error response requires error message")
		}
		return nil
	default:
		return fmt.Errorf("unknown response status %q", r.Status)
	}
}
