// Package models defines the shared data types exchanged between the
// Marlowe core and its collaborators: the state-store REST API, the
// stream broker, and the LLM providers.
package models

import "time"

// User is a platform user. Users are created and mutated by the external
// CRUD layer; the core only reads them.
type User struct {
	ID          int64  `json:"id"`
	ExternalID  string `json:"external_id"` // stable messaging-platform id
	DisplayName string `json:"display_name"`
	Timezone    string `json:"timezone"`

	// SecretaryID is the user's active secretary assignment, if any.
	SecretaryID *int64 `json:"secretary_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UserFact is a short free-form fact about a user, rendered into the
// system context of every conversation turn.
type UserFact struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SecretaryAssignment links a user to their active secretary assistant.
// Assignment history is retained by the state store; only the latest
// assignment is active.
type SecretaryAssignment struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	SecretaryID int64     `json:"secretary_id"`
	AssignedAt  time.Time `json:"assigned_at"`
}
