package entity

import "time"

type SessionEvent struct {
	ID uint64

	SessionID string

	EventType string

	OldStatus *SessionStatus
	NewStatus SessionStatus

	Reason      *string
	PayloadJSON *string

	CreatedAt time.Time
}
