package domain

import (
	"time"

	"github.com/google/uuid"
)

// maxEventDetail — ограничение длины подробностей события.
const maxEventDetail = 1000

// Event — запись журнала run или task-run.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	TaskRunID *uuid.UUID `json:"task_run_id,omitempty"`
	AttemptID *uuid.UUID `json:"attempt_id,omitempty"`
	Message   string     `json:"message"`
	Detail    string     `json:"detail,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewEvent создаёт событие, обрезая Detail.
func NewEvent(runID uuid.UUID, message, detail string, isError bool, now time.Time) Event {
	if len(detail) > maxEventDetail {
		detail = detail[:maxEventDetail]
	}
	return Event{
		ID:        uuid.New(),
		RunID:     runID,
		Message:   message,
		Detail:    detail,
		IsError:   isError,
		Timestamp: now,
	}
}

// TagTarget — сущность, к которой привязан тег.
type TagTarget string

const (
	TagTargetTemplate TagTarget = "template"
	TagTargetRun      TagTarget = "run"
)

// Tag — пользовательская метка. Имя уникально в пределах типа цели.
type Tag struct {
	Name      string    `json:"name"`
	Target    TagTarget `json:"target"`
	TargetID  uuid.UUID `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
}
