package contracts

import (
	"time"
)

// TimestampLayout is ISO 8601 with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrorEnvelope wraps a message that exhausted its delivery attempts.
// It is written once to the error queue and never modified afterwards.
type ErrorEnvelope struct {
	Message   NormalizedMessage `json:"message"`
	Error     string            `json:"error"`
	Timestamp string            `json:"timestamp"`
}

// NewErrorEnvelope builds an envelope for msg stamped with at.
func NewErrorEnvelope(msg NormalizedMessage, cause error, at time.Time) ErrorEnvelope {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return ErrorEnvelope{
		Message:   msg,
		Error:     reason,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
}
