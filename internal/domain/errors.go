package domain

import (
	"fmt"
	"time"
)

// InvalidInputError indicates a malformed decision context or proposal.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// ConfigurationError indicates a config value that violates an invariant,
// detected at load time or when overrides are merged.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// EvaluationTimeoutError indicates the request deadline expired before an
// evaluation could start. Timeouts inside a running orchestration never
// surface as errors; the slow agent's last-known decision (or a
// conservative reject) stands in.
type EvaluationTimeoutError struct {
	Role AgentRole
}

func (e EvaluationTimeoutError) Error() string {
	if e.Role == "" {
		return "evaluation timed out before any agent could decide"
	}
	return fmt.Sprintf("agent %s evaluation timed out", e.Role)
}

// RetentionError indicates an attempt to delete an audit entry that is
// still inside its retention window.
type RetentionError struct {
	ID          string
	RetainUntil time.Time
}

func (e RetentionError) Error() string {
	return fmt.Sprintf("audit entry %s retained until %s", e.ID, e.RetainUntil.Format(time.RFC3339))
}
