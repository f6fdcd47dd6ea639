// Package state provides the lifecycle status shared by plans and locks.
// Both follow Created → Active → {Paused ↔ Active} → terminal, and no
// transition ever leaves a terminal status.
package state

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a plan or lock.
type Status int32

const (
	// StatusCreated indicates the entity exists but has not been activated.
	StatusCreated Status = iota

	// StatusActive indicates the entity accepts its normal operations.
	StatusActive

	// StatusPaused indicates the owner suspended the entity.
	StatusPaused

	// StatusCompleted indicates a plan reached its execution limit.
	StatusCompleted

	// StatusCancelled indicates the owner terminated a plan.
	StatusCancelled

	// StatusUnlocked indicates a lock released its funds.
	StatusUnlocked

	// StatusExpired indicates a lock lapsed without release.
	StatusExpired
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusUnlocked:
		return "unlocked"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer; statuses persist as text.
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	var str string
	switch v := src.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("state: cannot scan %T into Status", src)
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "created":
		return StatusCreated, nil
	case "active":
		return StatusActive, nil
	case "paused":
		return StatusPaused, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	case "unlocked":
		return StatusUnlocked, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusCreated, fmt.Errorf("state: unknown status %q", s)
	}
}

// IsTerminal returns true if no transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusUnlocked || s == StatusExpired
}

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[Status][]Status{
	StatusCreated: {StatusActive},
	StatusActive:  {StatusPaused, StatusCompleted, StatusCancelled, StatusUnlocked, StatusExpired},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a TransitionError when from -> to is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return NewTransitionError(from, to)
	}
	return nil
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}
