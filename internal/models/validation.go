package models

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationErrors aggregates multiple validation failures.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// AddMessage records a validation error for a field.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message == "" {
		return
	}
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

// Err returns nil if there are no errors, otherwise the aggregate.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Error implements error.
func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate checks an event for the fields every stored event must carry.
// Events arriving over the wire are validated before they touch a segment.
func (e *Event) Validate() error {
	errs := &ValidationErrors{}
	if strings.TrimSpace(e.ID) == "" {
		errs.AddMessage("id", "required")
	}
	if e.Timestamp.IsZero() {
		errs.AddMessage("timestamp", "required")
	}
	if strings.TrimSpace(e.Sender) == "" {
		errs.AddMessage("sender", "required")
	}
	if e.Type == "" {
		errs.AddMessage("type", "required")
	}
	if e.Relation != nil {
		if strings.TrimSpace(e.Relation.TargetID) == "" {
			errs.AddMessage("relation.target_id", "required")
		}
		switch e.Relation.Kind {
		case RelationEdit, RelationReaction, RelationRedaction:
		default:
			errs.AddMessage("relation.kind", fmt.Sprintf("unknown kind %q", e.Relation.Kind))
		}
	}
	return errs.Err()
}
