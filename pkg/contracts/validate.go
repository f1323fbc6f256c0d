package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ContractError reports a malformed envelope. It is raised at construction or
// validation time and is never persisted; a publish that fails contract
// validation leaves no trace in the event log.
type ContractError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation: %s: %s", e.Field, e.Reason)
}

// IsContractError reports whether err is (or wraps) a ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// Validate checks an envelope built literally rather than through New.
// It is fail-closed: the first structural problem found is returned.
func Validate(e Envelope) error {
	if e.ID == "" {
		return &ContractError{Field: "id", Reason: "id is required"}
	}
	if err := ValidateTopic(e.Topic); err != nil {
		return err
	}
	if strings.TrimSpace(e.Source) == "" {
		return &ContractError{Field: "source", Reason: "source is required"}
	}
	if !e.Kind.Valid() {
		return &ContractError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", string(e.Kind))}
	}
	if e.Schema == "" {
		return &ContractError{Field: "schema", Reason: "schema is required"}
	}
	if e.Timestamp.IsZero() {
		return &ContractError{Field: "ts", Reason: "timestamp is required"}
	}
	return nil
}

// ValidateTopic checks the shape of a dot-delimited topic: non-empty
// segments of lowercase letters, digits, '_' or '-'.
func ValidateTopic(topic string) error {
	if topic == "" {
		return &ContractError{Field: "topic", Reason: "topic is required"}
	}
	for _, segment := range strings.Split(topic, ".") {
		if segment == "" {
			return &ContractError{Field: "topic", Reason: fmt.Sprintf("topic %q has an empty segment", topic)}
		}
		for _, r := range segment {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
				return &ContractError{Field: "topic", Reason: fmt.Sprintf("topic %q contains %q; segments are lowercase letters, digits, '_' or '-'", topic, r)}
			}
		}
	}
	return nil
}
