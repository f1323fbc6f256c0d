package contracts

import (
	"fmt"

	"github.com/bridgelabs/genesis/pkg/canonical"
)

// ContentDedupeKey derives a deterministic idempotency key from the topic and
// the canonical (RFC 8785) hash of the payload. Two publishes of the same
// logical content produce the same key regardless of map ordering, so
// producers that cannot carry a domain key (like "mission/42#jobs-indexed")
// still get stable duplicate suppression.
func ContentDedupeKey(topic string, payload map[string]any) (string, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	sum, err := canonical.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("derive dedupe key for %s: %w", topic, err)
	}
	return topic + "#" + sum, nil
}
