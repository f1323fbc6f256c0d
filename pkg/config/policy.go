package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TopicPolicy is an optional publish-time guard loaded from a YAML profile.
// When Strict is set, publishing to a topic outside every listed namespace
// prefix is rejected. A nil policy or a non-strict one allows everything.
type TopicPolicy struct {
	Strict     bool     `yaml:"strict" json:"strict"`
	Namespaces []string `yaml:"namespaces" json:"namespaces"`
}

// LoadTopicPolicy reads a policy profile from a YAML file.
func LoadTopicPolicy(path string) (*TopicPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load topic policy %q: %w", path, err)
	}

	var policy TopicPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse topic policy %q: %w", path, err)
	}
	return &policy, nil
}

// Allows reports whether a topic may be published under this policy.
// A topic is inside a namespace when it equals the namespace or extends it
// with further dot-delimited segments.
func (p *TopicPolicy) Allows(topic string) bool {
	if p == nil || !p.Strict {
		return true
	}
	for _, ns := range p.Namespaces {
		if topic == ns || strings.HasPrefix(topic, ns+".") {
			return true
		}
	}
	return false
}
