package contracts

import "fmt"

// Kind classifies an event's role in cross-component coordination.
// The set is closed: an envelope carrying anything else is rejected
// at construction time.
type Kind string

const (
	KindIntent  Kind = "intent"
	KindHeal    Kind = "heal"
	KindFact    Kind = "fact"
	KindAudit   Kind = "audit"
	KindMetric  Kind = "metric"
	KindControl Kind = "control"
)

var validKinds = map[Kind]bool{
	KindIntent:  true,
	KindHeal:    true,
	KindFact:    true,
	KindAudit:   true,
	KindMetric:  true,
	KindControl: true,
}

// Valid reports whether k is one of the six recognized kinds.
func (k Kind) Valid() bool {
	return validKinds[k]
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a raw string into a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", &ContractError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
	}
	return k, nil
}

// Kinds returns the closed set of recognized kinds in declaration order.
func Kinds() []Kind {
	return []Kind{KindIntent, KindHeal, KindFact, KindAudit, KindMetric, KindControl}
}

// Well-known topic namespaces. Producers are not restricted to these unless
// a strict topic policy is configured, but the conventional engine surfaces
// publish under them.
const (
	NamespaceIntent  = "engine.intent"
	NamespaceTruth   = "engine.truth"
	NamespaceHeal    = "engine.heal"
	NamespaceAudit   = "engine.audit"
	NamespaceMetric  = "engine.metric"
	NamespaceControl = "engine.control"
)
