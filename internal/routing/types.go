package routing

// RouteConfig describes one downstream service and how inbound messages map
// to it. Configs are immutable after engine construction.
type RouteConfig struct {
	// Service is the downstream service name (also its URL path segment)
	Service string
	// Keywords match as case-insensitive substrings of the message text
	Keywords []string
	// MenuKeys match the trimmed, lowercased message text exactly
	MenuKeys []string
	// Priority breaks keyword-score ties; lower wins
	Priority int
	// Deprecated marks a service scheduled for consolidation
	Deprecated bool
	// RedirectTo is the consolidation target for deprecated services
	RedirectTo string
}

// StatePattern routes an in-flight conversation back to the service that owns
// its chat state. Patterns match as case-insensitive substrings.
type StatePattern struct {
	Patterns []string
	Service  string
}

// Reason explains how a routing decision was reached.
type Reason string

const (
	// ReasonKeyword means the message text matched keywords or a menu key
	ReasonKeyword Reason = "keyword"
	// ReasonState means the sender's chat state matched a state pattern
	ReasonState Reason = "state"
	// ReasonFallback means nothing matched and core handles the message
	ReasonFallback Reason = "fallback"
)

// Decision is the result of one routing evaluation. Created fresh per
// request, never persisted.
type Decision struct {
	Service     string `json:"service"`
	Reason      Reason `json:"reason"`
	RoutingText string `json:"routing_text,omitempty"`
}
