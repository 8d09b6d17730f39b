// Package routing decides which downstream service handles an inbound
// WhatsApp message. Evaluation runs in three tiers: chat-state patterns,
// keyword scoring with priority tie-break, then fallback to core. The engine
// never returns an error; absence of a match degrades to the fallback
// service.
package routing

import (
	"sort"
	"strings"

	"wa-router/internal/common/logging"
)

// Engine evaluates routing rules against inbound messages. Construct once at
// startup; all fields are immutable afterwards, so Decide is safe for
// concurrent use.
type Engine struct {
	routes        []RouteConfig
	statePatterns []StatePattern
	menuKeys      map[string]string
	fallback      string
	unified       bool
	logger        logging.Logger
}

// Options configures an Engine.
type Options struct {
	// Routes defaults to DefaultRouteConfigs when empty
	Routes []RouteConfig
	// StatePatterns defaults to DefaultStatePatterns when empty
	StatePatterns []StatePattern
	// Fallback defaults to ServiceCore
	Fallback string
	// Unified forces all traffic to the consolidated service, bypassing
	// state and keyword evaluation entirely
	Unified bool
	Logger  logging.Logger
}

// NewEngine creates a routing engine. The menu-key lookup map is built once
// here so Decide does no per-request allocation for exact matches.
func NewEngine(opts Options) *Engine {
	routes := opts.Routes
	if routes == nil {
		routes = DefaultRouteConfigs()
	}
	statePatterns := opts.StatePatterns
	if statePatterns == nil {
		statePatterns = DefaultStatePatterns()
	}
	fallback := opts.Fallback
	if fallback == "" {
		fallback = ServiceCore
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	menuKeys := make(map[string]string)
	for _, route := range routes {
		for _, key := range route.MenuKeys {
			menuKeys[strings.ToLower(key)] = route.Service
		}
	}

	return &Engine{
		routes:        routes,
		statePatterns: statePatterns,
		menuKeys:      menuKeys,
		fallback:      fallback,
		unified:       opts.Unified,
		logger:        logger,
	}
}

// Decide picks a destination service for a message. Either argument may be
// empty. A chat-state match always pre-empts keyword scoring: a user mid-flow
// stays routed to that flow's service even if their text scores higher
// elsewhere.
func (e *Engine) Decide(messageText, chatState string) Decision {
	if e.unified {
		return Decision{Service: ServiceUnified, Reason: ReasonFallback, RoutingText: messageText}
	}

	if chatState != "" {
		if service := e.matchState(chatState); service != "" {
			return Decision{Service: service, Reason: ReasonState, RoutingText: messageText}
		}
	}

	if messageText != "" {
		if service := e.matchKeywords(messageText); service != "" {
			return Decision{Service: service, Reason: ReasonKeyword, RoutingText: messageText}
		}
	}

	return Decision{Service: e.fallback, Reason: ReasonFallback, RoutingText: messageText}
}

// ResolveService applies consolidation redirects for deprecated services.
// With useUnified false the original service is always kept.
func (e *Engine) ResolveService(service string, useUnified bool) string {
	if !useUnified {
		return service
	}
	for _, route := range e.routes {
		if route.Service == service && route.Deprecated && route.RedirectTo != "" {
			return route.RedirectTo
		}
	}
	return service
}

func (e *Engine) matchState(chatState string) string {
	lowerState := strings.ToLower(chatState)
	for _, sp := range e.statePatterns {
		for _, pattern := range sp.Patterns {
			if strings.Contains(lowerState, pattern) {
				return sp.Service
			}
		}
	}
	return ""
}

func (e *Engine) matchKeywords(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))

	// Exact menu-key selections route directly
	if service, ok := e.menuKeys[normalized]; ok {
		return service
	}

	type match struct {
		service  string
		score    int
		priority int
	}

	matches := make([]match, 0, len(e.routes))
	for _, route := range e.routes {
		score := 0
		for _, keyword := range route.Keywords {
			if strings.Contains(normalized, keyword) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, match{route.Service, score, route.Priority})
		}
	}

	if len(matches) == 0 {
		return ""
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].priority < matches[j].priority
	})

	return matches[0].service
}
