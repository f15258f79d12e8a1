// Package identity resolves the acting agent from hook request signals.
//
// Hook payloads carry the agent name in one of two optional fields:
// agent_type (set for subagents, often namespaced as "ai-team:murdock")
// and teammate_name (set for teammates). Either may be missing or hold a
// non-string value; neither case is an error.
package identity

import (
	"encoding/json"
	"strings"

	"teamline/internal/domain"
)

// DefaultPrefixes are the namespace markers stripped from agent names.
var DefaultPrefixes = []string{"ai-team:"}

// Signals holds the raw identity fields of a request context.
type Signals struct {
	AgentType    any `json:"agent_type,omitempty"`
	TeammateName any `json:"teammate_name,omitempty"`
}

// FromPayload decodes identity signals from a raw JSON payload. Malformed
// input yields empty signals.
func FromPayload(raw []byte) *Signals {
	var s Signals
	if len(raw) == 0 {
		return &s
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return &Signals{}
	}
	return &s
}

// FromMap builds signals from a loosely-typed map.
func FromMap(m map[string]any) *Signals {
	if m == nil {
		return nil
	}
	return &Signals{AgentType: m["agent_type"], TeammateName: m["teammate_name"]}
}

// Resolver normalizes identity signals with a configurable prefix list.
type Resolver struct {
	Prefixes []string
}

// Resolve uses DefaultPrefixes.
func Resolve(s *Signals) domain.AgentIdentity {
	return Resolver{}.Resolve(s)
}

// Resolve returns the canonical agent identity, or domain.Unknown.
func (r Resolver) Resolve(s *Signals) domain.AgentIdentity {
	if s == nil {
		return domain.Unknown
	}
	if id, ok := r.normalize(s.AgentType); ok {
		return id
	}
	if id, ok := r.normalize(s.TeammateName); ok {
		return id
	}
	return domain.Unknown
}

func (r Resolver) normalize(v any) (domain.AgentIdentity, bool) {
	str, ok := v.(string)
	if !ok {
		return "", false
	}
	str = strings.TrimSpace(str)
	prefixes := r.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	for _, p := range prefixes {
		if p != "" && len(str) >= len(p) && strings.EqualFold(str[:len(p)], p) {
			str = strings.TrimSpace(str[len(p):])
			break
		}
	}
	if str == "" {
		return "", false
	}
	return domain.AgentIdentity(strings.ToLower(str)), true
}
