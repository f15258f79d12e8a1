// Package policy decides whether an agent may perform an attempted action.
//
// Decide never fails: evaluation errors, panics and an unreachable mission
// state all resolve to allow. Denials are reported to the audit sink before
// the decision is returned.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"teamline/internal/audit"
	"teamline/internal/config"
	"teamline/internal/domain"
	"teamline/internal/identity"
	"teamline/internal/metrics"
)

const defaultTimeout = 500 * time.Millisecond

// Request is one intercepted action.
type Request struct {
	Signals   *identity.Signals
	Kind      domain.ActionKind
	Target    string
	ToolName  string
	SessionID string
}

// Options wires the engine's collaborators. Zero values are usable.
type Options struct {
	State   StateSource
	Sink    audit.Sink
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Rules   []Rule
	Now     func() time.Time
	// Root is the workspace directory the config file is relative to.
	Root string
}

type Engine struct {
	env         Env
	rules       []Rule
	roster      map[domain.AgentIdentity]Role
	resolver    identity.Resolver
	state       StateSource
	sink        audit.Sink
	timeout     time.Duration
	emitAllowed bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New builds an engine from config. Every roster role must be known.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		env: Env{
			SafePaths:  cfg.Policy.SafePaths,
			ConfigFile: cfg.Policy.ConfigFile,
			MissionDir: cfg.Policy.MissionDir,
			Root:       normalizePath(opts.Root),
			Delegates:  map[Role]string{},
		},
		rules:       opts.Rules,
		roster:      map[domain.AgentIdentity]Role{},
		resolver:    identity.Resolver{Prefixes: cfg.Identity.Prefixes},
		state:       opts.State,
		sink:        opts.Sink,
		timeout:     cfg.PolicyTimeout(),
		emitAllowed: cfg.Audit.EmitAllowed,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	names := make([]string, 0, len(cfg.Roster))
	for name := range cfg.Roster {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		role, err := ParseRole(cfg.Roster[name])
		if err != nil {
			return nil, fmt.Errorf("roster %s: %w", name, err)
		}
		e.roster[domain.AgentIdentity(name)] = role
		if _, ok := e.env.Delegates[role]; !ok {
			e.env.Delegates[role] = name
		}
	}
	if e.rules == nil {
		e.rules = DefaultRules()
	}
	if e.state == nil {
		e.state = AlwaysActive
	}
	if e.sink == nil {
		e.sink = audit.Discard
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RoleOf returns the roster role of a known agent.
func (e *Engine) RoleOf(agent domain.AgentIdentity) (Role, bool) {
	r, ok := e.roster[agent]
	return r, ok
}

// Decide renders the verdict for req.
func (e *Engine) Decide(ctx context.Context, req Request) (dec domain.PolicyDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked; allowing", "panic", r, "target", req.Target)
			dec = domain.PolicyDecision{Allow: true}
		}
	}()

	agent := e.resolver.Resolve(req.Signals)
	if !e.missionActive(ctx) {
		return e.allow(agent, req)
	}
	action := domain.ActionRequest{Agent: agent, Kind: req.Kind, Target: req.Target}

	var known Role
	var hasRole bool
	if !agent.IsUnknown() {
		known, hasRole = e.roster[agent]
		if !hasRole {
			// A named agent outside the roster has no capability set.
			return e.allow(agent, req)
		}
		action.Role = known.String()
	}

	for _, rule := range e.rules {
		sub := Subject{Agent: agent, Role: known}
		if agent.IsUnknown() {
			role, enforce := rule.OnUnknown().Resolve()
			if !enforce {
				continue
			}
			sub.Role = role
		}
		if reason := rule.Check(&e.env, sub, action); reason != "" {
			return e.deny(agent, req, rule.Name(), reason)
		}
	}
	return e.allow(agent, req)
}

func (e *Engine) allow(agent domain.AgentIdentity, req Request) domain.PolicyDecision {
	e.metrics.Decision("", true)
	if !e.emitAllowed {
		return domain.PolicyDecision{Allow: true}
	}
	evt := audit.NewEvent(audit.EventPolicyAllowed, string(agent), toolName(req), domain.AuditAllowed,
		fmt.Sprintf("%s %s", req.Kind, req.Target), e.now())
	e.emit(evt)
	return domain.PolicyDecision{Allow: true, Auditable: true, CorrelationID: evt.CorrelationID}
}

func (e *Engine) deny(agent domain.AgentIdentity, req Request, rule, reason string) domain.PolicyDecision {
	e.metrics.Decision(rule, false)
	evt := audit.NewEvent(audit.EventPolicyDenied, string(agent), toolName(req), domain.AuditDenied,
		fmt.Sprintf("%s: %s %s", reason, req.Kind, req.Target), e.now())
	e.emit(evt)
	e.logger.Info("policy denied", "agent", string(agent), "rule", rule, "kind", string(req.Kind), "target", req.Target, "correlation_id", evt.CorrelationID)
	return domain.PolicyDecision{
		Allow:         false,
		Reason:        reason,
		Auditable:     true,
		Rule:          rule,
		CorrelationID: evt.CorrelationID,
	}
}

// emit shields the decision from a misbehaving sink.
func (e *Engine) emit(evt domain.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit sink panicked", "panic", r, "correlation_id", evt.CorrelationID)
		}
	}()
	e.sink.Emit(evt)
}

type stateResult struct {
	active bool
	err    error
}

// missionActive consults the state source under the policy deadline. Any
// failure reads as inactive so that guards stand down.
func (e *Engine) missionActive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ch := make(chan stateResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- stateResult{err: fmt.Errorf("state source panicked: %v", r)}
			}
		}()
		active, err := e.state.MissionActive(ctx)
		ch <- stateResult{active: active, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			e.logger.Warn("mission state unavailable; allowing", "err", res.err)
			return false
		}
		return res.active
	case <-ctx.Done():
		e.logger.Warn("mission state lookup timed out; allowing", "timeout", e.timeout)
		return false
	}
}

func toolName(req Request) string {
	if req.ToolName != "" {
		return req.ToolName
	}
	return string(req.Kind)
}
