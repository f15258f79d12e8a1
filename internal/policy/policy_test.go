package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamline/internal/audit"
	"teamline/internal/config"
	"teamline/internal/domain"
	"teamline/internal/identity"
	"teamline/internal/logging"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (c *captureSink) Emit(evt domain.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) all() []domain.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AuditEvent(nil), c.events...)
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	e, err := New(config.Default(), opts)
	require.NoError(t, err)
	return e
}

func as(agent string) *identity.Signals {
	if agent == "" {
		return &identity.Signals{}
	}
	return &identity.Signals{AgentType: "ai-team:" + agent}
}

func write(agent, target string) Request {
	return Request{Signals: as(agent), Kind: domain.ActionWriteFile, Target: target, ToolName: "Write"}
}

func run(agent, command string) Request {
	return Request{Signals: as(agent), Kind: domain.ActionRunCommand, Target: command, ToolName: "Bash"}
}

func tool(agent, name string) Request {
	return Request{Signals: as(agent), Kind: domain.ActionCallTool, Target: name, ToolName: name}
}

func TestDecisions(t *testing.T) {
	e := newEngine(t, Options{Root: "/repo"})
	cases := []struct {
		name   string
		req    Request
		allow  bool
		reason string
		rule   string
	}{
		{"unknown writes source", write("", "src/app.go"), false, "implementation must be delegated to ba", "orchestrator-boundary"},
		{"unknown writes test", write("", "/repo/internal/app_test.go"), false, "tests must be delegated to murdock", "orchestrator-boundary"},
		{"unknown writes docs", write("", "docs/guide.md"), false, "documentation must be delegated to tawnia", "orchestrator-boundary"},
		{"unknown writes mission", write("", "mission/plan.yml"), false, "planning must be delegated to face", "orchestrator-boundary"},
		{"unknown writes tmp", write("", "/tmp/scratch/out.txt"), true, "", ""},
		{"unknown writes config file", write("", "/repo/CLAUDE.md"), true, "", ""},
		{"unknown writes relative config file", write("", "./CLAUDE.md"), true, "", ""},
		{"unknown writes nested config file", write("", "/repo/src/pkg/CLAUDE.md"), false, "documentation must be delegated to tawnia", "orchestrator-boundary"},
		{"unknown writes config file elsewhere", write("", "/other/CLAUDE.md"), false, "documentation must be delegated to tawnia", "orchestrator-boundary"},
		{"implementer writes nested config file", write("ba", "src/pkg/CLAUDE.md"), false, "documentation must be delegated to tawnia", "worker-write-scope"},
		{"implementer writes config file", write("ba", "CLAUDE.md"), true, "", ""},
		{"unknown writes tool config", write("", "/home/me/.claude/settings.json"), true, "", ""},
		{"unknown commits", run("", "git commit -m wip"), true, "", ""},
		{"unknown moves stage", tool("", "board_move"), true, "", ""},
		{"orchestrator writes source", write("hannibal", "src/app.go"), false, "implementation must be delegated to ba", "orchestrator-boundary"},
		{"orchestrator commits", run("hannibal", "git commit -m done"), true, "", ""},
		{"orchestrator moves stage", tool("hannibal", "mcp__plugin_ai-team__board_move"), true, "", ""},
		{"implementer writes source", write("ba", "src/app.go"), true, "", ""},
		{"implementer writes test", write("ba", "src/app_test.go"), false, "tests must be delegated to murdock", "worker-write-scope"},
		{"implementer writes tmp", write("ba", "/tmp/x.go"), true, "", ""},
		{"tester writes test", write("murdock", "src/__tests__/app.test.ts"), true, "", ""},
		{"tester writes source", write("murdock", "src/app.ts"), false, "implementation must be delegated to ba", "worker-write-scope"},
		{"reviewer writes source", write("lynch", "src/app.go"), false, "implementation must be delegated to ba", "worker-write-scope"},
		{"documentation writes readme", write("tawnia", "README.md"), true, "", ""},
		{"decomposer writes mission", write("face", "mission/items/001.md"), true, "", ""},
		{"implementer commits", run("ba", "git commit -am fix"), false, "commits must be delegated to hannibal", "worker-git-guard"},
		{"implementer pushes in chain", run("ba", "cd repo && git -C . push origin main"), false, "commits must be delegated to hannibal", "worker-git-guard"},
		{"implementer adds all", run("ba", "git add -A"), false, "commits must be delegated to hannibal", "worker-git-guard"},
		{"implementer adds file", run("ba", "git add src/app.go"), true, "", ""},
		{"implementer reads status", run("ba", "git status && go test ./..."), true, "", ""},
		{"tester moves stage", tool("murdock", "mcp__plugin_ai-team_board__board_move"), false, "stage moves must be delegated to hannibal", "board-tool-scope"},
		{"tester claims", tool("murdock", "board_claim"), true, "", ""},
		{"agent outside roster", write("general-purpose", "src/app.go"), true, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := e.Decide(context.Background(), tc.req)
			assert.Equal(t, tc.allow, dec.Allow)
			assert.Equal(t, tc.reason, dec.Reason)
			assert.Equal(t, tc.rule, dec.Rule)
		})
	}
}

func TestTeammateIdentity(t *testing.T) {
	e := newEngine(t, Options{})
	dec := e.Decide(context.Background(), Request{
		Signals: &identity.Signals{AgentType: 7, TeammateName: "Lynch"},
		Kind:    domain.ActionEditFile,
		Target:  "src/app.go",
	})
	assert.False(t, dec.Allow)
	assert.Equal(t, "worker-write-scope", dec.Rule)
}

func TestNilSignalsUsesBoundary(t *testing.T) {
	e := newEngine(t, Options{})
	dec := e.Decide(context.Background(), Request{Kind: domain.ActionEditFile, Target: "main.go"})
	assert.False(t, dec.Allow)
	assert.Equal(t, "orchestrator-boundary", dec.Rule)
}

func TestDenyEmitsExactlyOneEvent(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(t, Options{Sink: sink})

	dec := e.Decide(context.Background(), run("ba", "git push"))
	require.False(t, dec.Allow)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditDenied, events[0].Status)
	assert.Equal(t, "ba", events[0].AgentName)
	assert.Equal(t, "Bash", events[0].ToolName)
	assert.Equal(t, audit.EventPolicyDenied, events[0].EventType)
	assert.Equal(t, dec.CorrelationID, events[0].CorrelationID)

	e.Decide(context.Background(), run("ba", "go test ./..."))
	assert.Len(t, sink.all(), 1, "allowed actions emit nothing")
}

func TestEmitAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Audit.EmitAllowed = true
	sink := &captureSink{}
	e, err := New(cfg, Options{Sink: sink, Logger: logging.Discard()})
	require.NoError(t, err)

	dec := e.Decide(context.Background(), write("ba", "src/app.go"))
	assert.True(t, dec.Allow)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditAllowed, events[0].Status)
}

func TestSinkFailureDoesNotChangeDecision(t *testing.T) {
	boom := audit.SinkFunc(func(domain.AuditEvent) { panic("sink down") })
	e := newEngine(t, Options{Sink: boom})
	dec := e.Decide(context.Background(), write("ba", "src/app_test.go"))
	assert.False(t, dec.Allow)
	assert.Equal(t, "tests must be delegated to murdock", dec.Reason)

	dec = e.Decide(context.Background(), write("ba", "src/app.go"))
	assert.True(t, dec.Allow)
}

func TestIdempotent(t *testing.T) {
	e := newEngine(t, Options{})
	req := write("murdock", "src/app.go")
	a := e.Decide(context.Background(), req)
	b := e.Decide(context.Background(), req)
	assert.Equal(t, a.Allow, b.Allow)
	assert.Equal(t, a.Reason, b.Reason)
	assert.Equal(t, a.Rule, b.Rule)
}

func TestGuardsOnlyDuringMission(t *testing.T) {
	marker := &MarkerState{}
	e := newEngine(t, Options{State: marker})
	req := write("ba", "src/app_test.go")

	assert.True(t, e.Decide(context.Background(), req).Allow)
	marker.Activate()
	assert.False(t, marker.Since().IsZero())
	assert.False(t, e.Decide(context.Background(), req).Allow)
	marker.Clear()
	assert.True(t, e.Decide(context.Background(), req).Allow)
}

func TestFailOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.TimeoutMS = 20

	failing := StateFunc(func(context.Context) (bool, error) { return false, errors.New("api unreachable") })
	e, err := New(cfg, Options{State: failing, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.True(t, e.Decide(context.Background(), write("ba", "x_test.go")).Allow)

	hanging := StateFunc(func(context.Context) (bool, error) {
		time.Sleep(time.Second)
		return true, nil
	})
	e, err = New(cfg, Options{State: hanging, Logger: logging.Discard()})
	require.NoError(t, err)
	start := time.Now()
	assert.True(t, e.Decide(context.Background(), write("ba", "x_test.go")).Allow)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	panicking := StateFunc(func(context.Context) (bool, error) { panic("bug") })
	e, err = New(cfg, Options{State: panicking, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.True(t, e.Decide(context.Background(), write("ba", "x_test.go")).Allow)
}

type panicRule struct{}

func (panicRule) Name() string         { return "broken" }
func (panicRule) OnUnknown() OnUnknown { return EnforceAsRole(RoleOrchestrator) }
func (panicRule) Check(*Env, Subject, domain.ActionRequest) string {
	panic("rule bug")
}

func TestRulePanicAllows(t *testing.T) {
	e := newEngine(t, Options{Rules: []Rule{panicRule{}}})
	assert.True(t, e.Decide(context.Background(), write("ba", "x_test.go")).Allow)
}

func TestUnknownRosterRole(t *testing.T) {
	cfg := config.Default()
	cfg.Roster["rogue"] = "saboteur"
	_, err := New(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rogue")
}

func TestOnlyBoundaryEnforcesUnknown(t *testing.T) {
	for _, r := range DefaultRules() {
		role, enforce := r.OnUnknown().Resolve()
		if r.Name() == "orchestrator-boundary" {
			assert.True(t, enforce)
			assert.Equal(t, RoleOrchestrator, role)
			assert.Equal(t, "enforce-as-orchestrator", r.OnUnknown().String())
			continue
		}
		assert.False(t, enforce, r.Name())
		assert.Equal(t, "allow-all", r.OnUnknown().String())
	}
}

func TestCapabilitiesTotal(t *testing.T) {
	for _, r := range Roles {
		assert.NotPanics(t, func() { CapabilitiesFor(r) }, r.String())
		parsed, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	assert.Panics(t, func() { CapabilitiesFor(Role(99)) })
	assert.True(t, CapabilitiesFor(RoleOrchestrator).Commit)
	assert.False(t, CapabilitiesFor(RoleImplementer).Commit)
}

func TestRoleOf(t *testing.T) {
	e := newEngine(t, Options{})
	r, ok := e.RoleOf("murdock")
	require.True(t, ok)
	assert.Equal(t, RoleTester, r)
	_, ok = e.RoleOf("nobody")
	assert.False(t, ok)
}

func TestMarkerStateLifecycle(t *testing.T) {
	marker := &MarkerState{}
	e := newEngine(t, Options{State: marker})

	assert.True(t, e.Decide(context.Background(), write("", "src/main.go")).Allow)
	assert.True(t, marker.Since().IsZero())

	marker.Activate()
	first := marker.Since()
	require.False(t, first.IsZero())
	marker.Activate()
	assert.Equal(t, first, marker.Since())
	assert.False(t, e.Decide(context.Background(), write("", "src/main.go")).Allow)

	marker.Clear()
	assert.True(t, marker.Since().IsZero())
	assert.True(t, e.Decide(context.Background(), write("", "src/main.go")).Allow)
}
