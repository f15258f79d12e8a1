package policy

import (
	"fmt"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"teamline/internal/domain"
)

// OnUnknown says what a rule does when the acting identity is unknown.
type OnUnknown struct {
	enforce bool
	role    Role
}

// AllowAll skips the rule for unknown identities.
var AllowAll = OnUnknown{}

// EnforceAsRole evaluates the rule as if the unknown identity held role r.
func EnforceAsRole(r Role) OnUnknown { return OnUnknown{enforce: true, role: r} }

// Resolve returns the role to enforce for an unknown identity.
func (o OnUnknown) Resolve() (Role, bool) { return o.role, o.enforce }

func (o OnUnknown) String() string {
	if !o.enforce {
		return "allow-all"
	}
	return "enforce-as-" + o.role.String()
}

// Subject is the resolved actor a rule evaluates.
type Subject struct {
	Agent domain.AgentIdentity
	Role  Role
}

// Rule is one guard. Check returns a non-empty reason to deny.
type Rule interface {
	Name() string
	OnUnknown() OnUnknown
	Check(env *Env, sub Subject, req domain.ActionRequest) string
}

// Env is the rule evaluation context built from config.
type Env struct {
	SafePaths []string
	// ConfigFile is relative to Root. Relative targets are read as
	// relative to Root too.
	ConfigFile string
	MissionDir string
	// Root is the workspace directory, slash separated.
	Root string
	// Delegates maps a role to the roster name work is delegated to.
	Delegates map[Role]string
}

// Delegate returns the roster name holding role r.
func (e *Env) Delegate(r Role) string {
	if name, ok := e.Delegates[r]; ok {
		return name
	}
	return r.String()
}

// Safe reports whether target is an always-permitted destination.
func (e *Env) Safe(target string) bool {
	p := normalizePath(target)
	if p == "" {
		return false
	}
	if e.isConfigFile(p) {
		return true
	}
	return MatchAny(e.SafePaths, p)
}

// isConfigFile reports whether the normalized path p names the designated
// config file at the workspace root. A file of the same name in a
// subdirectory does not match.
func (e *Env) isConfigFile(p string) bool {
	want := normalizePath(e.ConfigFile)
	if want == "" || want == "." {
		return false
	}
	if path.IsAbs(want) {
		return p == want
	}
	if !path.IsAbs(p) {
		return p == want
	}
	if e.Root == "" {
		return false
	}
	return p == path.Join(e.Root, want)
}

var (
	testPatterns = []string{
		"**/*_test.go", "**/*.test.*", "**/*.spec.*", "**/test_*.py", "**/*_test.py",
		"**/test/**", "**/tests/**", "**/__tests__/**", "**/testdata/**",
	}
	docPatterns = []string{"**/*.md", "**/*.mdx", "**/*.rst", "**/docs/**", "**/doc/**"}
)

// Classify assigns a file target to an area.
func (e *Env) Classify(target string) Area {
	p := normalizePath(target)
	if dir := strings.Trim(normalizePath(e.MissionDir), "/"); dir != "" && dir != "." {
		if MatchPath(dir+"/**", p) || MatchPath("**/"+dir+"/**", p) {
			return AreaMission
		}
	}
	switch {
	case MatchAny(testPatterns, p):
		return AreaTests
	case MatchAny(docPatterns, p):
		return AreaDocs
	}
	return AreaSource
}

func isFileWrite(k domain.ActionKind) bool {
	return k == domain.ActionWriteFile || k == domain.ActionEditFile
}

func (e *Env) writeDenial(sub Subject, target string) string {
	if e.Safe(target) {
		return ""
	}
	area := e.Classify(target)
	if CapabilitiesFor(sub.Role).CanWrite(area) {
		return ""
	}
	return fmt.Sprintf("%s must be delegated to %s", area.Label(), e.Delegate(area.Owner()))
}

// boundaryRule keeps the orchestrator context from doing worker file edits.
type boundaryRule struct{}

func (boundaryRule) Name() string         { return "orchestrator-boundary" }
func (boundaryRule) OnUnknown() OnUnknown { return EnforceAsRole(RoleOrchestrator) }

func (boundaryRule) Check(env *Env, sub Subject, req domain.ActionRequest) string {
	if sub.Role != RoleOrchestrator || !isFileWrite(req.Kind) {
		return ""
	}
	return env.writeDenial(sub, req.Target)
}

// writeScopeRule confines each worker's file writes to its areas.
type writeScopeRule struct{}

func (writeScopeRule) Name() string         { return "worker-write-scope" }
func (writeScopeRule) OnUnknown() OnUnknown { return AllowAll }

func (writeScopeRule) Check(env *Env, sub Subject, req domain.ActionRequest) string {
	if sub.Role == RoleOrchestrator || !isFileWrite(req.Kind) {
		return ""
	}
	return env.writeDenial(sub, req.Target)
}

// gitGuardRule keeps workers from committing or pushing.
type gitGuardRule struct{}

func (gitGuardRule) Name() string         { return "worker-git-guard" }
func (gitGuardRule) OnUnknown() OnUnknown { return AllowAll }

func (gitGuardRule) Check(env *Env, sub Subject, req domain.ActionRequest) string {
	if req.Kind != domain.ActionRunCommand || CapabilitiesFor(sub.Role).Commit {
		return ""
	}
	if gitWriteSubcommand(req.Target) != "" {
		return fmt.Sprintf("commits must be delegated to %s", env.Delegate(RoleOrchestrator))
	}
	return ""
}

// stageTools are board tools that change an item's stage or ownership for others.
var stageTools = map[string]bool{
	"board_move":       true,
	"board_release":    true,
	"board_reject":     true,
	"mission_complete": true,
}

// boardToolRule reserves stage-moving board tools for the orchestrator.
type boardToolRule struct{}

func (boardToolRule) Name() string         { return "board-tool-scope" }
func (boardToolRule) OnUnknown() OnUnknown { return AllowAll }

func (boardToolRule) Check(env *Env, sub Subject, req domain.ActionRequest) string {
	if req.Kind != domain.ActionCallTool || CapabilitiesFor(sub.Role).MoveStages {
		return ""
	}
	if stageTools[ToolBaseName(req.Target)] {
		return fmt.Sprintf("stage moves must be delegated to %s", env.Delegate(RoleOrchestrator))
	}
	return ""
}

// DefaultRules is the rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{boundaryRule{}, writeScopeRule{}, gitGuardRule{}, boardToolRule{}}
}

// ToolBaseName strips MCP server prefixes such as "mcp__plugin_x__board_move".
func ToolBaseName(tool string) string {
	tool = strings.TrimSpace(tool)
	if i := strings.LastIndex(tool, "__"); i >= 0 {
		return tool[i+2:]
	}
	return tool
}

// gitWriteSubcommand returns the offending git subcommand in a shell
// command line, or "". Scripts handed to a shell with -c are inspected too.
func gitWriteSubcommand(command string) string {
	return gitWriteIn(command, 0)
}

const maxShellDepth = 4

func gitWriteIn(command string, depth int) string {
	if depth > maxShellDepth {
		return ""
	}
	for _, args := range shellCalls(command) {
		if found := gitWriteArgs(args, depth); found != "" {
			return found
		}
	}
	return ""
}

// shellCalls returns the argument lists of every simple command in
// command, including those inside pipelines, subshells and command
// substitutions. Unparseable input falls back to splitting on operators.
func shellCalls(command string) [][]string {
	f, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		var calls [][]string
		for _, segment := range splitShell(command) {
			calls = append(calls, strings.Fields(segment))
		}
		return calls
	}
	var calls [][]string
	syntax.Walk(f, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			args := make([]string, len(call.Args))
			for i, w := range call.Args {
				args[i] = wordText(w)
			}
			calls = append(calls, args)
		}
		return true
	})
	return calls
}

// wordText renders the literal and quoted parts of a word. Expansions
// contribute nothing.
func wordText(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		writePart(&b, part)
	}
	return b.String()
}

func writePart(b *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		b.WriteString(p.Value)
	case *syntax.SglQuoted:
		b.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			writePart(b, inner)
		}
	}
}

func gitWriteArgs(args []string, depth int) string {
	i := 0
	for i < len(args) && (strings.Contains(args[i], "=") || args[i] == "sudo" || args[i] == "env" || args[i] == "command" || args[i] == "exec") {
		i++
	}
	if i >= len(args) {
		return ""
	}
	switch path.Base(args[i]) {
	case "sh", "bash", "zsh", "dash":
		for j := i + 1; j < len(args); j++ {
			a := args[j]
			if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a[1:], "c") {
				if j+1 < len(args) {
					return gitWriteIn(args[j+1], depth+1)
				}
				return ""
			}
		}
		return ""
	case "git":
	default:
		return ""
	}
	i++
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		if args[i] == "-C" || args[i] == "-c" {
			i++
		}
		i++
	}
	if i >= len(args) {
		return ""
	}
	switch args[i] {
	case "commit", "push":
		return args[i]
	case "add":
		for _, arg := range args[i+1:] {
			if arg == "-A" || arg == "--all" {
				return "add " + arg
			}
		}
	}
	return ""
}

func splitShell(command string) []string {
	r := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n", "(", "\n", ")", "\n")
	return strings.Split(r.Replace(command), "\n")
}
