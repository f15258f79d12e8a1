// Package pipeline holds the stage graph that work items move through.
package pipeline

import (
	"fmt"

	"teamline/internal/config"
	"teamline/internal/domain"
)

// Pipeline is an immutable view of the configured stage graph.
type Pipeline struct {
	stages      []domain.Stage
	index       map[domain.Stage]int
	terminal    map[domain.Stage]bool
	blocked     domain.Stage
	transitions map[domain.Stage][]domain.Stage
	limits      map[domain.Stage]int
}

// TransitionError reports an illegal stage move. Hint names the stage the
// item must pass through first, when one exists.
type TransitionError struct {
	From domain.Stage
	To   domain.Stage
	Hint domain.Stage
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("items must be created in %s, not %s", e.Hint, e.To)
	}
	if e.From == e.To {
		return fmt.Sprintf("item is already in %s", e.To)
	}
	if e.Hint != "" {
		return fmt.Sprintf("invalid transition %s -> %s: move to %s first", e.From, e.To, e.Hint)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Code() string { return "INVALID_TRANSITION" }

// UnknownStageError reports a stage that is not part of the pipeline.
type UnknownStageError struct {
	Stage domain.Stage
}

func (e *UnknownStageError) Error() string { return fmt.Sprintf("unknown stage %s", e.Stage) }

func (e *UnknownStageError) Code() string { return "VALIDATION_FAILED" }

// New builds a Pipeline from validated config.
func New(cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		stages:      append([]domain.Stage(nil), cfg.Pipeline.Stages...),
		index:       map[domain.Stage]int{},
		terminal:    map[domain.Stage]bool{},
		blocked:     cfg.Pipeline.Blocked,
		transitions: map[domain.Stage][]domain.Stage{},
		limits:      map[domain.Stage]int{},
	}
	for i, s := range p.stages {
		p.index[s] = i
	}
	for _, s := range cfg.Pipeline.Terminal {
		p.terminal[s] = true
	}
	for from, tos := range cfg.Pipeline.Transitions {
		p.transitions[from] = append([]domain.Stage(nil), tos...)
	}
	for s, n := range cfg.Pipeline.WIPLimits {
		p.limits[s] = n
	}
	return p, nil
}

// Default returns the pipeline of the default config.
func Default() *Pipeline {
	p, err := New(config.Default())
	if err != nil {
		panic(err)
	}
	return p
}

// Stages returns the stages in pipeline order.
func (p *Pipeline) Stages() []domain.Stage {
	return append([]domain.Stage(nil), p.stages...)
}

// Initial is the only stage items may be created in.
func (p *Pipeline) Initial() domain.Stage { return p.stages[0] }

// Blocked is the escalation stage.
func (p *Pipeline) Blocked() domain.Stage { return p.blocked }

// Done is the terminal stage that counts as finished work: the first
// terminal stage other than the blocked one.
func (p *Pipeline) Done() domain.Stage {
	for _, s := range p.stages {
		if p.terminal[s] && s != p.blocked {
			return s
		}
	}
	return p.blocked
}

func (p *Pipeline) Has(s domain.Stage) bool {
	_, ok := p.index[s]
	return ok
}

func (p *Pipeline) IsTerminal(s domain.Stage) bool { return p.terminal[s] }

// IsActive reports whether work may happen on an item in stage s.
func (p *Pipeline) IsActive(s domain.Stage) bool { return p.Has(s) && !p.terminal[s] }

// Next returns the legal destinations of a stage.
func (p *Pipeline) Next(s domain.Stage) []domain.Stage {
	return append([]domain.Stage(nil), p.transitions[s]...)
}

// Limit returns the configured WIP ceiling for a stage.
func (p *Pipeline) Limit(s domain.Stage) (int, bool) {
	n, ok := p.limits[s]
	return n, ok
}

// ValidateCreate checks that a new item starts in the initial stage.
func (p *Pipeline) ValidateCreate(s domain.Stage) error {
	if s == "" || s == p.Initial() {
		return nil
	}
	if !p.Has(s) {
		return &UnknownStageError{Stage: s}
	}
	return &TransitionError{From: "", To: s, Hint: p.Initial()}
}

// Validate checks a single move. Self transitions are rejected.
func (p *Pipeline) Validate(from, to domain.Stage) error {
	if !p.Has(from) {
		return &UnknownStageError{Stage: from}
	}
	if !p.Has(to) {
		return &UnknownStageError{Stage: to}
	}
	if from == to {
		return &TransitionError{From: from, To: to}
	}
	for _, next := range p.transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Hint: p.hint(from, to)}
}

// hint returns the stage immediately before to on the shortest legal path
// from from, or "" when to is unreachable or one hop away.
func (p *Pipeline) hint(from, to domain.Stage) domain.Stage {
	prev := map[domain.Stage]domain.Stage{from: ""}
	queue := []domain.Stage{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range p.transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				if cur == from {
					return ""
				}
				return cur
			}
			queue = append(queue, next)
		}
	}
	return ""
}
