package pipeline

import (
	"fmt"

	"teamline/internal/domain"
)

// WIPLimitError reports a full destination stage.
type WIPLimitError struct {
	Stage domain.Stage
	Limit int
}

func (e *WIPLimitError) Error() string {
	return fmt.Sprintf("WIP limit (%d) exceeded for stage %s", e.Limit, e.Stage)
}

func (e *WIPLimitError) Code() string { return "WIP_LIMIT_EXCEEDED" }

// Admit checks the destination ceiling. occupancy must not count the item
// being moved. A nil ceiling means unlimited.
func Admit(stage domain.Stage, occupancy int, ceiling *int) error {
	if ceiling == nil {
		return nil
	}
	if occupancy >= *ceiling {
		return &WIPLimitError{Stage: stage, Limit: *ceiling}
	}
	return nil
}

// Ceiling resolves the WIP ceiling for a stage. Mission overrides win over
// the pipeline defaults.
func (p *Pipeline) Ceiling(stage domain.Stage, overrides map[domain.Stage]int) *int {
	if n, ok := overrides[stage]; ok {
		return &n
	}
	if n, ok := p.limits[stage]; ok {
		return &n
	}
	return nil
}
