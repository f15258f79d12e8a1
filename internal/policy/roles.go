package policy

import (
	"fmt"
	"strings"
)

// Role is the closed set of agent roles known to the policy engine.
type Role int

const (
	RoleOrchestrator Role = iota
	RoleDecomposer
	RoleCritic
	RoleTester
	RoleImplementer
	RoleReviewer
	RoleInvestigator
	RoleDocumentation
)

// Roles lists every role.
var Roles = []Role{
	RoleOrchestrator,
	RoleDecomposer,
	RoleCritic,
	RoleTester,
	RoleImplementer,
	RoleReviewer,
	RoleInvestigator,
	RoleDocumentation,
}

func (r Role) String() string {
	switch r {
	case RoleOrchestrator:
		return "orchestrator"
	case RoleDecomposer:
		return "decomposer"
	case RoleCritic:
		return "critic"
	case RoleTester:
		return "tester"
	case RoleImplementer:
		return "implementer"
	case RoleReviewer:
		return "reviewer"
	case RoleInvestigator:
		return "investigator"
	case RoleDocumentation:
		return "documentation"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a roster role name to a Role.
func ParseRole(s string) (Role, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, r := range Roles {
		if r.String() == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Area classifies a file target by the kind of work it represents.
type Area int

const (
	AreaSource Area = iota
	AreaTests
	AreaDocs
	AreaMission
)

// Label names the work an area holds, as used in denial reasons.
func (a Area) Label() string {
	switch a {
	case AreaSource:
		return "implementation"
	case AreaTests:
		return "tests"
	case AreaDocs:
		return "documentation"
	case AreaMission:
		return "planning"
	}
	return "work"
}

// Owner is the role that work in an area must be delegated to.
func (a Area) Owner() Role {
	switch a {
	case AreaTests:
		return RoleTester
	case AreaDocs:
		return RoleDocumentation
	case AreaMission:
		return RoleDecomposer
	}
	return RoleImplementer
}

// Capabilities is what a role may do beyond the always-safe destinations.
type Capabilities struct {
	Write      []Area
	Commit     bool
	MoveStages bool
}

func (c Capabilities) CanWrite(a Area) bool {
	for _, w := range c.Write {
		if w == a {
			return true
		}
	}
	return false
}

// CapabilitiesFor is total over Roles.
func CapabilitiesFor(r Role) Capabilities {
	switch r {
	case RoleOrchestrator:
		return Capabilities{Commit: true, MoveStages: true}
	case RoleDecomposer:
		return Capabilities{Write: []Area{AreaMission}}
	case RoleCritic:
		return Capabilities{}
	case RoleTester:
		return Capabilities{Write: []Area{AreaTests}}
	case RoleImplementer:
		return Capabilities{Write: []Area{AreaSource}}
	case RoleReviewer:
		return Capabilities{}
	case RoleInvestigator:
		return Capabilities{}
	case RoleDocumentation:
		return Capabilities{Write: []Area{AreaDocs}}
	}
	panic(fmt.Sprintf("policy: no capabilities for %s", r))
}
