package engine

import (
	"errors"
	"fmt"
	"strings"

	"teamline/internal/domain"
	"teamline/internal/repo"
)

// Coded is implemented by every caller-facing error.
type Coded interface {
	error
	Code() string
}

// Code returns the stable error code of err, or INTERNAL for
// infrastructure failures.
func Code(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "INTERNAL"
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

func required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Code() string { return strings.ToUpper(e.Kind) + "_NOT_FOUND" }

func (e *NotFoundError) Unwrap() error { return repo.ErrNotFound }

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// ConflictError reports a claim held by another agent.
type ConflictError struct {
	ItemID string
	Owner  string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("already claimed by %s", e.Owner) }

func (e *ConflictError) Code() string { return "ALREADY_CLAIMED" }

// StageError reports an item whose stage does not permit the operation.
type StageError struct {
	ItemID string
	Stage  domain.Stage
	Op     string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("cannot %s item %s in stage %s", e.Op, e.ItemID, e.Stage)
}

func (e *StageError) Code() string { return "ITEM_NOT_ACTIVE" }

type DependencyError struct {
	ItemID  string
	Pending []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("item %s waits on %s", e.ItemID, strings.Join(e.Pending, ", "))
}

func (e *DependencyError) Code() string { return "DEPENDENCIES_UNMET" }

// StaleError reports an item that changed between read and write.
type StaleError struct {
	ItemID string
}

func (e *StaleError) Error() string { return fmt.Sprintf("item %s changed concurrently; retry", e.ItemID) }

func (e *StaleError) Code() string { return "CONCURRENT_UPDATE" }

type MissionIncompleteError struct {
	MissionID string
	Reasons   []string
}

func (e *MissionIncompleteError) Error() string {
	return fmt.Sprintf("mission %s cannot complete: %s", e.MissionID, strings.Join(e.Reasons, "; "))
}

func (e *MissionIncompleteError) Code() string { return "MISSION_INCOMPLETE" }

type MissionTransitionError struct {
	MissionID string
	From      domain.MissionStatus
	To        domain.MissionStatus
}

func (e *MissionTransitionError) Error() string {
	return fmt.Sprintf("mission %s cannot go from %s to %s", e.MissionID, e.From, e.To)
}

func (e *MissionTransitionError) Code() string { return "INVALID_MISSION_TRANSITION" }

// MissionClosedError reports a change to the board of a completed mission.
type MissionClosedError struct {
	MissionID string
	Op        string
}

func (e *MissionClosedError) Error() string {
	return fmt.Sprintf("cannot %s: mission %s is complete", e.Op, e.MissionID)
}

func (e *MissionClosedError) Code() string { return "MISSION_COMPLETE" }
