package allocation

import (
	"errors"
	"fmt"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrAllocationInProgress means another commit for the same cluster holds
	// the allocation lock. Callers should redo their whole read and commit
	// cycle.
	ErrAllocationInProgress = errors.New("allocation in progress")
	ErrConflict             = errors.New("allocation conflict")
	ErrStepNotFound         = errors.New("jobstep not found")
)

// AllocationError names the step that made a batch allocation fail.
type AllocationError struct {
	StepID uuid.UUID
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("jobstep %s: %s", e.StepID, e.Reason)
}

func (e *AllocationError) Unwrap() error { return ErrConflict }

// StateError is returned when a step is not in the status Op requires.
type StateError struct {
	StepID uuid.UUID
	Status models.Status
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s jobstep %s: status is %s", e.Op, e.StepID, e.Status)
}
