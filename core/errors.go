package core

import (
	"errors"
	"fmt"
)

// LocalDurabilityError reports a failed local write-ahead persistence of a
// journal entry. It is fatal for the replication call that hit it: no peer
// fan-out is attempted afterwards.
type LocalDurabilityError struct {
	EntryID string
	Err     error
}

func (e *LocalDurabilityError) Error() string {
	return fmt.Sprintf("local durability failed for entry %q: %v", e.EntryID, e.Err)
}

func (e *LocalDurabilityError) Unwrap() error { return e.Err }

// IsLocalDurabilityError checks if an error is a LocalDurabilityError.
func IsLocalDurabilityError(err error) bool {
	var durabilityErr *LocalDurabilityError
	return errors.As(err, &durabilityErr)
}

// CheckpointNotFoundError reports a recovery request for an unknown
// checkpoint id.
type CheckpointNotFoundError struct {
	CheckpointID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %q not found", e.CheckpointID)
}

// IsCheckpointNotFound checks if an error is a CheckpointNotFoundError.
func IsCheckpointNotFound(err error) bool {
	var notFoundErr *CheckpointNotFoundError
	return errors.As(err, &notFoundErr)
}

// CheckpointCreationError reports that the journal's checkpoint-producing
// call failed, or that persisting the produced snapshot failed.
type CheckpointCreationError struct {
	Err error
}

func (e *CheckpointCreationError) Error() string {
	return fmt.Sprintf("checkpoint creation failed: %v", e.Err)
}

func (e *CheckpointCreationError) Unwrap() error { return e.Err }

// IsCheckpointCreationError checks if an error is a CheckpointCreationError.
func IsCheckpointCreationError(err error) bool {
	var creationErr *CheckpointCreationError
	return errors.As(err, &creationErr)
}

// RecoveryError reports that the journal's recovery call itself failed for
// a checkpoint that does exist. Distinct from CheckpointNotFoundError.
type RecoveryError struct {
	CheckpointID string
	Err          error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery from checkpoint %q failed: %v", e.CheckpointID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// IsRecoveryError checks if an error is a RecoveryError.
func IsRecoveryError(err error) bool {
	var recoveryErr *RecoveryError
	return errors.As(err, &recoveryErr)
}

// StateLoadError reports a missing or corrupt manager state file. Callers
// recover by starting from empty state; losing the peer cache is not data
// loss since peers re-announce through the sync path.
type StateLoadError struct {
	Path string
	Err  error
}

func (e *StateLoadError) Error() string {
	return fmt.Sprintf("failed to load manager state from %s: %v", e.Path, e.Err)
}

func (e *StateLoadError) Unwrap() error { return e.Err }

// IsStateLoadError checks if an error is a StateLoadError.
func IsStateLoadError(err error) bool {
	var stateErr *StateLoadError
	return errors.As(err, &stateErr)
}
