// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the failure classes the control plane can
// surface. Handlers map kinds onto HTTP status codes; internal callers
// branch on them instead of matching message strings.
type ErrorKind string

const (
	ErrKindValidation               ErrorKind = "validation"
	ErrKindNameConflict             ErrorKind = "name_conflict"
	ErrKindNotFound                 ErrorKind = "not_found"
	ErrKindInvalidStateTransition   ErrorKind = "invalid_state_transition"
	ErrKindInsufficientCapacity     ErrorKind = "insufficient_capacity"
	ErrKindRuntime                  ErrorKind = "runtime_error"
	ErrKindPersistence              ErrorKind = "persistence_error"
	ErrKindRewardDistributionFailed ErrorKind = "reward_distribution_failed"
	ErrKindQueueFull                ErrorKind = "queue_full"
)

// Error is the structured error carried across component boundaries. The
// deployment id is set whenever the failure is tied to one.
type Error struct {
	Kind         ErrorKind
	DeploymentID string
	Reason       string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.DeploymentID != "" {
		msg = fmt.Sprintf("deployment %s: %s", e.DeploymentID, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind returns whether err carries the given kind anywhere in its
// chain.
func IsKind(err error, kind ErrorKind) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// KindOf extracts the error kind, defaulting to persistence for errors
// that did not originate in the control plane.
func KindOf(err error) ErrorKind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ErrKindPersistence
}

func NewValidationError(reason string) *Error {
	return &Error{Kind: ErrKindValidation, Reason: reason}
}

func NewNameConflictError(userID, name string) *Error {
	return &Error{
		Kind:   ErrKindNameConflict,
		Reason: fmt.Sprintf("deployment name %q already in use by user %s", name, userID),
	}
}

func NewNotFoundError(deploymentID string) *Error {
	return &Error{Kind: ErrKindNotFound, DeploymentID: deploymentID, Reason: "deployment not found"}
}

func NewInvalidTransitionError(deploymentID, old, new string) *Error {
	return &Error{
		Kind:         ErrKindInvalidStateTransition,
		DeploymentID: deploymentID,
		Reason:       fmt.Sprintf("invalid status transition %s -> %s", old, new),
	}
}

func NewInsufficientCapacityError(deploymentID string, want, have int) *Error {
	return &Error{
		Kind:         ErrKindInsufficientCapacity,
		DeploymentID: deploymentID,
		Reason:       fmt.Sprintf("insufficient capacity: need %d nodes, found %d", want, have),
	}
}

func NewRuntimeError(deploymentID string, err error) *Error {
	return &Error{Kind: ErrKindRuntime, DeploymentID: deploymentID, Reason: "container runtime failure", Err: err}
}

func NewPersistenceError(deploymentID string, err error) *Error {
	return &Error{Kind: ErrKindPersistence, DeploymentID: deploymentID, Reason: "persistence failure", Err: err}
}

func NewRewardDistributionError(deploymentID, reason string) *Error {
	return &Error{Kind: ErrKindRewardDistributionFailed, DeploymentID: deploymentID, Reason: reason}
}

func NewQueueFullError(deploymentID string) *Error {
	return &Error{Kind: ErrKindQueueFull, DeploymentID: deploymentID, Reason: "placement queue is full"}
}
