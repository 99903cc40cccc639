// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waveerr defines the ten error kinds the orchestrator routes on.
// Kinds are sentinel errors wrapped at the point of return; callers compare
// with errors.Is or recover the kind with KindOf() to decide whether to
// retry, surface to the story outcome, or swallow.
package waveerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the ten error categories in the error handling design.
type Kind int

const (
	_ Kind = iota
	KindValidation
	KindNotFound
	KindConnection
	KindPersistence
	KindTimeout
	KindConflict
	KindSafetyBlock
	KindBudgetExceeded
	KindEmergencyStop
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConnection:
		return "connection"
	case KindPersistence:
		return "persistence"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindSafetyBlock:
		return "safety_block"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindEmergencyStop:
		return "emergency_stop"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// sentinel implements error for one Kind; comparisons use errors.Is.
type sentinel struct {
	kind Kind
}

func (s *sentinel) Error() string { return s.kind.String() }

var (
	Validation     error = &sentinel{KindValidation}
	NotFound       error = &sentinel{KindNotFound}
	Connection     error = &sentinel{KindConnection}
	Persistence    error = &sentinel{KindPersistence}
	Timeout        error = &sentinel{KindTimeout}
	Conflict       error = &sentinel{KindConflict}
	SafetyBlock    error = &sentinel{KindSafetyBlock}
	BudgetExceeded error = &sentinel{KindBudgetExceeded}
	EmergencyStop  error = &sentinel{KindEmergencyStop}
	External       error = &sentinel{KindExternal}
)

var allSentinels = []error{
	Validation, NotFound, Connection, Persistence, Timeout,
	Conflict, SafetyBlock, BudgetExceeded, EmergencyStop, External,
}

// Wrap attaches a Kind sentinel to err's chain with an added message, so the
// result satisfies both errors.Is(result, sentinelForKind) and carries msg.
func Wrap(kind Kind, msg string, cause error) error {
	sentinelErr := sentinelFor(kind)
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, sentinelErr)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinelErr, cause)
}

func sentinelFor(kind Kind) error {
	for _, s := range allSentinels {
		if s.(*sentinel).kind == kind {
			return s
		}
	}
	return &sentinel{kind}
}

// KindOf recovers the Kind carried by err, if any sentinel is in its chain.
func KindOf(err error) (Kind, bool) {
	for _, s := range allSentinels {
		if errors.Is(err, s) {
			return s.(*sentinel).kind, true
		}
	}
	return 0, false
}

// Retryable reports whether the policy in §7 allows the caller to
// re-dispatch work after this error kind, as opposed to surfacing it as a
// terminal story outcome.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindConnection, KindTimeout:
		return true
	default:
		return false
	}
}

// Swallowed reports whether the policy requires this error to be logged
// only, never propagated — true for notifier/tracer ("external") failures.
func Swallowed(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindExternal
}
