// Package lifecycle implements the repository lifecycle state machine.
//
// The machine is a pure transition function over (status, event); it never
// touches the database or the cluster itself. Callers apply the returned
// status and run the returned effects. Discovery of events (Job phase
// changes) is the poller's job, keeping observation decoupled from the
// transition rules.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/crpaas/repo-manager/internal/models"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventJobActive means the poller observed at least one active Job attempt.
	EventJobActive EventType = "job-active"

	// EventJobSucceeded means the poller observed Job success.
	EventJobSucceeded EventType = "job-succeeded"

	// EventJobFailed means the Job exhausted its retry budget.
	EventJobFailed EventType = "job-failed"

	// EventJobMissing means the referenced Job no longer exists on the
	// cluster (deleted out-of-band).
	EventJobMissing EventType = "job-missing"

	// EventSyncRequested is an explicit sync command from an operator or
	// the auto-sync scheduler.
	EventSyncRequested EventType = "sync-requested"
)

// Event is a lifecycle event with an optional reason for failure events.
type Event struct {
	Type   EventType
	Reason string
}

// Effect names a side effect the caller must run after persisting a
// transition.
type Effect string

const (
	// EffectCreateJob means a new clone/sync Job must be created.
	EffectCreateJob Effect = "create-job"

	// EffectTriggerReindex means the downstream search service should be
	// told to reindex.
	EffectTriggerReindex Effect = "trigger-reindex"

	// EffectRecordSynced means last_synced_at should be set to now.
	EffectRecordSynced Effect = "record-synced"
)

// ErrNotTerminal is returned when a sync command is issued against a
// repository that already has a Job in flight. The caller must wait for a
// terminal state; commands are rejected, never queued.
var ErrNotTerminal = errors.New("repository has a sync in progress")

// Transition applies an event to a status and returns the new status plus
// the side effects the caller must run. Observing the phase a repository is
// already in is a no-op: the same status is returned with no effects.
func Transition(status models.Status, event Event) (models.Status, []Effect, error) {
	switch event.Type {
	case EventSyncRequested:
		if !status.IsTerminal() {
			return status, nil, ErrNotTerminal
		}
		return models.StatusPending, []Effect{EffectCreateJob}, nil

	case EventJobActive:
		switch status {
		case models.StatusPending:
			return models.StatusRunning, nil, nil
		case models.StatusRunning:
			return status, nil, nil
		}

	case EventJobSucceeded:
		switch status {
		case models.StatusPending, models.StatusRunning:
			return models.StatusCompleted, []Effect{EffectRecordSynced, EffectTriggerReindex}, nil
		case models.StatusCompleted:
			return status, nil, nil
		}

	case EventJobFailed, EventJobMissing:
		switch status {
		case models.StatusPending, models.StatusRunning:
			return models.StatusFailed, nil, nil
		case models.StatusFailed:
			return status, nil, nil
		}

	default:
		return status, nil, fmt.Errorf("unknown lifecycle event %q", event.Type)
	}

	// Terminal states ignore late Job observations: a new Job reference
	// has not been issued, so the old Job's phase is stale.
	return status, nil, nil
}

// FailureReason returns the status reason to persist for a failure event.
func FailureReason(event Event) string {
	if event.Reason != "" {
		return event.Reason
	}
	if event.Type == EventJobMissing {
		return "job not found"
	}
	return "job failed"
}
