// Package runstate validates module-run status transitions and carries
// the side-effect checklist a terminal transition must trigger, per
// spec.md §4.10. It holds no storage state itself — callers persist the
// new status and react to the side-effect flags this package reports.
package runstate

import (
	"fmt"

	"github.com/qendev/iacreg/internal/model"
)

// IllegalTransition reports an attempted transition the state machine
// does not allow.
type IllegalTransition struct {
	RunID string
	From  model.RunStatus
	To    model.RunStatus
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// transitions enumerates every valid non-terminal source status and the
// statuses it may move to.
var transitions = map[model.RunStatus][]model.RunStatus{
	model.RunPending:   {model.RunQueued, model.RunCancelled, model.RunSkipped},
	model.RunQueued:    {model.RunRunning, model.RunCancelled},
	model.RunRunning:   {model.RunPlanned, model.RunSucceeded, model.RunFailed, model.RunCancelled, model.RunTimedOut},
	model.RunPlanned:   {model.RunConfirmed, model.RunDiscarded, model.RunCancelled},
	model.RunConfirmed: {model.RunApplying, model.RunCancelled},
	model.RunApplying:  {model.RunSucceeded, model.RunFailed, model.RunTimedOut},
}

// TerminalEffects is the checklist a caller must apply when Validate
// reports a transition into a terminal status.
type TerminalEffects struct {
	SetCompletedAt       bool
	ClearCallbackToken   bool
	TriggerQueueDequeue  bool
	NotifyDAGIfSet       bool
}

// Validate checks whether from -> to is an allowed transition. On
// success it also reports the terminal-transition side effects the
// caller must apply; for a non-terminal destination, TerminalEffects is
// the zero value.
func Validate(runID string, from, to model.RunStatus) (TerminalEffects, error) {
	if from.IsTerminal() {
		// Callback-driven updates to a run already terminal are rejected,
		// but the caller's HTTP layer treats this as an idempotent 2xx,
		// not a hard error surfaced to the executor.
		return TerminalEffects{}, &IllegalTransition{RunID: runID, From: from, To: to}
	}

	allowed, ok := transitions[from]
	if !ok {
		return TerminalEffects{}, &IllegalTransition{RunID: runID, From: from, To: to}
	}

	for _, candidate := range allowed {
		if candidate == to {
			if to.IsTerminal() {
				return TerminalEffects{
					SetCompletedAt:      true,
					ClearCallbackToken:  true,
					TriggerQueueDequeue: true,
					NotifyDAGIfSet:      true,
				}, nil
			}
			return TerminalEffects{}, nil
		}
	}

	return TerminalEffects{}, &IllegalTransition{RunID: runID, From: from, To: to}
}
