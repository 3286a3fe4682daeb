package upload

import (
	"time"

	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeReplaced         Outcome = "replaced"
	OutcomeSkippedUnchanged Outcome = "skipped-unchanged"
	OutcomeSkippedNoReplace Outcome = "skipped-no-replace"

	// OutcomeAmbiguous means the server may or may not hold the bytes. It is
	// not an error; the next run's existence check settles it.
	OutcomeAmbiguous Outcome = "ambiguous"

	OutcomeFailed Outcome = "failed"
)

// State is a step of the run state machine.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticated  State = "authenticated"
	StateResolved       State = "resolved"
	StateTargetSelected State = "target-selected"
	StateTransferred    State = "transferred"
	StateReconciled     State = "reconciled"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateAmbiguousDone  State = "ambiguous-done"
)

// Result is the outcome of one run.
type Result struct {
	// RunID identifies the run in logs
	RunID string `json:"run_id"`

	Outcome Outcome `json:"outcome"`

	// ObjectID is the resolved package record ID, 0 if unknown
	ObjectID int `json:"object_id,omitempty"`

	// Changed reports whether the server state was modified
	Changed bool `json:"changed"`

	// Code classifies a failed or ambiguous run
	Code pkgerrors.ErrorCode `json:"code,omitempty"`

	Diagnostic string        `json:"diagnostic,omitempty"`
	Mode       transfer.Mode `json:"mode,omitempty"`

	// Shares lists per-share results of a file share transfer
	Shares []transfer.ShareResult `json:"shares,omitempty"`

	// MetadataError is set when the bytes landed but the record could not
	// be written
	MetadataError string `json:"metadata_error,omitempty"`

	Bytes    int64         `json:"bytes,omitempty"`
	States   []State       `json:"states"`
	Duration time.Duration `json:"duration_ns"`
}

// Final returns the last state reached.
func (r *Result) Final() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}
