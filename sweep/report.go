package sweep

import (
	"fmt"
	"time"

	"github.com/c360studio/hexsweep/ledger"
)

// Case identifies one sweep iteration.
type Case struct {
	Index      int
	Resolution int
	Date       string
}

// Sweep stages, in order, for each case.
const (
	StageResolve  = "resolve"
	StageCopy     = "copy"
	StagePatch    = "patch"
	StageBuild    = "build"
	StageOverride = "override"
	StageDispatch = "dispatch"
)

// CaseError reports the stage at which a case failed.
type CaseError struct {
	Case  Case
	Stage string
	Err   error
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("case %d (resolution %d) %s: %v", e.Case.Index, e.Case.Resolution, e.Stage, e.Err)
}

func (e *CaseError) Unwrap() error {
	return e.Err
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Case      Case
	Meters    float64
	Threshold float64
	Workspace string
	Mode      Mode
	Status    ledger.Status
	MeshCells int
	// JobDescriptor is set for HPC dispatch.
	JobDescriptor string
	Err           error
	Duration      time.Duration
}

// Report summarizes a sweep.
type Report struct {
	SweepID    string
	Mode       Mode
	JobScript  string
	Cases      []CaseResult
	Aborted    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the failed cases.
func (r *Report) Failed() []CaseResult {
	var out []CaseResult
	for _, c := range r.Cases {
		if c.Status == ledger.StatusFailed {
			out = append(out, c)
		}
	}
	return out
}

// LastCaseIndex returns the index of the last case attempted, or 0.
func (r *Report) LastCaseIndex() int {
	if len(r.Cases) == 0 {
		return 0
	}
	return r.Cases[len(r.Cases)-1].Case.Index
}
