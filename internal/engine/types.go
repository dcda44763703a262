package engine

import "github.com/mohammad-safakhou/deepsearch/internal/state"

// Stage names as they appear in stage events and metrics.
const (
	StageRecall    = "recall"
	StagePlan      = "plan"
	StageFeedback  = "human_feedback"
	StageSearch    = "search"
	StageSummarize = "summarize"
	StageReview    = "review"
	StageLearn     = "learn"
)

// StageEvent is emitted after each stage execution with the partial update
// that stage produced. Err is set only on the terminal event of a failed run.
type StageEvent struct {
	Stage  string
	Update state.Update
	Err    error
}

// GateRoute is the decision taken after human feedback on the plan.
type GateRoute int

const (
	// GateRouteSearch proceeds with the current sub-questions.
	GateRouteSearch GateRoute = iota
	// GateRouteRevise sends the run back to planning with the feedback applied.
	GateRouteRevise
)

// ReviewRoute is the decision taken after a summary review.
type ReviewRoute int

const (
	// ReviewRouteAccept terminates the run; the summary scored above threshold.
	ReviewRouteAccept ReviewRoute = iota
	// ReviewRouteReplan loops back to planning: the summary is missing information.
	ReviewRouteReplan
	// ReviewRouteResummarize rewrites the summary from existing material:
	// only structure needs improvement.
	ReviewRouteResummarize
)

// DefaultApprovalFeedback replaces empty human feedback on resume.
const DefaultApprovalFeedback = "The questions look good, please proceed."
