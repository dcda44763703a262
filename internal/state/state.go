package state

import (
	"fmt"
	"strings"
	"time"
)

// Status is the run-level lifecycle of a single query's processing.
type Status string

const (
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Role tags an entry in the run's audit log.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Message is one role-tagged entry in the append-only audit log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Source is one web page consulted during the run.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchResult is the outcome of one sub-question's search task.
// Err is set when the search call itself failed; Results is empty in that case.
type SearchResult struct {
	Question string   `json:"question"`
	Results  []Source `json:"results"`
	Err      string   `json:"error,omitempty"`
}

// RunState is the single mutable record threaded through every stage of a run.
// Mutation goes through Apply so each field follows its declared merge policy.
type RunState struct {
	RunID string `json:"run_id"`
	Query string `json:"query"`

	Questions      []string `json:"questions"`
	PlanIterations int      `json:"plan_iterations"`
	HumanFeedback  string   `json:"human_feedback,omitempty"`

	SearchResults []SearchResult `json:"search_results"`
	Sources       []Source       `json:"sources"`

	Summary           string `json:"summary,omitempty"`
	SummaryIterations int    `json:"summary_iterations"`

	Score      int    `json:"score,omitempty"`
	Strengths  string `json:"strengths,omitempty"`
	Weaknesses string `json:"weaknesses,omitempty"`

	RecalledNotes []string `json:"recalled_notes,omitempty"`
	PlanSnapshotA string   `json:"plan_snapshot_a,omitempty"`
	PlanSnapshotB string   `json:"plan_snapshot_b,omitempty"`
	LessonLearned string   `json:"lesson_learned,omitempty"`

	Messages []Message `json:"messages"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is a partial state change produced by one stage execution.
// Nil pointer fields are untouched; slice fields follow the policy noted per field.
type Update struct {
	Query *string

	Questions      []string // replace
	PlanIterations int      // delta, added
	HumanFeedback  *string

	SearchResults []SearchResult // append
	Sources       []Source       // append

	Summary           *string
	SummaryIterations int // delta, added

	Score      *int
	Strengths  *string
	Weaknesses *string

	RecalledNotes []string // replace
	PlanSnapshotA *string  // applied only while the current value is empty
	PlanSnapshotB *string
	LessonLearned *string

	Messages []Message // append

	Status *Status
}

// New returns a fresh running state for the given query.
func New(runID, query string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:     runID,
		Query:     query,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply merges a partial update into the state. Append-policy fields only grow,
// replace-policy fields take the latest value, PlanSnapshotA is write-once and
// counters advance by the update's delta.
func (s *RunState) Apply(u Update) {
	if u.Query != nil {
		s.Query = *u.Query
	}
	if u.Questions != nil {
		s.Questions = u.Questions
	}
	s.PlanIterations += u.PlanIterations
	if u.HumanFeedback != nil {
		s.HumanFeedback = *u.HumanFeedback
	}
	s.SearchResults = append(s.SearchResults, u.SearchResults...)
	s.Sources = append(s.Sources, u.Sources...)
	if u.Summary != nil {
		s.Summary = *u.Summary
	}
	s.SummaryIterations += u.SummaryIterations
	if u.Score != nil {
		s.Score = *u.Score
	}
	if u.Strengths != nil {
		s.Strengths = *u.Strengths
	}
	if u.Weaknesses != nil {
		s.Weaknesses = *u.Weaknesses
	}
	if u.RecalledNotes != nil {
		s.RecalledNotes = u.RecalledNotes
	}
	if u.PlanSnapshotA != nil && s.PlanSnapshotA == "" {
		s.PlanSnapshotA = *u.PlanSnapshotA
	}
	if u.PlanSnapshotB != nil {
		s.PlanSnapshotB = *u.PlanSnapshotB
	}
	if u.LessonLearned != nil {
		s.LessonLearned = *u.LessonLearned
	}
	s.Messages = append(s.Messages, u.Messages...)
	if u.Status != nil {
		s.Status = *u.Status
	}
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *RunState) Clone() RunState {
	c := *s
	c.Questions = append([]string(nil), s.Questions...)
	c.RecalledNotes = append([]string(nil), s.RecalledNotes...)
	c.Sources = append([]Source(nil), s.Sources...)
	c.Messages = append([]Message(nil), s.Messages...)
	c.SearchResults = make([]SearchResult, len(s.SearchResults))
	for i, r := range s.SearchResults {
		c.SearchResults[i] = r
		c.SearchResults[i].Results = append([]Source(nil), r.Results...)
	}
	return c
}

// RenderQuestions renders a sub-question list as a numbered block,
// the form used for plan snapshots and audit messages.
func RenderQuestions(questions []string) string {
	var b strings.Builder
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Ptr is a small helper for building Updates.
func Ptr[T any](v T) *T { return &v }
