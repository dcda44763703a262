package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
)

const distillPrompt = `You are a learning analyst. Two versions of a research plan for the same task are shown below: the agent's initial plan and the final plan after human feedback. Compare them and decide whether the change teaches a reusable planning lesson.

## Task
%s

## Human Feedback
%s

## Initial Plan
%s

## Final Plan
%s

Identify what changed and why the human changed it. If the difference is meaningful, distill exactly one concise, actionable lesson that would improve future plans for similar tasks.

Respond in JSON with keys:
- "has_lesson": boolean
- "lesson": string (one sentence)
- "reasoning": string (why this lesson matters)
Ensure the output is valid JSON and nothing else.`

// DistillInput carries the plan snapshots compared by the learning task.
type DistillInput struct {
	Query         string
	PlanSnapshotA string
	PlanSnapshotB string
	HumanFeedback string
}

// Learner implements the two learning primitives: recall at run start and
// distill-and-save after a run's plan was modified by a human.
type Learner struct {
	provider  provider.Provider
	store     LessonStore
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewLearner(p provider.Provider, store LessonStore, tele *telemetry.Telemetry, logger *log.Logger) *Learner {
	if logger == nil {
		logger = log.New(log.Writer(), "[LEARNER] ", log.LstdFlags)
	}
	return &Learner{provider: p, store: store, telemetry: tele, logger: logger}
}

// Recall fetches up to limit lesson texts relevant to the query, best first.
// Any failure degrades to an empty result; recall must never abort a run.
func (l *Learner) Recall(ctx context.Context, query string, limit int) []string {
	if l.store == nil || query == "" {
		return nil
	}
	lessons, err := l.store.Search(ctx, query, limit)
	if err != nil {
		l.logger.Printf("recall failed: %v", err)
		return nil
	}
	notes := make([]string, 0, len(lessons))
	for _, lesson := range lessons {
		if lesson.Lesson != "" {
			notes = append(notes, lesson.Lesson)
		}
	}
	l.telemetry.RecordLessonsRecalled(len(notes))
	return notes
}

// DistillAndSave compares the two plan snapshots and, when the drift is
// meaningful, persists one lesson. Returns the lesson text, or "" when
// nothing was learned. Identical or missing snapshots short-circuit without
// invoking the reasoning service. Failures are logged and swallowed: this
// runs detached from the main loop and must never surface as its failure.
func (l *Learner) DistillAndSave(ctx context.Context, in DistillInput) string {
	if in.PlanSnapshotA == "" || in.PlanSnapshotB == "" {
		return ""
	}
	if in.PlanSnapshotA == in.PlanSnapshotB {
		return ""
	}

	feedback := in.HumanFeedback
	if feedback == "" {
		feedback = "No feedback provided"
	}

	var result struct {
		HasLesson bool   `json:"has_lesson"`
		Lesson    string `json:"lesson"`
		Reasoning string `json:"reasoning"`
	}
	prompt := fmt.Sprintf(distillPrompt, in.Query, feedback, in.PlanSnapshotA, in.PlanSnapshotB)
	err := l.provider.CompleteStructured(ctx, []provider.Message{provider.System(prompt)}, &result)
	l.telemetry.RecordLLMCall("distill", err)
	if err != nil {
		l.logger.Printf("lesson distillation failed: %v", err)
		return ""
	}
	if !result.HasLesson || result.Lesson == "" {
		return ""
	}

	lesson := Lesson{
		ID:          uuid.NewString(),
		Lesson:      result.Lesson,
		SourceQuery: in.Query,
		Timestamp:   time.Now().UTC(),
	}
	if l.store != nil {
		if err := l.store.Put(ctx, lesson); err != nil {
			l.logger.Printf("saving lesson failed: %v", err)
			return ""
		}
	}
	l.telemetry.RecordLessonSaved()
	l.logger.Printf("learned new lesson: %s", result.Lesson)
	return result.Lesson
}
