package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/checkpoint"
	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search"
)

// learnTimeout bounds one background distillation, detached from any run.
const learnTimeout = 2 * time.Minute

var (
	// ErrRunExists is returned by Start when the run id is already taken.
	ErrRunExists = errors.New("run already exists")
	// ErrNotSuspended is returned by Resume when the run is not waiting
	// for feedback.
	ErrNotSuspended = errors.New("run is not awaiting feedback")
)

// Engine owns the research loop: recall, plan, feedback gate, parallel
// search, synthesis and review, checkpointing the run state after every
// stage so a suspended run survives the process.
type Engine struct {
	cfg        *config.Config
	planner    *Planner
	searcher   *Searcher
	summarizer *Summarizer
	reviewer   *Reviewer
	learner    *memory.Learner
	store      checkpoint.Store
	telemetry  *telemetry.Telemetry
	logger     *log.Logger

	// mu serializes checkpoint writes between the run loop and the
	// detached learning goroutines.
	mu      sync.Mutex
	learnWG sync.WaitGroup
}

func New(cfg *config.Config, p provider.Provider, web web_search.WebSearcher, fetcher *web_fetch.Fetcher,
	learner *memory.Learner, store checkpoint.Store, tele *telemetry.Telemetry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{
		cfg:        cfg,
		planner:    NewPlanner(cfg, p, tele, logger),
		searcher:   NewSearcher(cfg, p, web, fetcher, tele, logger),
		summarizer: NewSummarizer(cfg, p, tele, logger),
		reviewer:   NewReviewer(cfg, p, tele, logger),
		learner:    learner,
		store:      store,
		telemetry:  tele,
		logger:     logger,
	}
}

// Start begins a new run and returns its event stream. The stream closes when
// the run suspends for feedback, terminates or fails; the caller reads the
// final state from State afterwards. An empty runID gets a generated one.
func (e *Engine) Start(ctx context.Context, runID, query string) (string, <-chan StageEvent, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if _, err := e.store.Get(ctx, runID); err == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return "", nil, fmt.Errorf("checking run %s: %w", runID, err)
	}

	st := state.New(runID, query)
	if err := e.save(ctx, st); err != nil {
		return "", nil, err
	}

	events := make(chan StageEvent, 16)
	go e.drive(ctx, st, events, false, "")
	return runID, events, nil
}

// Resume continues a suspended run with the human's reply. An empty reply is
// treated as approval.
func (e *Engine) Resume(ctx context.Context, runID, feedback string) (<-chan StageEvent, error) {
	st, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st.Status != state.StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, runID, st.Status)
	}

	events := make(chan StageEvent, 16)
	go e.drive(ctx, &st, events, true, feedback)
	return events, nil
}

// State returns the checkpointed state of a run.
func (e *Engine) State(ctx context.Context, runID string) (state.RunState, error) {
	return e.store.Get(ctx, runID)
}

// IsSuspended reports whether a run is waiting for human feedback.
func (e *Engine) IsSuspended(ctx context.Context, runID string) (bool, error) {
	st, err := e.store.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	return st.Status == state.StatusSuspended, nil
}

// WaitLearning blocks until all in-flight lesson distillations finish.
// Meant for shutdown and tests; runs never wait on learning.
func (e *Engine) WaitLearning() {
	e.learnWG.Wait()
}

// loop entry points
const (
	entryPlan = iota
	entrySearch
	entrySummarize
	entryReview
)

func (e *Engine) drive(ctx context.Context, st *state.RunState, events chan<- StageEvent, resumed bool, feedback string) {
	defer close(events)

	emit := func(stage string, upd state.Update, took time.Duration) {
		st.Apply(upd)
		if err := e.save(ctx, st); err != nil {
			e.logger.Printf("checkpoint save failed for %s after %s: %v", st.RunID, stage, err)
		}
		e.telemetry.ObserveStage(stage, took)
		events <- StageEvent{Stage: stage, Update: upd}
	}
	fail := func(stage string, err error) {
		e.logger.Printf("run %s failed at %s: %v", st.RunID, stage, err)
		st.Apply(state.Update{
			Status:   state.Ptr(state.StatusFailed),
			Messages: []state.Message{{Role: state.RoleSystem, Content: fmt.Sprintf("Run failed at %s: %v", stage, err)}},
		})
		if saveErr := e.save(ctx, st); saveErr != nil {
			e.logger.Printf("checkpoint save failed for %s: %v", st.RunID, saveErr)
		}
		e.telemetry.RecordTermination("failed")
		events <- StageEvent{Stage: stage, Err: err}
	}
	terminate := func(reason string) {
		st.Apply(state.Update{Status: state.Ptr(state.StatusTerminated)})
		if err := e.save(ctx, st); err != nil {
			e.logger.Printf("checkpoint save failed for %s: %v", st.RunID, err)
		}
		e.telemetry.RecordTermination(reason)
		e.logger.Printf("run %s terminated (%s) after %d summary rounds", st.RunID, reason, st.SummaryIterations)
	}

	entry := entryPlan
	if resumed {
		route, err := e.gate(ctx, st, feedback, emit)
		if err != nil {
			fail(StageFeedback, err)
			return
		}
		if route == GateRouteSearch {
			entry = entrySearch
		}
	} else {
		start := time.Now()
		notes := e.learner.Recall(ctx, st.Query, e.cfg.Engine.RecallLimit)
		upd := state.Update{RecalledNotes: notes}
		if len(notes) > 0 {
			upd.Messages = []state.Message{{
				Role:    state.RoleSystem,
				Content: fmt.Sprintf("Recalled %d lessons from past tasks.", len(notes)),
			}}
		}
		emit(StageRecall, upd, time.Since(start))
	}

	for {
		switch entry {
		case entryPlan:
			start := time.Now()
			upd, err := e.planner.Plan(ctx, st)
			if err != nil {
				fail(StagePlan, err)
				return
			}
			emit(StagePlan, upd, time.Since(start))
			// Before the first synthesis the human gets a say on the
			// plan; afterwards replanning is machine-driven.
			if st.SummaryIterations == 0 {
				st.Apply(state.Update{Status: state.Ptr(state.StatusSuspended)})
				if err := e.save(ctx, st); err != nil {
					fail(StagePlan, fmt.Errorf("suspending run: %w", err))
					return
				}
				events <- StageEvent{Stage: StageFeedback, Update: state.Update{Status: state.Ptr(state.StatusSuspended)}}
				return
			}
			entry = entrySearch

		case entrySearch:
			start := time.Now()
			upd := e.searcher.Search(ctx, st)
			emit(StageSearch, upd, time.Since(start))
			entry = entrySummarize

		case entrySummarize:
			start := time.Now()
			upd, err := e.summarizer.Summarize(ctx, st)
			if err != nil {
				fail(StageSummarize, err)
				return
			}
			emit(StageSummarize, upd, time.Since(start))
			e.dispatchLearning(st)
			if st.SummaryIterations >= e.cfg.Engine.MaxSummaryIterations {
				terminate("iteration_cap")
				return
			}
			entry = entryReview

		case entryReview:
			start := time.Now()
			upd := e.reviewer.Review(ctx, st)
			emit(StageReview, upd, time.Since(start))
			route, err := e.reviewer.Decide(ctx, st)
			if err != nil {
				fail(StageReview, err)
				return
			}
			switch route {
			case ReviewRouteAccept:
				terminate("accepted")
				return
			case ReviewRouteReplan:
				entry = entryPlan
			case ReviewRouteResummarize:
				entry = entrySummarize
			}
		}
	}
}

// gate records the human's reply and routes it. The second plan snapshot is
// captured here: the question list as it stood when the human responded,
// annotated with what they said.
func (e *Engine) gate(ctx context.Context, st *state.RunState, feedback string, emit func(string, state.Update, time.Duration)) (GateRoute, error) {
	start := time.Now()
	if feedback == "" {
		feedback = DefaultApprovalFeedback
	}
	snapshot := state.RenderQuestions(st.Questions)
	if feedback != DefaultApprovalFeedback {
		snapshot += "\n\nHuman feedback: " + feedback
	}
	upd := state.Update{
		HumanFeedback: state.Ptr(feedback),
		PlanSnapshotB: state.Ptr(snapshot),
		Status:        state.Ptr(state.StatusRunning),
		Messages:      []state.Message{{Role: state.RoleHuman, Content: feedback}},
	}
	emit(StageFeedback, upd, time.Since(start))

	return e.planner.RouteFeedback(ctx, st)
}

// dispatchLearning hands the plan snapshots to the lesson distiller on a
// detached goroutine with a fresh context, so a canceled or finished run
// never loses a lesson. The result lands on the checkpoint only when the run
// loop is no longer writing it.
func (e *Engine) dispatchLearning(st *state.RunState) {
	if e.learner == nil || !e.cfg.Engine.LearningEnabled {
		return
	}
	// the snapshots are fixed once the gate passed; later synthesis rounds
	// would only distill the same comparison again
	if st.SummaryIterations != 1 {
		return
	}
	in := memory.DistillInput{
		Query:         st.Query,
		PlanSnapshotA: st.PlanSnapshotA,
		PlanSnapshotB: st.PlanSnapshotB,
		HumanFeedback: st.HumanFeedback,
	}
	runID := st.RunID
	e.learnWG.Add(1)
	go func() {
		defer e.learnWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), learnTimeout)
		defer cancel()
		lesson := e.learner.DistillAndSave(ctx, in)
		if lesson == "" {
			return
		}
		e.annotateLesson(ctx, runID, lesson)
	}()
}

// annotateLesson records the distilled lesson on the run's checkpoint. While
// the run loop is still writing the document we wait for it to settle rather
// than race its saves; the lesson itself is already safe in the lesson store.
func (e *Engine) annotateLesson(ctx context.Context, runID, lesson string) {
	for {
		e.mu.Lock()
		latest, err := e.store.Get(ctx, runID)
		if err != nil {
			e.mu.Unlock()
			e.logger.Printf("recording lesson for %s: %v", runID, err)
			return
		}
		if latest.Status != state.StatusRunning {
			latest.Apply(state.Update{
				LessonLearned: state.Ptr(lesson),
				Messages:      []state.Message{{Role: state.RoleSystem, Content: "Lesson learned: " + lesson}},
			})
			if err := e.store.Save(ctx, latest); err != nil {
				e.logger.Printf("recording lesson for %s: %v", runID, err)
			}
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *Engine) save(ctx context.Context, st *state.RunState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Save(ctx, *st)
}
