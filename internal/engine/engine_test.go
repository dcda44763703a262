package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/checkpoint"
	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/provider"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search/models"
)

// scriptProvider answers reasoning calls from canned fields and records which
// operation each call was, classified by prompt markers.
type scriptProvider struct {
	mu    sync.Mutex
	calls []string

	planQuestions []string
	planErr       error

	relevant     bool
	relevanceErr error

	summary    string
	summaryErr error

	score     int
	reviewErr error

	gateNext   string
	reviewNext string

	hasLesson bool
	lesson    string
}

func (p *scriptProvider) record(op string) {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	p.mu.Unlock()
}

func (p *scriptProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *scriptProvider) Complete(ctx context.Context, messages []provider.Message) (string, error) {
	p.record("summarize")
	if p.summaryErr != nil {
		return "", p.summaryErr
	}
	return p.summary, nil
}

func (p *scriptProvider) CompleteStructured(ctx context.Context, messages []provider.Message, target interface{}) error {
	var joined strings.Builder
	for _, m := range messages {
		joined.WriteString(m.Content)
		joined.WriteString("\n")
	}
	prompt := joined.String()

	fill := func(m map[string]interface{}) error {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, target)
	}

	switch {
	case strings.Contains(prompt, "research librarian"):
		p.record("plan")
		if p.planErr != nil {
			return p.planErr
		}
		return fill(map[string]interface{}{"questions": p.planQuestions, "reason": "coverage"})
	case strings.Contains(prompt, "content evaluator"):
		p.record("relevance")
		if p.relevanceErr != nil {
			return p.relevanceErr
		}
		return fill(map[string]interface{}{"is_relevant": p.relevant, "reason": "judged"})
	case strings.Contains(prompt, "critical reviewer"):
		p.record("review")
		if p.reviewErr != nil {
			return p.reviewErr
		}
		return fill(map[string]interface{}{"score": p.score, "strengths": "solid", "weaknesses": "thin"})
	case strings.Contains(prompt, "reviewed the proposed sub-questions"):
		p.record("gate_route")
		return fill(map[string]interface{}{"next_step": p.gateNext, "reason": "scripted"})
	case strings.Contains(prompt, "Decide how to improve the report"):
		p.record("review_route")
		return fill(map[string]interface{}{"next_step": p.reviewNext, "reason": "scripted"})
	case strings.Contains(prompt, "learning analyst"):
		p.record("distill")
		return fill(map[string]interface{}{"has_lesson": p.hasLesson, "lesson": p.lesson, "reasoning": "drift"})
	default:
		return fmt.Errorf("unrecognized prompt: %s", prompt)
	}
}

// scriptSearcher returns canned hits per query.
type scriptSearcher struct {
	mu      sync.Mutex
	queries []string
	hits    map[string][]models.Hit
	errFor  map[string]error
}

func (s *scriptSearcher) Search(ctx context.Context, q string, k int) ([]models.Hit, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if err, ok := s.errFor[q]; ok {
		return nil, err
	}
	return s.hits[q], nil
}

func testConfig() *config.Config {
	return &config.Config{
		Search: config.SearchConfig{MaxResults: 3, TaskTimeout: 5 * time.Second},
		Engine: config.EngineConfig{
			MaxSubQuestions:      5,
			MaxPlanIterations:    3,
			MaxSummaryIterations: 3,
			AcceptScore:          7,
			LearningEnabled:      true,
			RecallLimit:          3,
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, p *scriptProvider, s *scriptSearcher) (*Engine, checkpoint.Store) {
	t.Helper()
	logger := log.New(log.Writer(), "[TEST] ", 0)
	lessons, err := memory.NewStore(nil, logger)
	if err != nil {
		t.Fatalf("creating lesson store: %v", err)
	}
	learner := memory.NewLearner(p, lessons, nil, logger)
	store := checkpoint.NewInMemoryStore()
	return New(cfg, p, s, nil, learner, store, nil, logger), store
}

func drainEvents(t *testing.T, events <-chan StageEvent) []StageEvent {
	t.Helper()
	var out []StageEvent
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stage error at %s: %v", ev.Stage, ev.Err)
		}
		out = append(out, ev)
	}
	return out
}

func stages(events []StageEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

func TestRunSuspendsAfterFirstPlan(t *testing.T) {
	p := &scriptProvider{planQuestions: []string{"qa", "qb"}}
	eng, _ := newTestEngine(t, testConfig(), p, &scriptSearcher{})

	runID, events, err := eng.Start(context.Background(), "", "what is x")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := stages(drainEvents(t, events))
	want := []string{StageRecall, StagePlan, StageFeedback}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v, want %v", got, want)
	}

	st, err := eng.State(context.Background(), runID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Status != state.StatusSuspended {
		t.Fatalf("status = %s, want suspended", st.Status)
	}
	if len(st.Questions) != 2 || st.PlanIterations != 1 {
		t.Fatalf("plan not recorded: %+v", st)
	}
	if st.PlanSnapshotA != state.RenderQuestions([]string{"qa", "qb"}) {
		t.Fatalf("snapshot A = %q", st.PlanSnapshotA)
	}
}

func TestStartRejectsDuplicateRunID(t *testing.T) {
	p := &scriptProvider{planQuestions: []string{"qa"}}
	eng, _ := newTestEngine(t, testConfig(), p, &scriptSearcher{})

	runID, events, err := eng.Start(context.Background(), "run-1", "what is x")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainEvents(t, events)

	if _, _, err := eng.Start(context.Background(), runID, "again"); err == nil {
		t.Fatalf("expected duplicate run id to be rejected")
	}
}

func TestResumeApprovalRunsToAcceptance(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa", "qb"},
		relevant:      true,
		summary:       "the report [1]",
		score:         9,
		gateNext:      "search",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{
		"qa": {{Title: "A", URL: "http://a", Content: "body a"}},
		"qb": {{Title: "B", URL: "http://b", Content: "body b"}},
	}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, err := eng.Start(context.Background(), "", "what is x")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainEvents(t, events)

	events, err = eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := stages(drainEvents(t, events))
	want := []string{StageFeedback, StageSearch, StageSummarize, StageReview}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v, want %v", got, want)
	}

	st, err := eng.State(context.Background(), runID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Status != state.StatusTerminated {
		t.Fatalf("status = %s, want terminated", st.Status)
	}
	if st.HumanFeedback != DefaultApprovalFeedback {
		t.Fatalf("empty feedback not normalized: %q", st.HumanFeedback)
	}
	if st.Summary != "the report [1]" || st.Score != 9 {
		t.Fatalf("final state wrong: summary=%q score=%d", st.Summary, st.Score)
	}
	if len(st.Sources) != 2 || len(st.SearchResults) != 2 {
		t.Fatalf("sources not pooled: %d sources, %d results", len(st.Sources), len(st.SearchResults))
	}
	// a score above threshold accepts directly
	if n := p.count("review_route"); n != 0 {
		t.Fatalf("review router consulted %d times despite accepting score", n)
	}
}

func TestResumeRequiresSuspendedRun(t *testing.T) {
	p := &scriptProvider{planQuestions: []string{"qa"}, relevant: true, summary: "r", score: 9, gateNext: "search"}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	if _, err := eng.Resume(context.Background(), runID, "again"); err == nil {
		t.Fatalf("expected resume of terminated run to fail")
	}
	if _, err := eng.Resume(context.Background(), "missing", ""); err == nil {
		t.Fatalf("expected resume of unknown run to fail")
	}
}

func TestPlanRevisionForcedOutAtBound(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         9,
		gateNext:      "plan", // router always wants another revision
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)

	// each disapproval loops back to planning and suspends again, until the
	// bound forces search
	for i := 0; i < 2; i++ {
		events, err := eng.Resume(context.Background(), runID, "change them")
		if err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
		drainEvents(t, events)
		st, _ := eng.State(context.Background(), runID)
		if st.Status != state.StatusSuspended {
			t.Fatalf("resume %d: status = %s, want suspended", i, st.Status)
		}
	}

	st, _ := eng.State(context.Background(), runID)
	if st.PlanIterations != 3 {
		t.Fatalf("plan iterations = %d, want 3", st.PlanIterations)
	}

	events, err := eng.Resume(context.Background(), runID, "still not happy")
	if err != nil {
		t.Fatalf("final resume: %v", err)
	}
	drainEvents(t, events)

	st, _ = eng.State(context.Background(), runID)
	if st.Status != state.StatusTerminated {
		t.Fatalf("status = %s, want terminated after forced search", st.Status)
	}
	if st.PlanIterations != 3 {
		t.Fatalf("forced route should not add plan iterations, got %d", st.PlanIterations)
	}
}

func TestSummaryIterationCapTerminates(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         3, // never accepted
		gateNext:      "search",
		reviewNext:    "summarize",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if st.Status != state.StatusTerminated {
		t.Fatalf("status = %s, want terminated at iteration cap", st.Status)
	}
	if st.SummaryIterations != 3 {
		t.Fatalf("summary iterations = %d, want 3", st.SummaryIterations)
	}
	// the cap check runs after synthesis, so the final round skips review
	if n := p.count("review"); n != 2 {
		t.Fatalf("review called %d times, want 2", n)
	}
}

func TestReviewReplanSkipsFeedbackGate(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         3,
		gateNext:      "search",
		reviewNext:    "plan",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	// machine-driven replans never suspend: the run only stops at the cap
	if st.Status != state.StatusTerminated {
		t.Fatalf("status = %s, want terminated", st.Status)
	}
	if st.PlanIterations < 2 {
		t.Fatalf("expected machine replans, plan iterations = %d", st.PlanIterations)
	}
}

func TestSearchFailureIsIsolated(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"ok", "broken"},
		relevant:      true,
		summary:       "r",
		score:         9,
		gateNext:      "search",
	}
	s := &scriptSearcher{
		hits:   map[string][]models.Hit{"ok": {{Title: "A", URL: "http://a", Content: "x"}}},
		errFor: map[string]error{"broken": fmt.Errorf("provider down")},
	}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if st.Status != state.StatusTerminated {
		t.Fatalf("one failed search should not sink the run, status = %s", st.Status)
	}
	if len(st.SearchResults) != 2 {
		t.Fatalf("expected 2 search records, got %d", len(st.SearchResults))
	}
	var failed *state.SearchResult
	for i := range st.SearchResults {
		if st.SearchResults[i].Question == "broken" {
			failed = &st.SearchResults[i]
		}
	}
	if failed == nil {
		t.Fatalf("missing record for failed question")
	}
	if failed.Err == "" || len(failed.Results) != 0 {
		t.Fatalf("failed search should carry error marker and no results: %+v", failed)
	}
	if len(st.Sources) != 1 {
		t.Fatalf("only the successful task should pool sources, got %d", len(st.Sources))
	}
}

func TestRelevanceJudgmentFailOpen(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevanceErr:  fmt.Errorf("judge unavailable"),
		summary:       "r",
		score:         9,
		gateNext:      "search",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if len(st.Sources) != 1 {
		t.Fatalf("judgment failure should keep the hit, got %d sources", len(st.Sources))
	}
}

func TestEmptyContentDroppedWithoutJudgment(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         9,
		gateNext:      "search",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "  "}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if len(st.Sources) != 0 {
		t.Fatalf("empty-bodied hit should be dropped, got %d sources", len(st.Sources))
	}
	if n := p.count("relevance"); n != 0 {
		t.Fatalf("no judgment call should be spent on empty content, got %d", n)
	}
}

func TestReviewFailureRecordsSentinel(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		reviewErr:     fmt.Errorf("grader down"),
		gateNext:      "search",
		reviewNext:    "summarize",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if st.Status != state.StatusTerminated {
		t.Fatalf("review failure must not kill the run, status = %s", st.Status)
	}
	if st.Score != 0 || st.Strengths != "N/A" || st.Weaknesses != "Error during review" {
		t.Fatalf("sentinel not recorded: score=%d strengths=%q weaknesses=%q",
			st.Score, st.Strengths, st.Weaknesses)
	}
}

func TestLearningShortCircuitsOnApprovedPlan(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         9,
		gateNext:      "search",
		hasLesson:     true,
		lesson:        "should not appear",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	events, err := eng.Resume(context.Background(), runID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)
	eng.WaitLearning()

	// plan approved untouched: identical snapshots must not reach the distiller
	if n := p.count("distill"); n != 0 {
		t.Fatalf("distiller invoked %d times for identical snapshots", n)
	}
	st, _ := eng.State(context.Background(), runID)
	if st.LessonLearned != "" {
		t.Fatalf("unexpected lesson: %q", st.LessonLearned)
	}
}

func TestLearningDistillsOnPlanDrift(t *testing.T) {
	p := &scriptProvider{
		planQuestions: []string{"qa"},
		relevant:      true,
		summary:       "r",
		score:         9,
		gateNext:      "search",
		hasLesson:     true,
		lesson:        "prefer primary sources",
	}
	s := &scriptSearcher{hits: map[string][]models.Hit{"qa": {{Title: "A", URL: "http://a", Content: "x"}}}}
	eng, _ := newTestEngine(t, testConfig(), p, s)

	runID, events, _ := eng.Start(context.Background(), "", "what is x")
	drainEvents(t, events)
	// real feedback annotates snapshot B, so the snapshots differ
	events, err := eng.Resume(context.Background(), runID, "focus on primary sources but proceed with search")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	drainEvents(t, events)
	eng.WaitLearning()

	if n := p.count("distill"); n != 1 {
		t.Fatalf("distiller invoked %d times, want 1", n)
	}
	st, _ := eng.State(context.Background(), runID)
	if st.LessonLearned != "prefer primary sources" {
		t.Fatalf("lesson not recorded on checkpoint: %q", st.LessonLearned)
	}
}

func TestPlanFailureFailsRun(t *testing.T) {
	p := &scriptProvider{planErr: fmt.Errorf("model down")}
	eng, _ := newTestEngine(t, testConfig(), p, &scriptSearcher{})

	runID, events, err := eng.Start(context.Background(), "", "what is x")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var failure error
	for ev := range events {
		if ev.Err != nil {
			failure = ev.Err
		}
	}
	if failure == nil {
		t.Fatalf("expected a terminal error event")
	}

	st, err := eng.State(context.Background(), runID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
}

func TestRecalledLessonsLandOnState(t *testing.T) {
	logger := log.New(log.Writer(), "[TEST] ", 0)
	lessons, err := memory.NewStore(nil, logger)
	if err != nil {
		t.Fatalf("creating lesson store: %v", err)
	}
	if err := lessons.Put(context.Background(), memory.Lesson{
		ID:     "l1",
		Lesson: "split vague queries by time period",
	}); err != nil {
		t.Fatalf("seeding lesson: %v", err)
	}

	p := &scriptProvider{planQuestions: []string{"qa"}}
	learner := memory.NewLearner(p, lessons, nil, logger)
	store := checkpoint.NewInMemoryStore()
	eng := New(testConfig(), p, &scriptSearcher{}, nil, learner, store, nil, logger)

	runID, events, err := eng.Start(context.Background(), "", "split vague queries")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainEvents(t, events)

	st, _ := eng.State(context.Background(), runID)
	if len(st.RecalledNotes) != 1 || st.RecalledNotes[0] != "split vague queries by time period" {
		t.Fatalf("recalled notes = %v", st.RecalledNotes)
	}
}
