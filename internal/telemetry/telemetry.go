package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry tracks stage executions and collaborator calls for one process.
type Telemetry struct {
	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	llmCalls        *prometheus.CounterVec
	searchCalls     *prometheus.CounterVec
	lessonsSaved    prometheus.Counter
	lessonsRecalled prometheus.Counter
	runsTerminated  *prometheus.CounterVec
}

// NewTelemetry registers the deepsearch metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		stageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_stage_executions_total",
			Help: "Stage executions by stage name.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepsearch_stage_duration_seconds",
			Help:    "Stage execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_llm_calls_total",
			Help: "Reasoning service calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		searchCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_search_calls_total",
			Help: "Web search calls by outcome.",
		}, []string{"outcome"}),
		lessonsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepsearch_lessons_saved_total",
			Help: "Lessons persisted by the learning side-channel.",
		}),
		lessonsRecalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepsearch_lessons_recalled_total",
			Help: "Lessons recalled at run start.",
		}),
		runsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_runs_terminated_total",
			Help: "Run terminations by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(t.stageExecutions, t.stageDuration, t.llmCalls, t.searchCalls,
			t.lessonsSaved, t.lessonsRecalled, t.runsTerminated)
	}
	return t
}

func (t *Telemetry) ObserveStage(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.stageExecutions.WithLabelValues(stage).Inc()
	t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (t *Telemetry) RecordLLMCall(op string, err error) {
	if t == nil {
		return
	}
	t.llmCalls.WithLabelValues(op, outcome(err)).Inc()
}

func (t *Telemetry) RecordSearchCall(err error) {
	if t == nil {
		return
	}
	t.searchCalls.WithLabelValues(outcome(err)).Inc()
}

func (t *Telemetry) RecordLessonSaved() {
	if t == nil {
		return
	}
	t.lessonsSaved.Inc()
}

func (t *Telemetry) RecordLessonsRecalled(n int) {
	if t == nil {
		return
	}
	t.lessonsRecalled.Add(float64(n))
}

func (t *Telemetry) RecordTermination(reason string) {
	if t == nil {
		return
	}
	t.runsTerminated.WithLabelValues(reason).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
