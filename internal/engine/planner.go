package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
)

// Planner produces and revises the sub-question decomposition of a query.
type Planner struct {
	cfg       *config.Config
	provider  provider.Provider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewPlanner(cfg *config.Config, p provider.Provider, tele *telemetry.Telemetry, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{cfg: cfg, provider: p, telemetry: tele, logger: logger}
}

// Plan invokes the reasoning service to produce a fresh sub-question list.
// Review feedback takes precedence over human feedback as the improvement
// directive. A reasoning failure here is fatal: there is no fallback
// decomposition.
func (p *Planner) Plan(ctx context.Context, st *state.RunState) (state.Update, error) {
	messages := []provider.Message{
		provider.System(fmt.Sprintf(planPrompt, p.cfg.Engine.MaxSubQuestions, st.Query)),
	}
	if len(st.RecalledNotes) > 0 {
		var b strings.Builder
		b.WriteString("Lessons learned from similar past tasks; apply them where relevant:\n")
		for _, note := range st.RecalledNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
		messages = append(messages, provider.System(b.String()))
	}
	if len(st.Questions) > 0 {
		messages = append(messages, provider.System("Current sub-questions:\n"+state.RenderQuestions(st.Questions)))
	}
	if st.Score > 0 {
		messages = append(messages, provider.System(fmt.Sprintf(
			"The previous summary scored %d/10. Weaknesses: %s. Strengths: %s. Rework the sub-questions to address the weaknesses while keeping the strengths.",
			st.Score, st.Weaknesses, st.Strengths)))
	} else if st.HumanFeedback != "" {
		messages = append(messages, provider.User(fmt.Sprintf(
			"Human feedback: %s. Rework the sub-questions based on this feedback.", st.HumanFeedback)))
	}

	var result struct {
		Questions []string `json:"questions"`
		Reason    string   `json:"reason"`
	}
	err := p.provider.CompleteStructured(ctx, messages, &result)
	p.telemetry.RecordLLMCall("plan", err)
	if err != nil {
		return state.Update{}, fmt.Errorf("planning failed: %w", err)
	}
	if len(result.Questions) == 0 {
		return state.Update{}, fmt.Errorf("planning failed: empty question list")
	}

	p.logger.Printf("planned %d sub-questions", len(result.Questions))

	upd := state.Update{
		Questions:      result.Questions,
		PlanIterations: 1,
		Messages: []state.Message{{
			Role: state.RoleAI,
			Content: fmt.Sprintf("I'm going to research these topics:\n%s\n\nReasoning: %s",
				state.RenderQuestions(result.Questions), result.Reason),
		}},
	}
	if st.PlanSnapshotA == "" {
		upd.PlanSnapshotA = state.Ptr(state.RenderQuestions(result.Questions))
	}
	return upd, nil
}

// RouteFeedback decides whether the human feedback calls for another planning
// round or for proceeding to search. The plan-revision loop is forced out once
// the plan iteration bound is reached, regardless of the router's preference.
func (p *Planner) RouteFeedback(ctx context.Context, st *state.RunState) (GateRoute, error) {
	messages := []provider.Message{provider.User(st.Query)}
	if len(st.Questions) > 0 {
		messages = append(messages, provider.System("Previously generated sub-questions:\n"+state.RenderQuestions(st.Questions)))
	}
	if st.HumanFeedback != "" {
		messages = append(messages, provider.User("Human feedback: "+st.HumanFeedback))
	}
	messages = append(messages, provider.System(fmt.Sprintf(gateRouterPrompt, p.cfg.Engine.MaxSubQuestions)))

	var result struct {
		NextStep string `json:"next_step"`
		Reason   string `json:"reason"`
	}
	err := p.provider.CompleteStructured(ctx, messages, &result)
	p.telemetry.RecordLLMCall("gate_route", err)
	if err != nil {
		return GateRouteSearch, fmt.Errorf("feedback routing failed: %w", err)
	}
	p.logger.Printf("feedback router decision: %s (%s)", result.NextStep, result.Reason)

	if st.PlanIterations >= p.cfg.Engine.MaxPlanIterations {
		p.logger.Printf("plan iteration bound (%d) reached, forcing search", p.cfg.Engine.MaxPlanIterations)
		return GateRouteSearch, nil
	}
	if result.NextStep == "plan" {
		return GateRouteRevise, nil
	}
	return GateRouteSearch, nil
}
