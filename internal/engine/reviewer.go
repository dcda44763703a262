package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
)

// Reviewer grades the report and decides what the loop does next.
type Reviewer struct {
	cfg       *config.Config
	provider  provider.Provider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewReviewer(cfg *config.Config, p provider.Provider, tele *telemetry.Telemetry, logger *log.Logger) *Reviewer {
	if logger == nil {
		logger = log.New(log.Writer(), "[REVIEW] ", log.LstdFlags)
	}
	return &Reviewer{cfg: cfg, provider: p, telemetry: tele, logger: logger}
}

// Review grades the current report 1-10 against the original query and the
// pooled sources. A grading failure never kills the run: the stage writes a
// zero-score sentinel so the loop keeps moving.
func (r *Reviewer) Review(ctx context.Context, st *state.RunState) state.Update {
	prompt := fmt.Sprintf(reviewPrompt, st.Query, renderSources(st.Sources), st.Summary)

	var result struct {
		Score      int    `json:"score"`
		Strengths  string `json:"strengths"`
		Weaknesses string `json:"weaknesses"`
	}
	err := r.provider.CompleteStructured(ctx, []provider.Message{provider.System(prompt)}, &result)
	r.telemetry.RecordLLMCall("review", err)
	if err != nil {
		r.logger.Printf("review failed, recording sentinel: %v", err)
		return state.Update{
			Score:      state.Ptr(0),
			Strengths:  state.Ptr("N/A"),
			Weaknesses: state.Ptr("Error during review"),
			Messages: []state.Message{{
				Role:    state.RoleAI,
				Content: fmt.Sprintf("Error during review: %v", err),
			}},
		}
	}
	r.logger.Printf("review score %d/10", result.Score)

	return state.Update{
		Score:      state.Ptr(result.Score),
		Strengths:  state.Ptr(result.Strengths),
		Weaknesses: state.Ptr(result.Weaknesses),
		Messages: []state.Message{{
			Role: state.RoleAI,
			Content: fmt.Sprintf("Review score: %d/10\nStrengths: %s\nWeaknesses: %s",
				result.Score, result.Strengths, result.Weaknesses),
		}},
	}
}

// Decide picks the next step after a review. A score above the acceptance
// threshold accepts immediately without consulting the router.
func (r *Reviewer) Decide(ctx context.Context, st *state.RunState) (ReviewRoute, error) {
	if st.Score > r.cfg.Engine.AcceptScore {
		return ReviewRouteAccept, nil
	}

	prompt := fmt.Sprintf(reviewRouterPrompt, st.Query, st.Score, st.Strengths, st.Weaknesses, renderFindings(st.SearchResults))

	var result struct {
		NextStep string `json:"next_step"`
		Reason   string `json:"reason"`
	}
	err := r.provider.CompleteStructured(ctx, []provider.Message{provider.System(prompt)}, &result)
	r.telemetry.RecordLLMCall("review_route", err)
	if err != nil {
		return ReviewRouteReplan, fmt.Errorf("review routing failed: %w", err)
	}
	r.logger.Printf("review router decision: %s (%s)", result.NextStep, result.Reason)

	switch result.NextStep {
	case "plan":
		return ReviewRouteReplan, nil
	case "summarize":
		return ReviewRouteResummarize, nil
	default:
		return ReviewRouteReplan, fmt.Errorf("review routing failed: unexpected next step %q", result.NextStep)
	}
}
