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

// Summarizer synthesizes the accumulated findings into a cited report.
type Summarizer struct {
	cfg       *config.Config
	provider  provider.Provider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewSummarizer(cfg *config.Config, p provider.Provider, tele *telemetry.Telemetry, logger *log.Logger) *Summarizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SUMMARIZE] ", log.LstdFlags)
	}
	return &Summarizer{cfg: cfg, provider: p, telemetry: tele, logger: logger}
}

// Summarize writes the report over everything gathered so far, across all
// rounds. When a review already happened its critique is folded in as an
// improvement directive. A synthesis failure is fatal.
func (s *Summarizer) Summarize(ctx context.Context, st *state.RunState) (state.Update, error) {
	prompt := fmt.Sprintf(synthesisPrompt, st.Query, renderFindings(st.SearchResults), renderSources(st.Sources))
	messages := []provider.Message{provider.System(prompt)}
	if st.Score > 0 {
		messages = append(messages, provider.System(fmt.Sprintf(
			"A previous version of this report scored %d/10. Weaknesses to fix: %s. Strengths to keep: %s.",
			st.Score, st.Weaknesses, st.Strengths)))
	}

	report, err := s.provider.Complete(ctx, messages)
	s.telemetry.RecordLLMCall("summarize", err)
	if err != nil {
		return state.Update{}, fmt.Errorf("synthesis failed: %w", err)
	}
	s.logger.Printf("synthesized report (%d chars) from %d sources", len(report), len(st.Sources))

	return state.Update{
		Summary:           state.Ptr(report),
		SummaryIterations: 1,
		Messages:          []state.Message{{Role: state.RoleAI, Content: report}},
	}, nil
}

// renderFindings formats per-question search outcomes for a prompt.
func renderFindings(results []state.SearchResult) string {
	if len(results) == 0 {
		return "(no findings)"
	}
	var b strings.Builder
	for _, sr := range results {
		fmt.Fprintf(&b, "## %s\n", sr.Question)
		if sr.Err != "" {
			fmt.Fprintf(&b, "Search failed: %s\n\n", sr.Err)
			continue
		}
		if len(sr.Results) == 0 {
			b.WriteString("No relevant sources found.\n\n")
			continue
		}
		for _, src := range sr.Results {
			fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", src.Title, src.URL, src.Content)
		}
	}
	return b.String()
}

// renderSources numbers the pooled sources so the report can cite them.
func renderSources(sources []state.Source) string {
	if len(sources) == 0 {
		return "(no sources)"
	}
	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s, %s\n", i+1, src.Title, src.URL)
	}
	return b.String()
}
