package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/helpers"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search"
)

// relevanceExcerptRunes caps how much page content is shown to the relevance
// judge per hit.
const relevanceExcerptRunes = 1000

// Searcher runs one web search task per sub-question, enriches thin hits with
// extracted page content and keeps only hits the relevance judge accepts.
type Searcher struct {
	cfg       *config.Config
	provider  provider.Provider
	web       web_search.WebSearcher
	fetcher   *web_fetch.Fetcher
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewSearcher(cfg *config.Config, p provider.Provider, web web_search.WebSearcher, fetcher *web_fetch.Fetcher, tele *telemetry.Telemetry, logger *log.Logger) *Searcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Searcher{cfg: cfg, provider: p, web: web, fetcher: fetcher, telemetry: tele, logger: logger}
}

// Search fans out one task per sub-question and merges results in completion
// order. A failed task contributes an error-marked record instead of aborting
// the stage, so one flaky provider call cannot sink the round.
func (s *Searcher) Search(ctx context.Context, st *state.RunState) state.Update {
	questions := st.Questions
	if len(questions) == 0 {
		questions = []string{st.Query}
	}

	var (
		mu     sync.Mutex
		merged state.Update
		wg     sync.WaitGroup
	)
	for _, q := range questions {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, s.cfg.Search.TaskTimeout)
			defer cancel()
			upd := s.searchOne(taskCtx, q)
			mu.Lock()
			merged.SearchResults = append(merged.SearchResults, upd.SearchResults...)
			merged.Sources = append(merged.Sources, upd.Sources...)
			merged.Messages = append(merged.Messages, upd.Messages...)
			mu.Unlock()
		}(q)
	}
	wg.Wait()
	return merged
}

func (s *Searcher) searchOne(ctx context.Context, question string) state.Update {
	hits, err := s.web.Search(ctx, question, s.cfg.Search.MaxResults)
	s.telemetry.RecordSearchCall(err)
	if err != nil {
		s.logger.Printf("search failed for %q: %v", question, err)
		return state.Update{
			SearchResults: []state.SearchResult{{
				Question: question,
				Results:  []state.Source{},
				Err:      err.Error(),
			}},
			Messages: []state.Message{{
				Role:    state.RoleAI,
				Content: fmt.Sprintf("Search failed for %q: %v", question, err),
			}},
		}
	}

	kept := []state.Source{}
	seen := map[string]bool{}
	for _, hit := range hits {
		// search providers often return the same page under different
		// tracking links
		key, err := helpers.CanonicalURL(hit.URL)
		if err != nil {
			key = hit.URL
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		content := hit.Content
		if strings.TrimSpace(content) == "" && s.fetcher != nil && s.cfg.Search.FetchContent {
			extracted, exErr := s.fetcher.Extract(ctx, hit.URL)
			if exErr != nil {
				s.logger.Printf("content fetch failed for %s: %v", hit.URL, exErr)
			}
			content = extracted
		}
		// A hit with no usable body cannot be judged and is dropped
		// without spending a judgment call.
		if strings.TrimSpace(content) == "" {
			continue
		}
		if s.judgeRelevance(ctx, question, hit.Title, content) {
			kept = append(kept, state.Source{Title: hit.Title, URL: hit.URL, Content: content})
		}
	}

	return state.Update{
		SearchResults: []state.SearchResult{{Question: question, Results: kept}},
		Sources:       kept,
		Messages: []state.Message{{
			Role:    state.RoleAI,
			Content: fmt.Sprintf("Found %d relevant sources for %q (from %d hits).", len(kept), question, len(hits)),
		}},
	}
}

// judgeRelevance asks the reasoning service whether a hit answers the
// question. Judgment failures keep the hit: losing a borderline source is
// worse than carrying one.
func (s *Searcher) judgeRelevance(ctx context.Context, question, title, content string) bool {
	excerpt := content
	if runes := []rune(excerpt); len(runes) > relevanceExcerptRunes {
		excerpt = string(runes[:relevanceExcerptRunes])
	}

	var result struct {
		IsRelevant bool   `json:"is_relevant"`
		Reason     string `json:"reason"`
	}
	err := s.provider.CompleteStructured(ctx, []provider.Message{
		provider.System(fmt.Sprintf(relevancePrompt, question, title, excerpt)),
	}, &result)
	s.telemetry.RecordLLMCall("relevance", err)
	if err != nil {
		s.logger.Printf("relevance judgment failed for %q, keeping hit: %v", title, err)
		return true
	}
	return result.IsRelevant
}
