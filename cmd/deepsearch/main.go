package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/checkpoint"
	"github.com/mohammad-safakhou/deepsearch/internal/engine"
	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	"github.com/mohammad-safakhou/deepsearch/internal/server"
	"github.com/mohammad-safakhou/deepsearch/internal/state"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/provider"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search"
)

func main() {
	var configPath string

	root := &cobra.Command{Use: "deepsearch", Short: "Conversational deep research assistant"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var query string
	var runID string
	search := &cobra.Command{
		Use:   "search",
		Short: "Run an interactive research session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" && len(args) > 0 {
				query = strings.Join(args, " ")
			}
			if query == "" {
				return fmt.Errorf("query is required (pass it as arguments or --query)")
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			eng, cleanup, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return runInteractive(cmd.Context(), eng, query, runID)
		},
	}
	search.Flags().StringVar(&query, "query", "", "research query")
	search.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			eng, cleanup, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			if serveAddr == "" {
				serveAddr = cfg.Server.Addr
			}
			if serveAddr == "" {
				serveAddr = ":8080"
			}
			return server.Run(serveAddr, eng, nil)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to server.addr)")

	root.AddCommand(search, serve)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildEngine wires the full dependency graph from config. Redis is optional:
// without it checkpoints live in memory and lessons do not survive the
// process.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	logger := log.New(os.Stderr, "[DEEPSEARCH] ", log.LstdFlags)

	prov, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider: %w", err)
	}
	web, err := web_search.NewWebSearcher(web_search.Provider(cfg.Search.Provider), cfg.Search.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating web searcher: %w", err)
	}
	var fetcher *web_fetch.Fetcher
	if cfg.Search.FetchContent {
		fetcher = web_fetch.NewFetcher(cfg.Search.FetchTimeout, cfg.Search.FetchMaxChars)
	}

	var rdb *redis.Client
	cleanup := func() {}
	ckpt := checkpoint.Store(checkpoint.NewInMemoryStore())
	if cfg.Storage.Redis.Enabled {
		rdb, err = checkpoint.Conn(context.Background(), cfg.Storage.Redis.Addr(),
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting redis: %w", err)
		}
		cleanup = func() { _ = rdb.Close() }
		ckpt = checkpoint.NewRedisStore(rdb)
	}

	var lessonRedis *redis.Client
	if cfg.Memory.Persist {
		lessonRedis = rdb
	}
	lessons, err := memory.NewStore(lessonRedis, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("creating lesson store: %w", err)
	}

	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.NewTelemetry(prometheus.DefaultRegisterer)
	}
	learner := memory.NewLearner(prov, lessons, tele, logger)

	eng := engine.New(cfg, prov, web, fetcher, learner, ckpt, tele, logger)
	final := func() {
		eng.WaitLearning()
		cleanup()
	}
	return eng, final, nil
}

// runInteractive drives one research session on the terminal: plan, show the
// sub-questions, loop on feedback until the plan is approved, then stream the
// remaining stages and print the final report.
func runInteractive(ctx context.Context, eng *engine.Engine, query, runID string) error {
	fmt.Printf("Researching: %s\n\n", query)

	runID, events, err := eng.Start(ctx, runID, query)
	if err != nil {
		return err
	}
	if err := consume(events); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for {
		st, err := eng.State(ctx, runID)
		if err != nil {
			return err
		}
		switch st.Status {
		case state.StatusSuspended:
			fmt.Printf("Proposed sub-questions:\n%s\n\n", state.RenderQuestions(st.Questions))
			fmt.Print("Feedback (empty to approve): ")
			feedback := ""
			if stdin.Scan() {
				feedback = strings.TrimSpace(stdin.Text())
			}
			events, err := eng.Resume(ctx, runID, feedback)
			if err != nil {
				return err
			}
			if err := consume(events); err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
		case state.StatusTerminated:
			fmt.Printf("\n%s\n", st.Summary)
			if st.Score > 0 {
				fmt.Printf("\n(final review score: %d/10 after %d rounds)\n", st.Score, st.SummaryIterations)
			}
			return nil
		default:
			return fmt.Errorf("run %s ended with status %s", runID, st.Status)
		}
	}
}

// consume streams stage events to the terminal until the run pauses or ends.
func consume(events <-chan engine.StageEvent) error {
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
		switch ev.Stage {
		case engine.StagePlan:
			fmt.Println("* planned sub-questions")
		case engine.StageSearch:
			fmt.Printf("* searched (%d new sources)\n", len(ev.Update.Sources))
		case engine.StageSummarize:
			fmt.Println("* drafted report")
		case engine.StageReview:
			if ev.Update.Score != nil {
				fmt.Printf("* reviewed: %d/10\n", *ev.Update.Score)
			}
		}
	}
	return nil
}
