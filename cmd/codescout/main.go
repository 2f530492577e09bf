// Command codescout runs the review pipeline: `serve` hosts the ingest API,
// `worker` runs queue consumers. Both can run in one process or scale
// separately; they meet at Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/codescout/internal/agent"
	"github.com/codescout/internal/aggregate"
	"github.com/codescout/internal/api"
	"github.com/codescout/internal/config"
	"github.com/codescout/internal/llm"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/orchestrator"
	"github.com/codescout/internal/prompt"
	"github.com/codescout/internal/queue"
	"github.com/codescout/internal/sandbox"
	"github.com/codescout/internal/scm"
	"github.com/codescout/internal/scm/github"
	"github.com/codescout/internal/scm/gitlab"
	"github.com/codescout/internal/worker"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "codescout",
		Usage:   "AI-assisted code review pipeline for GitHub and GitLab",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the ingest API server and queue consumers",
		Action: func(c *cli.Context) error {
			cfg, rdb, err := setup(c)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := buildOrchestrator(ctx, cfg, rdb)
			if err != nil {
				return err
			}

			deps, err := buildWorkerDeps(ctx, cfg, rdb)
			if err != nil {
				return err
			}
			pool := worker.NewPool("worker", poolSize(cfg), deps)
			pool.Start(ctx)

			err = api.NewServer(cfg.Server.Addr, orch).Start(ctx)
			pool.Wait()
			return err
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run queue consumers for diff and agentic reviews",
		Action: func(c *cli.Context) error {
			cfg, rdb, err := setup(c)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := buildWorkerDeps(ctx, cfg, rdb)
			if err != nil {
				return err
			}

			pool := worker.NewPool("worker", poolSize(cfg), deps)
			pool.Start(ctx)

			<-ctx.Done()
			log := logging.Component("main")
			log.Info().Msg("shutting down, waiting for in-flight work")
			pool.Wait()
			return nil
		},
	}
}

// setup loads configuration, initializes logging, and connects to Redis.
func setup(c *cli.Context) (*config.Config, *redis.Client, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(c.Context).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return cfg, rdb, nil
}

func buildQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*queue.Queue, error) {
	return queue.New(ctx, rdb, queue.Options{
		StreamKey:      cfg.Queue.StreamKey,
		ConsumerGroup:  cfg.Queue.ConsumerGroup,
		ConsumerID:     consumerID(cfg),
		BatchSize:      cfg.Queue.BatchSize,
		ClaimBlockTime: cfg.Queue.ClaimBlockTime,
		MinIdleReclaim: cfg.Queue.MinIdleReclaim,
		HighWaterMark:  cfg.Queue.HighWaterMark,
	})
}

// poolSize is the total number of queue consumers; every worker handles
// both review modes and dispatches on the request.
func poolSize(cfg *config.Config) int {
	n := cfg.Workers.Diff + cfg.Workers.Agentic
	if n < 1 {
		return 1
	}
	return n
}

func consumerID(cfg *config.Config) string {
	if cfg.Queue.ConsumerID != "" {
		return cfg.Queue.ConsumerID
	}
	host, err := os.Hostname()
	if err != nil {
		return "codescout"
	}
	return host
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*orchestrator.Orchestrator, error) {
	q, err := buildQueue(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	status := queue.NewStatusBus(rdb, cfg.Queue.StatusChannelFmt)
	results := queue.NewResultStore(rdb, cfg.Result.TTL)
	return orchestrator.New(q, status, results), nil
}

func buildWorkerDeps(ctx context.Context, cfg *config.Config, rdb *redis.Client) (worker.Deps, error) {
	log := logging.Component("main")

	q, err := buildQueue(ctx, cfg, rdb)
	if err != nil {
		return worker.Deps{}, err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return worker.Deps{}, err
	}

	client, err := llm.NewClient(llm.Options{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		BaseURL:            cfg.LLM.BaseURL,
		APIKey:             cfg.LLM.APIKey,
		Timeout:            cfg.LLM.Timeout,
		Temperature:        cfg.LLM.Temperature,
		MaxRetries:         cfg.LLM.MaxRetries,
		BreakerFailureRate: cfg.LLM.CircuitBreaker.FailureRate,
		BreakerWindow:      cfg.LLM.CircuitBreaker.Window,
		BreakerCooldown:    cfg.LLM.CircuitBreaker.Cooldown,
	})
	if err != nil {
		return worker.Deps{}, fmt.Errorf("building llm client: %w", err)
	}

	composer, err := prompt.NewComposer(cfg.Prompt.Language, cfg.Prompt.Focus, cfg.Prompt.RedactPatterns)
	if err != nil {
		return worker.Deps{}, fmt.Errorf("building prompt composer: %w", err)
	}
	reviewer := llm.NewReviewer(client, composer, cfg.Diff.MaxLinesPerChunk)

	var tickets prompt.TicketFetcher
	if cfg.Ticket.BaseURL != "" {
		tickets = &prompt.HTTPTicketFetcher{BaseURL: cfg.Ticket.BaseURL, Token: cfg.Ticket.Token}
	}
	var ticketPattern *regexp.Regexp
	if cfg.Prompt.TicketPattern != "" {
		ticketPattern, err = regexp.Compile(cfg.Prompt.TicketPattern)
		if err != nil {
			return worker.Deps{}, fmt.Errorf("invalid ticket pattern: %w", err)
		}
	}

	aggregation := aggregate.Options{
		DeduplicationEnabled: cfg.Agent.Aggregation.DeduplicationEnabled,
		SimilarityThreshold:  cfg.Agent.Aggregation.SimilarityThreshold,
		LineTolerance:        cfg.Agent.Aggregation.LineTolerance,
		MinConfidence:        cfg.Agent.Aggregation.MinConfidence,
		MaxIssuesPerFile:     cfg.Agent.Aggregation.MaxIssuesPerFile,
	}

	// A missing Docker daemon disables sandboxed test runs but not reviews.
	var executor agent.TestExecutor
	if cfg.Agent.Tests.Enabled {
		sb, err := sandbox.NewDockerExecutor(sandbox.Options{
			Image:           cfg.Agent.Sandbox.Image,
			Workdir:         cfg.Agent.Sandbox.Workdir,
			MemoryBytes:     cfg.Agent.Sandbox.MemoryBytes,
			NanoCPUs:        cfg.Agent.Sandbox.NanoCPUs,
			ReadOnly:        cfg.Agent.Sandbox.ReadOnly,
			AutoRemove:      cfg.Agent.Sandbox.AutoRemove,
			NoNewPrivileges: cfg.Agent.Sandbox.NoNewPrivileges,
			Timeout:         cfg.Agent.Analysis.Timeout,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sandbox unavailable, agentic reviews will skip test runs")
		} else {
			executor = sb
		}
	}

	runner := &agent.Runner{
		Providers:     providers,
		Cloner:        agent.NewCloner(cfg.Agent.WorkspaceRoot, cfg.Agent.Clone.Depth),
		Sandbox:       executor,
		Reviewer:      reviewer,
		Tickets:       tickets,
		TicketPattern: ticketPattern,
		TicketTimeout: cfg.Ticket.Timeout,
		Aggregation:   aggregation,
		ContextLines:  cfg.Diff.ContextLines,
		TestsEnabled:  cfg.Agent.Tests.Enabled,
	}

	return worker.Deps{
		Queue:         q,
		Status:        queue.NewStatusBus(rdb, cfg.Queue.StatusChannelFmt),
		Results:       queue.NewResultStore(rdb, cfg.Result.TTL),
		Providers:     providers,
		Reviewer:      reviewer,
		Agent:         runner,
		Tickets:       tickets,
		TicketPattern: ticketPattern,
		TicketTimeout: cfg.Ticket.Timeout,
		Aggregation:   aggregation,
		ContextLines:  cfg.Diff.ContextLines,
		LLMProvider:   cfg.LLM.Provider,
		LLMModel:      cfg.LLM.Model,
	}, nil
}

func buildProviders(cfg *config.Config) (scm.Factory, error) {
	var gh scm.Provider
	if cfg.SCM.GitHub.Token != "" {
		gh = github.New(scm.Options{
			BaseURL:             cfg.SCM.GitHub.BaseURL,
			Token:               cfg.SCM.GitHub.Token,
			IncludeSuggestedFix: cfg.Publish.IncludeSuggestedFix,
		})
	}

	var gl scm.Provider
	if cfg.SCM.GitLab.Token != "" {
		adapter, err := gitlab.New(scm.Options{
			BaseURL:             cfg.SCM.GitLab.BaseURL,
			Token:               cfg.SCM.GitLab.Token,
			IncludeSuggestedFix: cfg.Publish.IncludeSuggestedFix,
		})
		if err != nil {
			return nil, fmt.Errorf("building gitlab provider: %w", err)
		}
		gl = adapter
	}

	return scm.NewFactory(gh, gl), nil
}
