package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/airweave/airweave-go/features/destination/snapshot"
	"github.com/airweave/airweave-go/features/destination/vespa"
	"github.com/airweave/airweave-go/features/engine/temporal"
	"github.com/airweave/airweave-go/features/model/anthropic"
	"github.com/airweave/airweave-go/features/model/middleware"
	"github.com/airweave/airweave-go/features/model/openai"
	"github.com/airweave/airweave-go/features/source/localfs"
	"github.com/airweave/airweave-go/features/store/sqlite"
	"github.com/airweave/airweave-go/runtime/chunk"
	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/embed"
	"github.com/airweave/airweave-go/runtime/model"
	"github.com/airweave/airweave-go/runtime/search"
	"github.com/airweave/airweave-go/runtime/source"
	runsync "github.com/airweave/airweave-go/runtime/sync"
	"github.com/airweave/airweave-go/runtime/sync/cursor"
	"github.com/airweave/airweave-go/runtime/sync/pipeline"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// snapshotConnectionID derives the slot id the snapshot destination occupies
// on a sync. Deriving it from the sync id lets the handler factory recognize
// the slot without a connection-type table.
func snapshotConnectionID(syncID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("airweave-snapshot-"+syncID.String()))
}

// app holds the wired components shared by the CLI commands.
type app struct {
	cfg     *Config
	log     telemetry.Logger
	metrics telemetry.Metrics

	store    *sqlite.Store
	vespa    *vespa.Client
	sources  *source.Registry
	registry *destination.Registry
	orch     *runsync.Orchestrator
	searcher *search.Service
}

// newApp opens the store and wires the sync and search cores.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	log := telemetry.NewLogger()
	metrics := telemetry.NewMetrics()

	store, err := sqlite.Open(ctx, sqlite.Options{Path: cfg.Database.Path, Logger: log})
	if err != nil {
		return nil, err
	}

	vc, err := vespa.NewClient(vespa.ClientOptions{
		Endpoint:  cfg.Vespa.Endpoint,
		Namespace: cfg.Vespa.Namespace,
		Schema:    cfg.Vespa.Schema,
		Logger:    log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		store:    store,
		vespa:    vc,
		sources:  source.NewRegistry(),
		registry: destination.NewRegistry(store, log),
	}
	localfs.Register(a.sources)

	if err := a.buildOrchestrator(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := a.buildSearch(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error { return a.store.Close() }

func (a *app) buildOrchestrator(ctx context.Context) error {
	counter, err := chunk.NewTiktokenCounter("cl100k_base")
	if err != nil {
		return fmt.Errorf("init token counter: %w", err)
	}
	splitter, err := chunk.New(chunk.Options{Counter: counter})
	if err != nil {
		return err
	}
	dense, err := a.denseEmbedder()
	if err != nil {
		return err
	}
	batcher, err := embed.NewBatcher(embed.Options{Inner: dense, Logger: a.log})
	if err != nil {
		return err
	}
	sparse := embed.HashedSparse{}
	files := pipeline.NewFileHandler(pipeline.FileOptions{Downloader: localfs.Downloader{}})

	handlerFactory := func(ctx context.Context, s *runsync.Sync, slot destination.Slot) (destination.Handler, error) {
		if a.cfg.Snapshot.Root != "" && slot.ConnectionID == snapshotConnectionID(s.ID) {
			conn, err := a.store.GetSourceConnection(ctx, s.SourceConnectionID)
			shortName := ""
			if err == nil {
				shortName = conn.ShortName
			}
			return snapshot.New(snapshot.Options{
				Root:            a.cfg.Snapshot.Root,
				SourceShortName: shortName,
				Logger:          a.log,
			})
		}
		return vespa.NewHandler(vespa.HandlerOptions{
			Client:       a.vespa,
			CollectionID: s.CollectionID,
			Logger:       a.log,
		})
	}

	pipelineFactory := func(handlers []destination.Handler) (*pipeline.Pipeline, error) {
		return pipeline.New(pipeline.Options{
			Hashes:      a.store,
			Splitter:    splitter,
			Dense:       batcher,
			Sparse:      sparse,
			Handlers:    handlers,
			Files:       files,
			Memberships: a.store,
			Logger:      a.log,
			Metrics:     a.metrics,
		})
	}

	var replay runsync.ReplayFactory
	if a.cfg.Snapshot.Root != "" {
		root := a.cfg.Snapshot.Root
		replay = func(_ context.Context, syncID uuid.UUID) (source.Source, error) {
			return snapshot.NewReplay(root, syncID)
		}
	}

	orch, err := runsync.NewOrchestrator(runsync.Options{
		Sources:        a.sources,
		Syncs:          a.store,
		Jobs:           a.store,
		Cursors:        cursor.NewService(a.store, a.log),
		Slots:          a.registry,
		Hashes:         a.store,
		Handlers:       handlerFactory,
		Pipeline:       pipelineFactory,
		Replay:         replay,
		StreamCapacity: a.cfg.SyncTuning.StreamCapacity,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *app) buildSearch(ctx context.Context) error {
	llm, err := a.modelClient(ctx)
	if err != nil {
		return err
	}
	planner, err := search.NewPlanner(llm, a.cfg.Models.PlannerModel)
	if err != nil {
		return err
	}
	judge, err := search.NewJudge(llm, a.cfg.Models.JudgeModel)
	if err != nil {
		return err
	}
	dense, err := a.denseEmbedder()
	if err != nil {
		return err
	}
	executor, err := vespa.NewExecutor(a.vespa)
	if err != nil {
		return err
	}
	inspector, err := vespa.NewInspector(a.vespa)
	if err != nil {
		return err
	}
	svc, err := search.New(search.Options{
		Planner:   planner,
		Judge:     judge,
		Dense:     dense,
		Sparse:    embed.HashedSparse{},
		Builder:   search.NewBuilder(search.BuilderOptions{Schema: a.vespa.Schema()}),
		Executor:  executor,
		Inspector: inspector,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.searcher = svc
	return nil
}

// federator builds a search federator over the named source connections.
// Each must belong to a federated-search source class.
func (a *app) federator(ctx context.Context, connectionIDs []string) (*search.Federator, error) {
	fed := search.NewFederator(a.log)
	for _, raw := range connectionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid federated connection id %q: %w", raw, err)
		}
		conn, err := a.store.GetSourceConnection(ctx, id)
		if err != nil {
			return nil, err
		}
		src, err := a.sources.New(conn.ShortName, source.Config{
			AccessToken: conn.AccessToken,
			Credentials: conn.Credentials,
			Settings:    conn.Settings,
		})
		if err != nil {
			return nil, err
		}
		if !src.Capabilities().FederatedSearch {
			return nil, fmt.Errorf("source %s does not support federated search", conn.ShortName)
		}
		searcher, ok := src.(source.Searcher)
		if !ok {
			return nil, fmt.Errorf("source %s advertises federated search but implements no searcher", conn.ShortName)
		}
		fed.Register(conn.ShortName, searcher)
	}
	return fed, nil
}

// expandPrincipals adds each principal's group memberships so group-scoped
// viewer lists match at query time.
func (a *app) expandPrincipals(ctx context.Context, principals []string) ([]string, error) {
	out := append([]string(nil), principals...)
	for _, p := range principals {
		groups, err := a.store.GroupsOf(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, groups...)
	}
	return out, nil
}

// modelClient builds the configured provider client wrapped with the
// adaptive rate limiter.
func (a *app) modelClient(ctx context.Context) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch a.cfg.Models.Provider {
	case "openai":
		client, err = openai.NewFromAPIKey(a.cfg.Models.OpenAIKey, a.cfg.Models.PlannerModel)
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(a.cfg.Models.AnthropicKey, a.cfg.Models.PlannerModel)
	default:
		return nil, fmt.Errorf("unknown model provider %q", a.cfg.Models.Provider)
	}
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "",
		a.cfg.Models.TokensPerMinute, a.cfg.Models.MaxTokensPerMin)
	return limiter.Middleware()(client), nil
}

func (a *app) denseEmbedder() (embed.DenseEmbedder, error) {
	return openai.NewEmbedderFromAPIKey(a.cfg.Models.OpenAIKey, openai.EmbedderOptions{
		Model:      a.cfg.Models.EmbeddingModel,
		Dimensions: a.cfg.Models.EmbeddingDims,
	})
}

// engine builds the Temporal sync engine over the wired orchestrator.
// Callers close it.
func (a *app) engine() (*temporal.Engine, error) {
	return temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  a.cfg.Temporal.HostPort,
			Namespace: a.cfg.Temporal.Namespace,
		},
		TaskQueue:    a.cfg.Temporal.TaskQueue,
		Orchestrator: a.orch,
		Logger:       a.log,
		Metrics:      a.metrics,
	})
}

// redisClient builds a Redis client for Pulse event streaming. Callers close
// it.
func (a *app) redisClient() (*redis.Client, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is not configured")
	}
	return redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}), nil
}
