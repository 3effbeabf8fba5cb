// Package temporal runs sync jobs as Temporal workflows: one workflow per
// run wrapping a single long-lived activity that drives the orchestrator,
// heartbeating while entities stream. The workflow retry policy is pinned to
// one attempt; a failed sync stays failed until a new run is requested.
// Recurring runs use Temporal schedules keyed by sync id.
package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"

	runsync "github.com/airweave/airweave-go/runtime/sync"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// DefaultTaskQueue is the queue sync workflows and activities run on.
const DefaultTaskQueue = "airweave-sync"

type (
	// Options configures the Temporal sync engine. Either a pre-configured
	// Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// engine creates a lazy client from ClientOptions with OTEL
		// interceptors installed.
		Client client.Client
		// ClientOptions describe how to construct the client when Client is
		// nil. Only connection fields need to be set.
		ClientOptions *client.Options
		// TaskQueue overrides DefaultTaskQueue.
		TaskQueue string
		// WorkerOptions are forwarded to worker.New.
		WorkerOptions worker.Options
		// Orchestrator runs the jobs.
		Orchestrator *runsync.Orchestrator
		// DisableTracing and DisableMetrics opt out of the OTEL interceptors.
		DisableTracing bool
		DisableMetrics bool

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Engine owns the Temporal client, the worker, and the schedule surface.
	Engine struct {
		client      client.Client
		closeClient bool
		taskQueue   string
		worker      worker.Worker
		activities  *Activities
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}
)

// New validates the wiring and constructs the engine. The worker is created
// and registered but not started; call Start.
func New(opts Options) (*Engine, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("temporal engine: orchestrator is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		if !opts.DisableMetrics && clientOpts.MetricsHandler == nil {
			clientOpts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	acts := &Activities{orch: opts.Orchestrator, log: log}
	w := worker.New(cli, queue, opts.WorkerOptions)
	w.RegisterWorkflow(SyncWorkflow)
	w.RegisterActivity(acts.RunSync)

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   queue,
		worker:      w,
		activities:  acts,
		log:         log,
		metrics:     metrics,
	}, nil
}

// Start begins polling the task queue. It blocks until the interrupt channel
// fires; run it in a goroutine for embedded use.
func (e *Engine) Start() error {
	return e.worker.Run(worker.InterruptCh())
}

// Close stops the worker and closes the client when the engine owns it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

// Client exposes the underlying Temporal client for callers that start
// workflows from another process.
func (e *Engine) Client() client.Client { return e.client }
