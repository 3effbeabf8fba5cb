package search

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/embed"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// llmCallTimeout caps each planner/judge invocation.
const llmCallTimeout = 5 * time.Minute

type (
	// Options wires a search Service.
	Options struct {
		Planner *Planner
		Judge   *Judge
		Dense   embed.DenseEmbedder
		// Sparse is optional; nil limits keyword retrieval to the text index.
		Sparse    embed.SparseEmbedder
		Builder   *Builder
		Executor  Executor
		Inspector CollectionInspector
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Service runs the agentic search loop.
	Service struct {
		planner   *Planner
		judge     *Judge
		dense     embed.DenseEmbedder
		sparse    embed.SparseEmbedder
		builder   *Builder
		executor  Executor
		inspector CollectionInspector
		log       telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// New validates the wiring and returns a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Planner == nil:
		return nil, fmt.Errorf("search: planner is required")
	case opts.Judge == nil:
		return nil, fmt.Errorf("search: judge is required")
	case opts.Dense == nil:
		return nil, fmt.Errorf("search: dense embedder is required")
	case opts.Builder == nil:
		return nil, fmt.Errorf("search: builder is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("search: executor is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Service{
		planner:   opts.Planner,
		judge:     opts.Judge,
		dense:     opts.Dense,
		sparse:    opts.Sparse,
		builder:   opts.Builder,
		executor:  opts.Executor,
		inspector: opts.Inspector,
		log:       log,
		metrics:   metrics,
	}, nil
}

// Search runs the loop to completion, emitting progress to sink. A nil sink
// discards events.
func (s *Service) Search(ctx context.Context, req Request, sink Sink) (*Answer, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if req.Query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	state := NewState(req)
	requestID := uuid.NewString()
	emit := func(e Event) {
		e.RequestID = requestID
		e.CollectionID = req.CollectionID
		e.Timestamp = time.Now().UTC()
		_ = sink.Emit(ctx, e)
	}

	state.Collection = s.inspect(ctx, req.CollectionID)

	var verdict *Judgement
	for state.Begin() {
		if err := ctx.Err(); err != nil {
			emit(Event{Kind: EventError, Error: err.Error()})
			return nil, err
		}
		iter := len(state.Iterations)
		s.runIteration(ctx, state, iter, emit)

		var err error
		verdict, err = s.judgeIteration(ctx, state)
		if err != nil {
			// A judge failure ends the loop with whatever the iteration found.
			s.log.Warn(ctx, "judge failed, terminating loop", "iteration", iter, "err", err.Error())
			verdict = nil
			break
		}
		emit(Event{Kind: EventThinking, Iteration: iter, Thinking: verdict.Reasoning})
		state.Current().Judgement = verdict
		if !verdict.ShouldContinue {
			break
		}
	}

	state.SelectFinal(verdict)
	answer := &Answer{Results: state.Final, Iterations: len(state.Iterations)}
	if verdict != nil {
		answer.Snippet = verdict.AnswerSnippet
	}
	emit(Event{Kind: EventDone, Iteration: len(state.Iterations), Answer: answer})
	s.metrics.IncCounter("search.completed", 1, "iterations", fmt.Sprint(answer.Iterations))
	return answer, nil
}

// runIteration executes plan → embed → build → execute for the current
// iteration. Failures are recorded in the iteration, not returned: the judge
// sees them and decides whether replanning can recover.
func (s *Service) runIteration(ctx context.Context, state *State, iter int, emit func(Event)) {
	cur := state.Current()

	plan, err := s.plan(ctx, state)
	if err != nil {
		cur.Err = err
		s.log.Warn(ctx, "planning failed", "iteration", iter, "err", err.Error())
		return
	}
	cur.Plan = plan
	emit(Event{Kind: EventThinking, Iteration: iter, Thinking: plan.Reasoning})

	dense, sparse, err := s.embedPlan(ctx, plan)
	if err != nil {
		cur.Err = err
		return
	}

	q, err := s.builder.Build(plan, dense, sparse, state.CollectionID, state.Principals)
	if err != nil {
		cur.Err = err
		return
	}
	cur.Query = q

	start := time.Now()
	results, err := s.executor.Execute(ctx, q)
	elapsed := time.Since(start)
	emit(Event{Kind: EventSearching, Iteration: iter, Plan: plan, DurationMS: elapsed.Milliseconds(), ResultCount: len(results)})
	s.metrics.RecordTimer("search.execute", elapsed, "strategy", string(plan.Strategy))
	if err != nil {
		cur.Err = err
		s.log.Warn(ctx, "query execution failed", "iteration", iter, "err", err.Error())
		return
	}
	cur.Results = results
}

// RunPlan executes one plan outside the judge loop. The tool-calling surface
// uses it to run model-authored plans directly.
func (s *Service) RunPlan(ctx context.Context, plan *Plan, collectionID uuid.UUID, principals []string) ([]Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("search plan: %w", err)
	}
	dense, sparse, err := s.embedPlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	q, err := s.builder.Build(plan, dense, sparse, collectionID, principals)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := s.executor.Execute(ctx, q)
	s.metrics.RecordTimer("search.execute", time.Since(start), "strategy", string(plan.Strategy))
	return results, err
}

func (s *Service) plan(ctx context.Context, state *State) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()
	return s.planner.Plan(ctx, state)
}

func (s *Service) judgeIteration(ctx context.Context, state *State) (*Judgement, error) {
	ctx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()
	return s.judge.Judge(ctx, state)
}

// embedPlan computes the embeddings the strategy needs: dense per variation,
// sparse for the primary query.
func (s *Service) embedPlan(ctx context.Context, plan *Plan) ([][]float32, map[uint32]float32, error) {
	var dense [][]float32
	if plan.Strategy == StrategySemantic || plan.Strategy == StrategyHybrid {
		vecs, err := s.dense.Embed(ctx, plan.Queries)
		if err != nil {
			return nil, nil, fmt.Errorf("embed query variations: %w", err)
		}
		dense = vecs
	}
	var sparse map[uint32]float32
	if s.sparse != nil && (plan.Strategy == StrategyKeyword || plan.Strategy == StrategyHybrid) {
		sparse = s.sparse.EmbedSparse(plan.Queries[0])
	}
	return dense, sparse, nil
}

func (s *Service) inspect(ctx context.Context, collectionID uuid.UUID) *CollectionInfo {
	if s.inspector == nil {
		return &CollectionInfo{CollectionID: collectionID}
	}
	info, err := s.inspector.Inspect(ctx, collectionID)
	if err != nil {
		s.log.Warn(ctx, "collection inspection failed", "collection_id", collectionID, "err", err.Error())
		return &CollectionInfo{CollectionID: collectionID}
	}
	return info
}
