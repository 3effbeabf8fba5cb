// Package compose drives search through provider-agnostic LLM tool calls
// instead of the fixed planner/judge loop. The model is handed two tools:
// search, which runs a plan it authors, and submit_answer, which terminates
// the conversation. Result blocks shown to the model are formatted under a
// strict token budget; thinking content streams to the caller as it arrives.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/chunk"
	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/model"
	"github.com/airweave/airweave-go/runtime/search"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

const (
	// DefaultContextWindow is assumed when the caller does not supply the
	// model's window size.
	DefaultContextWindow = 128_000
	// resultBudgetShare is the fraction of the context window a single
	// search tool result may occupy.
	resultBudgetShare = 0.30
	// maxTurns bounds the tool-calling conversation.
	maxTurns = 8
)

const composerSystemPrompt = `You answer questions over a collection of
documents synced from SaaS applications. Use the search tool to retrieve
evidence; refine and repeat as needed. When you can answer, call
submit_answer with the answer text and the ids of the results you relied on.
If no direct answer was found, you may still call submit_answer with a
consolidation_search: a final plan designed to retrieve the most relevant
results seen during this conversation. Never answer from memory.`

type (
	// Options wires a Composer.
	Options struct {
		Client model.Client
		// Model overrides the adapter default when non-empty.
		Model string
		// Runner executes model-authored search plans.
		Runner *search.Service
		// Counter measures result blocks against the budget. Required.
		Counter chunk.TokenCounter
		// ContextWindow is the model's context size in tokens.
		ContextWindow int
		Logger        telemetry.Logger
	}

	// Composer is the tool-calling search surface.
	Composer struct {
		client  model.Client
		model   string
		runner  *search.Service
		counter chunk.TokenCounter
		window  int
		log     telemetry.Logger
	}

	// Answer is the composer's terminal output.
	Answer struct {
		Text      string
		Citations []string
		// Results holds the consolidation search output when one ran.
		Results []search.Result
	}

	submitArgs struct {
		Text                string       `json:"text"`
		Citations           []string     `json:"citations"`
		ConsolidationSearch *search.Plan `json:"consolidation_search,omitempty"`
	}
)

// New builds a Composer.
func New(opts Options) (*Composer, error) {
	switch {
	case opts.Client == nil:
		return nil, fmt.Errorf("compose: model client is required")
	case opts.Runner == nil:
		return nil, fmt.Errorf("compose: search runner is required")
	case opts.Counter == nil:
		return nil, fmt.Errorf("compose: token counter is required")
	}
	window := opts.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Composer{
		client:  opts.Client,
		model:   opts.Model,
		runner:  opts.Runner,
		counter: opts.Counter,
		window:  window,
		log:     log,
	}, nil
}

// Compose answers the request through tool calls, emitting progress to sink.
func (c *Composer) Compose(ctx context.Context, req search.Request, sink search.Sink) (*Answer, error) {
	if sink == nil {
		sink = search.NopSink{}
	}
	if req.Query == "" {
		return nil, fmt.Errorf("compose: query is required")
	}
	requestID := uuid.NewString()
	emit := func(e search.Event) {
		e.RequestID = requestID
		e.CollectionID = req.CollectionID
		e.Timestamp = time.Now().UTC()
		_ = sink.Emit(ctx, e)
	}

	messages := []*model.Message{
		{Role: model.RoleSystem, Content: composerSystemPrompt},
		{Role: model.RoleUser, Content: req.Query},
	}

	for turn := 1; turn <= maxTurns; turn++ {
		resp, err := c.client.Complete(ctx, &model.Request{
			Model:    c.model,
			Messages: messages,
			Tools:    toolDefinitions(),
		})
		if err != nil {
			emit(search.Event{Kind: search.EventError, Error: err.Error()})
			return nil, errs.Operational(errs.KindExternalService, "composer completion", err)
		}
		if resp.Thinking != "" {
			emit(search.Event{Kind: search.EventThinking, Iteration: turn, Thinking: resp.Thinking})
		}

		if len(resp.ToolCalls) == 0 {
			// The model answered in prose without the terminal tool.
			answer := &Answer{Text: resp.Content}
			emit(search.Event{Kind: search.EventDone, Iteration: turn, Answer: &search.Answer{Snippet: answer.Text, Iterations: turn}})
			return answer, nil
		}

		messages = append(messages, &model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			switch call.Name {
			case "search":
				block := c.runSearchTool(ctx, req, call, turn, emit)
				messages = append(messages, &model.Message{Role: model.RoleTool, ToolCallID: call.ID, Content: block})
			case "submit_answer":
				answer, err := c.finishAnswer(ctx, req, call, turn, emit)
				if err != nil {
					return nil, err
				}
				return answer, nil
			default:
				messages = append(messages, &model.Message{
					Role: model.RoleTool, ToolCallID: call.ID,
					Content: fmt.Sprintf("unknown tool %q", call.Name),
				})
			}
		}
	}
	err := errs.Operational(errs.KindExternalService, "composer exceeded the turn budget without an answer", nil)
	emit(search.Event{Kind: search.EventError, Error: err.Error()})
	return nil, err
}

// runSearchTool executes one model-authored plan and formats its results
// under the token budget. Tool failures are reported back to the model as
// text so it can replan.
func (c *Composer) runSearchTool(ctx context.Context, req search.Request, call model.ToolCall, turn int, emit func(search.Event)) string {
	var plan search.Plan
	if err := json.Unmarshal(call.Arguments, &plan); err != nil {
		return fmt.Sprintf("search failed: invalid plan: %v", err)
	}
	start := time.Now()
	results, err := c.runner.RunPlan(ctx, &plan, req.CollectionID, req.Principals)
	emit(search.Event{
		Kind: search.EventSearching, Iteration: turn, Plan: &plan,
		DurationMS: time.Since(start).Milliseconds(), ResultCount: len(results),
	})
	if err != nil {
		c.log.Warn(ctx, "search tool failed", "err", err.Error())
		return fmt.Sprintf("search failed: %v", err)
	}
	if len(results) == 0 {
		return "no results"
	}
	return c.formatResults(results)
}

func (c *Composer) finishAnswer(ctx context.Context, req search.Request, call model.ToolCall, turn int, emit func(search.Event)) (*Answer, error) {
	var args submitArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, errs.Operational(errs.KindExternalService, "submit_answer arguments unparseable", err)
	}
	answer := &Answer{Text: args.Text, Citations: args.Citations}
	if args.ConsolidationSearch != nil {
		results, err := c.runner.RunPlan(ctx, args.ConsolidationSearch, req.CollectionID, req.Principals)
		if err != nil {
			c.log.Warn(ctx, "consolidation search failed", "err", err.Error())
		} else {
			answer.Results = results
		}
	}
	emit(search.Event{Kind: search.EventDone, Iteration: turn, Answer: &search.Answer{
		Results: answer.Results, Snippet: answer.Text, Iterations: turn,
	}})
	return answer, nil
}

// formatResults renders results whole-record-at-a-time until the budget is
// exhausted. A record never appears truncated: it is appended whole or
// dropped whole.
func (c *Composer) formatResults(results []search.Result) string {
	budget := int(float64(c.window) * resultBudgetShare)
	var b strings.Builder
	used := 0
	shown := 0
	for _, r := range results {
		record := formatRecord(r)
		n := c.counter.Count(record)
		if used+n > budget {
			break
		}
		b.WriteString(record)
		used += n
		shown++
	}
	if shown < len(results) {
		fmt.Fprintf(&b, "[%d more results omitted for space]\n", len(results)-shown)
	}
	return b.String()
}

func formatRecord(r search.Result) string {
	fields, _ := json.Marshal(r.Fields)
	return fmt.Sprintf("[id=%s score=%.4f]\n%s\n\n", r.ID, r.Score, fields)
}

func toolDefinitions() []*model.ToolDefinition {
	predicate := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field":    map[string]any{"type": "string"},
			"operator": map[string]any{"type": "string", "enum": []string{"eq", "ne", "gt", "lt", "ge", "le", "contains", "in", "not_in"}},
			"value":    map[string]any{},
		},
		"required": []string{"field", "operator", "value"},
	}
	planSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queries":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"retrieval_strategy": map[string]any{"type": "string", "enum": []string{"semantic", "keyword", "hybrid"}},
			"limit":              map[string]any{"type": "integer"},
			"offset":             map[string]any{"type": "integer"},
			"filter_groups": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"predicates": map[string]any{"type": "array", "items": predicate},
					},
				},
			},
			"reasoning": map[string]any{"type": "string"},
		},
		"required": []string{"queries"},
	}
	return []*model.ToolDefinition{
		{
			Name:        "search",
			Description: "Run a retrieval plan against the collection and return formatted result records.",
			InputSchema: planSchema,
		},
		{
			Name:        "submit_answer",
			Description: "Submit the final answer with citations. Optionally include a consolidation_search plan to fetch the best supporting results.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":                 map[string]any{"type": "string"},
					"citations":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"consolidation_search": planSchema,
				},
				"required": []string{"text"},
			},
		},
	}
}
