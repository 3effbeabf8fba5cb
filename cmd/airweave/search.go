package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/airweave/airweave-go/features/stream/pulse"
	clientspulse "github.com/airweave/airweave-go/features/stream/pulse/clients/pulse"
	"github.com/airweave/airweave-go/runtime/chunk"
	"github.com/airweave/airweave-go/runtime/search"
	"github.com/airweave/airweave-go/runtime/search/compose"
)

func newSearchCmd() *cobra.Command {
	var (
		flagLimit      int
		flagOffset     int
		flagPrincipals []string
		flagFederated  []string
		flagStream     bool
		flagVerbose    bool
	)
	cmd := &cobra.Command{
		Use:   "search <collection-id> <query>",
		Short: "Run an agentic search over a collection",
		Long: `Plan, execute, and judge search iterations over the collection until the
results answer the query. With --stream the progress events are also
published to the configured Redis Pulse stream. --federated queries the
named federated-search connections live and appends their results.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collectionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid collection id: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				principals, err := a.expandPrincipals(ctx, flagPrincipals)
				if err != nil {
					return err
				}
				req := search.Request{
					CollectionID: collectionID,
					Query:        strings.Join(args[1:], " "),
					Principals:   principals,
					Limit:        flagLimit,
					Offset:       flagOffset,
				}
				sink, done, closeSink, err := buildSink(a, flagStream, flagVerbose)
				if err != nil {
					return err
				}
				answer, searchErr := a.searcher.Search(ctx, req, sink)
				closeSink()
				<-done
				if searchErr != nil {
					return searchErr
				}
				if len(flagFederated) > 0 {
					fed, err := a.federator(ctx, flagFederated)
					if err != nil {
						return err
					}
					answer.Results = append(answer.Results, fed.Search(ctx, req.Query, flagLimit)...)
				}
				printAnswer(answer)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 0, "max results (default 10)")
	cmd.Flags().IntVar(&flagOffset, "offset", 0, "result offset")
	cmd.Flags().StringArrayVar(&flagPrincipals, "principal", nil, "caller access identity (repeatable)")
	cmd.Flags().StringArrayVar(&flagFederated, "federated", nil, "federated source connection id to query live (repeatable)")
	cmd.Flags().BoolVar(&flagStream, "stream", false, "also publish progress events to Redis Pulse")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "print planner and judge reasoning")
	return cmd
}

func newAskCmd() *cobra.Command {
	var (
		flagPrincipals []string
		flagVerbose    bool
	)
	cmd := &cobra.Command{
		Use:   "ask <collection-id> <question>",
		Short: "Answer a question with the tool-calling composer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collectionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid collection id: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				principals, err := a.expandPrincipals(ctx, flagPrincipals)
				if err != nil {
					return err
				}
				req := search.Request{
					CollectionID: collectionID,
					Query:        strings.Join(args[1:], " "),
					Principals:   principals,
				}
				llm, err := a.modelClient(ctx)
				if err != nil {
					return err
				}
				counter, err := chunk.NewTiktokenCounter("cl100k_base")
				if err != nil {
					return err
				}
				composer, err := compose.New(compose.Options{
					Client:  llm,
					Model:   cfg.Models.ComposerModel,
					Runner:  a.searcher,
					Counter: counter,
					Logger:  a.log,
				})
				if err != nil {
					return err
				}
				sink, done, closeSink, err := buildSink(a, false, flagVerbose)
				if err != nil {
					return err
				}
				answer, composeErr := composer.Compose(ctx, req, sink)
				closeSink()
				<-done
				if composeErr != nil {
					return composeErr
				}
				fmt.Println(answer.Text)
				for _, c := range answer.Citations {
					fmt.Printf("  [%s]\n", c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&flagPrincipals, "principal", nil, "caller access identity (repeatable)")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "print planner reasoning")
	return cmd
}

// buildSink returns the event sink for a search invocation: stdout progress,
// optionally fanned out to a Redis Pulse stream. closeSink must be called
// after the search returns, then done awaited.
func buildSink(a *app, stream, verbose bool) (search.Sink, <-chan struct{}, func(), error) {
	ch := search.NewChannelSink(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch.C {
			printEvent(e, verbose)
		}
	}()

	if !stream {
		return ch, done, ch.Close, nil
	}

	rdb, err := a.redisClient()
	if err != nil {
		return nil, nil, nil, err
	}
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		rdb.Close()
		return nil, nil, nil, err
	}
	remote, err := pulse.NewSink(pulse.Options{Client: pc})
	if err != nil {
		rdb.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		ch.Close()
		rdb.Close()
	}
	return fanoutSink{ch, remote}, done, closeAll, nil
}

// fanoutSink emits each event to every sink, keeping the first error.
type fanoutSink []search.Sink

func (f fanoutSink) Emit(ctx context.Context, e search.Event) error {
	var firstErr error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func printEvent(e search.Event, verbose bool) {
	switch e.Kind {
	case search.EventThinking:
		if verbose {
			fmt.Printf("thinking[%d]: %s\n", e.Iteration, e.Thinking)
		}
	case search.EventSearching:
		fmt.Printf("searching[%d]: %d results in %dms\n", e.Iteration, e.ResultCount, e.DurationMS)
	case search.EventError:
		fmt.Printf("error: %s\n", e.Error)
	}
}

func printAnswer(a *search.Answer) {
	if a.Snippet != "" {
		fmt.Println(a.Snippet)
		fmt.Println()
	}
	for _, r := range a.Results {
		name, _ := r.Fields["name"].(string)
		source, _ := r.Fields["source_name"].(string)
		fmt.Printf("%.3f  %-30s %s\n", r.Score, name, source)
	}
	fmt.Printf("(%d results, %d iterations)\n", len(a.Results), a.Iterations)
}
