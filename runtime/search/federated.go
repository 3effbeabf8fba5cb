package search

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// Federator fans an ad-hoc query out to federated-search sources, the ones
// that answer queries live instead of syncing into the index. Source
// failures are tolerated per source: a slow or broken upstream costs its own
// results, never the whole search.
type Federator struct {
	mu      sync.Mutex
	sources map[string]source.Searcher
	log     telemetry.Logger
}

// NewFederator returns an empty federator.
func NewFederator(log telemetry.Logger) *Federator {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Federator{sources: make(map[string]source.Searcher), log: log}
}

// Register binds a source short name to its searcher. Re-registering a name
// replaces the previous searcher.
func (f *Federator) Register(shortName string, s source.Searcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[shortName] = s
}

// Len returns the number of registered sources.
func (f *Federator) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

// Search queries every registered source concurrently and returns the merged
// results, ordered by source then entity id. Federated results carry no
// index score.
func (f *Federator) Search(ctx context.Context, query string, limit int) []Result {
	f.mu.Lock()
	sources := make(map[string]source.Searcher, len(f.sources))
	for name, s := range f.sources {
		sources[name] = s
	}
	f.mu.Unlock()
	if len(sources) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	var (
		omu sync.Mutex
		out []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, s := range sources {
		name, s := name, s
		g.Go(func() error {
			ents, err := s.Search(gctx, query, limit)
			if err != nil {
				f.log.Warn(gctx, "federated source failed", "source", name, "err", err.Error())
				return nil
			}
			omu.Lock()
			for _, e := range ents {
				out = append(out, federatedResult(name, e))
			}
			omu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool {
		si, _ := out[i].Fields["source_name"].(string)
		sj, _ := out[j].Fields["source_name"].(string)
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func federatedResult(shortName string, e entity.Entity) Result {
	fields := map[string]any{
		"name":        e.Label(),
		"source_name": shortName,
		"entity_type": string(e.Kind()),
	}
	if c, ok := e.(*entity.Chunk); ok && c.Text != "" {
		fields["text"] = c.Text
	}
	return Result{ID: e.ID(), Fields: fields}
}
