// Package stream interposes a bounded read-ahead queue between a source
// producer and the pipeline workers. The source runs in a dedicated
// goroutine; entities flow through a fixed-capacity channel so back-pressure
// is implicit. The producer's terminal error is captured and surfaced to the
// consumer after the channel closes. Closing the stream cancels the producer
// and releases buffered entities.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
)

// DefaultCapacity is the recommended read-ahead depth.
const DefaultCapacity = 10_000

// Stream is the running read-ahead queue for one source.
type Stream struct {
	ch     chan entity.Entity
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Run starts the producer goroutine and returns the stream. capacity <= 0
// uses DefaultCapacity.
func Run(ctx context.Context, src source.Source, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan entity.Entity, capacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.produce(ctx, src)
	return s
}

func (s *Stream) produce(ctx context.Context, src source.Source) {
	defer close(s.done)
	defer close(s.ch)
	defer func() {
		if r := recover(); r != nil {
			s.setErr(fmt.Errorf("source producer panic: %v", r))
		}
	}()

	emit := func(e entity.Entity) error {
		select {
		case s.ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := src.Produce(ctx, emit); err != nil && ctx.Err() == nil {
		s.setErr(err)
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Entities returns the channel consumers iterate until close.
func (s *Stream) Entities() <-chan entity.Entity { return s.ch }

// Err returns the producer's terminal error, valid once Entities is drained.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer and discards any buffered entities. Safe to call
// multiple times and after natural completion.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			<-s.done
			for range s.ch {
				// Release buffered entities so the producer goroutine can exit.
			}
		}()
	})
}
