package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
)

type fakeSource struct {
	n       int
	failAt  int
	started chan struct{}
	blocked chan struct{}
}

func (f *fakeSource) ShortName() string                 { return "fake" }
func (f *fakeSource) Authentication() source.AuthKind   { return source.AuthDirect }
func (f *fakeSource) Capabilities() source.Capabilities { return source.Capabilities{} }
func (f *fakeSource) Produce(ctx context.Context, emit source.EmitFunc) error {
	if f.started != nil {
		close(f.started)
	}
	for i := 0; i < f.n; i++ {
		if f.failAt > 0 && i == f.failAt {
			return errors.New("connector exploded")
		}
		if err := emit(&entity.Base{EntityID: fmt.Sprintf("e-%d", i), Name: "e"}); err != nil {
			if f.blocked != nil {
				close(f.blocked)
			}
			return err
		}
	}
	return nil
}

func TestStreamDeliversAllEntities(t *testing.T) {
	s := Run(context.Background(), &fakeSource{n: 250}, 16)
	var got int
	for range s.Entities() {
		got++
	}
	require.NoError(t, s.Err())
	assert.Equal(t, 250, got)
}

func TestStreamSurfacesProducerError(t *testing.T) {
	s := Run(context.Background(), &fakeSource{n: 10, failAt: 5}, 4)
	var got int
	for range s.Entities() {
		got++
	}
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "connector exploded")
	assert.Equal(t, 5, got)
}

func TestStreamCloseCancelsProducer(t *testing.T) {
	blocked := make(chan struct{})
	// Capacity 1 with a large universe guarantees the producer blocks on emit.
	s := Run(context.Background(), &fakeSource{n: 1_000_000, blocked: blocked}, 1)
	<-s.Entities()
	s.Close()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("producer not cancelled after Close")
	}
}

func TestStreamBackpressure(t *testing.T) {
	started := make(chan struct{})
	s := Run(context.Background(), &fakeSource{n: 100, started: started}, 2)
	<-started
	// Without a consumer the queue holds at most its capacity; drain and
	// confirm every entity still arrives.
	time.Sleep(20 * time.Millisecond)
	var got int
	for range s.Entities() {
		got++
	}
	assert.Equal(t, 100, got)
}
