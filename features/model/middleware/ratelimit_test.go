package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pulse/rmap"

	"github.com/airweave/airweave-go/runtime/model"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &model.Response{Content: "ok"}, nil
}

func (s *stubClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func smallRequest() *model.Request {
	return &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}}
}

func TestBackoffHalvesBudgetOnRateLimit(t *testing.T) {
	l := newAdaptiveRateLimiter(60000, 120000)
	limited := l.Middleware()(&stubClient{err: fmt.Errorf("%w: 429", model.ErrRateLimited)})

	_, err := limited.Complete(context.Background(), smallRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)

	l.mu.Lock()
	got := l.currentTPM
	l.mu.Unlock()
	assert.Equal(t, 30000.0, got)
}

func TestProbeGrowsBudgetOnSuccess(t *testing.T) {
	l := newAdaptiveRateLimiter(60000, 120000)
	l.replaceTPM(30000)
	limited := l.Middleware()(&stubClient{})

	_, err := limited.Complete(context.Background(), smallRequest())
	require.NoError(t, err)

	l.mu.Lock()
	got := l.currentTPM
	l.mu.Unlock()
	// Recovery step is 5% of the initial budget.
	assert.Equal(t, 33000.0, got)
}

func TestBackoffClampsAtFloor(t *testing.T) {
	l := newAdaptiveRateLimiter(1000, 1000)
	for i := 0; i < 10; i++ {
		l.backoff()
	}
	l.mu.Lock()
	got := l.currentTPM
	l.mu.Unlock()
	assert.Equal(t, 100.0, got)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 500, estimateTokens(&model.Request{}))

	req := &model.Request{Messages: []*model.Message{
		{Role: model.RoleUser, Content: string(make([]byte, 3000))},
	}}
	assert.Equal(t, 1500, estimateTokens(req))
}

type memClusterMap struct {
	mu   sync.Mutex
	vals map[string]string
	sub  chan rmap.EventKind
}

func newMemClusterMap() *memClusterMap {
	return &memClusterMap{vals: make(map[string]string), sub: make(chan rmap.EventKind, 16)}
}

func (m *memClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok
}

func (m *memClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; ok {
		return false, nil
	}
	m.vals[key] = value
	return true, nil
}

func (m *memClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.vals[key]
	if prev == test {
		m.vals[key] = value
	}
	return prev, nil
}

func (m *memClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.sub
}

func TestClusterLimiterSeedsAndAdoptsSharedBudget(t *testing.T) {
	m := newMemClusterMap()
	m.vals["budget"] = "45000"

	l := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 60000, 120000)
	l.mu.Lock()
	got := l.currentTPM
	l.mu.Unlock()
	assert.Equal(t, 45000.0, got)
}

func TestClusterLimiterFallsBackWithoutKey(t *testing.T) {
	l := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60000, 0)
	require.NotNil(t, l)
	l.mu.Lock()
	got := l.currentTPM
	l.mu.Unlock()
	assert.Equal(t, 60000.0, got)
}
