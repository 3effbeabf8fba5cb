// Package source defines the contract between connectors and the sync core.
// The core never sees connector wire formats; it consumes a lazy, cancellable
// stream of entities through Produce, or an ad-hoc result list through
// federated Search for sources that forbid full sync. A source instance is
// used by exactly one job and must not share mutable state between calls.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/sync/cursor"
)

type (
	// AuthKind is the authentication scheme a source class advertises.
	AuthKind string

	// OAuthType refines OAuth-based sources by refresh behavior.
	OAuthType string

	// Capabilities flags what a source class supports.
	Capabilities struct {
		// SupportsContinuous means the source honors a supplied cursor and
		// emits only records changed at or after it, under its own ordering.
		SupportsContinuous bool
		// FederatedSearch means the source answers ad-hoc queries instead of
		// supporting full sync. Mutually exclusive with Produce in the sync
		// pipeline.
		FederatedSearch bool
	}

	// Config is what a source accepts at construction.
	Config struct {
		// AccessToken or Credentials authenticate the connection.
		AccessToken string
		Credentials map[string]string
		// Settings carries source-specific configuration.
		Settings map[string]any
		// Cursor is the previous durable state; nil or empty for full syncs.
		Cursor cursor.Data
		// CursorField overrides the source's default cursor field.
		CursorField string
		// ForceFullSync disables incremental behavior for this run.
		ForceFullSync bool
	}

	// EmitFunc receives one produced entity. It blocks for backpressure and
	// returns an error when the consumer is gone; sources must stop producing
	// and return that error.
	EmitFunc func(e entity.Entity) error

	// Source is the capability contract connectors implement. Obligations:
	// emit entities with populated entity_id, breadcrumbs, and name; honor
	// ctx cancellation at every suspension point; report FileSkipped vs
	// DownloadFailure through the errs kinds.
	Source interface {
		// ShortName identifies the source class (e.g. "github", "slack").
		ShortName() string
		// Authentication returns the advertised auth scheme.
		Authentication() AuthKind
		// Capabilities returns the class capability flags.
		Capabilities() Capabilities
		// Produce emits the finite entity sequence for a full or incremental
		// sync. Federated-search-only sources return ErrProduceUnsupported.
		Produce(ctx context.Context, emit EmitFunc) error
	}

	// Searcher is the optional federated-search capability: up to limit
	// entities answering the query.
	Searcher interface {
		Search(ctx context.Context, query string, limit int) ([]entity.Entity, error)
	}

	// CursorPublisher is implemented by continuous sources to expose the
	// cursor payload to persist after a successful run.
	CursorPublisher interface {
		// CursorField names the field the cursor tracks.
		CursorField() string
		// CursorData returns the advance value and its overlap partner.
		CursorData() cursor.Data
	}

	// Factory builds a source instance for one job.
	Factory func(cfg Config) (Source, error)
)

const (
	AuthDirect       AuthKind = "direct"
	AuthOAuthBrowser AuthKind = "oauth_browser"
	AuthOAuthToken   AuthKind = "oauth_token"
	AuthProvider     AuthKind = "auth_provider"
)

const (
	OAuthNoRefresh           OAuthType = "no_refresh"
	OAuthWithRefresh         OAuthType = "with_refresh"
	OAuthWithRotatingRefresh OAuthType = "with_rotating_refresh"
)

// ErrProduceUnsupported is returned by federated-search-only sources.
var ErrProduceUnsupported = fmt.Errorf("source: produce not supported")

// Registry maps source short names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a short name to a factory. Re-registering a name replaces
// the previous factory.
func (r *Registry) Register(shortName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[shortName] = f
}

// New builds a source instance for the named class.
func (r *Registry) New(shortName string, cfg Config) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[shortName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown short name %q", shortName)
	}
	return f(cfg)
}

// Names returns the registered short names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
