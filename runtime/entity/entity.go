// Package entity defines the unit of ingestion shared by every source
// connector and destination handler. Entities form a closed set of variants:
// Base (metadata-only), Chunk (textual content to chunk and embed), and File
// (downloadable blob converted then chunked). Source-specific records embed
// one of these and add their own fields through the Fields map; the
// Embeddable list names the fields that participate in the content hash and
// the embedded surface, so the pipeline drives chunking generically without
// knowing connector schemas.
package entity

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Kind discriminates the entity variants.
	Kind string

	// Breadcrumb is one ancestor reference in an entity's hierarchy path.
	// Breadcrumbs are an ordered list, never back-references, so the data
	// model carries no pointer cycles.
	Breadcrumb struct {
		EntityID string `json:"entity_id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
	}

	// AccessInfo scopes an entity for access-controlled search.
	AccessInfo struct {
		IsPublic bool     `json:"is_public"`
		Viewers  []string `json:"viewers,omitempty"`
	}

	// SystemMetadata is the envelope populated by the pipeline, never by the
	// source. It identifies the owning sync, the originating connection, and
	// the computed content hash.
	SystemMetadata struct {
		SyncID             uuid.UUID   `json:"sync_id"`
		SourceConnectionID uuid.UUID   `json:"source_connection_id"`
		EntityType         string      `json:"entity_type"`
		ContentHash        string      `json:"content_hash"`
		OriginalEntityID   string      `json:"original_entity_id"`
		ChunkIndex         int         `json:"chunk_index"`
		SourceName         string      `json:"source_name"`
		Access             *AccessInfo `json:"access,omitempty"`
	}

	// Base is the metadata-only entity variant. All variants embed it.
	Base struct {
		// EntityID is the stable, source-issued identifier, unique within a
		// source connection.
		EntityID string `json:"entity_id"`
		// Name is the human-readable label.
		Name string `json:"name"`
		// Breadcrumbs is the ordered ancestor path used for scoping and display.
		Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`
		// CreatedAt and UpdatedAt are optional timestamps from the source.
		CreatedAt *time.Time `json:"created_at,omitempty"`
		UpdatedAt *time.Time `json:"updated_at,omitempty"`
		// Fields holds connector-specific attributes keyed by snake_case name.
		Fields map[string]any `json:"fields,omitempty"`
		// Embeddable names the Fields entries that belong to the embeddable
		// surface. Order is irrelevant; the hash sorts by lowercased name.
		Embeddable []string `json:"embeddable,omitempty"`
		// System is the pipeline-owned metadata envelope.
		System SystemMetadata `json:"system_metadata"`
	}

	// Chunk is the entity variant carrying a textual representation to be
	// chunked and embedded.
	Chunk struct {
		Base
		// Text is the full textual representation before chunking.
		Text string `json:"text"`
	}

	// File is the entity variant referencing a downloadable blob. The file
	// handler downloads it, attaches LocalPath and TotalSize, and may set
	// ShouldSkip for gated or empty files.
	File struct {
		Base
		DownloadURL string `json:"download_url"`
		MimeType    string `json:"mime_type,omitempty"`
		// LocalPath is set after download; empty until then.
		LocalPath string `json:"local_path,omitempty"`
		// TotalSize is the downloaded byte count.
		TotalSize int64 `json:"total_size,omitempty"`
		// ShouldSkip marks benign skips (zero bytes, gated extension, oversize).
		ShouldSkip bool `json:"should_skip,omitempty"`
	}

	// Entity is the closed-variant interface the core operates on.
	Entity interface {
		ID() string
		Label() string
		Kind() Kind
		Meta() *SystemMetadata
		base() *Base
	}
)

const (
	KindBase  Kind = "base"
	KindChunk Kind = "chunk"
	KindFile  Kind = "file"
)

// ID returns the source-issued entity identifier.
func (b *Base) ID() string { return b.EntityID }

// Label returns the human-readable name.
func (b *Base) Label() string { return b.Name }

// Kind identifies the variant.
func (b *Base) Kind() Kind { return KindBase }

// Meta returns the pipeline-owned metadata envelope.
func (b *Base) Meta() *SystemMetadata { return &b.System }

func (b *Base) base() *Base { return b }

// Kind identifies the variant.
func (c *Chunk) Kind() Kind { return KindChunk }

// Kind identifies the variant.
func (f *File) Kind() Kind { return KindFile }
