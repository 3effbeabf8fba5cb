// Package snapshot captures a sync's raw entity stream to disk and replays
// it later as a read-only source. The at-rest layout is
//
//	raw/{sync_id}/
//	  manifest.json
//	  entities/{entity_id}.json
//	  files/{entity_id}_{name}
//
// Entity JSON carries the serialized entity plus capture metadata keys
// (__entity_class__, __captured_at__, __stored_file__) so replay can
// reconstruct the concrete variant. All writes go through a temp file and a
// rename so a crash never leaves a partial document behind.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// Capture metadata keys added to each serialized entity.
const (
	keyEntityClass = "__entity_class__"
	keyCapturedAt  = "__captured_at__"
	keyStoredFile  = "__stored_file__"
)

type (
	// Options configures the snapshot handler.
	Options struct {
		// Root is the directory holding the raw/ tree.
		Root string
		// SourceShortName is recorded in the manifest.
		SourceShortName string
		Logger          telemetry.Logger
	}

	// Handler is the raw-data destination. It is scoped to nothing at
	// construction; the sync id arrives with each batch.
	Handler struct {
		root      string
		shortName string
		log       telemetry.Logger

		mu       sync.Mutex
		captured map[uuid.UUID]int
	}

	// manifest summarizes one captured sync.
	manifest struct {
		SyncID          string    `json:"sync_id"`
		SourceShortName string    `json:"source_short_name"`
		EntityCount     int       `json:"entity_count"`
		Inserted        int       `json:"inserted"`
		Updated         int       `json:"updated"`
		Deleted         int       `json:"deleted"`
		Skipped         int       `json:"skipped"`
		Failed          int       `json:"failed"`
		CreatedAt       time.Time `json:"created_at"`
	}
)

// New builds a snapshot handler writing under opts.Root.
func New(opts Options) (*Handler, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("snapshot: root directory is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Handler{
		root:      opts.Root,
		shortName: opts.SourceShortName,
		log:       log,
		captured:  make(map[uuid.UUID]int),
	}, nil
}

// Name identifies the handler in logs and metrics.
func (h *Handler) Name() string { return "snapshot" }

// ProcessesRawEntities marks the handler as self-processing: it stores the
// entity's own serialization and has no use for chunks or embeddings.
func (h *Handler) ProcessesRawEntities() bool { return true }

// HandleBatch captures Insert and Update entities. Skips are not re-captured;
// Deletes remove the captured document.
func (h *Handler) HandleBatch(ctx context.Context, batch *entity.Batch) error {
	for _, a := range batch.Actions() {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch a.Type {
		case entity.ActionInsert, entity.ActionUpdate:
			if err := h.capture(batch.SyncID, a.Entity); err != nil {
				return err
			}
		case entity.ActionDelete:
			if err := h.remove(batch.SyncID, a.Entity.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteEntities removes captured documents and their stored files.
func (h *Handler) DeleteEntities(ctx context.Context, syncID uuid.UUID, entityIDs []string) error {
	for _, id := range entityIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.remove(syncID, id); err != nil {
			return err
		}
	}
	return nil
}

// Finalize writes the manifest for the completed sync.
func (h *Handler) Finalize(ctx context.Context, stats destination.JobStats) error {
	h.mu.Lock()
	count := h.captured[stats.SyncID]
	delete(h.captured, stats.SyncID)
	h.mu.Unlock()

	shortName := h.shortName
	if shortName == "" {
		shortName = stats.SourceShortName
	}
	m := manifest{
		SyncID:          stats.SyncID.String(),
		SourceShortName: shortName,
		EntityCount:     count,
		Inserted:        stats.Inserted,
		Updated:         stats.Updated,
		Deleted:         stats.Deleted,
		Skipped:         stats.Skipped,
		Failed:          stats.Failed,
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encoding manifest: %w", err)
	}
	path := filepath.Join(h.syncDir(stats.SyncID), "manifest.json")
	if err := writeAtomic(path, data); err != nil {
		return errs.Permanent(errs.KindExternalService, "snapshot: writing manifest", err)
	}
	h.log.Info(ctx, "snapshot manifest written", "sync_id", stats.SyncID, "entity_count", count)
	return nil
}

func (h *Handler) syncDir(syncID uuid.UUID) string {
	return filepath.Join(h.root, "raw", syncID.String())
}

// capture serializes one entity to entities/{entity_id}.json and copies an
// attached file into files/.
func (h *Handler) capture(syncID uuid.UUID, e entity.Entity) error {
	doc, err := encodeEntity(e)
	if err != nil {
		return err
	}
	doc[keyCapturedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	dir := h.syncDir(syncID)
	if f, ok := e.(*entity.File); ok && f.LocalPath != "" && !f.ShouldSkip {
		stored := storedFileName(f.EntityID, f.Name)
		if err := copyAtomic(f.LocalPath, filepath.Join(dir, "files", stored)); err != nil {
			return errs.Permanent(errs.KindExternalService,
				fmt.Sprintf("snapshot: storing file for entity %s", f.EntityID), err)
		}
		doc[keyStoredFile] = stored
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encoding entity %s: %w", e.ID(), err)
	}
	path := filepath.Join(dir, "entities", entityFileName(e.ID()))
	if err := writeAtomic(path, data); err != nil {
		return errs.Permanent(errs.KindExternalService,
			fmt.Sprintf("snapshot: writing entity %s", e.ID()), err)
	}

	h.mu.Lock()
	h.captured[syncID]++
	h.mu.Unlock()
	return nil
}

func (h *Handler) remove(syncID uuid.UUID, entityID string) error {
	dir := h.syncDir(syncID)
	path := filepath.Join(dir, "entities", entityFileName(entityID))

	// Drop the stored file first, while the entity document still names it.
	if doc, err := readEntityDoc(path); err == nil {
		if stored, ok := doc[keyStoredFile].(string); ok && stored != "" {
			if err := os.Remove(filepath.Join(dir, "files", stored)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("snapshot: removing stored file for %s: %w", entityID, err)
			}
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: removing entity %s: %w", entityID, err)
	}
	h.mu.Lock()
	if h.captured[syncID] > 0 {
		h.captured[syncID]--
	}
	h.mu.Unlock()
	return nil
}

// encodeEntity marshals the concrete variant into a map and tags it with the
// class key replay dispatches on.
func encodeEntity(e entity.Entity) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshaling entity %s: %w", e.ID(), err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: re-decoding entity %s: %w", e.ID(), err)
	}
	doc[keyEntityClass] = string(e.Kind())
	// LocalPath is process-local; replay materializes its own copy.
	delete(doc, "local_path")
	return doc, nil
}

func readEntityDoc(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// entityFileName flattens an entity id into a safe file name. Source ids may
// contain path separators (e.g. drive item paths).
func entityFileName(entityID string) string {
	return sanitize(entityID) + ".json"
}

func storedFileName(entityID, name string) string {
	if name == "" {
		name = "file"
	}
	return sanitize(entityID) + "_" + sanitize(name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}

// writeAtomic writes data via a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// copyAtomic copies src into dst with the same temp-rename discipline.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
