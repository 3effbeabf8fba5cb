package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
)

// Replay is a read-only source that re-emits a captured snapshot. Stored
// files are materialized into a process-local temp directory and re-attached
// as local_path so downstream file handling behaves exactly as it would for a
// fresh download.
type Replay struct {
	dir       string
	shortName string
	tmpDir    string
}

// NewReplay opens the snapshot for syncID under root. The manifest must
// exist; replaying a sync that never finalized is rejected.
func NewReplay(root string, syncID uuid.UUID) (*Replay, error) {
	dir := filepath.Join(root, "raw", syncID.String())
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening manifest for sync %s: %w", syncID, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: decoding manifest for sync %s: %w", syncID, err)
	}
	return &Replay{dir: dir, shortName: m.SourceShortName}, nil
}

// ShortName reports the original source class so replayed entities keep
// their provenance.
func (r *Replay) ShortName() string { return r.shortName }

// Authentication is direct; a snapshot needs no credentials.
func (r *Replay) Authentication() source.AuthKind { return source.AuthDirect }

// Capabilities: replay is always a full pass over the capture.
func (r *Replay) Capabilities() source.Capabilities { return source.Capabilities{} }

// Produce emits every captured entity in file-name order.
func (r *Replay) Produce(ctx context.Context, emit source.EmitFunc) error {
	entries, err := os.ReadDir(filepath.Join(r.dir, "entities"))
	if err != nil {
		return fmt.Errorf("snapshot: listing captured entities: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent, err := r.restore(filepath.Join(r.dir, "entities", name))
		if err != nil {
			return err
		}
		if err := emit(ent); err != nil {
			return err
		}
	}
	return nil
}

// Close removes materialized temp files.
func (r *Replay) Close() error {
	if r.tmpDir == "" {
		return nil
	}
	return os.RemoveAll(r.tmpDir)
}

// restore decodes one captured document back into its concrete variant.
func (r *Replay) restore(path string) (entity.Entity, error) {
	doc, err := readEntityDoc(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading captured entity %s: %w", filepath.Base(path), err)
	}
	class, _ := doc[keyEntityClass].(string)
	stored, _ := doc[keyStoredFile].(string)
	delete(doc, keyEntityClass)
	delete(doc, keyCapturedAt)
	delete(doc, keyStoredFile)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot: re-encoding captured entity: %w", err)
	}

	switch entity.Kind(class) {
	case entity.KindBase:
		var b entity.Base
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("snapshot: decoding base entity: %w", err)
		}
		return &b, nil
	case entity.KindChunk:
		var c entity.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("snapshot: decoding chunk entity: %w", err)
		}
		return &c, nil
	case entity.KindFile:
		var f entity.File
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("snapshot: decoding file entity: %w", err)
		}
		if stored != "" {
			local, err := r.materialize(stored)
			if err != nil {
				return nil, err
			}
			f.LocalPath = local
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown entity class %q in %s", class, filepath.Base(path))
	}
}

// materialize copies a stored file into the replay temp directory.
func (r *Replay) materialize(stored string) (string, error) {
	if r.tmpDir == "" {
		dir, err := os.MkdirTemp("", "airweave-replay-*")
		if err != nil {
			return "", fmt.Errorf("snapshot: creating replay temp dir: %w", err)
		}
		r.tmpDir = dir
	}
	dst := filepath.Join(r.tmpDir, stored)
	if err := copyAtomic(filepath.Join(r.dir, "files", stored), dst); err != nil {
		return "", fmt.Errorf("snapshot: materializing stored file %s: %w", stored, err)
	}
	return dst, nil
}
