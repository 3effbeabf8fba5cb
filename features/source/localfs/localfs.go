// Package localfs is a source connector over a local directory tree. It walks
// the configured root and emits a Base entity per directory and a File entity
// per regular file, with breadcrumbs derived from the relative path. It
// supports continuous sync on file modification times: incremental runs emit
// only files changed at or after the stored cursor, with a one minute overlap
// to absorb filesystem timestamp granularity.
package localfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
	"github.com/airweave/airweave-go/runtime/sync/cursor"
	"github.com/airweave/airweave-go/runtime/sync/pipeline"
)

// ShortName is the registry key for this connector.
const ShortName = "localfs"

// cursorField tracks the newest modification time seen in a run.
const cursorField = "modified_at"

// cursorOverlap absorbs coarse filesystem timestamp granularity on
// incremental runs.
const cursorOverlap = time.Minute

// Source walks one directory tree for one sync job.
type Source struct {
	root  string
	since time.Time
	force bool

	mu     sync.Mutex
	latest time.Time
}

// New builds a Source from the connection settings. Settings["path"] names
// the directory to walk and is required.
func New(cfg source.Config) (source.Source, error) {
	path, _ := cfg.Settings["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("localfs: settings.path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("localfs: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("localfs: %s is not a directory", abs)
	}

	s := &Source{root: abs, force: cfg.ForceFullSync}
	if !cfg.ForceFullSync {
		if raw, ok := cfg.Cursor[cursorField].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				s.since = t.Add(-cursorOverlap)
			}
		}
	}
	return s, nil
}

// Register binds the connector into a source registry.
func Register(r *source.Registry) {
	r.Register(ShortName, New)
}

// ShortName identifies the connector class.
func (s *Source) ShortName() string { return ShortName }

// Authentication reports direct auth; the local filesystem needs none.
func (s *Source) Authentication() source.AuthKind { return source.AuthDirect }

// Capabilities advertises continuous sync on modification times.
func (s *Source) Capabilities() source.Capabilities {
	return source.Capabilities{SupportsContinuous: true}
}

// Produce walks the tree depth-first. Directories always emit so ancestor
// breadcrumbs stay alive across incremental runs; files older than the cursor
// are skipped.
func (s *Source) Produce(ctx context.Context, emit source.EmitFunc) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return emit(s.dirEntity(rel))
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mod := info.ModTime()
		s.observe(mod)
		if !s.since.IsZero() && mod.Before(s.since) {
			return nil
		}
		return emit(s.fileEntity(path, rel, info))
	})
}

// CursorField names the tracked field.
func (s *Source) CursorField() string { return cursorField }

// CursorData returns the newest modification time observed by Produce.
func (s *Source) CursorData() cursor.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest.IsZero() {
		return cursor.Data{}
	}
	v := s.latest.Format(time.RFC3339Nano)
	return cursor.Data{
		cursorField:                        v,
		cursorField + cursor.OverlapSuffix: s.latest.Add(-cursorOverlap).Format(time.RFC3339Nano),
	}
}

func (s *Source) observe(t time.Time) {
	s.mu.Lock()
	if t.After(s.latest) {
		s.latest = t
	}
	s.mu.Unlock()
}

func (s *Source) dirEntity(rel string) *entity.Base {
	return &entity.Base{
		EntityID:    filepath.ToSlash(rel),
		Name:        filepath.Base(rel),
		Breadcrumbs: breadcrumbs(rel),
		Fields: map[string]any{
			"relative_path": filepath.ToSlash(rel),
			"kind":          "directory",
		},
	}
}

func (s *Source) fileEntity(path, rel string, info fs.FileInfo) *entity.File {
	mod := info.ModTime()
	return &entity.File{
		Base: entity.Base{
			EntityID:    filepath.ToSlash(rel),
			Name:        info.Name(),
			Breadcrumbs: breadcrumbs(rel),
			UpdatedAt:   &mod,
			Fields: map[string]any{
				"relative_path": filepath.ToSlash(rel),
				"size":          info.Size(),
			},
		},
		DownloadURL: "file://" + path,
		MimeType:    mimeOf(info.Name()),
	}
}

// breadcrumbs returns the ancestor directories of rel, outermost first.
func breadcrumbs(rel string) []entity.Breadcrumb {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	parts := strings.Split(filepath.ToSlash(dir), "/")
	crumbs := make([]entity.Breadcrumb, len(parts))
	for i, p := range parts {
		crumbs[i] = entity.Breadcrumb{
			EntityID: strings.Join(parts[:i+1], "/"),
			Name:     p,
			Type:     "directory",
		}
	}
	return crumbs
}

func mimeOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	case ".csv":
		return "text/csv"
	default:
		return ""
	}
}

// Downloader copies file:// URLs from the local filesystem and delegates
// everything else to an HTTP downloader. Wire it into the pipeline's file
// handler when the localfs connector is registered.
type Downloader struct {
	// HTTP handles non-file URLs; defaults to pipeline.HTTPDownloader.
	HTTP pipeline.Downloader
}

// Download implements pipeline.Downloader.
func (d Downloader) Download(ctx context.Context, f *entity.File, dest string) (int64, error) {
	path, ok := strings.CutPrefix(f.DownloadURL, "file://")
	if !ok {
		httpd := d.HTTP
		if httpd == nil {
			httpd = pipeline.HTTPDownloader{}
		}
		return httpd.Download(ctx, f, dest)
	}
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, src)
}
