package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
)

// DefaultMaxFileSize caps downloads at 50 MiB. Larger files are skipped, not
// failed.
const DefaultMaxFileSize = 50 << 20

type (
	// Downloader fetches a file entity's bytes to a local path. The default
	// implementation streams over HTTP; sources with SDK-mediated downloads
	// substitute their own.
	Downloader interface {
		Download(ctx context.Context, f *entity.File, dest string) (int64, error)
	}

	// Converter turns a downloaded file into markdown text for chunking.
	Converter interface {
		Convert(ctx context.Context, localPath, mimeType string) (string, error)
	}

	// FileHandler downloads, gates, and converts file entities. Skips
	// (unsupported extension, zero bytes, oversize) are reported as
	// errs.KindFileSkipped, which the pipeline treats as benign.
	FileHandler struct {
		downloader Downloader
		converter  Converter
		maxSize    int64
		// allowed maps lowercased extensions (".pdf") to true. Empty means
		// every extension is accepted.
		allowed map[string]bool
		tmpDir  string
	}

	// FileOptions configures a FileHandler.
	FileOptions struct {
		// Downloader defaults to an HTTP downloader on http.DefaultClient.
		Downloader Downloader
		// Converter defaults to PlainTextConverter.
		Converter Converter
		// MaxSize defaults to DefaultMaxFileSize.
		MaxSize int64
		// AllowedExtensions gates which files are processed, e.g. ".pdf",
		// ".md". Empty accepts all.
		AllowedExtensions []string
		// TmpDir defaults to os.TempDir().
		TmpDir string
	}

	// HTTPDownloader streams a file's DownloadURL to disk.
	HTTPDownloader struct {
		Client *http.Client
	}

	// PlainTextConverter reads the file verbatim. Suitable for text-native
	// formats; binary formats need a real converter.
	PlainTextConverter struct{}
)

// NewFileHandler builds a FileHandler.
func NewFileHandler(opts FileOptions) *FileHandler {
	h := &FileHandler{
		downloader: opts.Downloader,
		converter:  opts.Converter,
		maxSize:    opts.MaxSize,
		tmpDir:     opts.TmpDir,
	}
	if h.downloader == nil {
		h.downloader = HTTPDownloader{}
	}
	if h.converter == nil {
		h.converter = PlainTextConverter{}
	}
	if h.maxSize <= 0 {
		h.maxSize = DefaultMaxFileSize
	}
	if h.tmpDir == "" {
		h.tmpDir = os.TempDir()
	}
	if len(opts.AllowedExtensions) > 0 {
		h.allowed = make(map[string]bool, len(opts.AllowedExtensions))
		for _, ext := range opts.AllowedExtensions {
			h.allowed[strings.ToLower(ext)] = true
		}
	}
	return h
}

// Materialize ensures f's bytes are on disk, populating LocalPath and
// TotalSize. A pre-populated LocalPath (snapshot replay materializes stored
// files before handing them over) is used as-is and never downloaded or
// removed. Benign skips return a KindFileSkipped error and set f.ShouldSkip.
func (h *FileHandler) Materialize(ctx context.Context, f *entity.File) error {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if h.allowed != nil && !h.allowed[ext] {
		f.ShouldSkip = true
		return errs.FileSkipped(f.Name, fmt.Sprintf("extension %q not processed", ext))
	}

	if f.LocalPath != "" {
		info, err := os.Stat(f.LocalPath)
		if err != nil {
			return errs.Operational(errs.KindDownloadFailure, fmt.Sprintf("stat %s", f.Name), err)
		}
		f.TotalSize = info.Size()
	} else {
		dest, err := os.CreateTemp(h.tmpDir, "airweave-file-*")
		if err != nil {
			return errs.Operational(errs.KindDownloadFailure, "create temp file", err)
		}
		path := dest.Name()
		dest.Close()
		size, err := h.downloader.Download(ctx, f, path)
		if err != nil {
			os.Remove(path)
			return errs.DownloadFailure(f.Name, err)
		}
		f.LocalPath = path
		f.TotalSize = size
	}

	if f.TotalSize == 0 {
		f.ShouldSkip = true
		return errs.FileSkipped(f.Name, "zero bytes")
	}
	if f.TotalSize > h.maxSize {
		f.ShouldSkip = true
		return errs.FileSkipped(f.Name, fmt.Sprintf("size %d exceeds limit %d", f.TotalSize, h.maxSize))
	}
	return nil
}

// Fetch materializes f and converts it to text. Temp files created for a
// download outlive the call so handlers can read the bytes; the pipeline
// removes them once the entity is dispatched.
func (h *FileHandler) Fetch(ctx context.Context, f *entity.File) (string, error) {
	if err := h.Materialize(ctx, f); err != nil {
		return "", err
	}
	text, err := h.converter.Convert(ctx, f.LocalPath, f.MimeType)
	if err != nil {
		return "", errs.Operational(errs.KindDownloadFailure, fmt.Sprintf("convert %s", f.Name), err)
	}
	if strings.TrimSpace(text) == "" {
		f.ShouldSkip = true
		return "", errs.FileSkipped(f.Name, "conversion produced no text")
	}
	return text, nil
}

// Download implements Downloader over plain HTTP.
func (d HTTPDownloader) Download(ctx context.Context, f *entity.File, dest string) (int64, error) {
	if f.DownloadURL == "" {
		return 0, fmt.Errorf("file %s has no download url", f.Name)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.DownloadURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: status %d", f.Name, resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, resp.Body)
}

// Convert implements Converter by reading the file as UTF-8 text.
func (PlainTextConverter) Convert(_ context.Context, localPath, _ string) (string, error) {
	b, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
