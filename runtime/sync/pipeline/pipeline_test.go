package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/chunk"
	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
)

type hashKey struct {
	syncID uuid.UUID
	id     string
}

type memHashes struct {
	mu     sync.Mutex
	hashes map[hashKey]string
	seen   map[hashKey]uuid.UUID
}

func newMemHashes() *memHashes {
	return &memHashes{hashes: make(map[hashKey]string), seen: make(map[hashKey]uuid.UUID)}
}

func (m *memHashes) GetHash(_ context.Context, syncID, _ uuid.UUID, entityID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[hashKey{syncID, entityID}]
	return h, ok, nil
}

func (m *memHashes) UpsertHash(_ context.Context, syncID, _ uuid.UUID, entityID, hash string, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hashKey{syncID, entityID}
	m.hashes[k] = hash
	m.seen[k] = jobID
	return nil
}

func (m *memHashes) MarkSeen(_ context.Context, syncID, _ uuid.UUID, entityID string, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[hashKey{syncID, entityID}] = jobID
	return nil
}

func (m *memHashes) ListOrphans(_ context.Context, syncID, _ uuid.UUID, currentJobID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.hashes {
		if k.syncID == syncID && m.seen[k] != currentJobID {
			out = append(out, k.id)
		}
	}
	return out, nil
}

func (m *memHashes) DeleteEntities(_ context.Context, syncID, _ uuid.UUID, entityIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range entityIDs {
		k := hashKey{syncID, id}
		delete(m.hashes, k)
		delete(m.seen, k)
	}
	return nil
}

type fakeHandler struct {
	mu        sync.Mutex
	name      string
	batches   []*entity.Batch
	failUntil int
	permanent bool
	calls     int
	raw       bool
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) ProcessesRawEntities() bool { return h.raw }

func (h *fakeHandler) HandleBatch(_ context.Context, b *entity.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failUntil {
		if h.permanent {
			return errs.Permanent(errs.KindValidation, "schema rejected document", errors.New("400"))
		}
		return errs.Operational(errs.KindDestinationDown, "destination unavailable", errors.New("503"))
	}
	h.batches = append(h.batches, b)
	return nil
}

func (h *fakeHandler) DeleteEntities(context.Context, uuid.UUID, []string) error { return nil }

func (h *fakeHandler) Finalize(context.Context, destination.JobStats) error { return nil }

type fakeDense struct{}

func (fakeDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

func (fakeDense) Dimensions() int { return 1 }

// wordCounter treats each whitespace-separated word as one token.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func (wordCounter) Truncate(text string, maxTokens int) (string, string) {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text, ""
	}
	return strings.Join(words[:maxTokens], " "), strings.Join(words[maxTokens:], " ")
}

type countingProgress struct {
	mu      sync.Mutex
	actions map[entity.ActionType]int
	failed  int
}

func newCountingProgress() *countingProgress {
	return &countingProgress{actions: make(map[entity.ActionType]int)}
}

func (p *countingProgress) OnAction(t entity.ActionType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[t]++
}

func (p *countingProgress) OnFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
}

func newTestPipeline(t *testing.T, hashes HashStore, handlers []*fakeHandler, files *FileHandler) *Pipeline {
	t.Helper()
	splitter, err := chunk.New(chunk.Options{Counter: wordCounter{}, MaxTokens: 64, TargetTokens: 16})
	require.NoError(t, err)
	hs := make([]destination.Handler, 0, len(handlers))
	for _, h := range handlers {
		hs = append(hs, h)
	}
	p, err := New(Options{
		Hashes:       hashes,
		Splitter:     splitter,
		Dense:        fakeDense{},
		Handlers:     hs,
		Files:        files,
		HandlerRetry: errs.RetryPolicy{Attempts: 3, Base: time.Millisecond},
	})
	require.NoError(t, err)
	return p
}

func chunkEntity(id, text string) *entity.Chunk {
	return &entity.Chunk{
		Base: entity.Base{
			EntityID:   id,
			Name:       id,
			Fields:     map[string]any{"title": id},
			Embeddable: []string{"title"},
		},
		Text: text,
	}
}

func testScope() Scope {
	return Scope{
		SyncID:             uuid.New(),
		SourceConnectionID: uuid.New(),
		JobID:              uuid.New(),
		SourceName:         "notion",
	}
}

func TestProcessInsertThenSkipThenUpdate(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	ctx := context.Background()
	scope := testScope()
	progress := newCountingProgress()

	// First sight: insert.
	require.NoError(t, p.Process(ctx, chunkEntity("doc-1", "hello world"), scope, progress))
	assert.Equal(t, 1, progress.actions[entity.ActionInsert])
	require.Len(t, h.batches, 1)
	assert.Equal(t, entity.ActionInsert, h.batches[0].Actions()[0].Type)

	// Unchanged content: skip, no handler call, but seen is recorded.
	scope2 := scope
	scope2.JobID = uuid.New()
	require.NoError(t, p.Process(ctx, chunkEntity("doc-1", "hello world"), scope2, progress))
	assert.Equal(t, 1, progress.actions[entity.ActionSkip])
	assert.Len(t, h.batches, 1)
	assert.Equal(t, scope2.JobID, hashes.seen[hashKey{scope.SyncID, "doc-1"}])

	// Changed embeddable field: update.
	changed := chunkEntity("doc-1", "hello world")
	changed.Fields["title"] = "renamed"
	require.NoError(t, p.Process(ctx, changed, scope2, progress))
	assert.Equal(t, 1, progress.actions[entity.ActionUpdate])
	require.Len(t, h.batches, 2)
	assert.Equal(t, entity.ActionUpdate, h.batches[1].Actions()[0].Type)
	assert.Zero(t, progress.failed)
}

func TestProcessForceFullSyncReprocessesUnchanged(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	ctx := context.Background()
	scope := testScope()
	progress := newCountingProgress()

	require.NoError(t, p.Process(ctx, chunkEntity("doc-1", "hello"), scope, progress))

	forced := scope
	forced.JobID = uuid.New()
	forced.ForceFullSync = true
	require.NoError(t, p.Process(ctx, chunkEntity("doc-1", "hello"), forced, progress))
	assert.Equal(t, 1, progress.actions[entity.ActionUpdate])
	assert.Zero(t, progress.actions[entity.ActionSkip])
}

func TestProcessChunksAndEmbeds(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	progress := newCountingProgress()

	long := strings.Repeat("alpha beta gamma delta. ", 20)
	require.NoError(t, p.Process(context.Background(), chunkEntity("doc-1", long), testScope(), progress))
	require.Len(t, h.batches, 1)
	chunks := h.batches[0].Actions()[0].Chunks
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Dense)
		assert.LessOrEqual(t, c.TokenCount, 16)
	}
}

func TestProcessRetriesTransientHandlerFailure(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector", failUntil: 2}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	progress := newCountingProgress()

	require.NoError(t, p.Process(context.Background(), chunkEntity("doc-1", "hello"), testScope(), progress))
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 1, progress.actions[entity.ActionInsert])
	assert.Zero(t, progress.failed)
}

func TestProcessPermanentHandlerFailureFailsJob(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector", failUntil: 100, permanent: true}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	progress := newCountingProgress()

	err := p.Process(context.Background(), chunkEntity("doc-1", "hello"), testScope(), progress)
	require.Error(t, err)
	assert.Equal(t, 1, h.calls) // no retry on permanent errors
	assert.Equal(t, 1, progress.failed)
	// Hash must not be recorded for a failed dispatch.
	_, found, _ := hashes.GetHash(context.Background(), uuid.Nil, uuid.Nil, "doc-1")
	assert.False(t, found)
}

func TestProcessExhaustedRetriesCountsFailureWithoutFailingJob(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector", failUntil: 100}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	progress := newCountingProgress()

	err := p.Process(context.Background(), chunkEntity("doc-1", "hello"), testScope(), progress)
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 1, progress.failed)
}

func TestProcessMetadataOnlyEntityDispatchesWithoutChunks(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "snapshot"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, nil)
	progress := newCountingProgress()

	base := &entity.Base{
		EntityID:   "folder-1",
		Name:       "Reports",
		Fields:     map[string]any{"name": "Reports"},
		Embeddable: []string{"name"},
	}
	require.NoError(t, p.Process(context.Background(), base, testScope(), progress))
	require.Len(t, h.batches, 1)
	assert.Empty(t, h.batches[0].Actions()[0].Chunks)
	assert.Equal(t, 1, progress.actions[entity.ActionInsert])
}

func TestFileHandlerGatesAndConverts(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(src, []byte("# Title\n\nbody text"), 0o600))

	fh := NewFileHandler(FileOptions{
		Downloader:        copyDownloader{src: src},
		AllowedExtensions: []string{".md"},
		TmpDir:            dir,
	})

	f := &entity.File{
		Base:        entity.Base{EntityID: "file-1", Name: "doc.md"},
		DownloadURL: "https://example.test/doc.md",
		MimeType:    "text/markdown",
	}
	text, err := fh.Fetch(context.Background(), f)
	require.NoError(t, err)
	assert.Contains(t, text, "body text")
	assert.Greater(t, f.TotalSize, int64(0))

	// Unsupported extension is a benign skip.
	bad := &entity.File{Base: entity.Base{EntityID: "file-2", Name: "photo.png"}}
	_, err = fh.Fetch(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindFileSkipped))
	assert.True(t, bad.ShouldSkip)
}

func TestFileHandlerSkipsZeroByteFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(src, nil, 0o600))

	fh := NewFileHandler(FileOptions{Downloader: copyDownloader{src: src}, TmpDir: dir})
	f := &entity.File{Base: entity.Base{EntityID: "file-3", Name: "empty.txt"}}
	_, err := fh.Fetch(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindFileSkipped))
	assert.True(t, f.ShouldSkip)
}

func TestFileEntityFlowsThroughPipelineAsSkipWhenGated(t *testing.T) {
	dir := t.TempDir()
	fh := NewFileHandler(FileOptions{AllowedExtensions: []string{".md"}, TmpDir: dir})
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, fh)
	progress := newCountingProgress()

	f := &entity.File{
		Base: entity.Base{
			EntityID:   "file-4",
			Name:       "binary.exe",
			Fields:     map[string]any{"name": "binary.exe"},
			Embeddable: []string{"name"},
		},
	}
	require.NoError(t, p.Process(context.Background(), f, testScope(), progress))
	assert.Equal(t, 1, progress.actions[entity.ActionSkip])
	assert.Empty(t, h.batches)
	assert.Zero(t, progress.failed)
}

func TestFileHandlerUsesMaterializedLocalPath(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "stored.md")
	require.NoError(t, os.WriteFile(local, []byte("replayed body"), 0o600))

	fh := NewFileHandler(FileOptions{Downloader: failingDownloader{}, TmpDir: dir})
	f := &entity.File{
		Base:      entity.Base{EntityID: "file-5", Name: "stored.md"},
		LocalPath: local,
	}
	text, err := fh.Fetch(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "replayed body", text)
	assert.Equal(t, int64(len("replayed body")), f.TotalSize)
	// The pre-materialized file stays in place.
	_, err = os.Stat(local)
	require.NoError(t, err)
}

func TestProcessRemovesDownloadedTempAfterDispatch(t *testing.T) {
	srcDir := t.TempDir()
	tmpDir := t.TempDir()
	src := filepath.Join(srcDir, "doc.md")
	require.NoError(t, os.WriteFile(src, []byte("body"), 0o600))

	fh := NewFileHandler(FileOptions{Downloader: copyDownloader{src: src}, TmpDir: tmpDir})
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	p := newTestPipeline(t, hashes, []*fakeHandler{h}, fh)
	progress := newCountingProgress()

	f := &entity.File{
		Base: entity.Base{
			EntityID:   "file-6",
			Name:       "doc.md",
			Fields:     map[string]any{"name": "doc.md"},
			Embeddable: []string{"name"},
		},
		DownloadURL: "https://example.test/doc.md",
	}
	require.NoError(t, p.Process(context.Background(), f, testScope(), progress))
	require.Len(t, h.batches, 1)

	left, err := filepath.Glob(filepath.Join(tmpDir, "airweave-file-*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

type failingDownloader struct{}

func (failingDownloader) Download(context.Context, *entity.File, string) (int64, error) {
	return 0, errors.New("no live source available")
}

// groupEntity carries the member rows of one access-control group.
type groupEntity struct {
	entity.Base
	members []string
}

func (g *groupEntity) Kind() entity.Kind { return entity.KindChunk }

func (g *groupEntity) MembershipActions() []entity.MembershipAction {
	out := make([]entity.MembershipAction, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, entity.MembershipAction{
			Type:       entity.MembershipUpsert,
			Member:     m,
			MemberType: "user",
			Group:      g.Name,
		})
	}
	return out
}

type memMemberships struct {
	mu      sync.Mutex
	actions []entity.MembershipAction
}

func (m *memMemberships) HandleMemberships(_ context.Context, actions []entity.MembershipAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, actions...)
	return nil
}

func TestProcessAppliesMembershipRowsBeforeDispatch(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "vector"}
	members := &memMemberships{}
	splitter, err := chunk.New(chunk.Options{Counter: wordCounter{}, MaxTokens: 64, TargetTokens: 16})
	require.NoError(t, err)
	p, err := New(Options{
		Hashes:      hashes,
		Splitter:    splitter,
		Dense:       fakeDense{},
		Handlers:    []destination.Handler{h},
		Memberships: members,
	})
	require.NoError(t, err)
	progress := newCountingProgress()

	g := &groupEntity{
		Base: entity.Base{
			EntityID:   "group-eng",
			Name:       "engineering",
			Fields:     map[string]any{"name": "engineering"},
			Embeddable: []string{"name"},
		},
		members: []string{"alice", "bob"},
	}
	require.NoError(t, p.Process(context.Background(), g, testScope(), progress))
	require.Len(t, h.batches, 1)
	require.Len(t, members.actions, 2)
	assert.Equal(t, entity.MembershipUpsert, members.actions[0].Type)
	assert.Equal(t, "alice", members.actions[0].Member)
	assert.Equal(t, "engineering", members.actions[0].Group)
	assert.Equal(t, 1, progress.actions[entity.ActionInsert])
}

func TestProcessRawOnlySkipsChunkingAndEmbedding(t *testing.T) {
	hashes := newMemHashes()
	h := &fakeHandler{name: "snapshot", raw: true}
	dense := &trackingDense{}
	splitter, err := chunk.New(chunk.Options{Counter: wordCounter{}, MaxTokens: 64, TargetTokens: 16})
	require.NoError(t, err)
	p, err := New(Options{
		Hashes:   hashes,
		Splitter: splitter,
		Dense:    dense,
		Handlers: []destination.Handler{h},
	})
	require.NoError(t, err)
	progress := newCountingProgress()

	long := strings.Repeat("alpha beta gamma delta. ", 20)
	require.NoError(t, p.Process(context.Background(), chunkEntity("doc-1", long), testScope(), progress))
	require.Len(t, h.batches, 1)
	assert.Empty(t, h.batches[0].Actions()[0].Chunks)
	assert.Zero(t, dense.calls)
}

func TestProcessMixedHandlersRawGetsChunklessCopy(t *testing.T) {
	hashes := newMemHashes()
	vector := &fakeHandler{name: "vector"}
	snapshot := &fakeHandler{name: "snapshot", raw: true}
	p := newTestPipeline(t, hashes, []*fakeHandler{vector, snapshot}, nil)
	progress := newCountingProgress()

	long := strings.Repeat("alpha beta gamma delta. ", 20)
	require.NoError(t, p.Process(context.Background(), chunkEntity("doc-1", long), testScope(), progress))
	require.Len(t, vector.batches, 1)
	require.Len(t, snapshot.batches, 1)
	assert.NotEmpty(t, vector.batches[0].Actions()[0].Chunks)
	assert.Empty(t, snapshot.batches[0].Actions()[0].Chunks)
	assert.Equal(t, "doc-1", snapshot.batches[0].Actions()[0].Entity.ID())
}

type trackingDense struct {
	mu    sync.Mutex
	calls int
}

func (d *trackingDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (d *trackingDense) Dimensions() int { return 1 }

type copyDownloader struct{ src string }

func (d copyDownloader) Download(_ context.Context, _ *entity.File, dest string) (int64, error) {
	b, err := os.ReadFile(d.src)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(dest, b, 0o600); err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}
