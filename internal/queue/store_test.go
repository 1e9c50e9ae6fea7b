package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	return s
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNew_CreatesStagingDirs(t *testing.T) {
	s := newTestStore(t)
	assert.DirExists(t, filepath.Join(s.Root(), PendingDir))
	assert.DirExists(t, filepath.Join(s.Root(), SentDir))
	assert.DirExists(t, filepath.Join(s.Root(), ErrorDir))
}

func TestEnqueue_CopiesIntoParentFolder(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, filepath.Join(t.TempDir(), "Acme Corp"), "report.pdf", "visit")

	require.True(t, s.Enqueue(src))

	pending := s.ListPending()
	require.Len(t, pending, 1)
	item := pending[0]
	assert.Equal(t, "Acme Corp/report.pdf", item.RelPath)
	assert.Equal(t, "Acme Corp", item.RemoteFolder)
	assert.Equal(t, "report.pdf", item.Name)
	assert.EqualValues(t, 5, item.Size)
	assert.FileExists(t, src, "source must be left in place")
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, filepath.Join(t.TempDir(), "client"), "a.pdf", "1")

	assert.True(t, s.Enqueue(src))
	assert.False(t, s.Enqueue(src))
	assert.Len(t, s.ListPending(), 1)
}

func TestEnqueue_SkipsAlreadySent(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, filepath.Join(t.TempDir(), "client"), "a.pdf", "1")

	require.True(t, s.Enqueue(src))
	require.NoError(t, s.MarkSent(s.ListPending()[0]))

	assert.False(t, s.Enqueue(src))
	assert.Empty(t, s.ListPending())
	assert.Len(t, s.ListSent(), 1)
}

func TestEnqueue_NeverFailsLoudly(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	assert.False(t, s.Enqueue(""))
	assert.False(t, s.Enqueue(filepath.Join(dir, "missing.pdf")))
	assert.False(t, s.Enqueue(dir))
	assert.False(t, s.Enqueue(writeSource(t, dir, ".DS_Store", "x")))
	assert.False(t, s.Enqueue(writeSource(t, dir, "~$report.docx", "x")))
	assert.Empty(t, s.ListPending())
}

func TestMarkSent_MovesAndOverwrites(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, filepath.Join(t.TempDir(), "client"), "a.pdf", "fresh")
	require.True(t, s.Enqueue(src))

	stale := filepath.Join(s.Root(), SentDir, "client", "a.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))
	item := s.ListPending()[0]

	require.NoError(t, s.MarkSent(item))

	assert.Empty(t, s.ListPending())
	sent := s.ListSent()
	require.Len(t, sent, 1)
	data, err := os.ReadFile(sent[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
	assert.NoDirExists(t, filepath.Join(s.Root(), PendingDir, "client"))
}

func TestMarkSent_MissingItemReturnsError(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkSent(&Item{Path: filepath.Join(s.Root(), PendingDir, "x", "gone.pdf"), RelPath: "x/gone.pdf"})
	assert.ErrorIs(t, err, ErrLocalIO)
}

func TestMarkError_WritesSidecarAndRequeueRestores(t *testing.T) {
	s := newTestStore(t)
	src := writeSource(t, filepath.Join(t.TempDir(), "client"), "a.pdf", "data")
	require.True(t, s.Enqueue(src))

	item := s.ListPending()[0]
	require.NoError(t, s.MarkError(item, &Failure{Kind: "bad_request", Message: "name too long", Attempts: 1}))

	assert.Empty(t, s.ListPending())
	errs := s.ListErrors()
	require.Len(t, errs, 1, "sidecars must not be listed as items")
	require.NotNil(t, errs[0].Failure)
	assert.Equal(t, "bad_request", errs[0].Failure.Kind)
	assert.Equal(t, "name too long", errs[0].Failure.Message)
	assert.False(t, errs[0].Failure.Timestamp.IsZero())

	sidecar := filepath.Join(s.Root(), ErrorDir, "client", "a.pdf"+SidecarSuffix)
	assert.FileExists(t, sidecar)
	assert.Equal(t, Counts{Pending: 0, Sent: 0, Errors: 1}, s.Counts())

	assert.Equal(t, 1, s.RequeueErrors())

	assert.NoFileExists(t, sidecar)
	assert.Empty(t, s.ListErrors())
	pending := s.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "client/a.pdf", pending[0].RelPath)
}

func TestRequeueErrors_Empty(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 0, s.RequeueErrors())
}

func TestListPendingBatch_OldestFirstAndBounded(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	names := []string{"c.pdf", "a.pdf", "d.pdf", "b.pdf"}
	for i, name := range names {
		p := filepath.Join(s.Root(), PendingDir, "client", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}

	batch := s.ListPendingBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "c.pdf", batch[0].Name)
	assert.Equal(t, "a.pdf", batch[1].Name)

	all := s.ListPendingBatch(0)
	require.Len(t, all, 4)
	assert.Equal(t, "b.pdf", all[3].Name)
}

func TestList_SkipsPartialAndIgnoredFiles(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Root(), PendingDir, "client")
	writeSource(t, dir, "ok.pdf", "1")
	writeSource(t, dir, "ok.pdf.part", "1")
	writeSource(t, dir, "Thumbs.db", "1")

	pending := s.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "ok.pdf", pending[0].Name)
}

func TestIgnoreFile_AddsRules(t *testing.T) {
	root := filepath.Join(t.TempDir(), "queue")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ignoreFileName), []byte("# drafts\n*.draft\n"), 0o644))

	s, err := New(root)
	require.NoError(t, err)

	src := writeSource(t, filepath.Join(t.TempDir(), "client"), "notes.draft", "x")
	assert.False(t, s.Enqueue(src))
	assert.Equal(t, 1, s.ignore.rules)
}

func TestPurgeSent(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Root(), SentDir, "client")
	old := writeSource(t, dir, "old.pdf", "1")
	writeSource(t, dir, "new.pdf", "1")
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	assert.Equal(t, 0, s.PurgeSent(0))
	assert.Equal(t, 1, s.PurgeSent(24*time.Hour))
	sent := s.ListSent()
	require.Len(t, sent, 1)
	assert.Equal(t, "new.pdf", sent[0].Name)
}
