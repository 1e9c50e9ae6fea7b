package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/visitsync/internal/auth"
	"github.com/openmined/visitsync/internal/changeindex"
	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/remote"
	"github.com/openmined/visitsync/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDownloader(t *testing.T, d *remotetest.Drive, cfg Config, opts ...Option) *Downloader {
	t.Helper()
	client, err := remote.New(d.Config(), auth.Static("test-token"))
	require.NoError(t, err)

	if cfg.TargetDir == "" {
		cfg.TargetDir = t.TempDir()
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	dl, err := New(cfg, client, auth.Static("test-token"), opts...)
	require.NoError(t, err)
	return dl
}

func seed(d *remotetest.Drive) {
	d.PutFile("RPT-1001.pdf", []byte("report 1001"))
	d.PutFile("rpt-1002.PDF", []byte("report 1002"))
	d.PutFile("RPT-1003.docx", []byte("not a pdf"))
	d.PutFile("INV-1.pdf", []byte("invoice"))
	d.PutFile("Visits/Acme/RPT-2001.pdf", []byte("nested"))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoTargetDir)
	_, err = New(Config{TargetDir: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestSync_DownloadsMatchingFiles(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}, SkipUnchanged: true})

	res, err := dl.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Downloaded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int64(22), res.Bytes)

	got, err := os.ReadFile(filepath.Join(dl.cfg.TargetDir, "RPT-1001.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "report 1001", string(got))
	assert.FileExists(t, filepath.Join(dl.cfg.TargetDir, "rpt-1002.PDF"))
	assert.NoFileExists(t, filepath.Join(dl.cfg.TargetDir, "RPT-1003.docx"))

	assert.Equal(t, 2, dl.Index().Len())
	assert.FileExists(t, filepath.Join(dl.cfg.TargetDir, changeindex.FileName))
}

func TestSync_SkipsUnchanged(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}, SkipUnchanged: true})
	ctx := context.Background()

	_, err := dl.Sync(ctx, nil)
	require.NoError(t, err)
	downloads := d.Count(http.MethodGet, "/content")

	res, err := dl.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Downloaded)
	assert.Equal(t, downloads, d.Count(http.MethodGet, "/content"))

	d.PutFile("RPT-1001.pdf", []byte("report 1001 v2"))
	res, err = dl.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)

	got, err := os.ReadFile(filepath.Join(dl.cfg.TargetDir, "RPT-1001.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "report 1001 v2", string(got))
}

func TestSync_IndexSurvivesRestart(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	target := t.TempDir()

	first := newDownloader(t, d, Config{TargetDir: target, Prefixes: []string{"RPT-"}, SkipUnchanged: true})
	_, err := first.Sync(context.Background(), nil)
	require.NoError(t, err)

	second := newDownloader(t, d, Config{TargetDir: target, Prefixes: []string{"RPT-"}, SkipUnchanged: true})
	res, err := second.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Downloaded)
}

func TestSync_WithoutSkipAlwaysDownloads(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}, SkipUnchanged: false})

	for range 2 {
		res, err := dl.Sync(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Downloaded)
		assert.Zero(t, res.Skipped)
	}
}

func TestSync_FallsBackToSearch(t *testing.T) {
	d := remotetest.New(t)
	d.SetRejectFilter(true)
	seed(d)
	d.PutFile("Visits/XRPT-9.pdf", []byte("contains but does not start with prefix"))
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}})

	res, err := dl.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates, "search is recursive")
	assert.Equal(t, 3, res.Downloaded)
	assert.Equal(t, 1, d.Count(http.MethodGet, "/root/children"))
	assert.Equal(t, 1, d.Count(http.MethodGet, "search("))
	assert.FileExists(t, filepath.Join(dl.cfg.TargetDir, "RPT-2001.pdf"))
	assert.NoFileExists(t, filepath.Join(dl.cfg.TargetDir, "XRPT-9.pdf"))
}

func TestSync_SameNameInDifferentFoldersKeepsNewest(t *testing.T) {
	d := remotetest.New(t)
	d.SetRejectFilter(true)
	d.PutFile("RPT-1.pdf", []byte("root copy"))
	time.Sleep(5 * time.Millisecond)
	d.PutFile("Visits/Acme/rpt-1.PDF", []byte("acme copy"))
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}, SkipUnchanged: true})
	ctx := context.Background()

	res, err := dl.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, d.Count(http.MethodGet, "/content"))

	entries, err := os.ReadDir(dl.cfg.TargetDir)
	require.NoError(t, err)
	var pdfs []string
	for _, e := range entries {
		if e.Name() != changeindex.FileName {
			pdfs = append(pdfs, e.Name())
		}
	}
	require.Equal(t, []string{"rpt-1.PDF"}, pdfs)
	got, err := os.ReadFile(filepath.Join(dl.cfg.TargetDir, "rpt-1.PDF"))
	require.NoError(t, err)
	assert.Equal(t, "acme copy", string(got))
	assert.Equal(t, 1, dl.Index().Len())

	res, err = dl.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Downloaded)
	assert.Equal(t, 1, d.Count(http.MethodGet, "/content"))
}

func TestUniqueNames(t *testing.T) {
	dl := &Downloader{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	items := []*remote.Item{
		{ID: "b", Name: "RPT-1.pdf", LastModified: t0.Add(time.Hour)},
		{ID: "c", Name: "RPT-2.pdf", LastModified: t0},
		{ID: "a", Name: "rpt-1.pdf", LastModified: t0},
		{ID: "e", Name: "RPT-2.pdf", LastModified: t0},
		{ID: "d", Name: "RPT-2.pdf", LastModified: t0},
	}

	got, conflicts := dl.uniqueNames(items)
	assert.Equal(t, 3, conflicts)
	ids := make([]string, 0, len(got))
	for _, item := range got {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids, "newest wins, equal times break on lowest id")
}

func TestSync_MergesAndDeduplicatesPrefixes(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}})

	res, err := dl.Sync(context.Background(), []string{"RPT-", " ", "RPT-1001", "INV-"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Count(http.MethodGet, "/root/children"), "one query per distinct prefix")
	assert.Equal(t, 3, res.Candidates, "overlapping prefixes yield each item once")
	assert.Equal(t, 3, res.Downloaded)
}

func TestSync_ItemFailureDoesNotAbortBatch(t *testing.T) {
	d := remotetest.New(t)
	seed(d)
	bad := d.PutFile("RPT-9999.pdf", []byte("broken"))
	d.Fail(remotetest.Fault{Method: http.MethodGet, Contains: "/items/" + bad.ID + "/content", Status: http.StatusInternalServerError})

	bus := events.NewBus()
	var failed, downloaded int
	bus.Observe(func(e events.Event) {
		switch e.Kind {
		case events.KindFileDownloadFailed:
			failed++
		case events.KindFileDownloaded:
			downloaded++
		}
	})
	dl := newDownloader(t, d, Config{Prefixes: []string{"RPT-"}, SkipUnchanged: true, Workers: 1}, WithEvents(bus))

	res, err := dl.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, downloaded)

	assert.True(t, dl.Index().ShouldDownload(bad.ID, bad.ETag, true), "failed items are not recorded")
	assert.NoFileExists(t, filepath.Join(dl.cfg.TargetDir, "RPT-9999.pdf"))
}

func TestSync_NoPrefixes(t *testing.T) {
	d := remotetest.New(t)
	dl := newDownloader(t, d, Config{})

	res, err := dl.Sync(context.Background(), []string{"", "  "})
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, d.Requests())
}

func TestSync_TokenFailure(t *testing.T) {
	d := remotetest.New(t)
	client, err := remote.New(d.Config(), auth.Static("test-token"))
	require.NoError(t, err)

	dl, err := New(Config{TargetDir: t.TempDir(), Prefixes: []string{"RPT-"}}, client, auth.Func(func(context.Context) (string, error) {
		return "", errors.New("no session")
	}))
	require.NoError(t, err)

	_, err = dl.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
	assert.Empty(t, d.Requests())
}

func TestMatchesAny(t *testing.T) {
	d := newDownloader(t, remotetest.New(t), Config{})
	set := d.prefixes([]string{"RPT-", "A[1]"})

	assert.True(t, matchesAny("RPT-1.pdf", set, ".pdf"))
	assert.True(t, matchesAny("rpt-1.PDF", set, ".pdf"))
	assert.True(t, matchesAny("A[1] visit.pdf", set, ".pdf"))
	assert.False(t, matchesAny("A1 visit.pdf", set, ".pdf"))
	assert.False(t, matchesAny("RPT-1.pdf.bak", set, ".pdf"))
	assert.False(t, matchesAny("XRPT-1.pdf", set, ".pdf"))
	assert.True(t, matchesAny("RPT-1.docx", set, ""))
}
