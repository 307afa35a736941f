package docsmirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/testutil"
)

const project = "ACME"

func newMirror(t *testing.T) (*Mirror, *testutil.FakeDocs, adapters.Book) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	docs := testutil.NewFakeDocs()
	book := adapters.Book{ID: "book-1", Name: "Handbook", Slug: "handbook"}
	docs.Books = []adapters.Book{book}

	m := New(docs, st, Config{
		RootDir:    t.TempDir(),
		DocsSubdir: "docs",
		EchoWindow: DefaultEchoWindow,
	})
	return m, docs, book
}

func writeLocal(t *testing.T, m *Mirror, bookSlug, relPath, content string) string {
	t.Helper()
	full := filepath.Join(m.BookDir(project, bookSlug), relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "My Page", ExtractTitle("# My Page\n\nBody."))
	assert.Equal(t, "My Page", ExtractTitle("\n\n# My Page"))
	assert.Equal(t, "", ExtractTitle("## Not top level\n# Later"))
	assert.Equal(t, "", ExtractTitle("no heading at all"))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "getting-started", Slug("Getting Started"))
	assert.Equal(t, "faq-v2", Slug("FAQ (v2)"))
	assert.Equal(t, "a-b", Slug("--A  B--"))
}

func TestImportCreateRequiresTitle(t *testing.T) {
	m, docs, book := newMirror(t)
	writeLocal(t, m, book.Slug, "untitled.md", "just text, no heading\n")

	res, err := m.ImportFile(context.Background(), project, book, "untitled.md")
	require.NoError(t, err)
	assert.Equal(t, "skipped", res.Action)
	assert.Equal(t, SkipNoTitleHeading, res.SkipReason)
	assert.Empty(t, docs.CreatePageCalls)
}

func TestImportCreatesPageAndChapter(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()
	writeLocal(t, m, book.Slug, "setup/install.md", "# Install Guide\n\nSteps.\n")

	res, err := m.ImportFile(ctx, project, book, filepath.Join("setup", "install.md"))
	require.NoError(t, err)
	assert.Equal(t, "created", res.Action)

	// Chapter auto-created because "setup" is not the book slug.
	require.Len(t, docs.Chapters, 1)
	page := docs.Pages[res.PageID]
	require.NotNil(t, page)
	assert.Equal(t, "Install Guide", page.Name)
	assert.NotEmpty(t, page.ChapterID)

	row, err := m.Store.GetPageByPath(ctx, project, filepath.Join("setup", "install.md"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.DirectionImport, row.SyncDirection)
}

func TestImportEchoGuardSuppressesFreshExports(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	writeLocal(t, m, book.Slug, "page.md", "# Page\n\nexported content\n")
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:       "page-1",
		BookSlug:     book.Slug,
		Project:      project,
		LocalPath:    "page.md",
		ContentHash:  "stale-hash",
		LastExportAt: time.Now().UTC(),
	}))

	res, err := m.ImportFile(ctx, project, book, "page.md")
	require.NoError(t, err)
	assert.Equal(t, SkipEchoLoop, res.SkipReason)
	assert.Empty(t, docs.UpdatePageCalls)
}

func TestImportNoChangeSkips(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	content := "# Page\n\nsame content\n"
	writeLocal(t, m, book.Slug, "page.md", content)
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:      "page-1",
		BookSlug:    book.Slug,
		Project:     project,
		LocalPath:   "page.md",
		ContentHash: HashContent([]byte(content)),
	}))

	res, err := m.ImportFile(ctx, project, book, "page.md")
	require.NoError(t, err)
	assert.Equal(t, SkipNoChange, res.SkipReason)
	assert.Empty(t, docs.UpdatePageCalls)
}

func TestExportThenImportIsNoop(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	docs.SeedPage(&adapters.Page{
		ID: "page-9", BookID: book.ID, Name: "Guide", Slug: "guide",
		Markdown: "# Guide\n\nremote body\n", UpdatedAt: time.Now().UTC(),
	})

	stats, err := m.Reconcile(ctx, project, book)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Exported)

	// Re-importing the freshly exported file must be a no-op (echo guard,
	// then no_change once the window passes; either way no remote write).
	res, err := m.ImportFile(ctx, project, book, "guide.md")
	require.NoError(t, err)
	assert.Equal(t, "skipped", res.Action)
	assert.Empty(t, docs.UpdatePageCalls)
}

func TestReconcileConflictDocsWins(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	// Tracked page with stored hashes from the last quiesced pass.
	base := "# Page\n\noriginal\n"
	writeLocal(t, m, book.Slug, filepath.Join("chap", "page.md"), "# Page\n\nlocal edit A'\n")
	docs.Chapters["chapter-7"] = &adapters.Chapter{ID: "chapter-7", BookID: book.ID, Name: "Chap", Slug: "chap"}
	remote := "# Page\n\nremote edit B\n"
	docs.SeedPage(&adapters.Page{
		ID: "page-3", BookID: book.ID, ChapterID: "chapter-7",
		Name: "Page", Slug: "page", Markdown: remote, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:      "page-3",
		BookSlug:    book.Slug,
		ChapterID:   "chapter-7",
		Project:     project,
		LocalPath:   filepath.Join("chap", "page.md"),
		ContentHash: HashContent([]byte(base)),
		RemoteHash:  HashContent([]byte(base)),
	}))

	stats, err := m.Reconcile(ctx, project, book)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	// Local file replaced by the remote content.
	got, err := os.ReadFile(filepath.Join(m.BookDir(project, book.Slug), "chap", "page.md"))
	require.NoError(t, err)
	assert.Equal(t, remote, string(got))

	row, err := m.Store.GetPage(ctx, "page-3")
	require.NoError(t, err)
	assert.Equal(t, HashContent([]byte(remote)), row.ContentHash)
	assert.Equal(t, store.DirectionExport, row.SyncDirection)
}

func TestReconcileLocalOnlyChangeImports(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	base := "# Page\n\noriginal\n"
	local := "# Page\n\nlocal only edit\n"
	writeLocal(t, m, book.Slug, "page.md", local)
	docs.SeedPage(&adapters.Page{
		ID: "page-4", BookID: book.ID, Name: "Page", Slug: "page",
		Markdown: base, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:      "page-4",
		BookSlug:    book.Slug,
		Project:     project,
		LocalPath:   "page.md",
		ContentHash: HashContent([]byte(base)),
		RemoteHash:  HashContent([]byte(base)),
	}))

	stats, err := m.Reconcile(ctx, project, book)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, []string{"page-4"}, docs.UpdatePageCalls)
	assert.Equal(t, local, docs.Pages["page-4"].Markdown)
}

func TestReconcileLocalDeletionLeavesRemote(t *testing.T) {
	m, docs, book := newMirror(t)
	ctx := context.Background()

	base := "# Page\n\noriginal\n"
	docs.SeedPage(&adapters.Page{
		ID: "page-5", BookID: book.ID, Name: "Page", Slug: "page",
		Markdown: base, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:      "page-5",
		BookSlug:    book.Slug,
		Project:     project,
		LocalPath:   "page.md",
		ContentHash: HashContent([]byte(base)),
		RemoteHash:  HashContent([]byte(base)),
	}))
	// Local file intentionally absent.

	stats, err := m.Reconcile(ctx, project, book)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Exported)
	assert.Equal(t, 0, stats.Deleted)
	// Remote untouched.
	assert.Equal(t, base, docs.Pages["page-5"].Markdown)
}

func TestReconcileRemoteDeletionRemovesLocal(t *testing.T) {
	m, _, book := newMirror(t)
	ctx := context.Background()

	base := "# Page\n\noriginal\n"
	full := writeLocal(t, m, book.Slug, "gone.md", base)
	require.NoError(t, m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:      "page-6",
		BookSlug:    book.Slug,
		Project:     project,
		LocalPath:   "gone.md",
		ContentHash: HashContent([]byte(base)),
		RemoteHash:  HashContent([]byte(base)),
	}))

	stats, err := m.Reconcile(ctx, project, book)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, statErr := os.Stat(full)
	assert.True(t, os.IsNotExist(statErr))

	row, err := m.Store.GetPage(ctx, "page-6")
	require.NoError(t, err)
	assert.Equal(t, store.PageDeletedRemote, row.SyncStatus)
}
