// Package docsmirror keeps a local markdown directory tree and a Docs book
// in agreement. Per-file SHA-256 content hashes are the identity primitive;
// a configurable echo window suppresses re-imports of freshly exported
// files; when both sides changed, Docs wins.
package docsmirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/store"
)

// DefaultEchoWindow is how long after an export an import of the same file
// is treated as an echo of our own write and suppressed.
const DefaultEchoWindow = 60 * time.Second

// Skip reasons reported by single-file import.
const (
	SkipEchoLoop       = "echo_loop_guard"
	SkipNoChange       = "no_change"
	SkipNoTitleHeading = "no_title_heading"
)

// Config locates the local tree. Pages for project P and book B live under
// {RootDir}/{P}/{DocsSubdir}/{B}/[chapterSlug/]*.md.
type Config struct {
	RootDir    string
	DocsSubdir string
	EchoWindow time.Duration
}

func (c Config) echoWindow() time.Duration {
	if c.EchoWindow > 0 {
		return c.EchoWindow
	}
	return DefaultEchoWindow
}

// Stats accumulates one pass's outcomes.
type Stats struct {
	Imported  int // local -> Docs updates
	Exported  int // Docs -> local writes
	Created   int // new Docs pages from local files
	Deleted   int // local files removed after remote deletion
	Conflicts int // both sides changed, Docs won
	Skipped   int
	Errors    []string
}

// Mirror is the bidirectional folder <-> book engine. One mutator per
// project directory; callers serialize passes per project.
type Mirror struct {
	Docs  adapters.DocsAdapter
	Store *store.Store
	Cfg   Config

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)
}

// New creates a mirror engine.
func New(docs adapters.DocsAdapter, st *store.Store, cfg Config) *Mirror {
	return &Mirror{Docs: docs, Store: st, Cfg: cfg}
}

func (m *Mirror) message(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("mirror: %s\n", msg)
	if m.OnMessage != nil {
		m.OnMessage(msg)
	}
}

func (m *Mirror) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("mirror: WARN %s\n", msg)
	if m.OnWarning != nil {
		m.OnWarning(msg)
	}
}

// BookDir returns the local directory mirroring the given book.
func (m *Mirror) BookDir(project, bookSlug string) string {
	return filepath.Join(m.Cfg.RootDir, project, m.Cfg.DocsSubdir, bookSlug)
}

// HashContent returns the hex SHA-256 of content, the page identity.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Slug derives a Docs-style slug: lowercased, runs of non-alphanumerics
// collapsed to single dashes, trimmed.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
		} else if !dash {
			b.WriteRune('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// ExtractTitle returns the text of the document's first heading, which must
// be a top-level "# Title". Returns "" when the document has no usable
// title.
func ExtractTitle(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if strings.HasPrefix(trimmed, "# ") {
				return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			}
			return "" // first heading is not an H1
		}
	}
	return ""
}

// ImportResult is the outcome of a single-file import.
type ImportResult struct {
	Action     string // "updated", "created", "skipped"
	SkipReason string
	PageID     string
}

// ImportFile pushes one locally edited file to Docs. relPath is relative to
// the book directory.
func (m *Mirror) ImportFile(ctx context.Context, project string, book adapters.Book, relPath string) (*ImportResult, error) {
	fullPath := filepath.Join(m.BookDir(project, book.Slug), relPath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", relPath, err)
	}
	hash := HashContent(content)

	row, err := m.Store.GetPageByPath(ctx, project, relPath)
	if err != nil {
		return nil, err
	}

	if row != nil {
		if since := time.Since(row.LastExportAt); !row.LastExportAt.IsZero() && since < m.Cfg.echoWindow() {
			m.message("skip %s: exported %s ago (echo window %s)", relPath, since.Round(time.Second), m.Cfg.echoWindow())
			return &ImportResult{Action: "skipped", SkipReason: SkipEchoLoop, PageID: row.PageID}, nil
		}
		if hash == row.ContentHash {
			return &ImportResult{Action: "skipped", SkipReason: SkipNoChange, PageID: row.PageID}, nil
		}
		return m.updateRemote(ctx, project, book, row, relPath, content, hash)
	}

	return m.createRemote(ctx, project, book, relPath, content, hash)
}

func (m *Mirror) updateRemote(ctx context.Context, project string, book adapters.Book, row *store.DocsPage, relPath string, content []byte, hash string) (*ImportResult, error) {
	updated, err := m.Docs.UpdatePage(ctx, row.PageID, adapters.PageInput{Markdown: string(content)})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", relPath, err)
	}
	now := time.Now().UTC()
	row.ContentHash = hash
	row.RemoteHash = hash
	row.LocalModifiedAt = now
	row.RemoteModifiedAt = updated.UpdatedAt
	row.LastImportAt = now
	row.SyncDirection = store.DirectionImport
	row.SyncStatus = store.PageSynced
	if err := m.Store.UpsertPage(ctx, row); err != nil {
		return nil, err
	}
	m.message("imported %s -> page %s", relPath, row.PageID)
	return &ImportResult{Action: "updated", PageID: row.PageID}, nil
}

func (m *Mirror) createRemote(ctx context.Context, project string, book adapters.Book, relPath string, content []byte, hash string) (*ImportResult, error) {
	title := ExtractTitle(string(content))
	if title == "" {
		m.warn("skip %s: no title heading", relPath)
		return &ImportResult{Action: "skipped", SkipReason: SkipNoTitleHeading}, nil
	}

	chapterID, err := m.chapterFor(ctx, book, relPath)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", relPath, err)
	}

	created, err := m.Docs.CreatePage(ctx, adapters.PageInput{
		BookID:    book.ID,
		ChapterID: chapterID,
		Name:      title,
		Markdown:  string(content),
	})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", relPath, err)
	}
	now := time.Now().UTC()
	err = m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:           created.ID,
		BookSlug:         book.Slug,
		ChapterID:        chapterID,
		Project:          project,
		LocalPath:        relPath,
		ContentHash:      hash,
		RemoteHash:       hash,
		LocalModifiedAt:  now,
		RemoteModifiedAt: created.UpdatedAt,
		LastImportAt:     now,
		SyncDirection:    store.DirectionImport,
		SyncStatus:       store.PageSynced,
	})
	if err != nil {
		return nil, err
	}
	m.message("created page %s from %s", created.ID, relPath)
	return &ImportResult{Action: "created", PageID: created.ID}, nil
}

// chapterFor resolves (creating when needed) the chapter a file belongs to.
// Files in the book root have no chapter; a subdirectory whose slug differs
// from the book's becomes a chapter.
func (m *Mirror) chapterFor(ctx context.Context, book adapters.Book, relPath string) (string, error) {
	dir := filepath.Dir(relPath)
	if dir == "." || dir == "" {
		return "", nil
	}
	chapterSlug := Slug(filepath.Base(dir))
	if chapterSlug == book.Slug {
		return "", nil
	}
	contents, err := m.Docs.GetBookContents(ctx, book.ID)
	if err != nil {
		return "", err
	}
	for _, ch := range contents.Chapters {
		if ch.Slug == chapterSlug {
			return ch.ID, nil
		}
	}
	created, err := m.Docs.CreateChapter(ctx, book.ID, filepath.Base(dir))
	if err != nil {
		return "", err
	}
	m.message("created chapter %q in book %s", created.Name, book.Slug)
	return created.ID, nil
}

// ScanImport walks the book directory and imports every changed or new
// markdown file. Dot-directories are ignored.
func (m *Mirror) ScanImport(ctx context.Context, project string, book adapters.Book) (*Stats, error) {
	stats := &Stats{}
	files, err := m.listLocalFiles(project, book.Slug)
	if err != nil {
		return stats, err
	}
	for _, relPath := range files {
		res, err := m.ImportFile(ctx, project, book, relPath)
		if err != nil {
			m.warn("import %s failed: %v", relPath, err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", relPath, err))
			continue
		}
		switch res.Action {
		case "updated":
			stats.Imported++
		case "created":
			stats.Created++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

// listLocalFiles returns all *.md paths under the book dir, relative to it,
// skipping dot-directories.
func (m *Mirror) listLocalFiles(project, bookSlug string) ([]string, error) {
	root := m.BookDir(project, bookSlug)
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

// Reconcile runs one full bidirectional pass over a project's book.
func (m *Mirror) Reconcile(ctx context.Context, project string, book adapters.Book) (*Stats, error) {
	stats := &Stats{}

	contents, err := m.Docs.GetBookContents(ctx, book.ID)
	if err != nil {
		return stats, fmt.Errorf("reconcile %s: %w", book.Slug, err)
	}
	chapterSlugs := make(map[string]string, len(contents.Chapters))
	for _, ch := range contents.Chapters {
		chapterSlugs[ch.ID] = ch.Slug
	}

	tracked, err := m.Store.GetPagesByProject(ctx, project)
	if err != nil {
		return stats, err
	}
	trackedByID := make(map[string]*store.DocsPage)
	trackedByPath := make(map[string]*store.DocsPage)
	for _, row := range tracked {
		if row.BookSlug != book.Slug {
			continue
		}
		trackedByID[row.PageID] = row
		trackedByPath[row.LocalPath] = row
	}

	remoteIDs := make(map[string]bool, len(contents.Pages))
	for i := range contents.Pages {
		p := contents.Pages[i]
		remoteIDs[p.ID] = true
		if err := m.reconcilePage(ctx, project, book, &p, chapterSlugs, trackedByID[p.ID], stats); err != nil {
			m.warn("reconcile page %s failed: %v", p.ID, err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("page %s: %v", p.ID, err))
		}
	}

	// Tracked pages whose remote vanished: drop the local copy.
	for id, row := range trackedByID {
		if remoteIDs[id] {
			continue
		}
		if err := m.handleRemoteDeletion(ctx, project, book, row); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("page %s: %v", id, err))
			continue
		}
		stats.Deleted++
	}

	// Local files never seen before: create Docs pages for them.
	files, err := m.listLocalFiles(project, book.Slug)
	if err != nil {
		return stats, err
	}
	for _, relPath := range files {
		if _, ok := trackedByPath[relPath]; ok {
			continue
		}
		res, err := m.ImportFile(ctx, project, book, relPath)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", relPath, err))
			continue
		}
		if res.Action == "created" {
			stats.Created++
		} else if res.Action == "skipped" {
			stats.Skipped++
		}
	}

	if err := m.Store.SetLastExport(ctx, project, time.Now().UTC()); err != nil {
		return stats, err
	}
	return stats, nil
}

// reconcilePage classifies one remote page against its tracked row and the
// local file. When both sides changed, Docs wins: the remote content is
// exported over the local file and the pass counts a conflict.
func (m *Mirror) reconcilePage(ctx context.Context, project string, book adapters.Book, p *adapters.Page, chapterSlugs map[string]string, row *store.DocsPage, stats *Stats) error {
	remoteMD, err := m.Docs.ExportPageMarkdown(ctx, p.ID)
	if err != nil {
		return err
	}
	remoteHash := HashContent([]byte(remoteMD))

	if row == nil {
		// New remote page: export it to a fresh local file.
		relPath := m.localPathFor(p, chapterSlugs)
		if err := m.export(ctx, project, book, p, relPath, remoteMD, remoteHash, ""); err != nil {
			return err
		}
		stats.Exported++
		return nil
	}

	fullPath := filepath.Join(m.BookDir(project, book.Slug), row.LocalPath)
	local, readErr := os.ReadFile(fullPath)
	localDeleted := os.IsNotExist(readErr)
	if readErr != nil && !localDeleted {
		return readErr
	}

	remoteChanged := remoteHash != row.RemoteHash
	localChanged := !localDeleted && HashContent(local) != row.ContentHash

	switch {
	case localDeleted && remoteChanged:
		// The remote moved on since the local copy vanished; restore it
		// rather than deleting the remote.
		if err := m.export(ctx, project, book, p, row.LocalPath, remoteMD, remoteHash, row.ChapterID); err != nil {
			return err
		}
		stats.Exported++
	case localDeleted:
		// Conservative: a local deletion alone never deletes the remote.
		m.warn("local file %s deleted but page %s unchanged, leaving remote untouched", row.LocalPath, p.ID)
		stats.Skipped++
	case remoteChanged && !localChanged:
		if err := m.export(ctx, project, book, p, row.LocalPath, remoteMD, remoteHash, row.ChapterID); err != nil {
			return err
		}
		stats.Exported++
	case localChanged && !remoteChanged:
		if _, err := m.updateRemote(ctx, project, book, row, row.LocalPath, local, HashContent(local)); err != nil {
			return err
		}
		stats.Imported++
	case localChanged && remoteChanged:
		m.message("conflict on %s: both sides changed, Docs wins", row.LocalPath)
		if err := m.export(ctx, project, book, p, row.LocalPath, remoteMD, remoteHash, row.ChapterID); err != nil {
			return err
		}
		stats.Conflicts++
	default:
		stats.Skipped++
	}
	return nil
}

// localPathFor derives the local relative path for a remote page.
func (m *Mirror) localPathFor(p *adapters.Page, chapterSlugs map[string]string) string {
	name := p.Slug
	if name == "" {
		name = Slug(p.Name)
	}
	if p.ChapterID != "" {
		if slug, ok := chapterSlugs[p.ChapterID]; ok && slug != "" {
			return filepath.Join(slug, name+".md")
		}
	}
	return name + ".md"
}

// export writes remote markdown to the local file and persists the row.
func (m *Mirror) export(ctx context.Context, project string, book adapters.Book, p *adapters.Page, relPath, markdown, remoteHash, chapterID string) error {
	fullPath := filepath.Join(m.BookDir(project, book.Slug), relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	// Idempotence: skip the write when the file already has this content.
	if existing, err := os.ReadFile(fullPath); err != nil || HashContent(existing) != remoteHash {
		if err := os.WriteFile(fullPath, []byte(markdown), 0o644); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	if chapterID == "" {
		chapterID = p.ChapterID
	}
	err := m.Store.UpsertPage(ctx, &store.DocsPage{
		PageID:           p.ID,
		BookSlug:         book.Slug,
		ChapterID:        chapterID,
		Project:          project,
		LocalPath:        relPath,
		ContentHash:      remoteHash,
		RemoteHash:       remoteHash,
		LocalModifiedAt:  now,
		RemoteModifiedAt: p.UpdatedAt,
		LastExportAt:     now,
		SyncDirection:    store.DirectionExport,
		SyncStatus:       store.PageSynced,
	})
	if err != nil {
		return err
	}
	m.message("exported page %s -> %s", p.ID, relPath)
	return nil
}

// handleRemoteDeletion removes the local file of a page that disappeared
// remotely and marks the row deleted_remote.
func (m *Mirror) handleRemoteDeletion(ctx context.Context, project string, book adapters.Book, row *store.DocsPage) error {
	fullPath := filepath.Join(m.BookDir(project, book.Slug), row.LocalPath)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	row.SyncStatus = store.PageDeletedRemote
	if err := m.Store.UpsertPage(ctx, row); err != nil {
		return err
	}
	m.message("page %s deleted remotely, removed %s", row.PageID, row.LocalPath)
	return nil
}
