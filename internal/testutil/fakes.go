// Package testutil provides in-memory fake adapters that record calls, used
// by the engine, pipeline and orchestrator tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

// FakeTracker is an in-memory TrackerAdapter.
type FakeTracker struct {
	mu       sync.Mutex
	Projects []types.Project
	Issues   map[string]*types.WorkItem // keyed by canonical identifier

	// Errs injects failures by method name ("GetIssue", "UpdateIssue", ...).
	Errs map[string]error

	GetCalls    []string
	UpdateCalls []string
	CreateCalls []string
	BulkCalls   int

	nextNum map[string]int
}

func NewFakeTracker() *FakeTracker {
	return &FakeTracker{
		Issues:  make(map[string]*types.WorkItem),
		Errs:    make(map[string]error),
		nextNum: make(map[string]int),
	}
}

// Seed stores an issue under its identifier.
func (f *FakeTracker) Seed(item *types.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues[item.Identifier] = item
}

func (f *FakeTracker) ListProjects(ctx context.Context) ([]types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListProjects"]; err != nil {
		return nil, err
	}
	return append([]types.Project(nil), f.Projects...), nil
}

func (f *FakeTracker) ListIssuesBulk(ctx context.Context, projects []string, limit int) (map[string][]types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BulkCalls++
	if err := f.Errs["ListIssuesBulk"]; err != nil {
		return nil, err
	}
	out := make(map[string][]types.WorkItem)
	ids := make([]string, 0, len(f.Issues))
	for id := range f.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, proj := range projects {
		for _, id := range ids {
			if types.ProjectCodeOf(id) == proj && (limit <= 0 || len(out[proj]) < limit) {
				out[proj] = append(out[proj], *f.Issues[id])
			}
		}
	}
	return out, nil
}

func (f *FakeTracker) GetIssue(ctx context.Context, id string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls = append(f.GetCalls, id)
	if err := f.Errs["GetIssue"]; err != nil {
		return nil, err
	}
	item, ok := f.Issues[id]
	if !ok {
		return nil, adapters.NotFoundErrorf("tracker issue %s", id)
	}
	cp := *item
	return &cp, nil
}

func (f *FakeTracker) CreateIssue(ctx context.Context, project string, item *types.WorkItem) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["CreateIssue"]; err != nil {
		return nil, err
	}
	f.nextNum[project]++
	cp := *item
	cp.Identifier = fmt.Sprintf("%s-%d", project, f.nextNum[project]+1000)
	cp.ID = cp.Identifier
	if cp.ModifiedAt.IsZero() {
		cp.ModifiedAt = time.Now().UTC()
	}
	f.Issues[cp.Identifier] = &cp
	f.CreateCalls = append(f.CreateCalls, cp.Identifier)
	out := cp
	return &out, nil
}

func (f *FakeTracker) UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls = append(f.UpdateCalls, id)
	if err := f.Errs["UpdateIssue"]; err != nil {
		return nil, err
	}
	item, ok := f.Issues[id]
	if !ok {
		return nil, adapters.NotFoundErrorf("tracker issue %s", id)
	}
	applyUpdates(item, updates)
	cp := *item
	return &cp, nil
}

// FakeRepoLog is an in-memory RepoLogAdapter.
type FakeRepoLog struct {
	mu    sync.Mutex
	Repos map[string]map[string]*types.WorkItem // repoPath -> id -> item

	Errs map[string]error

	Paths       map[string]string // project -> repoPath for ResolveRepoPath
	Commits     []string
	InitCalls   []string
	UpsertCalls []string

	nextID int
}

func NewFakeRepoLog() *FakeRepoLog {
	return &FakeRepoLog{
		Repos: make(map[string]map[string]*types.WorkItem),
		Errs:  make(map[string]error),
		Paths: make(map[string]string),
	}
}

// Seed stores an item directly into a repo.
func (f *FakeRepoLog) Seed(repoPath string, item *types.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Repos[repoPath] == nil {
		f.Repos[repoPath] = make(map[string]*types.WorkItem)
	}
	f.Repos[repoPath][item.ID] = item
}

func (f *FakeRepoLog) Init(ctx context.Context, repoPath, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitCalls = append(f.InitCalls, repoPath)
	if err := f.Errs["Init"]; err != nil {
		return err
	}
	if f.Repos[repoPath] == nil {
		f.Repos[repoPath] = make(map[string]*types.WorkItem)
	}
	return nil
}

func (f *FakeRepoLog) ListIssues(ctx context.Context, repoPath string) ([]types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListIssues"]; err != nil {
		return nil, err
	}
	var out []types.WorkItem
	for _, item := range f.Repos[repoPath] {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeRepoLog) GetIssue(ctx context.Context, id, repoPath string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["GetIssue"]; err != nil {
		return nil, err
	}
	item, ok := f.Repos[repoPath][id]
	if !ok {
		return nil, adapters.NotFoundErrorf("repolog issue %s", id)
	}
	cp := *item
	return &cp, nil
}

func (f *FakeRepoLog) Upsert(ctx context.Context, repoPath string, item *types.WorkItem) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["Upsert"]; err != nil {
		return nil, err
	}
	if f.Repos[repoPath] == nil {
		f.Repos[repoPath] = make(map[string]*types.WorkItem)
	}
	cp := *item
	if cp.ID == "" {
		f.nextID++
		cp.ID = fmt.Sprintf("rl-%d", f.nextID)
	}
	if existing, ok := f.Repos[repoPath][cp.ID]; ok {
		if cp.Status == "" {
			cp.Status = existing.Status
		}
		if cp.Description == "" {
			cp.Description = existing.Description
		}
	}
	if cp.ModifiedAt.IsZero() {
		cp.ModifiedAt = time.Now().UTC()
	}
	f.Repos[repoPath][cp.ID] = &cp
	f.UpsertCalls = append(f.UpsertCalls, cp.ID)
	out := cp
	return &out, nil
}

func (f *FakeRepoLog) Commit(ctx context.Context, repoPath, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["Commit"]; err != nil {
		return err
	}
	f.Commits = append(f.Commits, message)
	return nil
}

func (f *FakeRepoLog) ResolveRepoPath(ctx context.Context, project string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ResolveRepoPath"]; err != nil {
		return "", err
	}
	path, ok := f.Paths[project]
	if !ok {
		return "", adapters.NotFoundErrorf("no repo path for project %s", project)
	}
	return path, nil
}

// FakeDocs is an in-memory DocsAdapter covering both the task peer and the
// books/pages mirror surface.
type FakeDocs struct {
	mu sync.Mutex

	Errs map[string]error

	// Task peer state.
	ProjectIDs map[string]string // project code -> docs project id
	Tasks      map[string]*types.WorkItem

	GetTaskCalls    []string
	UpdateTaskCalls []string
	CreateTaskCalls []string

	// Mirror state.
	Books    []adapters.Book
	Chapters map[string]*adapters.Chapter
	Pages    map[string]*adapters.Page

	CreatePageCalls []string
	UpdatePageCalls []string

	nextTask    int
	nextPage    int
	nextChapter int
}

func NewFakeDocs() *FakeDocs {
	return &FakeDocs{
		Errs:       make(map[string]error),
		ProjectIDs: make(map[string]string),
		Tasks:      make(map[string]*types.WorkItem),
		Chapters:   make(map[string]*adapters.Chapter),
		Pages:      make(map[string]*adapters.Page),
	}
}

// SeedTask stores a task under its id.
func (f *FakeDocs) SeedTask(item *types.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tasks[item.ID] = item
}

// SeedPage stores a page under its id.
func (f *FakeDocs) SeedPage(p *adapters.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages[p.ID] = p
}

func (f *FakeDocs) ListBooks(ctx context.Context) ([]adapters.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListBooks"]; err != nil {
		return nil, err
	}
	return append([]adapters.Book(nil), f.Books...), nil
}

func (f *FakeDocs) GetBookContents(ctx context.Context, bookID string) (*adapters.BookContents, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["GetBookContents"]; err != nil {
		return nil, err
	}
	var book *adapters.Book
	for i := range f.Books {
		if f.Books[i].ID == bookID {
			book = &f.Books[i]
		}
	}
	if book == nil {
		return nil, adapters.NotFoundErrorf("book %s", bookID)
	}
	contents := &adapters.BookContents{Book: *book}
	var chapterIDs []string
	for id, ch := range f.Chapters {
		if ch.BookID == bookID {
			chapterIDs = append(chapterIDs, id)
		}
	}
	sort.Strings(chapterIDs)
	for _, id := range chapterIDs {
		contents.Chapters = append(contents.Chapters, *f.Chapters[id])
	}
	var pageIDs []string
	for id, p := range f.Pages {
		if p.BookID == bookID {
			pageIDs = append(pageIDs, id)
		}
	}
	sort.Strings(pageIDs)
	for _, id := range pageIDs {
		contents.Pages = append(contents.Pages, *f.Pages[id])
	}
	return contents, nil
}

func (f *FakeDocs) GetPage(ctx context.Context, pageID string) (*adapters.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["GetPage"]; err != nil {
		return nil, err
	}
	p, ok := f.Pages[pageID]
	if !ok {
		return nil, adapters.NotFoundErrorf("page %s", pageID)
	}
	cp := *p
	return &cp, nil
}

func (f *FakeDocs) CreatePage(ctx context.Context, in adapters.PageInput) (*adapters.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["CreatePage"]; err != nil {
		return nil, err
	}
	f.nextPage++
	p := &adapters.Page{
		ID:        fmt.Sprintf("page-%d", f.nextPage),
		BookID:    in.BookID,
		ChapterID: in.ChapterID,
		Name:      in.Name,
		Slug:      Slug(in.Name),
		Markdown:  in.Markdown,
		UpdatedAt: time.Now().UTC(),
	}
	f.Pages[p.ID] = p
	f.CreatePageCalls = append(f.CreatePageCalls, p.ID)
	cp := *p
	return &cp, nil
}

func (f *FakeDocs) UpdatePage(ctx context.Context, pageID string, in adapters.PageInput) (*adapters.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["UpdatePage"]; err != nil {
		return nil, err
	}
	p, ok := f.Pages[pageID]
	if !ok {
		return nil, adapters.NotFoundErrorf("page %s", pageID)
	}
	if in.Name != "" {
		p.Name = in.Name
	}
	p.Markdown = in.Markdown
	p.UpdatedAt = time.Now().UTC()
	f.UpdatePageCalls = append(f.UpdatePageCalls, pageID)
	cp := *p
	return &cp, nil
}

func (f *FakeDocs) ExportPageMarkdown(ctx context.Context, pageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ExportPageMarkdown"]; err != nil {
		return "", err
	}
	p, ok := f.Pages[pageID]
	if !ok {
		return "", adapters.NotFoundErrorf("page %s", pageID)
	}
	return p.Markdown, nil
}

func (f *FakeDocs) CreateChapter(ctx context.Context, bookID, name string) (*adapters.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["CreateChapter"]; err != nil {
		return nil, err
	}
	f.nextChapter++
	ch := &adapters.Chapter{
		ID:     fmt.Sprintf("chapter-%d", f.nextChapter),
		BookID: bookID,
		Name:   name,
		Slug:   Slug(name),
	}
	f.Chapters[ch.ID] = ch
	cp := *ch
	return &cp, nil
}

func (f *FakeDocs) EnsureProject(ctx context.Context, project, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["EnsureProject"]; err != nil {
		return "", err
	}
	if id, ok := f.ProjectIDs[project]; ok {
		return id, nil
	}
	id := "docs-" + strings.ToLower(project)
	f.ProjectIDs[project] = id
	return id, nil
}

func (f *FakeDocs) ListTasks(ctx context.Context, docsProjectID string) ([]types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListTasks"]; err != nil {
		return nil, err
	}
	var out []types.WorkItem
	for _, t := range f.Tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDocs) GetTask(ctx context.Context, taskID string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetTaskCalls = append(f.GetTaskCalls, taskID)
	if err := f.Errs["GetTask"]; err != nil {
		return nil, err
	}
	t, ok := f.Tasks[taskID]
	if !ok {
		return nil, adapters.NotFoundErrorf("docs task %s", taskID)
	}
	cp := *t
	return &cp, nil
}

func (f *FakeDocs) CreateTask(ctx context.Context, docsProjectID string, item *types.WorkItem) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["CreateTask"]; err != nil {
		return nil, err
	}
	f.nextTask++
	cp := *item
	cp.ID = fmt.Sprintf("task-%d", f.nextTask)
	if cp.ModifiedAt.IsZero() {
		cp.ModifiedAt = time.Now().UTC()
	}
	f.Tasks[cp.ID] = &cp
	f.CreateTaskCalls = append(f.CreateTaskCalls, cp.ID)
	out := cp
	return &out, nil
}

func (f *FakeDocs) UpdateTask(ctx context.Context, taskID string, updates map[string]interface{}) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateTaskCalls = append(f.UpdateTaskCalls, taskID)
	if err := f.Errs["UpdateTask"]; err != nil {
		return nil, err
	}
	t, ok := f.Tasks[taskID]
	if !ok {
		return nil, adapters.NotFoundErrorf("docs task %s", taskID)
	}
	applyUpdates(t, updates)
	cp := *t
	return &cp, nil
}

// FakeMemorySink records UpdateBlock calls.
type FakeMemorySink struct {
	mu     sync.Mutex
	Blocks map[string]string // agentID/label -> value
	Err    error
}

func NewFakeMemorySink() *FakeMemorySink {
	return &FakeMemorySink{Blocks: make(map[string]string)}
}

func (f *FakeMemorySink) UpdateBlock(ctx context.Context, agentID, label, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Blocks[agentID+"/"+label] = value
	return nil
}

// Slug mimics the Docs platform's slug derivation for fakes.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func applyUpdates(item *types.WorkItem, updates map[string]interface{}) {
	for k, v := range updates {
		s, _ := v.(string)
		switch k {
		case "title":
			if s != "" {
				item.Title = s
			}
		case "description":
			item.Description = s
		case "status":
			if s != "" {
				item.Status = s
			}
		case "priority":
			if s != "" {
				item.Priority = s
			}
		}
	}
	item.ModifiedAt = time.Now().UTC()
}
