package types

import (
	"encoding/json"
	"sort"
	"time"
)

// WebhookEvent is the Tracker webhook payload. Changes arrive as a mixed
// batch; only issue-class entries participate in sync.
type WebhookEvent struct {
	Type      string      `json:"type"` // "task.changed" or "project.changed"
	Changes   []RawChange `json:"changes"`
	Timestamp time.Time   `json:"timestamp"`
}

// RawChange is one entry of a webhook batch before classification.
type RawChange struct {
	ID         string          `json:"id"`
	Class      string          `json:"class"` // "issue", "project", ...
	ModifiedOn *time.Time      `json:"modifiedOn,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// IssueChange is a classified issue-class webhook change.
type IssueChange struct {
	ID         string
	Identifier string // canonical PROJ-N when the payload carries one
	ModifiedOn time.Time
	Title      string
	Status     string
}

type issueChangeData struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

// ClassifyChanges filters a raw batch down to issue changes, dropping every
// other class early.
func ClassifyChanges(raw []RawChange) []IssueChange {
	var out []IssueChange
	for _, rc := range raw {
		if rc.Class != "issue" {
			continue
		}
		ic := IssueChange{ID: rc.ID}
		if rc.ModifiedOn != nil {
			ic.ModifiedOn = *rc.ModifiedOn
		}
		if len(rc.Data) > 0 {
			var d issueChangeData
			if err := json.Unmarshal(rc.Data, &d); err == nil {
				ic.Identifier = d.Identifier
				ic.Title = d.Title
				ic.Status = d.Status
			}
		}
		out = append(out, ic)
	}
	return out
}

// DedupeKey is the identity under which webhook changes collapse.
func (c IssueChange) DedupeKey() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	return c.ID
}

// DedupeChanges keeps the newest change per key, output ordered by key for
// deterministic fan-out.
func DedupeChanges(changes []IssueChange) []IssueChange {
	newest := make(map[string]IssueChange)
	for _, c := range changes {
		key := c.DedupeKey()
		if prev, ok := newest[key]; !ok || c.ModifiedOn.After(prev.ModifiedOn) {
			newest[key] = c
		}
	}
	keys := make([]string, 0, len(newest))
	for k := range newest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]IssueChange, 0, len(keys))
	for _, k := range keys {
		out = append(out, newest[k])
	}
	return out
}

// RepoLogChange is the file-watcher callback payload.
type RepoLogChange struct {
	Project      string    `json:"project"`
	RepoPath     string    `json:"repoPath"`
	ChangedFiles []string  `json:"changedFiles"`
	Timestamp    time.Time `json:"timestamp"`
}

// DocsStreamEvent is the Docs-side SSE callback payload.
type DocsStreamEvent struct {
	VibeProjectID  string    `json:"vibeProjectId"`
	TrackerProject string    `json:"trackerProject,omitempty"`
	ChangedTaskIDs []string  `json:"changedTaskIds"`
	Timestamp      time.Time `json:"timestamp"`
}
