// Package types defines the core data model shared by the sync engine,
// the project pipeline and the adapters: canonical identifiers, work items,
// projects and webhook change payloads.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// System identifies one of the three mirrored systems.
type System string

const (
	SystemTracker System = "tracker"
	SystemRepoLog System = "repolog"
	SystemDocs    System = "docs"
)

// Systems lists all mirrored systems in canonical order.
var Systems = []System{SystemTracker, SystemRepoLog, SystemDocs}

var validSystems = map[System]bool{
	SystemTracker: true,
	SystemRepoLog: true,
	SystemDocs:    true,
}

// Valid reports whether s names a known system.
func (s System) Valid() bool { return validSystems[s] }

// canonicalIDRe matches Tracker-style identifiers like "ACME-7".
var canonicalIDRe = regexp.MustCompile(`^([A-Z][A-Z0-9]*)-([1-9][0-9]*)$`)

// IsCanonicalID reports whether id has the PROJ-N form.
func IsCanonicalID(id string) bool {
	return canonicalIDRe.MatchString(id)
}

// ProjectCodeOf extracts the project code from a canonical identifier.
// Returns "" if id is not canonical.
func ProjectCodeOf(id string) string {
	m := canonicalIDRe.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[1]
}

// Project is an item container known to all three systems.
type Project struct {
	Identifier  string // uppercase project code, e.g. "ACME"
	Name        string
	Description string
	RepoPath    string // absolute path of the RepoLog working copy, "" if none
}

// repoPathPrefixes are the recognized description markers, first match wins.
var repoPathPrefixes = []string{"Filesystem:", "Path:", "Directory:", "Location:"}

// ParseRepoPath extracts a repo path from a project description. The path
// must be absolute; trailing ",;." punctuation is stripped. Returns "" when
// no marker yields a usable path.
func ParseRepoPath(description string) string {
	for _, line := range strings.Split(description, "\n") {
		for _, prefix := range repoPathPrefixes {
			idx := strings.Index(line, prefix)
			if idx < 0 {
				continue
			}
			rest := strings.TrimSpace(line[idx+len(prefix):])
			// Cut at the next whitespace so inline markers work.
			if sp := strings.IndexAny(rest, " \t"); sp >= 0 {
				rest = rest[:sp]
			}
			rest = strings.TrimRight(rest, ",;.")
			if strings.HasPrefix(rest, "/") {
				return rest
			}
		}
	}
	return ""
}

// WorkItem is the system-neutral form of an issue/task/page-task. Adapters
// convert their native shapes to and from this.
type WorkItem struct {
	ID          string // native id in the originating system
	Identifier  string // canonical PROJ-N identifier when known
	Title       string
	Description string
	Status      string // originating system's vocabulary; mapper converts
	Priority    string // originating system's vocabulary
	Labels      []string
	Parent      string // canonical id of the parent, "" if none
	ModifiedAt  time.Time
	CreatedAt   time.Time
}

// LinkedIDs carries the per-system mirror ids of one canonical item.
type LinkedIDs struct {
	TrackerID string
	RepoLogID string
	DocsID    string
}

// ForSystem returns the linked id for the given system.
func (l LinkedIDs) ForSystem(s System) string {
	switch s {
	case SystemTracker:
		return l.TrackerID
	case SystemRepoLog:
		return l.RepoLogID
	case SystemDocs:
		return l.DocsID
	}
	return ""
}

// SyncContext is the per-invocation environment of a single-item sync.
type SyncContext struct {
	Project  string
	RepoPath string
}

// trackerRefRes match description back-references written by earlier syncs.
var trackerRefRes = []*regexp.Regexp{
	regexp.MustCompile(`Synced from Tracker:\s*([A-Z][A-Z0-9]*-[0-9]+)`),
	regexp.MustCompile(`Tracker Issue:\s*([A-Z][A-Z0-9]*-[0-9]+)`),
}

// ExtractTrackerRef parses a canonical identifier out of an item description
// ("Synced from Tracker: PROJ-N" or "Tracker Issue: PROJ-N").
func ExtractTrackerRef(description string) string {
	for _, re := range trackerRefRes {
		if m := re.FindStringSubmatch(description); m != nil {
			return m[1]
		}
	}
	return ""
}

// TrackerLabelPrefix marks RepoLog labels that carry a canonical identifier.
const TrackerLabelPrefix = "tracker:"

// TrackerRefsFromLabels returns every canonical identifier carried by
// "tracker:PROJ-N" labels, in label order. Plain status hints such as
// "tracker:Todo" are not identifiers and are skipped.
func TrackerRefsFromLabels(labels []string) []string {
	var refs []string
	for _, l := range labels {
		if !strings.HasPrefix(l, TrackerLabelPrefix) {
			continue
		}
		ref := strings.TrimPrefix(l, TrackerLabelPrefix)
		if IsCanonicalID(ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

// NormalizeTitle lowercases and collapses interior whitespace, the key used
// for batch dedup in the project pipeline.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// FormatCommitMessage builds the RepoLog commit message for a propagated change.
func FormatCommitMessage(source System, title string) string {
	return fmt.Sprintf("Sync from %s: %s", source, title)
}
