// Package mapper translates status and priority vocabularies between the
// three mirrored systems and assigns every status a total-order rank used by
// the regression guard. All functions are pure.
package mapper

import (
	"strings"
)

// RankUnknown marks a status outside any known vocabulary. Unknown statuses
// bypass the rank guard (see AllowedByRankGuard).
const RankUnknown = -1

// Tracker status names, one per rank step.
const (
	TrackerBacklog    = "Backlog"
	TrackerTodo       = "Todo"
	TrackerInProgress = "In Progress"
	TrackerInReview   = "In Review"
	TrackerDone       = "Done"
	TrackerCancelled  = "Cancelled"
)

var trackerRanks = map[string]int{
	"backlog":     0,
	"todo":        1,
	"in progress": 2,
	"in review":   3,
	"done":        4,
	"cancelled":   4,
	"canceled":    4,
}

// TrackerRank returns the rank of a Tracker status, RankUnknown if unmapped.
func TrackerRank(status string) int {
	if r, ok := trackerRanks[strings.ToLower(strings.TrimSpace(status))]; ok {
		return r
	}
	return RankUnknown
}

// RepoLog status names.
const (
	RepoLogOpen       = "open"
	RepoLogInProgress = "in_progress"
	RepoLogBlocked    = "blocked"
	RepoLogDeferred   = "deferred"
	RepoLogClosed     = "closed"
)

// hasLabel reports whether labels contains the exact label.
func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// RepoLogToTracker maps a RepoLog status to the Tracker vocabulary. Labels
// disambiguate the coarse RepoLog states: "tracker:Todo" promotes open to
// Todo, "tracker:In Review" promotes in_progress to In Review, and
// "tracker:Canceled" turns closed into Cancelled.
func RepoLogToTracker(status string, labels []string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case RepoLogOpen:
		if hasLabel(labels, "tracker:Todo") {
			return TrackerTodo
		}
		return TrackerBacklog
	case RepoLogInProgress:
		if hasLabel(labels, "tracker:In Review") {
			return TrackerInReview
		}
		return TrackerInProgress
	case RepoLogBlocked:
		return TrackerInProgress
	case RepoLogDeferred:
		return TrackerBacklog
	case RepoLogClosed:
		if hasLabel(labels, "tracker:Canceled") {
			return TrackerCancelled
		}
		return TrackerDone
	}
	return ""
}

// RepoLogRank ranks a RepoLog status via its Tracker mapping.
func RepoLogRank(status string, labels []string) int {
	mapped := RepoLogToTracker(status, labels)
	if mapped == "" {
		return RankUnknown
	}
	return TrackerRank(mapped)
}

// TrackerToRepoLog maps a Tracker status onto the RepoLog vocabulary.
func TrackerToRepoLog(status string) string {
	switch TrackerRank(status) {
	case 0, 1:
		return RepoLogOpen
	case 2, 3:
		return RepoLogInProgress
	case 4:
		return RepoLogClosed
	}
	return RepoLogOpen
}

// Docs status names.
const (
	DocsTodo       = "todo"
	DocsInProgress = "inprogress"
	DocsInReview   = "inreview"
	DocsDone       = "done"
	DocsCancelled  = "cancelled"
)

// TrackerToDocs maps a Tracker status to the Docs vocabulary by
// case-insensitive substring matching.
func TrackerToDocs(status string) string {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "cancel"):
		return DocsCancelled
	case strings.Contains(s, "done"), strings.Contains(s, "completed"):
		return DocsDone
	case strings.Contains(s, "review"):
		return DocsInReview
	case strings.Contains(s, "progress"):
		return DocsInProgress
	default:
		return DocsTodo
	}
}

var docsToTracker = map[string]string{
	DocsTodo:       TrackerTodo,
	DocsInProgress: TrackerInProgress,
	DocsInReview:   TrackerInReview,
	DocsDone:       TrackerDone,
	DocsCancelled:  TrackerCancelled,
}

// DocsToTracker maps a Docs status back to the Tracker vocabulary.
// Unknown inputs map to Todo, mirroring TrackerToDocs's default.
func DocsToTracker(status string) string {
	if t, ok := docsToTracker[strings.ToLower(strings.TrimSpace(status))]; ok {
		return t
	}
	return TrackerTodo
}

// DocsRank ranks a Docs status via its Tracker mapping.
func DocsRank(status string) int {
	return TrackerRank(DocsToTracker(status))
}

// DefaultPriorityRank is used when a priority string is unrecognized.
const DefaultPriorityRank = 2

var priorityRanks = map[string]int{
	"urgent":   0,
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
	"no":       4,
	"none":     4,
	"minimal":  4,
}

// PriorityRank maps a priority name from any system onto the 0-4 scale.
func PriorityRank(priority string) int {
	if r, ok := priorityRanks[strings.ToLower(strings.TrimSpace(priority))]; ok {
		return r
	}
	return DefaultPriorityRank
}

var priorityNames = [5]string{"Urgent", "High", "Medium", "Low", "None"}

// PriorityName returns the Tracker-side name for a priority rank.
func PriorityName(rank int) string {
	if rank < 0 || rank >= len(priorityNames) {
		rank = DefaultPriorityRank
	}
	return priorityNames[rank]
}

// AllowedByRankGuard reports whether a status transition may propagate.
// A target whose rank is strictly below the stored rank is a regression and
// is rejected. Unknown ranks on either side bypass the guard; callers should
// warn when that happens.
func AllowedByRankGuard(storedRank, targetRank int) bool {
	if storedRank == RankUnknown || targetRank == RankUnknown {
		return true
	}
	return targetRank >= storedRank
}
