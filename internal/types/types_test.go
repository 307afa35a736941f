package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCanonicalID(t *testing.T) {
	valid := []string{"ACME-7", "X-1", "PROJ2-123"}
	for _, id := range valid {
		assert.True(t, IsCanonicalID(id), id)
	}
	invalid := []string{"acme-7", "ACME-0", "ACME", "ACME-", "-7", "ACME-07", "ACME-7x"}
	for _, id := range invalid {
		assert.False(t, IsCanonicalID(id), id)
	}
}

func TestProjectCodeOf(t *testing.T) {
	assert.Equal(t, "ACME", ProjectCodeOf("ACME-7"))
	assert.Equal(t, "", ProjectCodeOf("not-an-id"))
}

func TestParseRepoPath(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want string
	}{
		{"filesystem prefix", "Filesystem: /srv/repos/acme", "/srv/repos/acme"},
		{"path prefix", "Path: /home/dev/acme,", "/home/dev/acme"},
		{"directory prefix", "stuff\nDirectory: /var/acme.", "/var/acme"},
		{"location prefix", "Location: /opt/acme;", "/opt/acme"},
		{"first match wins", "Path: /first\nLocation: /second", "/first"},
		{"relative rejected", "Path: repos/acme", ""},
		{"no marker", "just a description", ""},
		{"inline trailing text", "Filesystem: /srv/acme and more", "/srv/acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRepoPath(tt.desc))
		})
	}
}

func TestExtractTrackerRef(t *testing.T) {
	assert.Equal(t, "ACME-7", ExtractTrackerRef("Synced from Tracker: ACME-7"))
	assert.Equal(t, "ACME-9", ExtractTrackerRef("blah\nTracker Issue: ACME-9\nblah"))
	assert.Equal(t, "", ExtractTrackerRef("no ref here"))
}

func TestTrackerRefsFromLabels(t *testing.T) {
	labels := []string{"bug", "tracker:ACME-7", "tracker:Todo", "tracker:ACME-12"}
	assert.Equal(t, []string{"ACME-7", "ACME-12"}, TrackerRefsFromLabels(labels))
	assert.Nil(t, TrackerRefsFromLabels([]string{"plain"}))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "fix the thing", NormalizeTitle("  Fix   THE thing "))
}

func TestClassifyChanges(t *testing.T) {
	raw := []RawChange{
		{ID: "1", Class: "project"},
		{ID: "2", Class: "issue", Data: json.RawMessage(`{"identifier":"ACME-7","title":"T","status":"Done"}`)},
	}
	out := ClassifyChanges(raw)
	require.Len(t, out, 1)
	assert.Equal(t, "ACME-7", out[0].Identifier)
	assert.Equal(t, "Done", out[0].Status)
}

func TestDedupeChangesKeepsNewest(t *testing.T) {
	base := time.Unix(0, 0)
	var changes []IssueChange
	for i := 1; i <= 5; i++ {
		changes = append(changes, IssueChange{
			ID:         "id-1",
			Identifier: "ACME-7",
			ModifiedOn: base.Add(time.Duration(i) * time.Second),
		})
	}
	changes = append(changes, IssueChange{ID: "id-2", ModifiedOn: base})

	out := DedupeChanges(changes)
	require.Len(t, out, 2)
	// Ordered by key: "ACME-7" < "id-2".
	assert.Equal(t, "ACME-7", out[0].Identifier)
	assert.Equal(t, base.Add(5*time.Second), out[0].ModifiedOn)
}
