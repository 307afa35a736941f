package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableAlignsColumns(t *testing.T) {
	out := Table(
		[]string{"RUN", "STATUS"},
		[][]string{
			{"full-sync", "running"},
			{"r2", "completed"},
		},
	)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 3)
	// Second column starts at the same offset on every row.
	assert.Equal(t, strings.Index(lines[1], "running"), strings.Index(lines[2], "completed"))
	assert.Contains(t, lines[1], "full-sync")
}

func TestTableWidensForLongCells(t *testing.T) {
	out := Table([]string{"A"}, [][]string{{"much-longer-cell"}})
	assert.Contains(t, out, "much-longer-cell")
}

func TestStatusIconCoversRunStates(t *testing.T) {
	for _, status := range []string{"completed", "running", "cancelled", "failed"} {
		assert.NotEmpty(t, StatusIcon(status))
	}
}
