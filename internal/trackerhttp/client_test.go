package trackerhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

var workItemFixture = types.WorkItem{Title: "", Status: "Todo"}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token")
}

func TestListProjectsPaginates(t *testing.T) {
	var pages int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		page := r.URL.Query().Get("page")
		atomic.AddInt32(&pages, 1)

		w.Header().Set("Content-Type", "application/json")
		if page == "1" {
			// A full page forces a second fetch.
			out := make([]map[string]string, DefaultPerPage)
			for i := range out {
				out[i] = map[string]string{"identifier": fmt.Sprintf("P%d", i), "name": "proj"}
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"identifier": "LAST", "name": "last", "description": "Filesystem: /repos/last"},
		})
	})

	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, DefaultPerPage+1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))

	last := projects[len(projects)-1]
	assert.Equal(t, "LAST", last.Identifier)
	assert.Equal(t, "/repos/last", last.RepoPath)
}

func TestGetIssueMapsNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetIssue(context.Background(), "ACME-404")
	require.Error(t, err)
	assert.True(t, adapters.IsNotFound(err))
}

func TestCreateIssueMapsValidationError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"title required"}`))
	})

	_, err := c.CreateIssue(context.Background(), "ACME", &workItemFixture)
	require.ErrorIs(t, err, adapters.ErrValidation)
}

func TestRequestRetriesRateLimit(t *testing.T) {
	var calls int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "ACME-1", "identifier": "ACME-1", "title": "One", "status": "Todo",
		})
	})

	item, err := c.GetIssue(context.Background(), "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, "ACME-1", item.Identifier)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUpdateIssueSendsPatch(t *testing.T) {
	var gotMethod string
	var gotBody map[string]interface{}
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "ACME-1", "identifier": "ACME-1", "title": "Renamed", "status": "Done",
		})
	})

	item, err := c.UpdateIssue(context.Background(), "ACME-1", map[string]interface{}{
		"title":  "Renamed",
		"status": "Done",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "Renamed", gotBody["title"])
	assert.Equal(t, "Done", item.Status)
}

func TestListIssuesBulkHonorsLimit(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		out := []map[string]string{
			{"id": "ACME-1", "identifier": "ACME-1", "title": "One"},
			{"id": "ACME-2", "identifier": "ACME-2", "title": "Two"},
			{"id": "ACME-3", "identifier": "ACME-3", "title": "Three"},
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	byProject, err := c.ListIssuesBulk(context.Background(), []string{"ACME"}, 2)
	require.NoError(t, err)
	assert.Len(t, byProject["ACME"], 2)
}
