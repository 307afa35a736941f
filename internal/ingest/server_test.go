package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/workflow"
)

func newTestServer(t *testing.T, secret []byte, ops ControlOps) (*Server, *workflow.Runtime) {
	t.Helper()
	rt := workflow.NewRuntime("test-queue")
	rt.Register(TrackerHookWorkflow, func(ctx *workflow.Context, input interface{}) (interface{}, error) {
		return &Result{}, nil
	})
	return NewServer(ServerConfig{Runtime: rt, WebhookSecret: secret, Ops: ops}), rt
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookEndpointAcceptsSignedPayload(t *testing.T) {
	secret := []byte("hook-secret")
	s, _ := newTestServer(t, secret, ControlOps{})

	body := []byte(`{"type":"task.changed","changes":[{"id":"u1","class":"issue"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RunID)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t, []byte("hook-secret"), ControlOps{})

	body := []byte(`{"type":"task.changed","changes":[{"id":"u1","class":"issue"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookEndpointUnsignedWhenNoSecret(t *testing.T) {
	s, _ := newTestServer(t, nil, ControlOps{})

	body := []byte(`{"type":"task.changed","changes":[{"id":"u1","class":"issue"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookEndpointEmptyBatchIsOK(t *testing.T) {
	s, _ := newTestServer(t, nil, ControlOps{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker",
		bytes.NewReader([]byte(`{"type":"task.changed","changes":[]}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, ControlOps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncEndpointDelegatesToOps(t *testing.T) {
	var gotProject string
	s, _ := newTestServer(t, nil, ControlOps{
		StartSync: func(ctx context.Context, project string, force bool) (string, error) {
			gotProject = project
			return "run-42", nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sync",
		bytes.NewReader([]byte(`{"project":"ACME"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ACME", gotProject)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-42", resp.RunID)
}

func TestCancelEndpointCancelsRun(t *testing.T) {
	s, rt := newTestServer(t, nil, ControlOps{})
	rt.Register("sleeper", func(ctx *workflow.Context, input interface{}) (interface{}, error) {
		for !ctx.Cancelled() {
			if err := ctx.Sleep(10 * time.Millisecond); err != nil {
				return nil, err
			}
		}
		return nil, workflow.ErrCancelled
	})
	run, err := rt.Start(context.Background(), "sleeper", "run-cancel", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/cancel",
		bytes.NewReader([]byte(`{"run_id":"run-cancel"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = run.Result(ctx)
	assert.ErrorIs(t, err, workflow.ErrCancelled)
	assert.Equal(t, workflow.StatusCancelled, run.Info().Status)
}

func TestWorkflowsEndpointListsRuns(t *testing.T) {
	s, rt := newTestServer(t, nil, ControlOps{})
	rt.Register("noop", func(ctx *workflow.Context, input interface{}) (interface{}, error) {
		return nil, nil
	})
	run, err := rt.Start(context.Background(), "noop", "", nil)
	require.NoError(t, err)
	_, _ = run.Result(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/api/workflows?limit=10", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool               `json:"success"`
		Data    []workflow.RunInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "noop", resp.Data[0].Workflow)
}

func TestProgressEndpointUnknownRun(t *testing.T) {
	s, _ := newTestServer(t, nil, ControlOps{})
	req := httptest.NewRequest(http.MethodGet, "/api/progress?id=nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
