package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// StreamReader consumes the Docs change stream (server-sent events) and
// starts a docs-stream workflow per received batch. The connection is
// re-established with exponential backoff on any error.
type StreamReader struct {
	URL        string
	Token      string
	Runtime    *workflow.Runtime
	HTTPClient *http.Client

	OnMessage func(string)
	OnWarning func(string)
}

// NewStreamReader creates a reader for the given stream URL.
func NewStreamReader(rt *workflow.Runtime, streamURL, token string) *StreamReader {
	return &StreamReader{
		URL:     streamURL,
		Token:   token,
		Runtime: rt,
		// No overall timeout: the stream stays open indefinitely.
		HTTPClient: &http.Client{},
	}
}

// Run connects and dispatches until ctx is cancelled.
func (r *StreamReader) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // reconnect forever

	op := func() error {
		if err := r.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			r.warnf("docs stream disconnected: %v", err)
			return err
		}
		return fmt.Errorf("docs stream closed")
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *StreamReader) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	r.messagef("connected to docs change stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // event names, comments, keep-alives
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		r.dispatch(ctx, payload)
	}
	return scanner.Err()
}

func (r *StreamReader) dispatch(ctx context.Context, payload string) {
	var event types.DocsStreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.warnf("docs stream: bad event payload: %v", err)
		return
	}
	if len(event.ChangedTaskIDs) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if _, err := r.Runtime.Start(ctx, DocsStreamWorkflow, "", event); err != nil {
		r.warnf("start docs sync: %v", err)
		return
	}
	debug.Logf("ingest: started docs sync for %d task(s)\n", len(event.ChangedTaskIDs))
}

func (r *StreamReader) messagef(format string, args ...interface{}) {
	if r.OnMessage != nil {
		r.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (r *StreamReader) warnf(format string, args ...interface{}) {
	if r.OnWarning != nil {
		r.OnWarning(fmt.Sprintf(format, args...))
	}
}
