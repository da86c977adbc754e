package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/config"
	"alertdesk/internal/engine"
	"alertdesk/internal/logging"
)

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("task.created"))

	f := newEventFilter([]string{"task.*", "nodal.verified", " "})
	assert.True(t, f.match("task.resolved"))
	assert.True(t, f.match("nodal.verified"))
	assert.False(t, f.match("nodal.registered"))
	assert.False(t, f.match("work.assigned"))

	assert.True(t, newEventFilter([]string{"*"}).match("anything"))
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		require.NoError(t, json.Unmarshal(body, &evt))
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Alertdesk-Signature"))
		mu.Unlock()
		assert.Equal(t, signature("hook-secret", body), r.Header.Get("X-Alertdesk-Signature")[len("sha256="):])
		assert.Equal(t, evt.Type, r.Header.Get("X-Alertdesk-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Alertdesk-Delivery"))
	}))
	defer sink.Close()

	d := NewWebhookDispatcher(ts.Engine, []config.WebhookConfig{{URL: sink.URL, Events: []string{"admin.*"}, Secret: "hook-secret"}}, logging.Discard())
	// first pass only pins the cursor at the newest event
	d.DispatchAll(ctx)

	_, err := ts.Engine.SetupMainAdmin(ctx, engine.AdminSetup{Name: "Root", Email: "root@gov.in"})
	require.NoError(t, err)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "admin.setup", received[0].Type)
	assert.Equal(t, "main_admin", received[0].EntityKind)
	assert.Len(t, sigs, 1)
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var (
		fail  atomic.Bool
		calls atomic.Int32
	)
	fail.Store(true)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	defer sink.Close()

	d := NewWebhookDispatcher(ts.Engine, []config.WebhookConfig{{URL: sink.URL, Events: []string{"admin.setup"}}}, logging.Discard())
	d.DispatchAll(ctx)
	_, err := ts.Engine.SetupMainAdmin(ctx, engine.AdminSetup{Name: "Root", Email: "root@gov.in"})
	require.NoError(t, err)

	d.DispatchAll(ctx)
	assert.EqualValues(t, 1, calls.Load())
	fail.Store(false)
	d.DispatchAll(ctx)
	assert.EqualValues(t, 2, calls.Load())
	d.DispatchAll(ctx)
	assert.EqualValues(t, 2, calls.Load())
}
