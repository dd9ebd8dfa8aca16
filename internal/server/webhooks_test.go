package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/events"
	"phaseline/internal/migrate"
)

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	fail := true
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "s3cret", r.Header.Get("X-Phaseline-Secret"))
		assert.Equal(t, "r1", r.Header.Get("X-Phaseline-Report"))
		if fail {
			fail = false
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		got = append(got, evt)
	}))
	defer hook.Close()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn, config.Default())

	_, err = e.CreateReport(ctx, "r1", "Quarterly controls", "olive")
	require.NoError(t, err)

	d := NewWebhookDispatcher(e.Repo, []config.Webhook{{
		URL:    hook.URL,
		Events: []string{events.PhaseStarted},
		Secret: "s3cret",
	}}, nil)
	require.NotNil(t, d)
	// The first pass pins the cursor; earlier events are not replayed.
	d.DispatchOnce(ctx)

	_, err = e.AddCatalogItems(ctx, "r1", []engine.CatalogItemInput{{ID: "c1", Name: "Access reviews"}}, "olive")
	require.NoError(t, err)
	_, err = e.StartPhase(ctx, "r1", "planning", "olive")
	require.NoError(t, err)

	d.DispatchOnce(ctx) // rejected by the endpoint, retried below
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, events.PhaseStarted, got[0].Type)
	assert.Equal(t, "olive", got[0].ActorID)

	assert.Nil(t, NewWebhookDispatcher(e.Repo, nil, nil))
}
