package phaselinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v0/versions/v1/approve":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "fine", body["notes"])
			json.NewEncoder(w).Encode(Version{ID: "v1", Status: "approved"})
		case "/v0/jobs/j1":
			json.NewEncoder(w).Encode(JobStatus{JobID: "j1", State: "paused", Cursor: 3, Total: 10})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	v, err := c.Approve(context.Background(), "v1", "fine")
	require.NoError(t, err)
	assert.Equal(t, "approved", v.Status)

	st, err := c.JobStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Cursor)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tariq", r.Header.Get("X-Actor-Id"))
		assert.Equal(t, "tester", r.Header.Get("X-Actor-Roles"))
		assert.Equal(t, "approver", r.URL.Query().Get("kind"))
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"forbidden","message":"permission decision.approver required"}}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, ActorID: "tariq", Roles: []string{"tester"}}
	_, err := c.Decide(context.Background(), "v1", "c1", "approver", "approve", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)
}
