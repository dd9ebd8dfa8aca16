package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/provider"
)

func items(ids ...string) []domain.ItemDescriptor {
	out := make([]domain.ItemDescriptor, len(ids))
	for i, id := range ids {
		out[i] = domain.ItemDescriptor{ItemID: id, Name: "attr " + id}
	}
	return out
}

func TestStatic(t *testing.T) {
	p := provider.Static{Action: "decline", Confidence: 0.5}
	res, err := p.Generate(context.Background(), provider.BatchContext{VersionID: "v"}, items("a", "b"))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "b", res[1].ItemID)
	assert.Equal(t, "decline", res[1].SuggestedAction)
	assert.Equal(t, "static", p.Name())
}

func TestHTTPProviderPartialResults(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
{"item_id":"a","suggested_action":"accept","confidence":0.9,"rationale":"in scope","metadata":{"rule":"r1"}},
{"item_id":"zzz","suggested_action":"accept","confidence":0.9},
{"item_id":"b","suggested_action":"maybe","confidence":0.4}
]}`))
	}))
	defer srv.Close()

	p := &provider.HTTPProvider{URL: srv.URL, Model: "m1", APIKey: "secret"}
	res, err := p.Generate(context.Background(), provider.BatchContext{VersionID: "v-1", JobID: "j-1"}, items("a", "b"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ItemID)
	assert.Equal(t, "r1", res[0].Metadata["rule"])
	assert.Contains(t, res[0].RawRequest, `"version_id":"v-1"`)
	assert.Contains(t, res[0].RawResponse, "in scope")
	assert.Equal(t, "m1", got["model"])
	assert.Equal(t, "http:m1", p.Name())

	s := res[0].Suggestion(p.Name(), "2024-01-01T00:00:00Z")
	assert.Equal(t, "accept", s.Action)
	assert.Equal(t, "http:m1", s.Provider)
}

func TestHTTPProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()
	p := &provider.HTTPProvider{URL: srv.URL}
	_, err := p.Generate(context.Background(), provider.BatchContext{}, items("a"))
	assert.EqualError(t, err, "provider: overloaded")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	p.URL = garbage.URL
	_, err = p.Generate(context.Background(), provider.BatchContext{}, items("a"))
	assert.ErrorContains(t, err, "parsing response JSON")
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	p, err := provider.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	cfg.Provider.Kind = "http"
	cfg.Provider.URL = "http://127.0.0.1:1"
	cfg.Provider.APIKeyEnv = "PHASELINE_TEST_PROVIDER_KEY"
	t.Setenv("PHASELINE_TEST_PROVIDER_KEY", "")
	_, err = provider.FromConfig(cfg)
	assert.Error(t, err)

	t.Setenv("PHASELINE_TEST_PROVIDER_KEY", "k")
	p, err = provider.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())
}
