package lore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/worldmap/internal/config"
)

func newTestClient(srv *httptest.Server, key string) *Client {
	return New(config.LoreConfig{
		APIKey:   key,
		Model:    "gemini-test",
		Endpoint: srv.URL + "/v1beta/",
		Timeout:  time.Second,
	}, nil)
}

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		require.Len(t, req.Contents[0].Parts, 1)
		assert.Contains(t, req.Contents[0].Parts[0].Text, `"Old Tower"`)
		assert.Contains(t, req.Contents[0].Parts[0].Text, "Тип локации: landmark")

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Старая башня "},{"text":"хранит тайны.\n"}]}}]}`))
	}))
	defer srv.Close()

	got := newTestClient(srv, "secret").Generate(context.Background(), "Old Tower", "landmark")
	assert.Equal(t, "Старая башня хранит тайны.", got)
}

func TestGenerate_MissingKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	assert.Equal(t, MissingKeyText, newTestClient(srv, "").Generate(context.Background(), "x", "city"))
	assert.False(t, called)
}

func TestGenerate_EmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	assert.Equal(t, EmptyText, newTestClient(srv, "k").Generate(context.Background(), "x", "city"))
}

func TestGenerate_Failure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			assert.Equal(t, FailureText, newTestClient(srv, "k").Generate(context.Background(), "x", "shop"))
		})
	}
}

func TestGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv, "k")
	srv.Close()

	assert.Equal(t, FailureText, c.Generate(context.Background(), "x", "dungeon"))
}

func TestNew_Defaults(t *testing.T) {
	c := New(config.LoreConfig{}, nil)
	assert.Equal(t, defaultModel, c.model)
	assert.Equal(t, defaultEndpoint, c.endpoint)
	assert.Equal(t, 20*time.Second, c.httpClient.Timeout)
}
