package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

func TestAPIClientSendsAuthAndActor(t *testing.T) {
	var gotAuth, gotActor, gotPath string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotActor = r.Header.Get("X-Factorio-Deck-Actor")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL, "secret", "alice")
	require.NoError(t, c.Command(context.Background(), "main", "/players"))

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "alice", gotActor)
	assert.Equal(t, "/api/servers/main/command", gotPath)
	assert.Equal(t, "/players", gotBody["command"])
}

func TestAPIClientDecodesLists(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/servers":
			_, _ = w.Write([]byte(`{"servers":[{"id":"main","name":"Main","status":"Running","connected":true}]}`))
		case "/api/servers/main/start":
			_, _ = w.Write([]byte(`{"ok":true,"server":{"id":"main","status":"Preparing"},"status":"Preparing"}`))
		case "/api/servers/main/history":
			_, _ = w.Write([]byte(`{"serverId":"main","messages":[{"messageType":"Output","text":"hello"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL, "", "")
	ctx := context.Background()

	servers, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "main", servers[0].ID)
	assert.Equal(t, server.StatusRunning, servers[0].Status)
	assert.True(t, servers[0].Connected)

	info, err := c.Action(ctx, "main", "start")
	require.NoError(t, err)
	assert.Equal(t, server.StatusPreparing, info.Status)

	history, err := c.History(ctx, "main")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, server.MessageOutput, history[0].Type)
	assert.Equal(t, "hello", history[0].Text)
}

func TestAPIClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stop") {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"cannot stop server in status Stopped"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down\n"))
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL, "", "")
	_, err := c.Action(context.Background(), "main", "stop")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "INVALID_TRANSITION", apiErr.Code)
	assert.Equal(t, "cannot stop server in status Stopped", apiErr.Message)

	_, err = c.List(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP_ERROR", apiErr.Code)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8420", newAPIClient("127.0.0.1:8420/", "", "").baseURL)
	assert.Equal(t, "https://deck.example", newAPIClient("https://deck.example", "", "").baseURL)
}
