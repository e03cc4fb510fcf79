package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailPrintsEventsAndResumes(t *testing.T) {
	color.NoColor = true

	var mu sync.Mutex
	var resumedFrom []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs/r1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"r1","title":"Find invoices","status":"running","bron_name":"Ada"}`)
	})
	mux.HandleFunc("GET /api/runs/r1/stream", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resumedFrom = append(resumedFrom, r.Header.Get("Last-Event-ID"))
		first := len(resumedFrom) == 1
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"runId\":\"r1\"}\n\n")
		if first {
			fmt.Fprint(w, "id: 1\nevent: status\ndata: {\"seq\":1,\"type\":\"status\",\"payload\":{\"status\":\"running\"}}\n\n")
			// Drop the connection before completion.
			return
		}
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "id: 2\nevent: message\ndata: {\"seq\":2,\"type\":\"message\",\"payload\":{\"role\":\"assistant\",\"content\":\"Found 3.\"}}\n\n")
		fmt.Fprint(w, "id: 3\nevent: tool\ndata: {\"seq\":3,\"type\":\"tool\",\"payload\":{\"name\":\"gmail_search\",\"phase\":\"end\",\"error\":\"boom\"}}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {\"status\":\"succeeded\"}\n\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, tail(ctx, srv.URL, "r1", 0, &out))

	mu.Lock()
	assert.Equal(t, []string{"", "1"}, resumedFrom)
	mu.Unlock()
	text := out.String()
	assert.Contains(t, text, "Ada Find invoices (r1)")
	assert.Contains(t, text, "   1 running")
	assert.Contains(t, text, "reconnecting")
	assert.Contains(t, text, "   2 Ada: Found 3.")
	assert.Contains(t, text, "   3 gmail_search end boom")
	assert.Contains(t, text, "run finished: succeeded")
}

func TestTailUnknownRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"run not found"}`)
	}))
	defer srv.Close()

	err := tail(context.Background(), srv.URL, "missing", 0, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}
