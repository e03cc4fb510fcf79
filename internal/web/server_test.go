package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>brons</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	h := (&Server{Dir: dir}).Handler()

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "<h1>brons</h1>"},
		{"/app.js", http.StatusOK, "console.log(1)"},
		{"/runs/0190-abc", http.StatusOK, "<h1>brons</h1>"},
		{"/missing.css", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.status, rec.Code, tc.path)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"), tc.path)
		if tc.body != "" {
			assert.Equal(t, tc.body, rec.Body.String(), tc.path)
		}
	}
}
