// Package web serves the built dashboard next to the API.
package web

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Server serves files from Dir. Paths without a file extension that do
// not exist fall back to index.html so client-side routes such as
// /runs/<id> survive a reload.
type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		if s.spaRoute(r.URL.Path) {
			http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func (s *Server) spaRoute(urlPath string) bool {
	clean := path.Clean("/" + urlPath)
	if clean == "/" || path.Ext(clean) != "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))))
	return os.IsNotExist(err)
}
