package beacon

import (
	_ "embed"
	"net/http"
)

//go:embed static/pagewatch.js
var pageScript []byte

// ServeScript serves the page-side script that forwards failures to /ws and
// follows navigate frames.
func ServeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(pageScript)
}
