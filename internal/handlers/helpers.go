package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hexagonlabs/tunneld/internal/registry"
)

// Registry is the live tunnel store the handlers serve from. Assigned once
// during startup.
var Registry *registry.Registry

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
