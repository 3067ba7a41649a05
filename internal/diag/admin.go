package diag

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ballrig/internal/httputil"
)

// AttachAdminRoutes serves the recorder summary at /debug/diag and a live
// Server-Sent Events feed of records at /debug/diag/tail.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("diag", "Treadmill diagnostics summary", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, r.Summary())
	})

	debug.HandleSilentFunc("diag/tail", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.AllowMethod(w, req, http.MethodGet) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := r.Subscribe()
		defer r.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case rec, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-req.Context().Done():
				return
			}
		}
	})
}
