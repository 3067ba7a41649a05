package ingest

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ballrig/internal/httputil"
)

// AttachAdminRoutes adds session status and control endpoints under /debug/.
// These are meant for localhost or tailnet access only.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("ingest", "sensor ingestion status (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.Stats())
	})

	// POST on=true|false sends the device streaming command.
	debug.HandleSilentFunc("ingest/stream", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethod(w, r, http.MethodPost) {
			return
		}
		on, err := strconv.ParseBool(r.FormValue("on"))
		if err != nil {
			http.Error(w, "on must be true or false", http.StatusBadRequest)
			return
		}
		if err := s.SetStreaming(on); err != nil {
			http.Error(w, fmt.Sprintf("failed to send streaming command: %v", err), http.StatusConflict)
			return
		}
		io.WriteString(w, fmt.Sprintf("streaming=%v sent to %s", on, s.Endpoint()))
	})

	debug.HandleSilentFunc("ingest/clear", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethod(w, r, http.MethodPost) {
			return
		}
		s.Clear()
		io.WriteString(w, "frame buffer cleared")
	})
}
