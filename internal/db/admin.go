package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/ballrig/internal/httputil"
)

const maxQueryLimit = 10000

// AttachAdminRoutes mounts tailsql, a database backup download and JSON
// session listings under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://ballrig.db", db.DB, &tailsql.DBOptions{
		Label: "Treadmill DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("sessions", "Recent treadmill sessions", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethod(w, r, http.MethodGet) {
			return
		}
		sessions, err := db.Sessions(httputil.QueryLimit(r, 100, maxQueryLimit))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, sessions)
	})

	debug.HandleSilentFunc("sessions/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethod(w, r, http.MethodGet) {
			return
		}
		id, err := uuid.Parse(r.URL.Query().Get("session"))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		records, err := db.RecentDiagnostics(id, httputil.QueryLimit(r, 100, maxQueryLimit))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load diagnostics: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, records)
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("ballrig-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to write backup: %v", err)
		}
	}))
	return nil
}
