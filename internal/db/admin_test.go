package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ballrig/internal/diag"
	"github.com/banshee-data/ballrig/internal/treadmill"
)

func adminRequest(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	id := uuid.New()
	if err := db.StartSession(id, "mock", "optical12", time.Now()); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := db.WriteRecords([]diag.Record{{Session: id, RecordedAt: time.Now(), Diagnostics: treadmill.Diagnostics{TimestampMs: 5}}}); err != nil {
		t.Fatalf("WriteRecords failed: %v", err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	t.Run("sessions", func(t *testing.T) {
		rec := adminRequest(t, mux, "/debug/sessions")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got []Session
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("bad JSON: %v", err)
		}
		if len(got) != 1 || got[0].ID != id || got[0].Records != 1 {
			t.Errorf("unexpected sessions %+v", got)
		}
	})

	t.Run("diagnostics", func(t *testing.T) {
		rec := adminRequest(t, mux, "/debug/sessions/diagnostics?session="+id.String()+"&limit=5")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got []diag.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("bad JSON: %v", err)
		}
		if len(got) != 1 || got[0].TimestampMs != 5 {
			t.Errorf("unexpected records %+v", got)
		}
	})

	t.Run("diagnostics bad id", func(t *testing.T) {
		rec := adminRequest(t, mux, "/debug/sessions/diagnostics?session=nope")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("backup", func(t *testing.T) {
		rec := adminRequest(t, mux, "/debug/backup")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/gzip" {
			t.Errorf("Content-Type = %q", ct)
		}
		if rec.Body.Len() == 0 {
			t.Error("empty backup")
		}
	})
}
