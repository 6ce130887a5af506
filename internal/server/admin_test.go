package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminServerRejectsNonLoopbackRemoteAddr(t *testing.T) {
	a := NewAdminServer(newTestRegistry(), nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/admin/streams/s1/reset", nil)
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()

	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback caller, got %d", rec.Code)
	}
}

func TestAdminServerRejectsUnknownStream(t *testing.T) {
	a := NewAdminServer(newTestRegistry(), nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/admin/streams/does-not-exist/reset", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()

	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d", rec.Code)
	}
}

func TestAdminServerRejectsWrongMethod(t *testing.T) {
	a := NewAdminServer(newTestRegistry(), nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/streams/s1/reset", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()

	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}
