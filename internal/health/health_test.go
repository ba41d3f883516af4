package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(nil)
	rec := httptest.NewRecorder()

	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzReportsEachCheck(t *testing.T) {
	h := New(map[string]Check{
		"workers": func(context.Context) error { return nil },
		"history": func(context.Context) error { return errors.New("db locked") },
	})
	rec := httptest.NewRecorder()

	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var rep struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if rep.Status != "fail" {
		t.Errorf("status field = %q, want %q", rep.Status, "fail")
	}
	if rep.Checks["workers"] != "ok" {
		t.Errorf("workers check = %q, want ok", rep.Checks["workers"])
	}
	if !strings.HasPrefix(rep.Checks["history"], "fail:") {
		t.Errorf("history check = %q, want fail prefix", rep.Checks["history"])
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := New(map[string]Check{
		"workers": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()

	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New(nil).Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}
