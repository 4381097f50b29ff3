package warden

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newAdminTestAPI(t *testing.T) (*AdminAPI, *Engine) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Divert.Enabled = false
	cfg.Admin.Metrics = true
	engine, err := NewEngine(EngineOptions{Config: &cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return NewAdminAPI(engine), engine
}

func TestAdminAPI_Status(t *testing.T) {
	api, engine := newAdminTestAPI(t)
	_, _, _ = engine.LoadFiltersFromString("||a.example^\n||b.example^", 1, true)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}

	var status StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Running {
		t.Error("engine reported running before Start")
	}
	if status.RuleCount != 2 {
		t.Errorf("rule count = %d", status.RuleCount)
	}
}

func TestAdminAPI_LoadAndUnloadFilters(t *testing.T) {
	api, engine := newAdminTestAPI(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/filters/5",
		strings.NewReader("||ads.example^\nbad$bogus"))
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("load code = %d: %s", rec.Code, rec.Body.String())
	}

	var result LoadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Loaded != 1 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	if engine.rules.Count(5) != 1 {
		t.Errorf("store count = %d", engine.rules.Count(5))
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/filters/5", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unload code = %d", rec.Code)
	}
	if engine.rules.Count(5) != 0 {
		t.Error("rules not unloaded")
	}
}

func TestAdminAPI_LoadFiltersCategoryZero(t *testing.T) {
	api, _ := newAdminTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/filters/0",
		strings.NewReader("||x^")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("category 0 load = %d, want 400", rec.Code)
	}
}

func TestAdminAPI_Triggers(t *testing.T) {
	api, engine := newAdminTestAPI(t)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/triggers/3",
		strings.NewReader("alpha\nbeta")))
	if rec.Code != http.StatusOK {
		t.Fatalf("load code = %d", rec.Code)
	}
	if engine.triggers.Count(3) != 2 {
		t.Errorf("trigger count = %d", engine.triggers.Count(3))
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/triggers/3", nil))
	if rec.Code != http.StatusNoContent || engine.triggers.Count(3) != 0 {
		t.Error("triggers not unloaded")
	}
}

func TestAdminAPI_OptionsAndCategories(t *testing.T) {
	api, engine := newAdminTestAPI(t)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/categories/7",
		strings.NewReader(`{"enabled": true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("set category = %d", rec.Code)
	}
	if !engine.GetCategory(7) {
		t.Error("category not set")
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/categories/7", nil))
	var flag flagResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &flag); err != nil {
		t.Fatal(err)
	}
	if !flag.Enabled {
		t.Error("category read = false")
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/options/5",
		strings.NewReader(`{"enabled": true}`)))
	if rec.Code != http.StatusOK || !engine.GetOption(5) {
		t.Error("option not set via API")
	}
}

func TestAdminAPI_RootCert(t *testing.T) {
	api, engine := newAdminTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/root.pem", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("root cert = %d", rec.Code)
	}
	if rec.Body.String() != string(engine.RootCertificatePEM()) {
		t.Error("served PEM does not match the engine root")
	}
}

func TestAdminAPI_Metrics(t *testing.T) {
	api, _ := newAdminTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_") {
		t.Error("exposition missing warden metrics")
	}
}
