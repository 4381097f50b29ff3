package warden

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes runtime management over HTTP: loading and unloading
// rule and trigger categories, flipping options and categories,
// inspecting status, and downloading the root certificate. It is the
// REST equivalent of the engine facade, served on the loopback admin
// listener.
type AdminAPI struct {
	engine *Engine
	router chi.Router
}

// NewAdminAPI wires an AdminAPI to the engine.
func NewAdminAPI(engine *Engine) *AdminAPI {
	a := &AdminAPI{engine: engine}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.engine.health.HandleHealthz)
	r.Get("/readyz", a.engine.health.HandleReadyz)
	if a.engine.metrics != nil {
		r.Handle("/metrics", a.engine.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Post("/filters/{category}", a.handleLoadFilters)
		r.Delete("/filters/{category}", a.handleUnloadFilters)
		r.Post("/triggers/{category}", a.handleLoadTriggers)
		r.Delete("/triggers/{category}", a.handleUnloadTriggers)
		r.Get("/options/{index}", a.handleGetOption)
		r.Put("/options/{index}", a.handleSetOption)
		r.Get("/categories/{id}", a.handleGetCategory)
		r.Put("/categories/{id}", a.handleSetCategory)
		r.Post("/reload", a.handleReload)
	})

	r.Get("/root.pem", a.handleRootCert)

	a.router = r
}

// Handler returns the admin HTTP handler.
func (a *AdminAPI) Handler() http.Handler {
	return a.router
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Running       bool   `json:"running"`
	HTTPPort      uint16 `json:"http_port"`
	HTTPSPort     uint16 `json:"https_port"`
	RuleCount     int    `json:"rule_count"`
	CertCacheSize int    `json:"cert_cache_size"`
	Passthrough   int    `json:"passthrough_hosts"`
}

// LoadResponse is returned by list and trigger loads.
type LoadResponse struct {
	Loaded uint32 `json:"loaded"`
	Failed uint32 `json:"failed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:       a.engine.IsRunning(),
		HTTPPort:      a.engine.HTTPPort(),
		HTTPSPort:     a.engine.HTTPSPort(),
		RuleCount:     a.engine.rules.TotalCount(),
		CertCacheSize: a.engine.certs.CacheLen(),
		Passthrough:   a.engine.passthrough.Len(),
	})
}

// categoryParam parses the {category}/{id} route parameter.
func categoryParam(r *http.Request, name string) (uint8, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

func (a *AdminAPI) handleLoadFilters(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r, "category")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	flush := r.URL.Query().Get("flush") != "false"

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	loaded, failed, err := a.engine.LoadFiltersFromString(string(body), category, flush)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, LoadResponse{Loaded: loaded, Failed: failed})
}

func (a *AdminAPI) handleUnloadFilters(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r, "category")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	a.engine.UnloadCategory(category)
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleLoadTriggers(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r, "category")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	flush := r.URL.Query().Get("flush") != "false"

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	loaded, err := a.engine.LoadTriggersFromString(string(body), category, flush)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, LoadResponse{Loaded: loaded})
}

func (a *AdminAPI) handleUnloadTriggers(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r, "category")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	a.engine.UnloadTriggers(category)
	w.WriteHeader(http.StatusNoContent)
}

type flagBody struct {
	Enabled bool `json:"enabled"`
}

type flagResponse struct {
	Enabled bool `json:"enabled"`
}

func (a *AdminAPI) handleGetOption(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid option index"})
		return
	}
	writeJSON(w, http.StatusOK, flagResponse{Enabled: a.engine.GetOption(uint32(index))})
}

func (a *AdminAPI) handleSetOption(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid option index"})
		return
	}
	var body flagBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	a.engine.SetOption(uint32(index), body.Enabled)
	writeJSON(w, http.StatusOK, flagResponse{Enabled: a.engine.GetOption(uint32(index))})
}

func (a *AdminAPI) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := categoryParam(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	writeJSON(w, http.StatusOK, flagResponse{Enabled: a.engine.GetCategory(id)})
}

func (a *AdminAPI) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := categoryParam(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid category"})
		return
	}
	var body flagBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	a.engine.SetCategory(id, body.Enabled)
	writeJSON(w, http.StatusOK, flagResponse{Enabled: a.engine.GetCategory(id)})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.engine.ReloadSources(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *AdminAPI) handleRootCert(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(a.engine.RootCertificatePEM())
}
