package warden

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long in-flight sessions get to finish after Stop
// before their sockets are force-closed.
const stopGrace = 5 * time.Second

// EngineOptions carries the constructor arguments for an Engine.
type EngineOptions struct {
	// Config is the engine configuration. Nil means DefaultConfig.
	Config *Config

	// FirewallCheck authorizes diverted binaries. Required when flow
	// diversion is enabled.
	FirewallCheck FirewallCheckFunc

	// Classify is the optional content classification callback.
	Classify ClassifyFunc

	// Events are the optional engine callbacks.
	Events Events

	// Logger overrides the logger built from Config.Logging.
	Logger *slog.Logger

	// Diverter overrides the platform diverter. Engines without
	// diversion (Config.Divert.Enabled false and no override) only
	// serve connections something else steers at their listeners.
	Diverter Diverter
}

// loadedSource pairs a rule source with its load target so reloads can
// re-fetch it.
type loadedSource struct {
	src      RuleSource
	category uint8
	triggers bool
}

// Engine owns every subsystem: rule and trigger stores, certificate
// store, acceptors, diverter, and the live options vector. One process
// may run several engines, each fully independent.
type Engine struct {
	cfg      Config
	events   Events
	classify ClassifyFunc
	logger   *slog.Logger
	rep      *reporter

	options     *ProgramOptions
	rules       *RuleStore
	triggers    *TriggerStore
	certs       *CertStore
	blockPage   *BlockPage
	metrics     *Metrics
	accessLog   *AccessLogger
	passthrough *PassthroughList
	rateLimit   *RateLimiter
	health      *HealthChecker
	diverter    Diverter
	sources     []loadedSource

	mu            sync.Mutex
	running       atomic.Bool
	pool          *upstreamPool
	workers       chan struct{}
	sessionWG     sync.WaitGroup
	nextID        atomic.Uint64
	registry      *connRegistry
	httpAcceptor  *acceptor
	httpsAcceptor *acceptor
	adminServer   *http.Server
	adminLn       net.Listener
}

// NewEngine builds an engine from options. Filter lists configured in
// Config.Filter are loaded on Start.
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	if cfg.Divert.Enabled && opts.FirewallCheck == nil && opts.Diverter == nil {
		return nil, fmt.Errorf("%w: a firewall check callback is required with diversion enabled", ErrConfig)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	certs, err := NewCertStore(cfg.TLS.Organization, cfg.TLS.CABundle)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertCacheSize > 0 {
		certs.SetCacheCapacity(cfg.TLS.CertCacheSize)
	}

	blockPage, err := buildBlockPage(cfg.BlockPage)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		events:      opts.Events,
		classify:    opts.Classify,
		logger:      logger,
		rep:         newReporter(opts.Events, logger),
		options:     NewProgramOptions(),
		rules:       NewRuleStore(),
		triggers:    NewTriggerStore(),
		certs:       certs,
		blockPage:   blockPage,
		accessLog:   NewAccessLogger(logger),
		passthrough: NewPassthroughList(),
		health:      NewHealthChecker(),
		registry:    newConnRegistry(),
	}

	for _, host := range cfg.TLS.Passthrough {
		e.passthrough.Add(host)
	}

	if cfg.Admin.Metrics {
		e.metrics = NewMetrics()
		certs.Metrics = e.metrics
	}
	if cfg.RateLimit.Enabled {
		e.rateLimit = NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}

	e.diverter = opts.Diverter
	if e.diverter == nil {
		e.diverter = NewDiverter(DiverterConfig{
			FirewallCheck: opts.FirewallCheck,
			Options:       e.options,
			ExcludeGID:    cfg.Divert.ExcludeGID,
			Logger:        logger,
		})
	}

	for _, sc := range cfg.Filter.Lists {
		src, err := buildSource(sc)
		if err != nil {
			return nil, err
		}
		e.sources = append(e.sources, loadedSource{src: src, category: sc.Category})
	}
	for _, sc := range cfg.Filter.Triggers {
		src, err := buildSource(sc)
		if err != nil {
			return nil, err
		}
		e.sources = append(e.sources, loadedSource{src: src, category: sc.Category, triggers: true})
	}

	return e, nil
}

func buildBlockPage(cfg BlockPageConfig) (*BlockPage, error) {
	switch {
	case cfg.TemplateInline != "":
		return NewBlockPageFromTemplate(cfg.TemplateInline)
	case cfg.TemplatePath != "":
		return NewBlockPageFromFile(cfg.TemplatePath)
	default:
		return NewBlockPage(), nil
	}
}

// Start brings up the acceptors, loads configured filter lists, and
// begins diverting traffic. Calling Start on a running engine has no
// effect. Diversion failures are fatal and leave the engine stopped.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	httpLn, err := net.Listen("tcp", listenAddr(e.cfg.Listen.HTTPPort))
	if err != nil {
		return fmt.Errorf("%w: listen http: %v", ErrConfig, err)
	}
	httpsLn, err := net.Listen("tcp", listenAddr(e.cfg.Listen.HTTPSPort))
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("%w: listen https: %v", ErrConfig, err)
	}

	workerCount := e.cfg.Workers
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	e.workers = make(chan struct{}, workerCount)
	e.pool = newUpstreamPool()

	bodyFilter := newBodyFilter(e.rules, e.triggers, e.options, e.classify, e.blockPage)
	if e.cfg.Filter.BodyCap > 0 {
		bodyFilter.maxBuffer = e.cfg.Filter.BodyCap
	}

	scfg := &sessionConfig{
		rules:     e.rules,
		triggers:  e.triggers,
		options:   e.options,
		certs:     e.certs,
		body:      bodyFilter,
		blockPage: e.blockPage,
		rep:       e.rep,
		metrics:   e.metrics,
		accessLog: e.accessLog,
		pool:      e.pool,
		timeouts:  e.cfg.Timeouts,
	}

	e.httpAcceptor = &acceptor{
		cfg: scfg, diverter: e.diverter, passthrough: e.passthrough,
		rateLimit: e.rateLimit, ln: httpLn, isTLS: false,
		workers: e.workers, wg: &e.sessionWG, nextID: &e.nextID,
		registry: e.registry,
	}
	e.httpsAcceptor = &acceptor{
		cfg: scfg, diverter: e.diverter, passthrough: e.passthrough,
		rateLimit: e.rateLimit, ln: httpsLn, isTLS: true,
		workers: e.workers, wg: &e.sessionWG, nextID: &e.nextID,
		registry: e.registry,
	}

	if e.cfg.Divert.Enabled {
		if err := e.diverter.Start(e.httpAcceptor.port(), e.httpsAcceptor.port()); err != nil {
			_ = httpLn.Close()
			_ = httpsLn.Close()
			return err
		}
	}

	go e.httpAcceptor.acceptLoop()
	go e.httpsAcceptor.acceptLoop()

	if err := e.loadConfiguredSources(); err != nil {
		e.rep.warn("initial list load incomplete", "error", err)
	}
	for _, cat := range e.cfg.Filter.EnabledCategories {
		e.options.SetCategory(cat, true)
	}

	if e.cfg.Admin.Enabled {
		if err := e.startAdmin(); err != nil {
			e.rep.warn("admin listener failed", "error", err)
		}
	}

	e.health.SetAlive(true)
	e.running.Store(true)
	e.rep.info("engine started",
		"http_port", strconv.Itoa(int(e.httpAcceptor.port())),
		"https_port", strconv.Itoa(int(e.httpsAcceptor.port())))
	return nil
}

// Stop ceases diversion, closes the listeners, lets in-flight sessions
// drain within the grace window, then force-closes the stragglers.
// After Stop returns no engine goroutine is alive and no engine socket
// remains open.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}

	if e.cfg.Divert.Enabled {
		_ = e.diverter.Stop()
	}

	e.httpAcceptor.closed.Store(true)
	e.httpsAcceptor.closed.Store(true)
	_ = e.httpAcceptor.ln.Close()
	_ = e.httpsAcceptor.ln.Close()

	done := make(chan struct{})
	go func() {
		e.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		e.registry.closeAll()
		<-done
	}

	e.pool.closeAll()
	if e.rateLimit != nil {
		e.rateLimit.Close()
	}
	if e.adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = e.adminServer.Shutdown(ctx)
		cancel()
		e.adminServer = nil
		e.adminLn = nil
	}

	e.health.SetAlive(false)
	e.running.Store(false)
	e.rep.info("engine stopped")
}

// IsRunning reports whether the engine is diverting and serving.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// HTTPPort returns the bound plain acceptor port, zero when stopped.
func (e *Engine) HTTPPort() uint16 {
	if !e.running.Load() {
		return 0
	}
	return e.httpAcceptor.port()
}

// HTTPSPort returns the bound TLS acceptor port, zero when stopped.
func (e *Engine) HTTPSPort() uint16 {
	if !e.running.Load() {
		return 0
	}
	return e.httpsAcceptor.port()
}

// SetOption flips a program-wide option. Unknown indices are no-ops.
func (e *Engine) SetOption(index uint32, enabled bool) {
	e.options.SetOption(index, enabled)
}

// GetOption reads a program-wide option. Unknown indices read false.
func (e *Engine) GetOption(index uint32) bool {
	return e.options.Option(index)
}

// SetCategory enables or disables a rule category. Category zero is
// ignored.
func (e *Engine) SetCategory(category uint8, enabled bool) {
	e.options.SetCategory(category, enabled)
}

// GetCategory reads a category flag. Category zero reads false.
func (e *Engine) GetCategory(category uint8) bool {
	return e.options.Category(category)
}

// LoadFiltersFromString parses Adblock Plus rules into a category.
func (e *Engine) LoadFiltersFromString(text string, category uint8, flushExisting bool) (loaded, failed uint32, err error) {
	loaded, failed, err = e.rules.LoadFromText(text, category, flushExisting)
	if err == nil {
		e.rep.info("filter list loaded", "category", int(category), "loaded", loaded, "failed", failed)
		if e.metrics != nil {
			e.metrics.SetRuleCount(e.rules.TotalCount())
		}
	}
	return loaded, failed, err
}

// LoadFiltersFromFile loads an Adblock Plus list from disk.
func (e *Engine) LoadFiltersFromFile(path string, category uint8, flushExisting bool) (loaded, failed uint32, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read list: %v", ErrConfig, err)
	}
	return e.LoadFiltersFromString(string(data), category, flushExisting)
}

// LoadTriggersFromString loads newline-delimited text triggers.
func (e *Engine) LoadTriggersFromString(text string, category uint8, flushExisting bool) (uint32, error) {
	loaded, err := e.triggers.LoadFromText(text, category, flushExisting)
	if err == nil {
		e.rep.info("triggers loaded", "category", int(category), "loaded", loaded)
	}
	return loaded, err
}

// LoadTriggersFromFile loads text triggers from disk.
func (e *Engine) LoadTriggersFromFile(path string, category uint8, flushExisting bool) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read triggers: %v", ErrConfig, err)
	}
	return e.LoadTriggersFromString(string(data), category, flushExisting)
}

// UnloadCategory drops all rules in a category.
func (e *Engine) UnloadCategory(category uint8) {
	e.rules.UnloadCategory(category)
	if e.metrics != nil {
		e.metrics.SetRuleCount(e.rules.TotalCount())
	}
}

// UnloadTriggers drops all triggers in a category.
func (e *Engine) UnloadTriggers(category uint8) {
	e.triggers.UnloadCategory(category)
}

// RootCertificatePEM returns the engine's root CA in PEM form, for
// installation into OS trust stores by the embedding application.
func (e *Engine) RootCertificatePEM() []byte {
	return e.certs.RootCertificatePEM()
}

// Passthrough exposes the TLS passthrough exemption list.
func (e *Engine) Passthrough() *PassthroughList {
	return e.passthrough
}

// LoadFromSource fetches a source and loads it as rules or triggers.
func (e *Engine) LoadFromSource(ctx context.Context, src RuleSource, category uint8, triggers, flush bool) error {
	text, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	if triggers {
		_, err = e.LoadTriggersFromString(text, category, flush)
		return err
	}
	_, _, err = e.LoadFiltersFromString(text, category, flush)
	return err
}

// ReloadSources re-fetches every configured list and trigger source.
func (e *Engine) ReloadSources(ctx context.Context) error {
	var firstErr error
	for _, ls := range e.sources {
		if err := e.LoadFromSource(ctx, ls.src, ls.category, ls.triggers, true); err != nil {
			e.rep.warn("source reload failed", "category", int(ls.category), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) loadConfiguredSources() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.ReloadSources(ctx)
}

func (e *Engine) startAdmin() error {
	ln, err := net.Listen("tcp", e.cfg.Admin.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen admin: %v", ErrConfig, err)
	}
	api := NewAdminAPI(e)
	e.adminLn = ln
	e.adminServer = &http.Server{Handler: api.Handler()}
	go func() {
		_ = e.adminServer.Serve(ln)
	}()
	e.rep.info("admin listening", "addr", ln.Addr().String())
	return nil
}

func listenAddr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

// connRegistry tracks live downstream sockets so shutdown can
// force-close sessions that outlive the grace window.
type connRegistry struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[net.Conn]struct{})}
}

func (r *connRegistry) add(conn net.Conn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *connRegistry) remove(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

func (r *connRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
	}
	r.conns = make(map[net.Conn]struct{})
}
