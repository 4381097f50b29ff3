package warden

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDiverter maps every accepted connection to a fixed original
// destination, standing in for the platform diverter in tests.
type fakeDiverter struct {
	rec FlowRecord
}

func (d *fakeDiverter) Start(httpPort, httpsPort uint16) error { return nil }
func (d *fakeDiverter) Stop() error                            { return nil }
func (d *fakeDiverter) OriginalDestination(net.Conn) (FlowRecord, error) {
	return d.rec, nil
}

// blockedEvent captures OnRequestBlocked callback invocations.
type blockedEvent struct {
	category uint8
	ruleText string
	url      string
	size     int64
}

type eventRecorder struct {
	mu      sync.Mutex
	blocked []blockedEvent
	hidden  []int
}

func (er *eventRecorder) events() Events {
	return Events{
		OnRequestBlocked: func(category uint8, ruleText, url string, size int64) {
			er.mu.Lock()
			er.blocked = append(er.blocked, blockedEvent{category, ruleText, url, size})
			er.mu.Unlock()
		},
		OnElementsBlocked: func(num int, url string, category uint8) {
			er.mu.Lock()
			er.hidden = append(er.hidden, num)
			er.mu.Unlock()
		},
	}
}

func (er *eventRecorder) blockedCount() int {
	er.mu.Lock()
	defer er.mu.Unlock()
	return len(er.blocked)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func destRecord(t *testing.T, addr string, approved bool) FlowRecord {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return FlowRecord{
		OriginalIP:   net.ParseIP(host),
		OriginalPort: uint16(port),
		BinaryPath:   "/usr/bin/testclient",
		Approved:     approved,
	}
}

// startEngine builds and starts an engine whose diverter maps every
// connection to upstreamAddr.
func startEngine(t *testing.T, upstreamAddr string, approved bool, er *eventRecorder, mutate func(*Config)) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(&cfg)
	}

	opts := EngineOptions{
		Config:   &cfg,
		Logger:   quietLogger(),
		Diverter: &fakeDiverter{rec: destRecord(t, upstreamAddr, approved)},
	}
	if er != nil {
		opts.Events = er.events()
	}

	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

// rawExchange sends one raw HTTP request to addr and parses the
// response.
func rawExchange(t *testing.T, addr, raw string) *http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func httpPortAddr(e *Engine) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(e.HTTPPort())))
}

func httpsPortAddr(e *Engine) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(e.HTTPSPort())))
}

func TestBridge_BlockRuleMatch(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("should not be reached"))
	}))
	defer upstream.Close()

	er := &eventRecorder{}
	engine := startEngine(t, upstream.Listener.Addr().String(), true, er, nil)

	if _, _, err := engine.LoadFiltersFromString("||ads.example.com^$third-party", 1, true); err != nil {
		t.Fatal(err)
	}
	engine.SetCategory(1, true)

	resp := rawExchange(t, httpPortAddr(engine),
		"GET /banner.gif HTTP/1.1\r\n"+
			"Host: ads.example.com\r\n"+
			"Referer: http://news.example.org/page\r\n"+
			"Accept: image/webp,*/*\r\n"+
			"\r\n")

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if hits != 0 {
		t.Error("blocked request must not reach upstream")
	}

	er.mu.Lock()
	defer er.mu.Unlock()
	if len(er.blocked) != 1 {
		t.Fatalf("blocked events = %d, want 1", len(er.blocked))
	}
	ev := er.blocked[0]
	if ev.category != 1 || ev.ruleText != "||ads.example.com^$third-party" || ev.size != 0 {
		t.Errorf("event = %+v", ev)
	}
	if !strings.Contains(ev.url, "ads.example.com") || !strings.Contains(ev.url, "banner.gif") {
		t.Errorf("event url = %q", ev.url)
	}
}

func TestBridge_ExceptionOverridesBlock(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("served " + r.URL.Path))
	}))
	defer upstream.Close()

	er := &eventRecorder{}
	engine := startEngine(t, upstream.Listener.Addr().String(), true, er, nil)

	list := "||tracker.example.com^\n@@||tracker.example.com/safe^"
	if _, _, err := engine.LoadFiltersFromString(list, 1, true); err != nil {
		t.Fatal(err)
	}
	engine.SetCategory(1, true)

	safe := rawExchange(t, httpPortAddr(engine),
		"GET /safe/ping HTTP/1.1\r\nHost: tracker.example.com\r\n\r\n")
	if safe.StatusCode != http.StatusOK {
		t.Errorf("safe path status = %d, want 200", safe.StatusCode)
	}
	if body, _ := io.ReadAll(safe.Body); string(body) != "served /safe/ping" {
		t.Errorf("safe body = %q", body)
	}

	bad := rawExchange(t, httpPortAddr(engine),
		"GET /bad HTTP/1.1\r\nHost: tracker.example.com\r\n\r\n")
	if bad.StatusCode != http.StatusForbidden {
		t.Errorf("bad path status = %d, want 403", bad.StatusCode)
	}
}

func TestBridge_ElementHiding(t *testing.T) {
	page := `<html><head></head><body><div class="ad-banner">X</div></body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	er := &eventRecorder{}
	engine := startEngine(t, upstream.Listener.Addr().String(), true, er, nil)

	if _, _, err := engine.LoadFiltersFromString("##.ad-banner", 2, true); err != nil {
		t.Fatal(err)
	}
	engine.SetCategory(2, true)

	resp := rawExchange(t, httpPortAddr(engine),
		"GET / HTTP/1.1\r\nHost: site.example\r\nAccept: text/html\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<style>.ad-banner{display:none !important;}</style></head>") {
		t.Errorf("style not injected:\n%s", body)
	}

	er.mu.Lock()
	defer er.mu.Unlock()
	if len(er.hidden) != 1 || er.hidden[0] != 1 {
		t.Errorf("hidden events = %v", er.hidden)
	}
}

func TestBridge_TextTrigger(t *testing.T) {
	payload := strings.Repeat("filler ", 400) + " FORBIDDEN " + strings.Repeat("tail ", 30)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	er := &eventRecorder{}
	engine := startEngine(t, upstream.Listener.Addr().String(), true, er, nil)

	if _, err := engine.LoadTriggersFromString("FORBIDDEN", 3, true); err != nil {
		t.Fatal(err)
	}
	engine.SetCategory(3, true)

	resp := rawExchange(t, httpPortAddr(engine),
		"GET /doc.txt HTTP/1.1\r\nHost: site.example\r\nAccept: text/html\r\n\r\n")

	// A blocked document fetch receives the HTML block page.
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 block page", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Request Blocked") {
		t.Error("block page not served")
	}
	if strings.Contains(string(body), "FORBIDDEN") {
		t.Error("original payload leaked")
	}

	er.mu.Lock()
	defer er.mu.Unlock()
	if len(er.blocked) != 1 || er.blocked[0].category != 3 {
		t.Fatalf("blocked events = %+v", er.blocked)
	}
}

func TestBridge_KeepAlive(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = fmt.Fprintf(w, "response for %s", r.URL.Path)
	}))
	defer upstream.Close()

	engine := startEngine(t, upstream.Listener.Addr().String(), true, nil, nil)

	conn, err := net.Dial("tcp", httpPortAddr(engine))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	for _, pth := range []string{"/first", "/second"} {
		if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: site.example\r\n\r\n", pth); err != nil {
			t.Fatal(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		resp, err := http.ReadResponse(reader, nil)
		if err != nil {
			t.Fatalf("%s: %v", pth, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != "response for "+pth {
			t.Errorf("%s body = %q", pth, body)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("upstream hits = %d, want 2", hits)
	}
}

func TestBridge_UpstreamConnectFailure(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	engine := startEngine(t, deadAddr, true, nil, nil)

	resp := rawExchange(t, httpPortAddr(engine),
		"GET / HTTP/1.1\r\nHost: gone.example\r\n\r\n")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if resp.Header.Get("X-Fe-Reason") != "" {
		t.Error("plain connect failure should not carry the TLS reason header")
	}
}

func TestBridge_FirewallDenialBypassesFiltering(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tunneled through"))
	}))
	defer upstream.Close()

	er := &eventRecorder{}
	engine := startEngine(t, upstream.Listener.Addr().String(), false, er, nil)

	// The rule would block this host, but the denied flow is never
	// inspected.
	if _, _, err := engine.LoadFiltersFromString("||denied.example^", 1, true); err != nil {
		t.Fatal(err)
	}
	engine.SetCategory(1, true)

	resp := rawExchange(t, httpPortAddr(engine),
		"GET / HTTP/1.1\r\nHost: denied.example\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 from upstream", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "tunneled through" {
		t.Errorf("body = %q", body)
	}
	if er.blockedCount() != 0 {
		t.Error("denied flows must not produce block events")
	}
}

// startTLSUpstream serves a fixed HTML page over TLS with a certificate
// for the given hostname, returning its address and the CA that signed
// it.
func startTLSUpstream(t *testing.T, hostname, body string) (addr string, caPEM []byte) {
	t.Helper()
	cs, err := NewCertStore("Upstream Test CA", "")
	if err != nil {
		t.Fatal(err)
	}
	tlsCfg, err := cs.ContextFor(hostname)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				reader := bufio.NewReader(c)
				for {
					if _, err := http.ReadRequest(reader); err != nil {
						return
					}
					response := fmt.Sprintf(
						"HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
						len(body), body)
					if _, err := io.WriteString(c, response); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), cs.RootCertificatePEM()
}

func TestBridge_TLSInterception(t *testing.T) {
	const hostname = "example.test"
	upstreamAddr, caPEM := startTLSUpstream(t, hostname, "<html>intercepted ok</html>")

	bundlePath := filepath.Join(t.TempDir(), "bundle.pem")
	if err := os.WriteFile(bundlePath, caPEM, 0o644); err != nil {
		t.Fatal(err)
	}

	engine := startEngine(t, upstreamAddr, true, nil, func(cfg *Config) {
		cfg.TLS.CABundle = bundlePath
	})

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(engine.RootCertificatePEM()) {
		t.Fatal("cannot load engine root")
	}

	conn, err := tls.Dial("tcp", httpsPortAddr(engine), &tls.Config{
		ServerName: hostname,
		RootCAs:    roots,
	})
	if err != nil {
		t.Fatalf("TLS dial through engine: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// The forged leaf must carry the SNI hostname.
	leaf := conn.ConnectionState().PeerCertificates[0]
	found := false
	for _, name := range leaf.DNSNames {
		if name == hostname {
			found = true
		}
	}
	if !found {
		t.Errorf("forged leaf SAN = %v", leaf.DNSNames)
	}

	if _, err := fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\nAccept: text/html\r\n\r\n", hostname); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "intercepted ok") {
		t.Errorf("body = %q", body)
	}
}

func TestBridge_UpstreamTLSVerifyFailure(t *testing.T) {
	const hostname = "untrusted.test"
	upstreamAddr, _ := startTLSUpstream(t, hostname, "<html>x</html>")

	// No CA bundle: the upstream's private CA is untrusted.
	engine := startEngine(t, upstreamAddr, true, nil, nil)

	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(engine.RootCertificatePEM())

	conn, err := tls.Dial("tcp", httpsPortAddr(engine), &tls.Config{
		ServerName: hostname,
		RootCAs:    roots,
	})
	if err != nil {
		t.Fatalf("TLS dial through engine: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", hostname); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if resp.Header.Get("X-Fe-Reason") != "upstream-tls" {
		t.Errorf("X-Fe-Reason = %q", resp.Header.Get("X-Fe-Reason"))
	}
}

func TestBridge_PassthroughHost(t *testing.T) {
	const hostname = "pinned.test"
	upstreamAddr, _ := startTLSUpstream(t, hostname, "<html>direct</html>")

	engine := startEngine(t, upstreamAddr, true, nil, func(cfg *Config) {
		cfg.TLS.Passthrough = []string{hostname}
	})

	// The tunnel hands the raw TLS stream to the real upstream, so the
	// client sees the upstream CA, not the engine's forged leaf.
	conn, err := tls.Dial("tcp", httpsPortAddr(engine), &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	leaf := conn.ConnectionState().PeerCertificates[0]
	if leaf.Issuer.CommonName != "Upstream Test CA Root CA" {
		t.Errorf("issuer = %q, want the upstream CA (no interception)", leaf.Issuer.CommonName)
	}
}
