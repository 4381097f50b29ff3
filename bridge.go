package warden

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// writeSoftCap bounds the downstream socket write buffer. The relay is
// synchronous, so once this buffer fills, upstream reads stop until the
// client drains.
const writeSoftCap = 256 << 10

// Hop-by-hop headers never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// sessionConfig is the shared, read-only wiring handed to every
// session by the engine.
type sessionConfig struct {
	rules     *RuleStore
	triggers  *TriggerStore
	options   *ProgramOptions
	certs     *CertStore
	body      *bodyFilter
	blockPage *BlockPage
	rep       *reporter
	metrics   *Metrics
	accessLog *AccessLogger
	pool      *upstreamPool
	timeouts  TimeoutConfig
}

// session relays HTTP/1.x exchanges between one downstream connection
// and its recovered original destination, applying filter decisions.
// A session serves many exchanges under keep-alive; its continuations
// run on a single goroutine, so no session state needs locking.
type session struct {
	cfg *sessionConfig

	id         uint64
	downstream net.Conn
	reader     *bufio.Reader
	flow       FlowRecord
	scheme     string // "http" or "https"
	serverName string // SNI or recovered hostname, may be an IP literal

	upstream       net.Conn
	upstreamReader *bufio.Reader
	upstreamKey    string
}

func newSession(cfg *sessionConfig, id uint64, downstream net.Conn, flow FlowRecord, scheme, serverName string) *session {
	if tc, ok := downstream.(*net.TCPConn); ok {
		_ = tc.SetWriteBuffer(writeSoftCap)
	}
	return &session{
		cfg:        cfg,
		id:         id,
		downstream: downstream,
		reader:     bufio.NewReaderSize(downstream, 32<<10),
		flow:       flow,
		scheme:     scheme,
		serverName: serverName,
	}
}

// destAddr is the original destination in "ip:port" form.
func (s *session) destAddr() string {
	return net.JoinHostPort(s.flow.OriginalIP.String(), strconv.Itoa(int(s.flow.OriginalPort)))
}

// serve drives the exchange loop until the peer closes, a deadline
// fires, or a non-reusable response completes. All owned sockets are
// released on every exit path.
func (s *session) serve() {
	defer func() {
		_ = s.downstream.Close()
		s.releaseUpstream(false)
	}()

	if s.cfg.metrics != nil {
		s.cfg.metrics.IncActiveSessions()
		defer s.cfg.metrics.DecActiveSessions()
	}

	for {
		_ = s.downstream.SetReadDeadline(time.Now().Add(s.cfg.timeouts.Idle))
		req, err := http.ReadRequest(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				s.cfg.rep.warn("request parse failed", "session", s.id, "error", err)
			}
			return
		}
		_ = s.downstream.SetReadDeadline(time.Now().Add(s.cfg.timeouts.Header))

		if !s.handleExchange(req) {
			return
		}
	}
}

// handleExchange runs one request/response cycle. The return value
// reports whether the session may continue with another exchange.
func (s *session) handleExchange(req *http.Request) bool {
	start := time.Now()
	fp := s.fingerprint(req)

	if s.cfg.metrics != nil {
		s.cfg.metrics.RecordRequest(req.Method, s.scheme)
	}

	if s.filteringEnabled() {
		if blocked, rule := s.classify(fp, req); blocked {
			s.respondBlocked(req, fp, rule, start)
			return s.drainRequest(req) && !req.Close
		}
	}

	resp, err := s.roundTrip(req)
	if err != nil {
		s.respondUpstreamError(req, fp, err, start)
		return false
	}

	outcome := filterOutcome{}
	if s.filteringEnabled() {
		resp, outcome = s.cfg.body.process(fp, resp)
		s.reportOutcome(fp, outcome)
	}

	reusable := resp.StatusCode != 0 && !resp.Close && !req.Close
	_ = s.downstream.SetWriteDeadline(time.Now().Add(s.cfg.timeouts.BodyStall))
	written := &countingWriter{w: s.downstream}
	err = resp.Write(written)
	_ = resp.Body.Close()

	s.logAccess(AccessLogEntry{
		Timestamp:      start,
		Method:         req.Method,
		URL:            fp.URL,
		Scheme:         s.scheme,
		OriginalDest:   s.destAddr(),
		BinaryPath:     s.flow.BinaryPath,
		StatusCode:     resp.StatusCode,
		Duration:       time.Since(start),
		BytesWritten:   written.n,
		ClientAddr:     s.downstream.RemoteAddr().String(),
		Blocked:        outcome.blocked,
		Category:       outcome.category,
		Rule:           outcome.ruleText,
		ElementsHidden: outcome.elementsHidden,
	})
	if s.cfg.metrics != nil {
		s.cfg.metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
	}
	if err != nil {
		return false
	}

	if outcome.blocked {
		// The replacement response framed cleanly; the upstream body
		// was read in full, and the connection is closed, not pooled.
		s.releaseUpstream(false)
		return !req.Close
	}
	if !reusable {
		s.releaseUpstream(false)
		return false
	}
	s.releaseUpstream(true)
	return true
}

// filteringEnabled checks the per-protocol option for this session.
func (s *session) filteringEnabled() bool {
	if s.scheme == "https" {
		return s.cfg.options.Option(OptFilterHTTPS)
	}
	return s.cfg.options.Option(OptFilterPlainHTTP)
}

// fingerprint builds the classification view of a request.
func (s *session) fingerprint(req *http.Request) *URLRequest {
	host := req.Host
	if host == "" {
		host = s.serverName
	}
	if host == "" {
		host = s.flow.OriginalIP.String()
	}

	// Diverted flows are always port 80 or 443, so the URL carries no
	// explicit port.
	fullURL := s.scheme + "://" + host + req.URL.RequestURI()

	refererHost := ""
	if ref := req.Header.Get("Referer"); ref != "" {
		if u, err := req.URL.Parse(ref); err == nil {
			refererHost = NormalizeHost(u.Host)
		}
	}

	return &URLRequest{
		URL:         fullURL,
		Host:        NormalizeHost(host),
		RefererHost: refererHost,
		Type:        inferResourceType(req),
	}
}

// classify consults the rule store and the third-party option. It
// returns the matched block rule, or nil for option-driven blocks.
func (s *session) classify(fp *URLRequest, req *http.Request) (bool, *Rule) {
	if s.cfg.options.Option(OptBlockThirdParty) &&
		fp.Type != TypeDocument && isThirdParty(fp.Host, fp.RefererHost) {
		return true, nil
	}

	decision, rule := s.cfg.rules.QueryURL(fp, s.cfg.options.Category)
	return decision == DecisionBlock, rule
}

// respondBlocked answers a request the classifier stopped: the HTML
// block page for documents, 403 for subresources. No upstream
// connection is made.
func (s *session) respondBlocked(req *http.Request, fp *URLRequest, rule *Rule, start time.Time) {
	category := uint8(0)
	ruleText := "third-party"
	if rule != nil {
		category = rule.Category
		ruleText = rule.Text
	}

	s.cfg.rep.requestBlocked(category, ruleText, fp.URL, 0)
	if s.cfg.metrics != nil {
		s.cfg.metrics.RecordBlocked(category)
	}

	resp := buildBlockResponse(s.cfg.blockPage, s.cfg.options, fp, fp.Type == TypeDocument, category, ruleText)
	_ = s.downstream.SetWriteDeadline(time.Now().Add(s.cfg.timeouts.BodyStall))
	_ = resp.Write(s.downstream)
	_ = resp.Body.Close()

	s.logAccess(AccessLogEntry{
		Timestamp:    start,
		Method:       req.Method,
		URL:          fp.URL,
		Scheme:       s.scheme,
		OriginalDest: s.destAddr(),
		BinaryPath:   s.flow.BinaryPath,
		StatusCode:   resp.StatusCode,
		Duration:     time.Since(start),
		ClientAddr:   s.downstream.RemoteAddr().String(),
		Blocked:      true,
		Category:     category,
		Rule:         ruleText,
	})
}

// drainRequest consumes a blocked request's body so the next exchange
// starts at a message boundary.
func (s *session) drainRequest(req *http.Request) bool {
	if req.Body == nil {
		return true
	}
	_, err := io.Copy(io.Discard, io.LimitReader(req.Body, s.cfg.body.maxBuffer))
	_ = req.Body.Close()
	return err == nil
}

// roundTrip forwards the request to the original destination and
// parses the response.
func (s *session) roundTrip(req *http.Request) (*http.Response, error) {
	if err := s.ensureUpstream(); err != nil {
		return nil, err
	}

	outReq := req.Clone(req.Context())
	removeHopByHopHeaders(outReq.Header)
	outReq.RequestURI = ""
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""

	_ = s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.timeouts.BodyStall))
	if err := outReq.Write(s.upstream); err != nil {
		s.releaseUpstream(false)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
	}

	_ = s.upstream.SetReadDeadline(time.Now().Add(s.cfg.timeouts.Header))
	resp, err := http.ReadResponse(s.upstreamReader, outReq)
	if err != nil {
		s.releaseUpstream(false)
		return nil, fmt.Errorf("%w: read response: %v", ErrProtocol, err)
	}
	_ = s.upstream.SetReadDeadline(time.Now().Add(s.cfg.timeouts.BodyStall))
	return resp, nil
}

// ensureUpstream dials (or reuses) the connection to the original
// destination. The address comes from the diverter record; the
// hostname is never re-resolved, so the bytes go exactly where the
// client intended.
func (s *session) ensureUpstream() error {
	if s.upstream != nil {
		return nil
	}

	isTLS := s.scheme == "https"
	key := poolKey(s.destAddr(), isTLS, s.serverName)
	if conn, ok := s.cfg.pool.get(key); ok {
		s.upstream = conn
		s.upstreamReader = bufio.NewReaderSize(conn, 32<<10)
		s.upstreamKey = key
		return nil
	}

	raw, err := net.DialTimeout("tcp", s.destAddr(), s.cfg.timeouts.UpstreamConnect)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUpstreamConnect, s.destAddr(), err)
	}

	if isTLS {
		tlsConn := tls.Client(raw, s.cfg.certs.ClientTLSConfig(s.serverName))
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.timeouts.UpstreamConnect))
		if err := tlsConn.Handshake(); err != nil {
			_ = raw.Close()
			if isVerificationError(err) {
				return fmt.Errorf("%w: %s: %v", ErrUpstreamTLSVerify, s.serverName, err)
			}
			return fmt.Errorf("%w: TLS to %s: %v", ErrUpstreamConnect, s.destAddr(), err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		s.upstream = tlsConn
	} else {
		s.upstream = raw
	}

	s.upstreamReader = bufio.NewReaderSize(s.upstream, 32<<10)
	s.upstreamKey = key
	return nil
}

// releaseUpstream either parks a reusable upstream connection in the
// pool or closes it.
func (s *session) releaseUpstream(reusable bool) {
	if s.upstream == nil {
		return
	}
	if reusable && s.upstreamReader.Buffered() == 0 {
		_ = s.upstream.SetDeadline(time.Time{})
		s.cfg.pool.put(s.upstreamKey, s.upstream)
	} else {
		_ = s.upstream.Close()
	}
	s.upstream = nil
	s.upstreamReader = nil
	s.upstreamKey = ""
}

// respondUpstreamError maps upstream failures to 502 responses. TLS
// verification failures carry a distinguishing header.
func (s *session) respondUpstreamError(req *http.Request, fp *URLRequest, err error, start time.Time) {
	s.cfg.rep.warn("upstream failure", "session", s.id, "dest", s.destAddr(), "error", err)

	header := http.Header{"Content-Type": {"text/plain; charset=utf-8"}}
	if errors.Is(err, ErrUpstreamTLSVerify) {
		header.Set("X-Fe-Reason", "upstream-tls")
		if s.cfg.metrics != nil {
			s.cfg.metrics.RecordUpstreamError("tls")
		}
	} else if s.cfg.metrics != nil {
		s.cfg.metrics.RecordUpstreamError("connect")
	}

	body := "Bad Gateway"
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	_ = s.downstream.SetWriteDeadline(time.Now().Add(s.cfg.timeouts.BodyStall))
	_ = resp.Write(s.downstream)

	s.logAccess(AccessLogEntry{
		Timestamp:    start,
		Method:       req.Method,
		URL:          fp.URL,
		Scheme:       s.scheme,
		OriginalDest: s.destAddr(),
		BinaryPath:   s.flow.BinaryPath,
		StatusCode:   http.StatusBadGateway,
		Duration:     time.Since(start),
		ClientAddr:   s.downstream.RemoteAddr().String(),
		Error:        err.Error(),
	})
}

// reportOutcome emits events and metrics for a body-filter result.
func (s *session) reportOutcome(fp *URLRequest, outcome filterOutcome) {
	if outcome.blocked {
		s.cfg.rep.requestBlocked(outcome.category, outcome.ruleText, fp.URL, outcome.bodySize)
		if s.cfg.metrics != nil {
			s.cfg.metrics.RecordBlocked(outcome.category)
			if outcome.ruleText != "" {
				s.cfg.metrics.RecordTriggerHit(outcome.category)
			}
		}
	}
	if outcome.elementsHidden > 0 {
		s.cfg.rep.elementsBlocked(outcome.elementsHidden, fp.URL, outcome.category)
		if s.cfg.metrics != nil {
			s.cfg.metrics.RecordElementsHidden(outcome.elementsHidden)
		}
	}
}

func (s *session) logAccess(e AccessLogEntry) {
	if s.cfg.accessLog != nil {
		s.cfg.accessLog.Log(e)
	}
}

// isVerificationError picks out certificate verification failures from
// other TLS handshake errors.
func isVerificationError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	var certErr *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &certErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// countingWriter tracks bytes delivered downstream.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// inferResourceType guesses the resource kind from request metadata:
// the Sec-Fetch-Dest header when present, then the Accept header, then
// the URL extension.
func inferResourceType(req *http.Request) ResourceType {
	switch req.Header.Get("Sec-Fetch-Dest") {
	case "document":
		return TypeDocument
	case "iframe", "frame":
		return TypeSubdocument
	case "script", "worker":
		return TypeScript
	case "image":
		return TypeImage
	case "style":
		return TypeStylesheet
	case "empty":
		return TypeXMLHTTPRequest
	}

	accept := req.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return TypeDocument
	case strings.Contains(accept, "text/css"):
		return TypeStylesheet
	case strings.HasPrefix(accept, "image/"):
		return TypeImage
	case strings.Contains(accept, "application/json"):
		return TypeXMLHTTPRequest
	}

	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".js", ".mjs":
		return TypeScript
	case ".css":
		return TypeStylesheet
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return TypeImage
	case ".html", ".htm":
		return TypeDocument
	}
	return TypeOther
}

// tunnel splices two connections verbatim, propagating half-closes.
// Used for flows that must not be inspected: passthrough hosts and
// firewall-denied diversions.
func tunnel(downstream, upstream net.Conn, preface []byte) {
	defer func() {
		_ = downstream.Close()
		_ = upstream.Close()
	}()

	if len(preface) > 0 {
		if _, err := upstream.Write(preface); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(upstream, downstream)
	copyHalf(downstream, upstream)
	<-done
}
