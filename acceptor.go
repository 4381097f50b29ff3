package warden

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// acceptor drives one listener (plain or TLS), recovering the original
// destination for each accepted connection and handing ready streams to
// proxy sessions. Session concurrency is bounded by the engine's shared
// worker semaphore.
type acceptor struct {
	cfg         *sessionConfig
	diverter    Diverter
	passthrough *PassthroughList
	rateLimit   *RateLimiter

	ln       net.Listener
	isTLS    bool
	workers  chan struct{}
	wg       *sync.WaitGroup
	nextID   *atomic.Uint64
	registry *connRegistry

	closed atomic.Bool
}

// port returns the listener's bound TCP port.
func (a *acceptor) port() uint16 {
	if addr, ok := a.ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// scheme names the traffic this acceptor handles.
func (a *acceptor) scheme() string {
	if a.isTLS {
		return "https"
	}
	return "http"
}

// acceptLoop runs until the listener closes. Each connection takes a
// worker slot before its session goroutine starts, which caps the
// number of concurrently served sessions.
func (a *acceptor) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.cfg.rep.warn("accept failed", "scheme", a.scheme(), "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if a.rateLimit != nil && !a.rateLimit.Allow(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}

		a.workers <- struct{}{}
		a.wg.Add(1)
		go func() {
			defer func() {
				<-a.workers
				a.wg.Done()
			}()
			a.handle(conn)
		}()
	}
}

// handle recovers the flow record and dispatches the connection: denied
// flows tunnel verbatim, everything else becomes a proxy session.
func (a *acceptor) handle(conn net.Conn) {
	if a.registry != nil {
		a.registry.add(conn)
		defer a.registry.remove(conn)
	}

	flow, err := a.diverter.OriginalDestination(conn)
	if err != nil {
		a.cfg.rep.warn("no flow record for connection", "client", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	if !flow.Approved {
		a.tunnelVerbatim(conn, flow, nil)
		return
	}
	if a.cfg.metrics != nil {
		a.cfg.metrics.RecordFlowDiverted()
		a.cfg.metrics.RecordSession(a.scheme())
	}

	if a.isTLS {
		a.handleTLS(conn, flow)
		return
	}
	sess := newSession(a.cfg, a.nextID.Add(1), conn, flow, "http", "")
	sess.serve()
}

// handleTLS peeks the ClientHello, forges a matching context, completes
// the handshake on the replayed stream, and serves the decrypted
// session.
func (a *acceptor) handleTLS(conn net.Conn, flow FlowRecord) {
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.timeouts.Header))
	serverName, peeked, err := peekClientHello(conn)
	if err != nil && !errors.Is(err, errNoSNI) {
		a.cfg.rep.warn("ClientHello rejected", "client", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if serverName == "" {
		// No SNI: the only safe identity is the literal original IP. A
		// synchronous PTR lookup here would stall the accept path.
		serverName = flow.OriginalIP.String()
	}
	serverName = NormalizeHost(serverName)

	if a.passthrough != nil && a.passthrough.Match(serverName) {
		a.tunnelVerbatim(conn, flow, peeked)
		return
	}

	tlsCfg, err := a.cfg.certs.ContextFor(serverName)
	if err != nil {
		a.cfg.rep.error("context forge failed", "host", serverName, "error", err)
		_ = conn.Close()
		return
	}
	if a.cfg.metrics != nil {
		a.cfg.metrics.SetCertCacheSize(a.cfg.certs.CacheLen())
	}

	tlsConn := tls.Server(&replayConn{Conn: conn, preface: peeked}, tlsCfg)
	_ = tlsConn.SetDeadline(time.Now().Add(a.cfg.timeouts.Header))
	if err := tlsConn.Handshake(); err != nil {
		if a.cfg.metrics != nil {
			a.cfg.metrics.RecordTLSHandshakeError()
		}
		a.cfg.rep.warn("downstream handshake failed", "host", serverName, "error", err)
		_ = conn.Close()
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	sess := newSession(a.cfg, a.nextID.Add(1), tlsConn, flow, "https", serverName)
	sess.serve()
}

// tunnelVerbatim splices a flow straight to its original destination
// without inspection, replaying any peeked bytes first.
func (a *acceptor) tunnelVerbatim(conn net.Conn, flow FlowRecord, preface []byte) {
	if a.cfg.metrics != nil {
		a.cfg.metrics.RecordFlowPassthrough()
	}
	upstream, err := net.DialTimeout("tcp", flowAddr(flow), a.cfg.timeouts.UpstreamConnect)
	if err != nil {
		a.cfg.rep.warn("passthrough dial failed", "dest", flowAddr(flow), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	tunnel(conn, upstream, preface)
}

func flowAddr(flow FlowRecord) string {
	return net.JoinHostPort(flow.OriginalIP.String(), strconv.Itoa(int(flow.OriginalPort)))
}

// replayConn feeds back the bytes consumed while peeking at the
// ClientHello before reading from the socket again.
type replayConn struct {
	net.Conn
	preface []byte
}

func (rc *replayConn) Read(p []byte) (int, error) {
	if len(rc.preface) > 0 {
		n := copy(p, rc.preface)
		rc.preface = rc.preface[n:]
		return n, nil
	}
	return rc.Conn.Read(p)
}

var _ io.Reader = (*replayConn)(nil)
