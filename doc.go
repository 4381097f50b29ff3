// Package warden is a transparent, filtering HTTPS man-in-the-middle
// proxy for endpoint traffic control. It diverts a host's outbound
// HTTP and HTTPS flows to local listeners, terminates TLS by forging
// per-host leaf certificates under an in-memory root CA, inspects
// requests and response payloads against Adblock Plus filter rules,
// CSS element-hiding selectors, and plain-text keyword triggers, and
// blocks, rewrites, or passes traffic accordingly.
//
// # Architecture
//
// The engine owns four cooperating subsystems. A platform diverter
// redirects outbound port 80/443 flows to the engine's listeners while
// preserving the original destination, gated by a per-binary firewall
// callback. Dual acceptors take the diverted connections: the TLS
// acceptor sniffs the ClientHello for SNI, forges a matching leaf
// certificate signed by the engine's root CA, and completes the
// handshake. The proxy bridge relays HTTP/1.x exchanges to the
// original destination, consulting the rule store before connecting
// and filtering response bodies before delivery.
//
// # Basic usage
//
//	engine, err := warden.NewEngine(warden.EngineOptions{
//	    FirewallCheck: func(binaryPath string) bool { return true },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.LoadFiltersFromString("||ads.example.com^", 1, true)
//	engine.SetCategory(1, true)
//
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// The root certificate must be installed into the OS trust store for
// clients to accept forged leaves:
//
//	pem := engine.RootCertificatePEM()
//
// # Filter rules
//
// Rule lists use Adblock Plus syntax: URL patterns with * wildcards,
// ^ separators, | and || anchors, @@ exceptions, $ options (domain=,
// third-party, resource types, match-case), and cosmetic ## / #@#
// element-hiding rules. Rules load into numbered categories (1..255)
// that can be flipped at runtime without reloading:
//
//	engine.LoadFiltersFromFile("easylist.txt", 1, true)
//	engine.SetCategory(1, true)
//
// Text triggers are newline-delimited keywords matched against decoded
// textual response bodies:
//
//	engine.LoadTriggersFromString("FORBIDDEN", 3, true)
//	engine.SetCategory(3, true)
package warden
