//go:build !linux

package warden

import (
	"fmt"
	"net"
	"runtime"
)

// stubDiverter reports diversion as unavailable on platforms without a
// packet redirection backend.
type stubDiverter struct {
	cfg DiverterConfig
}

func newPlatformDiverter(cfg DiverterConfig) Diverter {
	return &stubDiverter{cfg: cfg}
}

func (d *stubDiverter) Start(httpPort, httpsPort uint16) error {
	return fmt.Errorf("%w: no diversion backend for %s", ErrDiversionUnavailable, runtime.GOOS)
}

func (d *stubDiverter) Stop() error { return nil }

func (d *stubDiverter) OriginalDestination(conn net.Conn) (FlowRecord, error) {
	return FlowRecord{}, ErrUnknownFlow
}
