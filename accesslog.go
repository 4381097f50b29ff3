package warden

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per proxied exchange. It
// uses slog.LogAttrs to keep allocations low on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains the fields of a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Method is the HTTP method.
	Method string

	// URL is the full request URL.
	URL string

	// Scheme is "http" or "https".
	Scheme string

	// OriginalDest is the destination the client intended, "ip:port".
	OriginalDest string

	// BinaryPath is the originating binary when the diverter resolved
	// it.
	BinaryPath string

	// StatusCode is the response status delivered downstream. Zero when
	// the session errored before a response.
	StatusCode int

	// Duration is the time from request parse to response delivery.
	Duration time.Duration

	// BytesWritten is the response body size delivered downstream.
	BytesWritten int64

	// ClientAddr is the downstream client's address.
	ClientAddr string

	// Blocked is true when a filter stopped the exchange.
	Blocked bool

	// Category is the matched rule category when Blocked.
	Category uint8

	// Rule is the matched rule text or trigger keyword when Blocked.
	Rule string

	// ElementsHidden counts CSS selectors injected into the response.
	ElementsHidden int

	// Error describes a session failure, if any.
	Error string
}

// NewAccessLogger creates an AccessLogger writing to the given
// slog.Logger. For machine consumption pass a logger backed by
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.String("scheme", e.Scheme),
		slog.String("dest", e.OriginalDest),
		slog.String("client", e.ClientAddr),
	)

	if e.BinaryPath != "" {
		attrs = append(attrs, slog.String("binary", e.BinaryPath))
	}
	if e.Blocked {
		attrs = append(attrs,
			slog.Bool("blocked", true),
			slog.Int("category", int(e.Category)),
			slog.String("rule", e.Rule),
		)
	} else {
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
			slog.Duration("duration", e.Duration),
		)
	}
	if e.ElementsHidden > 0 {
		attrs = append(attrs, slog.Int("elements_hidden", e.ElementsHidden))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
