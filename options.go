package fibev

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Backend at construction, following the same
// functional-options shape as joeycumines-go-utilpkg/eventloop's
// LoopOption and gaio's NewWatcherSize(bufsize) constructor argument.
type Option func(*backendConfig)

type backendConfig struct {
	idleProc     IdleFunc
	idleGCPeriod time.Duration
	traceProc    TraceFunc
	logger       *zap.Logger
	readBufSize  int
}

func defaultConfig() backendConfig {
	return backendConfig{readBufSize: 4096}
}

// WithIdleProc installs a callback invoked once before every blocking poll
// (spec §4.C "Idle tasks"). Typically used to run low-priority maintenance
// work when the backend would otherwise be sitting idle.
func WithIdleProc(fn IdleFunc) Option {
	return func(c *backendConfig) { c.idleProc = fn }
}

// WithIdleGCPeriod arms periodic host-GC requests: if period > 0 and at
// least period has elapsed since the last idle GC pass, the next blocking
// poll triggers one (spec §4.C). A zero period (the default) disables it.
func WithIdleGCPeriod(period time.Duration) Option {
	return func(c *backendConfig) { c.idleGCPeriod = period }
}

// WithTrace installs the event sink described in spec §4.G: receives
// scheduler phase tags and fiber identities for fiber_event_poll_enter/leave
// and scheduler transitions.
func WithTrace(fn TraceFunc) Option {
	return func(c *backendConfig) { c.traceProc = fn }
}

// WithLogger installs the diagnostic sink described in SPEC_FULL.md §A.2.
// Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *backendConfig) { c.logger = l }
}

// WithReadBufferSize sets the initial capacity [Read] allocates when called
// with an unspecified length (spec §4.D "Read": "use 4096 as initial
// capacity and double on growth").
func WithReadBufferSize(n int) Option {
	return func(c *backendConfig) {
		if n > 0 {
			c.readBufSize = n
		}
	}
}
