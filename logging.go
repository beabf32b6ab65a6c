package fibev

import "go.uber.org/zap"

// logger returns the backend's configured diagnostic sink, or a discard
// logger if none was supplied via [WithLogger]. This is distinct from
// trace_proc (spec §4.G): trace is a structured scheduler-phase event
// stream aimed at the embedding application, while the logger here
// receives non-fatal failures: idle task panics (§4.C), fiber panics,
// failed reactor polls inside the scheduler, and a failed close of the old
// reactor in PostFork.
func (b *Backend) logger() *zap.Logger {
	if b.log != nil {
		return b.log
	}
	return zap.NewNop()
}
