package fibev

import "runtime"

// requestHostGC is the "request a host GC pass" action from spec §4.C idle
// tasks. Go's GC is concurrent and non-generational-pause in the way the
// Ruby host's is, but runtime.GC() is the idiomatic equivalent of asking the
// runtime for a collection pass during otherwise-idle time.
func requestHostGC() { runtime.GC() }
