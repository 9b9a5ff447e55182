package lifecycle

import "sync/atomic"

var (
	ready        atomic.Bool
	shuttingDown atomic.Bool
)

// SetReady marks the process ready to serve. Call once startup wiring
// (database, cache warming) has finished; the health handler reports
// status starting with 503 until then.
func SetReady(v bool) {
	ready.Store(v)
}

// IsReady reports whether startup has completed.
func IsReady() bool {
	return ready.Load()
}

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received
// so the health handler returns 503 and load balancers stop routing here.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
