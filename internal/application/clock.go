package application

import "github.com/jonboulle/clockwork"

// Clock interface supaya gampang ditest. Timers (decision timeouts,
// heartbeats) go through the clock too so tests can use a fake one.
type Clock = clockwork.Clock

// SystemClock implementasi default, pakai waktu nyata
func SystemClock() Clock { return clockwork.NewRealClock() }
