package testutil

import (
	"time"

	"github.com/raulk/clock"
)

// Epoch is the start time of every mock clock handed out by NewClock.
//
// Stored timestamps use 0 for "unset", so tests must never run at the Unix
// epoch, which is where a bare clock.NewMock() starts.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewClock returns a mock clock set to Epoch.
//
// Time only moves when the test calls Add or Set, which fires any timers and
// tickers that become due.
func NewClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}
