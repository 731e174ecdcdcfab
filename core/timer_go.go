//go:build !tinygo

package core

import (
	"time"

	"periph.io/x/host/v3/cpu"
)

// spinChunk bounds a single Nanospin call, which is only accurate for short waits
const spinChunk = 10 * time.Microsecond

// Delay busy-waits for d
func (BusyDelay) Delay(d time.Duration) {
	for start := time.Now(); ; {
		left := d - time.Since(start)
		if left <= 0 {
			return
		}
		if left > spinChunk {
			left = spinChunk
		}
		cpu.Nanospin(left)
	}
}
