//go:build tinygo

package core

import "time"

// Delay busy-waits for d on the microcontroller's timer
func (BusyDelay) Delay(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
