// Package memzero wipes key material.
package memzero

import (
	"crypto/subtle"
	"runtime"
)

// Zero overwrites every buffer passed with zeros. The copy goes through
// crypto/subtle so the compiler does not drop it as a dead store.
//
//go:noinline
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
		runtime.KeepAlive(b)
	}
}
