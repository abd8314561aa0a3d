package util

import "runtime"

// Wipe zeroes b in place. KeepAlive stops the compiler from treating
// the writes as dead stores on the final use of b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
