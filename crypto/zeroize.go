package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites b in place so key material does not linger in
// the heap after a channel aborts: XOR each byte against itself (a
// write the compiler cannot prove is dead, unlike a plain loop that
// sets zero) and pin the slice alive across the call with
// runtime.KeepAlive so it cannot be optimised away.
func ZeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
	runtime.KeepAlive(b)
}

// ZeroMany zeroizes every slice in bs, in order.
func ZeroMany(bs ...[]byte) {
	for _, b := range bs {
		ZeroBytes(b)
	}
}
