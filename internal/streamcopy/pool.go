// Package streamcopy moves request and response bodies between the two
// sides of a proxied connection. It provides the pump itself (Copy), the
// inactivity supervision token (ActivityToken), and the lazy upload body
// handed to the outbound transport (BodyContent).
package streamcopy

import "sync"

// BufferSize is the size of the pooled copy buffers. 64 KiB is the
// calibrated trade-off between syscall count and per-pump memory.
const BufferSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	bufferPool.Put(b)
}
