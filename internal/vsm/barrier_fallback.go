//go:build !(linux && cgo)

package vsm

import "sync/atomic"

// fenceVar is touched by the fallback barriers so the compiler can't elide
// them; an atomic operation on amd64/arm64 Go already carries the ordering
// guarantees sfence/lfence/mfence give us, just at the cost of one unused
// memory access instead of a bare asm instruction.
var fenceVar uint32

// Wmb issues a write (store) memory barrier.
func Wmb() {
	atomic.AddUint32(&fenceVar, 1)
}

// Rmb issues a read (load) memory barrier.
func Rmb() {
	atomic.LoadUint32(&fenceVar)
}

// Mfence issues a full memory barrier.
func Mfence() {
	atomic.AddUint32(&fenceVar, 1)
}
