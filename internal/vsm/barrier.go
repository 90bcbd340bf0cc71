//go:build linux && cgo

// Package vsm implements the shared-memory observability arena (VSM) and
// hosts the memory-barrier primitives the arena's publication protocol
// depends on: every list mutation is bracketed by a write barrier before the
// allocator generation is bumped, and every reader re-checks the generation
// with a read barrier before trusting what it read.
package vsm

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// subsequent store. Used before bumping the allocator generation so readers
// never observe a non-zero generation alongside a half-written chunk.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 load fence: all prior loads complete before any subsequent load.
// Used by readers after checking the generation, before trusting chunk
// fields read under it.
static inline void lfence_impl(void) {
    __asm__ __volatile__("lfence" ::: "memory");
}

// x86-64 full fence: orders both prior stores and prior loads before any
// subsequent memory access.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Wmb issues a write (store) memory barrier.
func Wmb() {
	C.sfence_impl()
}

// Rmb issues a read (load) memory barrier.
func Rmb() {
	C.lfence_impl()
}

// Mfence issues a full memory barrier.
func Mfence() {
	C.mfence_impl()
}
