package cachecore

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/cachecore/cachecore/internal/cliproto"
	"github.com/cachecore/cachecore/internal/director"
	"github.com/cachecore/cachecore/internal/expiry"
	"github.com/cachecore/cachecore/internal/logging"
	"github.com/cachecore/cachecore/internal/tcppool"
	"github.com/cachecore/cachecore/internal/vsl"
	"github.com/cachecore/cachecore/internal/vsm"
	"github.com/cachecore/cachecore/internal/waiter"
)

// panicDumpRegionSize is the fixed size of the VSM arena's reserved
// panic-dump chunk.
const panicDumpRegionSize = 64 * 1024

// vslChunkMargin is subtracted from the arena's free space when sizing
// the VSL ring chunk, leaving headroom for the chunk header itself plus
// alignment padding so the allocation doesn't spill to a bogus
// out-of-arena chunk.
const vslChunkMargin = 4096

// Runtime is the explicit handle wiring the process-wide singletons — the
// VSM arena, the expiry engine, and the waiter — per spec §9 "Global
// mutable state": these are legitimately singleton but are built as
// process-scope services referenced via a handle rather than hidden
// package-level globals, so multiple runtimes can coexist in one test
// binary.
type Runtime struct {
	Params  Params
	Metrics *Metrics
	Logger  *logging.Logger

	Arena  *vsm.Arena
	VSL    *vsl.Log
	Expiry *expiry.Engine
	Waiter *waiter.Waiter

	Pools     *tcppool.Registry
	Backends  *director.BackendRegistry
	Directors *directorRegistry
	CLI       *cliproto.Registry

	mu        sync.Mutex
	started   bool
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// directorRegistry is a simple name-keyed lookup for configured
// directors, letting directors reference other directors by name at
// configuration time (spec §9 "Directors hold non-owning handles to
// child directors/backends resolved by name").
type directorRegistry struct {
	mu   sync.RWMutex
	byID map[string]director.Director
}

func newDirectorRegistry() *directorRegistry {
	return &directorRegistry{byID: make(map[string]director.Director)}
}

// Register installs d under id, replacing any prior entry.
func (r *directorRegistry) Register(id string, d director.Director) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = d
}

// Lookup returns the director registered under id, if any.
func (r *directorRegistry) Lookup(id string) (director.Director, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Unregister removes id from the registry.
func (r *directorRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// NewRuntime builds a Runtime from p without starting its background
// loops; call Start to begin serving.
func NewRuntime(p Params) (*Runtime, error) {
	var arena *vsm.Arena
	if p.VSMPath != "" {
		a, err := vsm.NewFileArena(p.VSMPath, p.VSLSpace, p.BackendCoolInterval)
		if err != nil {
			return nil, WrapError("runtime.NewRuntime", ComponentVSM, err)
		}
		arena = a
	} else {
		arena = vsm.NewMemArena(p.VSLSpace, p.BackendCoolInterval)
	}

	if err := arena.ReservePanicRegion(panicDumpRegionSize); err != nil {
		return nil, WrapError("runtime.NewRuntime", ComponentVSM, err)
	}

	vslPayloadSize := arena.Stats().FreeBytes
	if vslPayloadSize > vslChunkMargin {
		vslPayloadSize -= vslChunkMargin
	}
	vslChunk, err := arena.Alloc("Log", "VSL", "vsl", vslPayloadSize)
	if err != nil {
		return nil, WrapError("runtime.NewRuntime", ComponentVSL, err)
	}
	vslLog, err := vsl.NewLog(vslChunk.Payload(), p.VSLRecLen, 0)
	if err != nil {
		return nil, WrapError("runtime.NewRuntime", ComponentVSL, err)
	}
	vslLog.SetMask(p.VSLMask)

	eng := expiry.NewEngine(expiry.Params{
		DefaultGrace:  p.DefaultGrace,
		SleepInterval: p.ExpirySleep,
	})

	facility, err := waiter.NewDefaultFacility()
	if err != nil {
		return nil, WrapError("runtime.NewRuntime", ComponentWaiter, err)
	}
	wt, err := waiter.New(facility)
	if err != nil {
		return nil, WrapError("runtime.NewRuntime", ComponentWaiter, err)
	}

	pools := tcppool.NewRegistry()

	return &Runtime{
		Params:    p,
		Metrics:   NewMetrics(),
		Logger:    logging.Default(),
		Arena:     arena,
		VSL:       vslLog,
		Expiry:    eng,
		Waiter:    wt,
		Pools:     pools,
		Backends:  director.NewBackendRegistry(p.BackendCoolInterval, pools),
		Directors: newDirectorRegistry(),
		CLI:       cliproto.NewRegistry(),
	}, nil
}

// NewVSLBuffer creates a per-worker VSL batch buffer under transaction id
// xid, sized by Params.VSLBuffer, per spec §4.1's per-worker flush-buffer
// design.
func (rt *Runtime) NewVSLBuffer(xid uint64) *vsl.Buffer {
	return vsl.NewBuffer(rt.VSL, xid, rt.Params.VSLBuffer)
}

// SendBackend writes b to conn, bounded by Params.SendTimeout's cumulative
// write deadline, per spec §5's partial-write/iovec-trim retry contract.
func (rt *Runtime) SendBackend(conn *tcppool.Conn, b []byte) (int, error) {
	return conn.WriteTimeout(b, rt.Params.SendTimeout)
}

// Start begins the expiry hang-man loop and the waiter's event loop.
// onExpire is invoked for every object the expiry engine reaps.
func (rt *Runtime) Start(onExpire func(*expiry.ObjCore)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return NewError("runtime.Start", ComponentExpiry, CodeInvalidParameters, "runtime already started")
	}
	rt.started = true
	rt.stopSweep = make(chan struct{})
	rt.sweepDone = make(chan struct{})

	go rt.Expiry.Run(onExpire)
	go rt.Waiter.Run()
	go rt.sweepCoolingLoop()
	return nil
}

// sweepCoolingLoop runs BackendRegistry.SweepCooling on a ticker, per
// SPEC_FULL.md's "Backend cooling-list sweep": the same mechanism a
// reconfiguration can call directly (BackendRegistry.SweepCooling is
// exported and idempotent either way).
func (rt *Runtime) sweepCoolingLoop() {
	defer close(rt.sweepDone)
	tick := rt.Params.BackendCoolInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopSweep:
			return
		case now := <-ticker.C:
			rt.Backends.SweepCooling(now)
		}
	}
}

// Stop shuts down the expiry and waiter loops and stops the metrics
// clock. It does not close backend pools or the VSM arena; callers that
// own file-backed arenas should close those separately.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return
	}
	rt.Expiry.Stop()
	rt.Waiter.Shutdown()
	close(rt.stopSweep)
	<-rt.sweepDone
	rt.Metrics.Stop()
	rt.started = false
}

// Panic synthesizes a structured crash dump and force-flushes every
// subsystem's pending log state before the caller re-panics or exits,
// per spec §7's "every panic synthesises a structured dump ... into a
// reserved region of the VSM arena" and the VSL flush-on-panic
// supplemented feature (SPEC_FULL.md §4): VSL buffers are flushed first
// so no batched-but-unflushed record is lost, then the dump (reason plus
// a goroutine stack trace) is written into the arena's reserved panic
// region.
func (rt *Runtime) Panic(reason string) {
	log := rt.Logger.WithComponent("runtime")
	log.Error("panic", "reason", reason)

	rt.VSL.FlushAll()

	stack := debug.Stack()
	if err := rt.Arena.WritePanicDump(reason, stack); err != nil {
		log.Error("failed to write panic dump", "error", err)
	}
}
