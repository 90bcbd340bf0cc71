package vsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/cachecore/cachecore/internal/syncstats"
)

// Byte-level layout constants, per the VSM file format: a fixed 8-byte
// marker, little-endian integers throughout, pointer-aligned chunk bodies.
const (
	headerMagic = "VSMHEAD0"
	chunkMagic  = "VSMCHUNK"

	pointerAlign = 8

	// arenaHeaderSize is Magic[8] + HeaderSize(4) + TotalSize(4) +
	// FirstChunk(4) + Generation(4) + Age(4), rounded up to pointerAlign.
	arenaHeaderSize = 32

	// chunkHeaderSize is Marker[8] + TotalLen(4) + NextOffset(4) +
	// Class[8] + Type[8] + Ident[128] + Seq(8).
	chunkHeaderSize = 8 + 4 + 4 + 8 + 8 + 128 + 8

	classFieldLen = 8
	typeFieldLen  = 8
	identFieldLen = 128
)

// DefaultCoolInterval is the "not before now+60s" delay the spec calls out
// as a magic constant that must stay configurable.
const DefaultCoolInterval = 60 * time.Second

// freeBlock describes one free or cooled region of the arena body by
// offset and size (chunk-header-inclusive).
type freeBlock struct {
	offset uint32
	size   uint32
}

type coolingEntry struct {
	block     freeBlock
	notBefore time.Time
}

// Chunk is the writer-side handle to an allocated VSM chunk. Payload
// points directly into the arena's mapped bytes (or, for an out-of-arena
// allocation, into ordinary heap memory); mutating it is visible to
// readers only after Arena.Publish.
type Chunk struct {
	arena      *Arena
	offset     uint32 // 0 for bogus (out-of-arena) chunks
	class      string
	typ        string
	ident      string
	seq        uint64
	payload    []byte
	bogus      bool
	bogusStore []byte
}

// Payload returns the chunk's writable payload region.
func (c *Chunk) Payload() []byte { return c.payload }

// Ident returns the chunk's identifying string.
func (c *Chunk) Ident() string { return c.ident }

// Seq returns the chunk's monotonic sequence number, bumped on Publish.
func (c *Chunk) Seq() uint64 { return c.seq }

// Bogus reports whether this chunk lives outside the arena (an
// out-of-arena allocation satisfied from the general heap).
func (c *Chunk) Bogus() bool { return c.bogus }

// Arena is a VSM shared-memory segment: a header plus a body holding a
// free list, a used list (chunks linked by NextOffset so readers can walk
// them without a side index), and a cooling list of recently freed blocks.
//
// Grounded on the teacher's mmap'd queue buffers (former
// internal/queue/runner.go mmapQueues) for the file-backed-region idea,
// generalized into a real allocator; the publication protocol (write
// barrier bracketing every mutation, generation zeroed mid-mutation) is
// grounded on internal/vsm/barrier.go's Wmb/Rmb, themselves adapted from
// the teacher's io_uring SQE-visibility fences.
type Arena struct {
	mu *syncstats.Mutex

	file *os.File
	data []byte // mmap'd (or, for NewMemArena, heap-backed) region

	totalSize  uint32
	generation atomic.Uint32 // monotonically increasing counter, never published as 0
	seq        atomic.Uint64

	free    []freeBlock // sorted by size ascending; best-fit search via sort.Search
	cooling []coolingEntry
	bogus   map[uint32]*Chunk // keyed by a synthetic negative-space id
	bogusID uint32

	firstChunk uint32 // offset of used-list head, 0 if empty

	coolInterval time.Duration

	panicChunk *Chunk // reserved by ReservePanicRegion, nil until then
}

// panicDumpMagic tags the reserved panic-dump chunk's payload so an
// external reader attaching to the arena file can distinguish a written
// dump from an unreserved/empty region.
const panicDumpMagic = "PANICDMP"

// panicDumpHeaderSize is Magic[8] + UnixNano(8) + ReasonLen(4) + StackLen(4).
const panicDumpHeaderSize = 8 + 8 + 4 + 4

// Stats is a snapshot of the allocator's list occupancy, exposed so the
// CLI surface can report arena health without taking the arena mutex for
// longer than a single Lock/Unlock pair.
type Stats struct {
	TotalSize  uint32
	UsedBytes  uint32
	FreeBytes  uint32
	CoolingLen int
	BogusLen   int
	Generation uint32
}

// NewFileArena creates (or truncates) a file of totalSize bytes, maps it,
// and initializes the VSM header. This is the production path: the
// resulting file is attachable read-only by any external reader.
func NewFileArena(path string, totalSize uint32, coolInterval time.Duration) (*Arena, error) {
	if totalSize < arenaHeaderSize {
		return nil, fmt.Errorf("vsm: totalSize %d smaller than header", totalSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("vsm: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("vsm: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vsm: mmap %s: %w", path, err)
	}
	a := newArena(data, totalSize, coolInterval)
	a.file = f
	return a, nil
}

// NewMemArena creates a heap-backed arena with no external file, used by
// tests and by callers that do not need out-of-process observability.
func NewMemArena(totalSize uint32, coolInterval time.Duration) *Arena {
	return newArena(make([]byte, totalSize), totalSize, coolInterval)
}

func newArena(data []byte, totalSize uint32, coolInterval time.Duration) *Arena {
	if coolInterval <= 0 {
		coolInterval = DefaultCoolInterval
	}
	a := &Arena{
		mu:           syncstats.NewMutex(syncstats.NewClass("vsm")),
		data:         data,
		totalSize:    totalSize,
		bogus:        make(map[uint32]*Chunk),
		coolInterval: coolInterval,
	}
	copy(data[0:8], headerMagic)
	binary.LittleEndian.PutUint32(data[8:12], arenaHeaderSize)
	binary.LittleEndian.PutUint32(data[12:16], totalSize)
	binary.LittleEndian.PutUint32(data[16:20], 0) // FirstChunk
	binary.LittleEndian.PutUint32(data[20:24], 1) // Generation, stable
	binary.LittleEndian.PutUint32(data[24:28], 0) // Age

	a.generation.Store(1)
	bodySize := totalSize - arenaHeaderSize
	a.free = []freeBlock{{offset: arenaHeaderSize, size: bodySize}}
	return a
}

// Close unmaps and closes the backing file, if any.
func (a *Arena) Close() error {
	if a.file == nil {
		return nil
	}
	if err := unix.Munmap(a.data); err != nil {
		return err
	}
	return a.file.Close()
}

func align(n uint32) uint32 {
	return (n + pointerAlign - 1) &^ (pointerAlign - 1)
}

// Stats returns a point-in-time view of allocator occupancy.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint32
	for _, b := range a.free {
		free += b.size
	}
	return Stats{
		TotalSize:  a.totalSize,
		FreeBytes:  free,
		UsedBytes:  a.totalSize - arenaHeaderSize - free,
		CoolingLen: len(a.cooling),
		BogusLen:   len(a.bogus),
		Generation: a.generation.Load(),
	}
}

// Alloc reserves a chunk of payloadSize bytes tagged with class/typ/ident.
// It best-fits from the free list; if nothing fits, it first tries to
// coalesce the cooling list into the free list and retries once, and only
// then falls back to an out-of-arena allocation recorded on the bogus
// list so it stays enumerable even though it isn't reader-visible.
func (a *Arena) Alloc(class, typ, ident string, payloadSize uint32) (*Chunk, error) {
	if len(class) > classFieldLen || len(typ) > typeFieldLen || len(ident) > identFieldLen {
		return nil, fmt.Errorf("vsm: class/type/ident exceeds fixed field width")
	}
	need := align(chunkHeaderSize + payloadSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.takeFreeBlock(need)
	if !ok {
		a.coalesceCooled(time.Now())
		blk, ok = a.takeFreeBlock(need)
	}
	if !ok {
		return a.allocBogus(class, typ, ident, payloadSize), nil
	}
	if blk.size > need {
		a.insertFree(freeBlock{offset: blk.offset + need, size: blk.size - need})
		blk.size = need
	}
	return a.commitChunk(blk, class, typ, ident, payloadSize), nil
}

func (a *Arena) takeFreeBlock(need uint32) (freeBlock, bool) {
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].size >= need })
	if idx == len(a.free) {
		return freeBlock{}, false
	}
	blk := a.free[idx]
	a.free = append(a.free[:idx], a.free[idx+1:]...)
	return blk, true
}

func (a *Arena) insertFree(blk freeBlock) {
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].size >= blk.size })
	a.free = append(a.free, freeBlock{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = blk
}

// coalesceCooled merges any cooling block past its "not before" deadline
// back into the free list, physically joining address-adjacent regions.
func (a *Arena) coalesceCooled(now time.Time) {
	var matured []freeBlock
	remaining := a.cooling[:0]
	for _, c := range a.cooling {
		if !now.Before(c.notBefore) {
			matured = append(matured, c.block)
		} else {
			remaining = append(remaining, c)
		}
	}
	a.cooling = remaining
	if len(matured) == 0 {
		return
	}
	all := append(append([]freeBlock{}, a.free...), matured...)
	sort.Slice(all, func(i, j int) bool { return all[i].offset < all[j].offset })
	merged := all[:0]
	for _, blk := range all {
		if n := len(merged); n > 0 && merged[n-1].offset+merged[n-1].size == blk.offset {
			merged[n-1].size += blk.size
		} else {
			merged = append(merged, blk)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].size < merged[j].size })
	a.free = merged
}

func (a *Arena) allocBogus(class, typ, ident string, payloadSize uint32) *Chunk {
	a.bogusID++
	id := a.bogusID
	seq := a.nextSeq()
	c := &Chunk{
		arena:      a,
		offset:     0,
		class:      class,
		typ:        typ,
		ident:      ident,
		seq:        seq,
		bogus:      true,
		bogusStore: make([]byte, payloadSize),
	}
	c.payload = c.bogusStore
	a.bogus[id] = c
	return c
}

// commitChunk writes a chunk header into the arena body, prepends it to
// the used-list head, and bumps the generation under the write-barrier
// publication protocol.
func (a *Arena) commitChunk(blk freeBlock, class, typ, ident string, payloadSize uint32) *Chunk {
	a.beginMutate()

	copy(a.data[blk.offset:blk.offset+8], chunkMagic)
	binary.LittleEndian.PutUint32(a.data[blk.offset+8:blk.offset+12], blk.size)
	binary.LittleEndian.PutUint32(a.data[blk.offset+12:blk.offset+16], a.firstChunk)
	writeFixedString(a.data[blk.offset+16:blk.offset+16+classFieldLen], class)
	writeFixedString(a.data[blk.offset+16+classFieldLen:blk.offset+16+classFieldLen+typeFieldLen], typ)
	writeFixedString(a.data[blk.offset+16+classFieldLen+typeFieldLen:blk.offset+16+classFieldLen+typeFieldLen+identFieldLen], ident)

	seq := a.nextSeq()
	seqOff := blk.offset + 16 + classFieldLen + typeFieldLen + identFieldLen
	binary.LittleEndian.PutUint64(a.data[seqOff:seqOff+8], seq)

	a.firstChunk = blk.offset
	binary.LittleEndian.PutUint32(a.data[16:20], a.firstChunk)

	a.endMutate()

	payloadOff := blk.offset + chunkHeaderSize
	return &Chunk{
		arena:   a,
		offset:  blk.offset,
		class:   class,
		typ:     typ,
		ident:   ident,
		seq:     seq,
		payload: a.data[payloadOff : payloadOff+payloadSize],
	}
}

// Publish re-bumps the chunk's sequence number and the arena generation so
// readers that were tracking the previous sequence can detect the update.
// Call this after mutating Payload() in place.
func (a *Arena) Publish(c *Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c.seq = a.nextSeq()
	if c.bogus {
		return
	}
	a.beginMutate()
	seqOff := c.offset + 16 + classFieldLen + typeFieldLen + identFieldLen
	binary.LittleEndian.PutUint64(a.data[seqOff:seqOff+8], c.seq)
	a.endMutate()
}

// Free returns a chunk's storage to the cooling list with a
// not-before-now+coolInterval timestamp; the next Alloc that would
// otherwise miss coalesces matured cooling entries back into the free
// list. Bogus (out-of-arena) chunks are simply dropped.
func (a *Arena) Free(c *Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.bogus {
		for id, bc := range a.bogus {
			if bc == c {
				delete(a.bogus, id)
				break
			}
		}
		return
	}

	a.beginMutate()
	a.unlinkChunk(c.offset)
	a.endMutate()

	size := binary.LittleEndian.Uint32(a.data[c.offset+8 : c.offset+12])
	a.cooling = append(a.cooling, coolingEntry{
		block:     freeBlock{offset: c.offset, size: size},
		notBefore: time.Now().Add(a.coolInterval),
	})
}

// unlinkChunk splices offset out of the used-list chain.
func (a *Arena) unlinkChunk(offset uint32) {
	if a.firstChunk == offset {
		a.firstChunk = binary.LittleEndian.Uint32(a.data[offset+12 : offset+16])
		binary.LittleEndian.PutUint32(a.data[16:20], a.firstChunk)
		return
	}
	cur := a.firstChunk
	for cur != 0 {
		next := binary.LittleEndian.Uint32(a.data[cur+12 : cur+16])
		if next == offset {
			afterOffset := binary.LittleEndian.Uint32(a.data[offset+12 : offset+16])
			binary.LittleEndian.PutUint32(a.data[cur+12:cur+16], afterOffset)
			return
		}
		cur = next
	}
}

// beginMutate zeros the published generation after a write barrier,
// marking the arena "in progress" for any concurrent reader.
func (a *Arena) beginMutate() {
	Wmb()
	binary.LittleEndian.PutUint32(a.data[20:24], 0)
}

// endMutate bumps the internal monotonic generation counter (never zero),
// issues a write barrier, then publishes it, marking the arena stable
// again.
func (a *Arena) endMutate() {
	next := a.generation.Add(1)
	if next == 0 {
		next = a.generation.Add(1)
	}
	Wmb()
	binary.LittleEndian.PutUint32(a.data[20:24], next)
}

func (a *Arena) nextSeq() uint64 {
	return a.seq.Add(1)
}

// ReservePanicRegion carves out a fixed-size chunk, class "Panic" type
// "Dump", that WritePanicDump writes a structured crash dump into. Per
// spec §7 ("every panic synthesises a structured dump ... into a
// reserved region of the VSM arena"), this is reserved once at startup
// so a panicking goroutine never has to allocate.
func (a *Arena) ReservePanicRegion(size uint32) error {
	a.mu.Lock()
	if a.panicChunk != nil {
		a.mu.Unlock()
		return fmt.Errorf("vsm: panic region already reserved")
	}
	a.mu.Unlock()

	if size < panicDumpHeaderSize {
		size = panicDumpHeaderSize
	}
	c, err := a.Alloc("Panic", "Dump", "panic", size)
	if err != nil {
		return fmt.Errorf("vsm: reserve panic region: %w", err)
	}

	a.mu.Lock()
	a.panicChunk = c
	a.mu.Unlock()
	return nil
}

// WritePanicDump writes reason and stack into the reserved panic region,
// truncating stack to whatever fits after the header and reason. It is
// safe to call without ReservePanicRegion having been called first: in
// that case it writes nothing and returns an error.
func (a *Arena) WritePanicDump(reason string, stack []byte) error {
	a.mu.Lock()
	c := a.panicChunk
	a.mu.Unlock()
	if c == nil {
		return fmt.Errorf("vsm: panic region not reserved")
	}

	payload := c.Payload()
	if uint32(len(payload)) < panicDumpHeaderSize {
		return fmt.Errorf("vsm: panic region too small")
	}

	reasonBytes := []byte(reason)
	maxReason := len(payload) - panicDumpHeaderSize
	if len(reasonBytes) > maxReason {
		reasonBytes = reasonBytes[:maxReason]
	}
	maxStack := len(payload) - panicDumpHeaderSize - len(reasonBytes)
	if len(stack) > maxStack {
		stack = stack[:maxStack]
	}

	copy(payload[0:8], panicDumpMagic)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(payload[16:20], uint32(len(reasonBytes)))
	binary.LittleEndian.PutUint32(payload[20:24], uint32(len(stack)))
	off := panicDumpHeaderSize
	off += copy(payload[off:], reasonBytes)
	copy(payload[off:], stack)

	a.Publish(c)
	return nil
}

// PanicDump is a decoded view of whatever WritePanicDump last wrote.
type PanicDump struct {
	UnixNano int64
	Reason   string
	Stack    []byte
}

// ReadPanicDump decodes the reserved panic region's current contents,
// for CLI/tooling inspection after a restart. Returns ok=false if no
// dump has ever been written (magic absent).
func (a *Arena) ReadPanicDump() (dump PanicDump, ok bool) {
	a.mu.Lock()
	c := a.panicChunk
	a.mu.Unlock()
	if c == nil {
		return PanicDump{}, false
	}
	payload := c.Payload()
	if uint32(len(payload)) < panicDumpHeaderSize || string(payload[0:8]) != panicDumpMagic {
		return PanicDump{}, false
	}
	nanos := binary.LittleEndian.Uint64(payload[8:16])
	reasonLen := binary.LittleEndian.Uint32(payload[16:20])
	stackLen := binary.LittleEndian.Uint32(payload[20:24])
	off := panicDumpHeaderSize
	reason := string(payload[off : off+int(reasonLen)])
	off += int(reasonLen)
	stack := append([]byte(nil), payload[off:off+int(stackLen)]...)
	return PanicDump{UnixNano: int64(nanos), Reason: reason, Stack: stack}, true
}

func writeFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}
