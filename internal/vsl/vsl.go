// Package vsl implements the ring-buffered log inside the VSM arena: a
// header plus a power-of-two-partitioned circular buffer of records, with
// a try-first mutex whose failed attempts are counted (the spec's shm_cont
// statistic) before the writer blocks on the lock, and a publication
// protocol that
// writes the record header word last so readers only ever see complete
// records.
//
// Grounded on the ring-buffer worker-area design of
// aeabd8dd_sakateka-yanet2__modules-pdump-controlplane-ring.go.go
// (per-worker write/readable indices into a shared circular region) and
// the disruptor-style single-writer ring of
// 363bceaa_rishavpaul-system-design__order-matching-engine (sequence
// counters gating visibility), adapted to the spec's segment/segment_n
// fencing scheme instead of a single head/tail pair.
package vsl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/cachecore/cachecore/internal/syncstats"
	"github.com/cachecore/cachecore/internal/vsm"
)

// Segments is the small fixed number of log segments the ring is divided
// into, matching the spec's "(e.g. 8)".
const Segments = 8

// WrapMarker is the reserved tag emitted when a record would cross the
// tail of the ring; readers that see it jump to the head.
const WrapMarker = 0xFF

// BatchTag is the reserved tag for an outer record whose payload is a
// concatenated stream of inner records, each framed the same way as a
// standalone record, per spec §4.1 ("Batched records write a Batch outer
// record ... carry an inner record stream as payload").
const BatchTag = 0xFE

// EndMarker (the all-zero header word) distinguishes unwritten region from
// a real record: a reader stops scanning a segment on EndMarker.
const EndMarker = 0

// ringHeaderMagic, ringHeaderSize and recordHeaderSize follow the VSL file layout in
// spec §6: marker "VSLHEAD2", per-segment size, current segment number,
// and an array of per-segment offsets, layered inside a VSM chunk's
// payload (class "Log", type "VSL").
const (
	ringHeaderMagic = "VSLHEAD2"
	// ringHeaderSize: Magic[8] + SegSize(4) + SegN(4) + Offsets[Segments](4 each)
	ringHeaderSize = 8 + 4 + 4 + Segments*4
	recordHeaderSize = 4 + 4 + 4 // header word + 2 xid halves
)

// ErrTruncated is returned (not panicked on) when a record's payload
// exceeded vsl_reclen; the record is still written, silently truncated,
// per spec §9 "preserve it, but expose a counter".
var ErrTruncated = errors.New("vsl: record payload truncated")

// ErrOverrun is returned by a Reader whose cursor fell more than
// Segments-2 segments behind the writer.
var ErrOverrun = errors.New("vsl: reader overrun, cursor reset required")

// Log is the writer side of the VSL ring: a fixed region of bytes (backed
// by a VSM chunk payload) split into Segments contiguous pieces.
type Log struct {
	mu *syncstats.Mutex

	data      []byte // ring header + body
	segSize   uint32 // bytes per segment
	reclen    uint32 // vsl_reclen: max payload bytes per record
	curOffset uint32 // next write offset within the body, relative to body start

	truncated atomic.Uint64
	contended atomic.Uint64
	written   atomic.Uint64
	suppressed atomic.Uint64

	maskMu sync.RWMutex
	mask   []uint64 // vsl_mask[]: bit N set suppresses tag N's output

	buffersMu *syncstats.Mutex
	buffers   []*Buffer // registered per-worker buffers, for FlushAll
}

// NewLog carves a VSL ring out of a freshly allocated VSM chunk payload.
// segN0 lets callers exercise the UINT32 wraparound boundary the spec
// calls out (init with segN0 = MaxUint32-(Segments-1) to make the first
// real wrap cross the boundary).
func NewLog(payload []byte, reclen uint32, segN0 uint32) (*Log, error) {
	if uint32(len(payload)) <= ringHeaderSize {
		return nil, fmt.Errorf("vsl: payload too small for ring header")
	}
	body := payload[ringHeaderSize:]
	segSize := uint32(len(body)) / Segments
	if segSize < recordHeaderSize {
		return nil, fmt.Errorf("vsl: segment size too small")
	}

	copy(payload[0:8], ringHeaderMagic)
	binary.LittleEndian.PutUint32(payload[8:12], segSize)
	binary.LittleEndian.PutUint32(payload[12:16], segN0)
	for i := 0; i < Segments; i++ {
		off := 16 + uint32(i)*4
		binary.LittleEndian.PutUint32(payload[off:off+4], uint32(i)*segSize)
	}

	return &Log{
		mu:        syncstats.NewMutex(syncstats.NewClass("vsl")),
		data:      payload,
		segSize:   segSize,
		reclen:    reclen,
		buffersMu: syncstats.NewMutex(syncstats.NewClass("vsl-buffers")),
	}, nil
}

// SetMask installs vsl_mask[]: a bitmap of tags whose output Write
// silently drops, per spec §6's settings table. word = tag/64, bit =
// tag%64, matching Params.TagSuppressed's bitmap convention.
func (l *Log) SetMask(mask []uint64) {
	l.maskMu.Lock()
	defer l.maskMu.Unlock()
	l.mask = mask
}

// tagSuppressed reports whether vsl_mask[] suppresses tag.
func (l *Log) tagSuppressed(tag uint8) bool {
	l.maskMu.RLock()
	defer l.maskMu.RUnlock()
	word := int(tag) / 64
	if word >= len(l.mask) {
		return false
	}
	bit := uint(tag) % 64
	return l.mask[word]&(1<<bit) != 0
}

// Suppressed returns the number of Write calls dropped by vsl_mask[].
func (l *Log) Suppressed() uint64 { return l.suppressed.Load() }

func (l *Log) body() []byte { return l.data[ringHeaderSize:] }

func (l *Log) segN() uint32 {
	return binary.LittleEndian.Uint32(l.data[12:16])
}

func (l *Log) setSegN(v uint32) {
	binary.LittleEndian.PutUint32(l.data[12:16], v)
}

func (l *Log) setSegOffset(seg int, off uint32) {
	o := 16 + uint32(seg)*4
	binary.LittleEndian.PutUint32(l.data[o:o+4], off)
}

// ShmCont returns the number of times Log hit mutex contention on the
// try-first acquire; each such Write then waits for the lock.
func (l *Log) ShmCont() uint64 { return l.contended.Load() }

// Truncated returns the number of records silently truncated at reclen.
func (l *Log) Truncated() uint64 { return l.truncated.Load() }

// currentSegment derives the logical segment index from curOffset.
func (l *Log) currentSegment() int {
	return int(l.curOffset / l.segSize)
}

// Write emits one record with the given tag, transaction id, and payload.
// Contention on the ring mutex is try-first per spec: a failed TryLock
// still proceeds (blocking on the full Lock) but is counted so the
// "shm_cont" statistic reflects real contention without ever refusing to
// log.
func (l *Log) Write(tag uint8, xid uint64, payload []byte) error {
	if l.tagSuppressed(tag) {
		l.suppressed.Add(1)
		return nil
	}

	truncated := false
	// A Batch payload is a run of inner records, each already capped at
	// reclen by Buffer.Append, so reclen applies only to plain records.
	if tag != BatchTag && uint32(len(payload)) > l.reclen {
		payload = payload[:l.reclen]
		// NUL the last byte of the truncated region per spec boundary
		// behavior ("truncated byte set to NUL").
		if len(payload) > 0 {
			payload[len(payload)-1] = 0
		}
		truncated = true
	}

	if !l.mu.TryLock() {
		l.contended.Add(1)
		l.mu.Lock()
	}
	defer l.mu.Unlock()

	wordLen := (uint32(len(payload)) + 3) / 4
	recSize := recordHeaderSize + wordLen*4

	body := l.body()
	segIdx := l.currentSegment()
	segStart := uint32(segIdx) * l.segSize
	offInSeg := l.curOffset - segStart

	if offInSeg+recSize > l.segSize-recordHeaderSize {
		// Would pass the tail of this segment: emit a wrap marker and
		// advance to the next segment (wrapping to 0), bumping segment_n
		// to a segment-aligned value.
		l.writeWrapMarker(body, l.curOffset)
		nextSeg := (segIdx + 1) % Segments
		l.curOffset = uint32(nextSeg) * l.segSize
		newSegN := (l.segN()/Segments + 1) * Segments
		l.setSegN(newSegN)
		l.setSegOffset(nextSeg, l.curOffset-uint32(nextSeg)*l.segSize)
		segIdx = nextSeg
		segStart = l.curOffset - (l.curOffset % l.segSize)
	}

	recOff := l.curOffset
	xidHi := uint32(xid >> 32)
	xidLo := uint32(xid)
	binary.LittleEndian.PutUint32(body[recOff+4:recOff+8], xidHi)
	binary.LittleEndian.PutUint32(body[recOff+8:recOff+12], xidLo)
	copy(body[recOff+recordHeaderSize:recOff+recSize], payload)

	endOff := recOff + recSize
	if endOff+4 <= uint32(len(body)) {
		binary.LittleEndian.PutUint32(body[endOff:endOff+4], EndMarker)
	}

	vsm.Wmb()

	header := uint32(tag)<<24 | uint32(4)<<20 | (uint32(len(payload)) & 0xFFFFF)
	binary.LittleEndian.PutUint32(body[recOff:recOff+4], header)

	l.curOffset += recSize
	l.setSegOffset(segIdx, l.curOffset-segStart)
	l.written.Add(1)

	if truncated {
		l.truncated.Add(1)
		return ErrTruncated
	}
	return nil
}

func (l *Log) writeWrapMarker(body []byte, off uint32) {
	header := uint32(WrapMarker) << 24
	binary.LittleEndian.PutUint32(body[off:off+4], header)
}

// registerBuffer tracks b so FlushAll can reach it later. Buffers are
// never deregistered: they live as long as the worker that owns them,
// which in practice is as long as the Log itself.
func (l *Log) registerBuffer(b *Buffer) {
	l.buffersMu.Lock()
	defer l.buffersMu.Unlock()
	l.buffers = append(l.buffers, b)
}

// FlushAll flushes every Buffer registered against this Log, emitting a
// Batch record for each worker's pending inner records. Called before a
// structured panic dump so no buffered-but-unflushed record is lost, per
// spec §7's "every panic synthesises a structured dump."
func (l *Log) FlushAll() {
	l.buffersMu.Lock()
	bufs := append([]*Buffer(nil), l.buffers...)
	l.buffersMu.Unlock()
	for _, b := range bufs {
		_ = b.Flush()
	}
}

// innerRecordSize returns the framed size (header + payload, word
// aligned) of an inner record carrying payload, matching Write's own
// record-size arithmetic.
func innerRecordSize(payload []byte) uint32 {
	wordLen := (uint32(len(payload)) + 3) / 4
	return recordHeaderSize + wordLen*4
}

// Buffer accumulates inner VSL records for one worker (typically one
// transaction's worth of logging) and flushes them as a single Batch
// outer record to the underlying Log when full, on an explicit
// boundary, or when the owning transaction ends, per spec §4.1: "produced
// by per-worker VSL log buffers that flush on size, on explicit
// boundary, or when the owning transaction ends."
type Buffer struct {
	log *Log
	xid uint64
	cap int
	buf []byte
}

// NewBuffer creates a Buffer flushing to log under transaction id xid,
// sized by capacity (Params.VSLBuffer in production use). The buffer
// registers itself with log so Log.FlushAll can reach it.
func NewBuffer(log *Log, xid uint64, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 4096
	}
	b := &Buffer{log: log, xid: xid, cap: capacity, buf: make([]byte, 0, capacity)}
	log.registerBuffer(b)
	return b
}

// Append frames tag/payload as an inner record. If it wouldn't fit in
// the remaining buffer capacity, the buffer is flushed first so the new
// record starts a fresh Batch.
func (b *Buffer) Append(tag uint8, payload []byte) error {
	if b.log.tagSuppressed(tag) {
		b.log.suppressed.Add(1)
		return nil
	}
	if uint32(len(payload)) > b.log.reclen {
		payload = payload[:b.log.reclen]
	}
	need := int(innerRecordSize(payload))
	if len(b.buf) > 0 && len(b.buf)+need > b.cap {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.appendInner(tag, payload)
	return nil
}

func (b *Buffer) appendInner(tag uint8, payload []byte) {
	var hdr [recordHeaderSize]byte
	header := uint32(tag)<<24 | uint32(4)<<20 | (uint32(len(payload)) & 0xFFFFF)
	binary.LittleEndian.PutUint32(hdr[0:4], header)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(b.xid>>32))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(b.xid))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, payload...)
	if pad := (4 - len(payload)%4) % 4; pad > 0 {
		var zero [4]byte
		b.buf = append(b.buf, zero[:pad]...)
	}
}

// Flush emits the buffered inner records as one Batch outer record and
// resets the buffer. A no-op if nothing is pending.
func (b *Buffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	err := b.log.Write(BatchTag, b.xid, b.buf)
	b.buf = b.buf[:0]
	return err
}

// End flushes any pending inner records, for the owning transaction's
// completion boundary.
func (b *Buffer) End() error {
	return b.Flush()
}

// Record is a single decoded VSL record, as seen by a reader.
type Record struct {
	Tag     uint8
	Xid     uint64
	Payload []byte
}

// DecodeBatch unpacks a Batch outer record's payload into its inner
// records, the reverse of Buffer.appendInner's framing.
func DecodeBatch(payload []byte) []Record {
	var recs []Record
	off := 0
	for off+recordHeaderSize <= len(payload) {
		header := binary.LittleEndian.Uint32(payload[off : off+4])
		if header == EndMarker {
			break
		}
		tag := uint8(header >> 24)
		length := int(header & 0xFFFFF)
		wordLen := (length + 3) / 4
		recSize := recordHeaderSize + wordLen*4
		if off+recSize > len(payload) {
			break
		}
		xidHi := binary.LittleEndian.Uint32(payload[off+4 : off+8])
		xidLo := binary.LittleEndian.Uint32(payload[off+8 : off+12])
		xid := uint64(xidHi)<<32 | uint64(xidLo)
		innerPayload := append([]byte(nil), payload[off+recordHeaderSize:off+recordHeaderSize+length]...)
		recs = append(recs, Record{Tag: tag, Xid: xid, Payload: innerPayload})
		off += recSize
	}
	return recs
}

// Reader walks a VSL ring from a remembered segment cursor, detecting
// overrun when it falls more than Segments-2 segments behind the writer.
type Reader struct {
	data    []byte
	segSize uint32
	lastSeg uint32 // last segment_n value the reader observed
}

// NewReader attaches a reader to the same bytes a Log writes into (e.g. a
// vsm.ChunkView.Payload from an external attach, or the Log's own data
// for in-process testing).
func NewReader(data []byte) (*Reader, error) {
	if string(data[0:8]) != ringHeaderMagic {
		return nil, fmt.Errorf("vsl: bad ring header magic")
	}
	segSize := binary.LittleEndian.Uint32(data[8:12])
	return &Reader{data: data, segSize: segSize}, nil
}

// segN reads the writer's current segment counter with a read barrier.
func (r *Reader) segN() uint32 {
	vsm.Rmb()
	return binary.LittleEndian.Uint32(r.data[12:16])
}

func (r *Reader) segOffset(seg int) uint32 {
	o := 16 + uint32(seg)*4
	vsm.Rmb()
	return binary.LittleEndian.Uint32(r.data[o : o+4])
}

// ReadSegment decodes every complete record in the given logical segment,
// starting from offset 0 within it up to that segment's recorded offset.
// Returns ErrOverrun if the reader's last-known segment_n is more than
// Segments-2 behind the writer's current one.
func (r *Reader) ReadSegment(seg int) ([]Record, error) {
	cur := r.segN()
	if r.lastSeg != 0 && cur > r.lastSeg && (cur-r.lastSeg) > uint32(Segments-2)*Segments {
		return nil, ErrOverrun
	}
	r.lastSeg = cur

	body := r.data[ringHeaderSize:]
	segStart := uint32(seg) * r.segSize
	limit := r.segOffset(seg)

	var recs []Record
	off := uint32(0)
	for off < limit {
		absOff := segStart + off
		if absOff+4 > uint32(len(body)) {
			break
		}
		vsm.Rmb()
		header := binary.LittleEndian.Uint32(body[absOff : absOff+4])
		if header == EndMarker {
			break
		}
		tag := uint8(header >> 24)
		if tag == WrapMarker {
			break
		}
		length := header & 0xFFFFF
		wordLen := (length + 3) / 4
		recSize := recordHeaderSize + wordLen*4

		xidHi := binary.LittleEndian.Uint32(body[absOff+4 : absOff+8])
		xidLo := binary.LittleEndian.Uint32(body[absOff+8 : absOff+12])
		xid := uint64(xidHi)<<32 | uint64(xidLo)

		payload := make([]byte, length)
		copy(payload, body[absOff+recordHeaderSize:absOff+recordHeaderSize+length])

		recs = append(recs, Record{Tag: tag, Xid: xid, Payload: payload})
		off += recSize
	}
	return recs, nil
}
