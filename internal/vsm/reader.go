package vsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ChunkView is a read-only view of one chunk, as seen by an external
// reader walking the used-list chain.
type ChunkView struct {
	Offset  uint32
	Class   string
	Type    string
	Ident   string
	Seq     uint64
	Payload []byte
}

// Reader attaches to a VSM file read-only, with no interlock against the
// writer: the only synchronization is the generation-zero retry loop
// mandated by the publication protocol.
type Reader struct {
	file *os.File
	data []byte
}

// OpenReader maps path read-only.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vsm: open reader %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vsm: mmap reader %s: %w", path, err)
	}
	return &Reader{file: f, data: data}, nil
}

// Close unmaps and closes the reader.
func (r *Reader) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// maxGenerationRetries bounds the retry loop against a writer that is
// pathologically slow between beginMutate and endMutate; in steady state
// a reader never spins more than a couple of iterations.
const maxGenerationRetries = 1000

// Chunks walks the used-list chain from the header's FirstChunk offset,
// retrying the whole walk if it observes a torn (zero) generation. This
// mirrors the reader contract: detect a zero generation, retry; use RMB
// on every chunk header read.
func (r *Reader) Chunks() ([]ChunkView, error) {
	for attempt := 0; attempt < maxGenerationRetries; attempt++ {
		gen := binary.LittleEndian.Uint32(r.data[20:24])
		if gen == 0 {
			time.Sleep(time.Microsecond)
			continue
		}

		views, ok := r.walkOnce()
		if !ok {
			continue // generation changed mid-walk; retry
		}

		gen2 := binary.LittleEndian.Uint32(r.data[20:24])
		if gen2 != gen {
			continue
		}
		return views, nil
	}
	return nil, fmt.Errorf("vsm: reader gave up after %d generation retries", maxGenerationRetries)
}

func (r *Reader) walkOnce() ([]ChunkView, bool) {
	var views []ChunkView
	seen := make(map[uint32]bool)

	cur := binary.LittleEndian.Uint32(r.data[16:20])
	for cur != 0 {
		if seen[cur] {
			return nil, false // cyclic chain: writer mutated under us
		}
		seen[cur] = true

		if cur+chunkHeaderSize > uint32(len(r.data)) {
			return nil, false
		}
		Rmb()
		marker := string(r.data[cur : cur+8])
		if marker != chunkMagic {
			return nil, false
		}
		totalLen := binary.LittleEndian.Uint32(r.data[cur+8 : cur+12])
		next := binary.LittleEndian.Uint32(r.data[cur+12 : cur+16])
		class := readFixedString(r.data[cur+16 : cur+16+classFieldLen])
		typ := readFixedString(r.data[cur+16+classFieldLen : cur+16+classFieldLen+typeFieldLen])
		ident := readFixedString(r.data[cur+16+classFieldLen+typeFieldLen : cur+16+classFieldLen+typeFieldLen+identFieldLen])
		seqOff := cur + 16 + classFieldLen + typeFieldLen + identFieldLen
		seq := binary.LittleEndian.Uint64(r.data[seqOff : seqOff+8])

		payloadOff := cur + chunkHeaderSize
		if payloadOff > cur+totalLen || cur+totalLen > uint32(len(r.data)) {
			return nil, false
		}
		payload := r.data[payloadOff : cur+totalLen]

		views = append(views, ChunkView{
			Offset:  cur,
			Class:   class,
			Type:    typ,
			Ident:   ident,
			Seq:     seq,
			Payload: payload,
		})
		cur = next
	}
	return views, true
}

func readFixedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
