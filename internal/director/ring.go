package director

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
)

// ringPoint is one entry in the consistent-hash circle: a 32-bit hash
// point mapped to an index into the ring's host slice.
type ringPoint struct {
	hash    uint32
	hostIdx int
}

// ring is the sorted hash circle plus the host list it indexes into,
// per spec §3 "Hash circle (shard director)".
type ring struct {
	points []ringPoint
	hosts  []*Backend
}

// buildRing inserts replicas*weight points per backend, each point
// sha256(ident ∥ decimal(i))[0:4] truncated to a big-endian uint32,
// stable-sorted by point value.
func buildRing(hosts []*Backend, replicas int) *ring {
	r := &ring{hosts: hosts}
	for hostIdx, b := range hosts {
		n := replicas * b.Weight
		ident := b.Ident
		if ident == "" {
			ident = b.Name
		}
		for i := 0; i < n; i++ {
			h := sha256.Sum256([]byte(ident + strconv.Itoa(i)))
			point := binary.BigEndian.Uint32(h[0:4])
			r.points = append(r.points, ringPoint{hash: point, hostIdx: hostIdx})
		}
	}
	sort.SliceStable(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})
	return r
}

// startIndex returns the index of the smallest point >= key, wrapping
// to 0 if key is greater than every point on the ring.
func (r *ring) startIndex(key uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= key
	})
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// distinctHosts walks the ring starting at idx, collecting host indices
// in the order their first point is encountered, stepping only across
// distinct hosts as spec §4.5 "Pick" requires.
func (r *ring) distinctHosts(idx int) []int {
	n := len(r.points)
	if n == 0 {
		return nil
	}
	seen := make(map[int]bool, len(r.hosts))
	var out []int
	for steps := 0; steps < n && len(out) < len(r.hosts); steps++ {
		p := r.points[(idx+steps)%n]
		if !seen[p.hostIdx] {
			seen[p.hostIdx] = true
			out = append(out, p.hostIdx)
		}
	}
	return out
}
