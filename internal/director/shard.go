package director

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Shard is the consistent-hash director (§4.5 "Consistent-hash shard
// director"), the largest single policy: ring build over weighted
// backends, four key-derivation modes, rampup/warmup-biased candidate
// acceptance, and staged (task-scoped) reconfiguration.
type Shard struct {
	id string // director identity; keys TaskScratch change lists

	mu       sync.RWMutex
	backends []*Backend
	ring     *ring
	replicas int // replica count the live ring was last built with

	defaults  ShardParams
	vclParams *ParamOverride

	notices []string // reconfigure diagnostics (duplicate-add, etc.)
}

var _ Director = (*Shard)(nil)

// NewShard creates an empty shard director. id must be unique among
// directors sharing a TaskScratch, since staged changes are keyed by it.
func NewShard(id string) *Shard {
	return &Shard{id: id, defaults: DefaultShardParams(), replicas: DefaultShardParams().Replicas}
}

// ID returns the director's identity string.
func (s *Shard) ID() string { return s.id }

// SetVCLParams installs the VCL-scope override layer.
func (s *Shard) SetVCLParams(o *ParamOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vclParams = o
}

// AddBackend stages an add against scratch; it does not touch the live
// ring until Reconfigure runs.
func (s *Shard) AddBackend(scratch *TaskScratch, b *Backend, weight int) {
	if weight <= 0 {
		weight = 1
	}
	scratch.Stage(s.id, Change{Op: ChangeAdd, Backend: b, Ident: b.Ident, Weight: weight})
}

// RemoveBackend stages a remove against scratch, matched by ident if b's
// Ident is set, else by backend identity.
func (s *Shard) RemoveBackend(scratch *TaskScratch, b *Backend) {
	scratch.Stage(s.id, Change{Op: ChangeRemove, Backend: b, Ident: b.Ident})
}

// Clear stages a full reset: when merged, the backend list restarts
// from whatever adds follow it in the same change list.
func (s *Shard) Clear(scratch *TaskScratch) {
	scratch.Stage(s.id, Change{Op: ChangeClear})
}

// Reconfigure merges scratch's staged change list for this director and
// rebuilds the ring with the given replica count, per spec §4.5's
// five-step merge procedure.
func (s *Shard) Reconfigure(scratch *TaskScratch, replicas int) {
	changes := scratch.Take(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	backends := s.backends
	startFrom := 0
	for i, c := range changes {
		if c.Op == ChangeClear {
			backends = nil
			startFrom = i + 1
		}
	}
	for _, c := range changes[startFrom:] {
		switch c.Op {
		case ChangeAdd:
			if idx := findBackend(backends, c.Backend, c.Ident); idx >= 0 {
				s.notices = append(s.notices, fmt.Sprintf("shard %s: duplicate add of backend %s/%s skipped", s.id, c.Backend.Name, c.Ident))
				continue
			}
			b := c.Backend
			b.Weight = c.Weight
			backends = append(backends, b)
		case ChangeRemove:
			backends = removeBackend(backends, c.Backend, c.Ident)
		}
	}

	s.backends = backends
	s.replicas = replicas
	if len(backends) == 0 {
		s.ring = &ring{}
	} else {
		s.ring = buildRing(backends, replicas)
	}
}

// Notices returns and clears accumulated reconfigure diagnostics (e.g.
// duplicate-add warnings).
func (s *Shard) Notices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notices
	s.notices = nil
	return n
}

func findBackend(backends []*Backend, b *Backend, ident string) int {
	for i, e := range backends {
		if ident != "" {
			if e.Ident == ident {
				return i
			}
			continue
		}
		if e == b {
			return i
		}
	}
	return -1
}

func removeBackend(backends []*Backend, b *Backend, ident string) []*Backend {
	kept := backends[:0]
	for _, e := range backends {
		match := false
		if ident != "" {
			match = e.Ident == ident
		} else {
			match = e == b
		}
		if !match {
			kept = append(kept, e)
		}
	}
	return kept
}

func (s *Shard) Healthy(ctx context.Context, now time.Time) (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	any := false
	for _, b := range s.backends {
		if b.Healthy() {
			any = true
		}
		if bh := b.BecameHealthy(); bh.After(latest) {
			latest = bh
		}
	}
	return any, latest
}

func (s *Shard) List(ctx context.Context, mode ListMode) []*Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Backend, len(s.backends))
	copy(out, s.backends)
	return filterByMode(out, mode)
}

func (s *Shard) Destroy() {}

// Resolve derives the per-call key from the effective parameter layers
// and picks a backend from the live ring.
func (s *Shard) Resolve(ctx context.Context, rc *RequestContext) (Resolution, error) {
	s.mu.RLock()
	r := s.ring
	vcl := s.vclParams
	defaults := s.defaults
	s.mu.RUnlock()

	var taskOverride, callOverride *ParamOverride
	if rc != nil {
		callOverride = rc.ShardOverride
		if rc.Scratch != nil {
			taskOverride = rc.Scratch.shardParams(s.id)
		}
	}
	params := mergeParams(defaults, callOverride, taskOverride, vcl)

	if r == nil || len(r.points) == 0 {
		return Resolution{}, nil
	}

	key := deriveKey(params.HashBy, rc)
	b := pick(r, key, params, time.Now())
	return Resolution{Backend: b}, nil
}

// deriveKey computes the 32-bit key per spec §4.5 "Key derivation".
func deriveKey(kind KeyKind, rc *RequestContext) uint32 {
	if rc == nil {
		return 0
	}
	switch kind {
	case KeyURL:
		h := sha256.Sum256([]byte(rc.URL))
		return binary.BigEndian.Uint32(h[0:4])
	case KeyInt:
		return rc.Key
	case KeyBlob:
		if len(rc.Blob) >= 4 {
			return binary.BigEndian.Uint32(rc.Blob[0:4])
		}
		var buf [4]byte
		copy(buf[:], rc.Blob)
		return binary.BigEndian.Uint32(buf[:])
	default: // KeyHash
		return binary.BigEndian.Uint32(rc.Digest[0:4])
	}
}

// pick implements spec §4.5's candidate walk: health gate, rampup
// probability, warmup bias between primary and secondary, else accept.
func pick(r *ring, key uint32, p ShardParams, now time.Time) *Backend {
	idx := r.startIndex(key)
	candidates := r.distinctHosts(idx)
	if len(candidates) == 0 {
		return nil
	}

	alt := p.Alt
	if alt >= len(candidates) {
		return nil
	}

	start := alt
	if p.Warmup > 0 && p.Warmup < 1 && alt+1 < len(candidates) {
		if rand.Float64() >= (1 - p.Warmup) {
			start = alt + 1
		}
	}

	for i := start; i < len(candidates); i++ {
		b := r.hosts[candidates[i]]

		if !p.IgnoreHealth && !b.Healthy() {
			continue
		}

		if p.RampupEnabled {
			becameHealthy := b.BecameHealthy()
			if !becameHealthy.IsZero() && p.RampupDuration > 0 {
				elapsed := now.Sub(becameHealthy)
				if elapsed < p.RampupDuration {
					frac := elapsed.Seconds() / p.RampupDuration.Seconds()
					prob := frac * frac
					if rand.Float64() >= prob {
						continue
					}
				}
			}
		}

		return b
	}
	return nil
}
