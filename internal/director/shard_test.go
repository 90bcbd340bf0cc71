package director

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func reconfiguredShard(t *testing.T, names []string, replicas int) (*Shard, map[string]*Backend) {
	t.Helper()
	s := NewShard("shard-test")
	scratch := NewTaskScratch()
	backends := make(map[string]*Backend)
	for _, n := range names {
		b := healthyBackend(n)
		backends[n] = b
		s.AddBackend(scratch, b, 1)
	}
	s.Reconfigure(scratch, replicas)
	return s, backends
}

func keyFor(s string) uint32 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(h[0:4])
}

func TestShard_PickIsIdempotentOnFixedRing(t *testing.T) {
	s, _ := reconfiguredShard(t, []string{"a", "b", "c"}, 1000)

	rc := &RequestContext{Key: keyFor("example.com"), ShardOverride: &ParamOverride{HashBy: kptr(KeyInt)}}
	first, err := s.Resolve(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, first.Backend)

	for i := 0; i < 20; i++ {
		res, err := s.Resolve(context.Background(), rc)
		require.NoError(t, err)
		require.Same(t, first.Backend, res.Backend)
	}
}

func TestShard_MinimalDisruptionOnRemove(t *testing.T) {
	s, backends := reconfiguredShard(t, []string{"a", "b", "c"}, 1000)
	rc := &RequestContext{Key: keyFor("example.com"), ShardOverride: &ParamOverride{HashBy: kptr(KeyInt)}}

	before, err := s.Resolve(context.Background(), rc)
	require.NoError(t, err)
	x := before.Backend
	require.NotNil(t, x)

	var y *Backend
	for _, b := range backends {
		if b != x {
			y = b
			break
		}
	}
	require.NotNil(t, y)

	scratch := NewTaskScratch()
	s.RemoveBackend(scratch, y)
	s.Reconfigure(scratch, 1000)

	after, err := s.Resolve(context.Background(), rc)
	require.NoError(t, err)
	require.Same(t, x, after.Backend, "removing a backend other than the pick must not move it")
}

func TestShard_StagedReconfigureDuplicateAddAndRemove(t *testing.T) {
	s := NewShard("shard-staged")
	scratch := NewTaskScratch()
	a := healthyBackend("a")
	b := healthyBackend("b")

	s.AddBackend(scratch, a, 1)
	s.AddBackend(scratch, b, 1)
	s.AddBackend(scratch, a, 1) // duplicate
	s.RemoveBackend(scratch, b)
	s.Reconfigure(scratch, 67)

	list := s.List(context.Background(), ListAll)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].Name)

	notices := s.Notices()
	require.Len(t, notices, 1)

	s.mu.RLock()
	replicaPoints := len(s.ring.points)
	s.mu.RUnlock()
	require.Equal(t, 67, replicaPoints, "ring must carry exactly 67 points for the single surviving backend")
}

func TestShard_ZeroHealthyReturnsNil(t *testing.T) {
	s := NewShard("shard-unhealthy")
	scratch := NewTaskScratch()
	a := NewBackend("a", "a", "127.0.0.1:0", "", 1)
	a.SetAdmin(HealthSick)
	s.AddBackend(scratch, a, 1)
	s.Reconfigure(scratch, 100)

	res, err := s.Resolve(context.Background(), &RequestContext{Key: 1, ShardOverride: &ParamOverride{HashBy: kptr(KeyInt)}})
	require.NoError(t, err)
	require.Nil(t, res.Backend)
}

func TestShard_SingleHealthyAlwaysWins(t *testing.T) {
	s := NewShard("shard-single")
	scratch := NewTaskScratch()
	a := NewBackend("a", "a", "127.0.0.1:0", "", 1)
	a.SetAdmin(HealthSick)
	only := healthyBackend("only")
	s.AddBackend(scratch, a, 1)
	s.AddBackend(scratch, only, 1)
	s.Reconfigure(scratch, 100)

	for _, key := range []uint32{0, 1, 12345, 0xffffffff} {
		res, err := s.Resolve(context.Background(), &RequestContext{Key: key, ShardOverride: &ParamOverride{HashBy: kptr(KeyInt)}})
		require.NoError(t, err)
		require.Equal(t, only, res.Backend)
	}
}

func kptr(k KeyKind) *KeyKind { return &k }
