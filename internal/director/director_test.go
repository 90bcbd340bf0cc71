package director

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func healthyBackend(name string) *Backend {
	b := NewBackend(name, name, "127.0.0.1:0", "", 1)
	b.SetAdmin(HealthHealthy)
	return b
}

func TestRoundRobin_AdvancesAndSkipsUnhealthy(t *testing.T) {
	vdir := NewVdir()
	a, b, c := healthyBackend("a"), healthyBackend("b"), healthyBackend("c")
	b.SetAdmin(HealthSick)
	vdir.Add(a, 1)
	vdir.Add(b, 1)
	vdir.Add(c, 1)

	rr := NewRoundRobin(vdir)
	ctx := context.Background()

	res1, err := rr.Resolve(ctx, &RequestContext{})
	require.NoError(t, err)
	require.Equal(t, a, res1.Backend)

	res2, err := rr.Resolve(ctx, &RequestContext{})
	require.NoError(t, err)
	require.Equal(t, c, res2.Backend, "sick backend b must be skipped")
}

func TestRandom_OnlyPicksHealthy(t *testing.T) {
	vdir := NewVdir()
	a := healthyBackend("a")
	sick := NewBackend("sick", "sick", "127.0.0.1:0", "", 1)
	sick.SetAdmin(HealthSick)
	vdir.Add(a, 1)
	vdir.Add(sick, 5)

	rnd := NewRandom(vdir)
	for i := 0; i < 50; i++ {
		res, err := rnd.Resolve(context.Background(), &RequestContext{})
		require.NoError(t, err)
		require.Equal(t, a, res.Backend)
	}
}

func TestFallback_NonStickyAlwaysScansFromZero(t *testing.T) {
	vdir := NewVdir()
	a, b := healthyBackend("a"), healthyBackend("b")
	vdir.Add(a, 1)
	vdir.Add(b, 1)

	fb := NewFallback(vdir, false)
	for i := 0; i < 5; i++ {
		res, err := fb.Resolve(context.Background(), &RequestContext{})
		require.NoError(t, err)
		require.Equal(t, a, res.Backend, "non-sticky fallback must always prefer index 0 when healthy")
	}
}

func TestFallback_StickyRemembersLastSuccess(t *testing.T) {
	vdir := NewVdir()
	a, b := healthyBackend("a"), healthyBackend("b")
	vdir.Add(a, 1)
	vdir.Add(b, 1)

	fb := NewFallback(vdir, true)
	res1, err := fb.Resolve(context.Background(), &RequestContext{})
	require.NoError(t, err)
	require.Equal(t, a, res1.Backend)

	a.SetAdmin(HealthSick)
	res2, err := fb.Resolve(context.Background(), &RequestContext{})
	require.NoError(t, err)
	require.Equal(t, b, res2.Backend)

	a.SetAdmin(HealthHealthy)
	res3, err := fb.Resolve(context.Background(), &RequestContext{})
	require.NoError(t, err)
	require.Equal(t, b, res3.Backend, "sticky director must not advance back to a without a failure on b")
}

func TestResolveBackend_FollowsCompositeDirectors(t *testing.T) {
	vdir := NewVdir()
	a := healthyBackend("a")
	vdir.Add(a, 1)
	inner := NewRoundRobin(vdir)

	outer := &fakeComposite{next: inner}
	b, err := ResolveBackend(context.Background(), outer, &RequestContext{}, 4)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestResolveBackend_DepthExceeded(t *testing.T) {
	self := &fakeComposite{}
	self.next = self
	_, err := ResolveBackend(context.Background(), self, &RequestContext{}, 3)
	require.ErrorIs(t, err, ErrResolveDepthExceeded)
}

// fakeComposite always resolves to another Director (or itself), used to
// exercise the depth-bounded recursive resolve helper.
type fakeComposite struct {
	next Director
}

func (f *fakeComposite) Healthy(ctx context.Context, now time.Time) (bool, time.Time) {
	return true, time.Time{}
}
func (f *fakeComposite) Resolve(ctx context.Context, rc *RequestContext) (Resolution, error) {
	return Resolution{Next: f.next}, nil
}
func (f *fakeComposite) List(ctx context.Context, mode ListMode) []*Backend { return nil }
func (f *fakeComposite) Destroy()                                           {}
