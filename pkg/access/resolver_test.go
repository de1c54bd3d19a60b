package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/backend/backendtest"
	"github.com/cmsadmin/pkg/cache"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	backend  *backendtest.Backend
	sessions *session.Store
	caches   *Caches
	clock    *clock
	signOuts int
	perms    *PermissionResolver
	profiles *ProfileResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		backend:  backendtest.New(),
		sessions: session.NewStore(),
		clock:    newClock(),
	}
	f.caches = NewCaches(30*time.Second, cache.WithClock(f.clock.Now))
	t.Cleanup(f.caches.Close)

	f.backend.AddUser("u1", "admin@example.com", "pw", backend.RoleAdmin)
	f.backend.SetCodes("u1", "/users:read", "/wiki")
	f.sessions.Set(f.backend.IssueToken("u1"))

	f.perms = NewPermissionResolver(f.backend, f.sessions, f.caches, func(context.Context) {
		f.signOuts++
		f.sessions.Clear()
	})
	f.profiles = NewProfileResolver(f.backend, f.sessions, f.caches)
	return f
}

func TestPermissionCacheIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.perms.Get(ctx)
	second := f.perms.Get(ctx)

	assert.Equal(t, first.Codes(), second.Codes())
	assert.Equal(t, 1, f.backend.Calls("FetchPermissionCodes"))

	f.clock.Advance(30 * time.Second)
	f.perms.Get(ctx)
	assert.Equal(t, 2, f.backend.Calls("FetchPermissionCodes"))
}

func TestPermissionInvalidationForcesRefetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.perms.Get(ctx)
	f.backend.SetCodes("u1", "*")
	f.caches.Invalidate("u1")

	set := f.perms.Get(ctx)
	assert.True(t, set.IsWildcard())
	assert.Equal(t, 2, f.backend.Calls("FetchPermissionCodes"))
}

func TestPermissionAuthFailureSignsOut(t *testing.T) {
	f := newFixture(t)
	f.backend.SetError(&f.backend.CodesErr, errors.Unauthorized("jwt expired"))

	set := f.perms.Get(context.Background())

	assert.Equal(t, 0, set.Len())
	assert.Equal(t, 1, f.signOuts)
	assert.Nil(t, f.sessions.Get())
}

func TestPermissionStaleFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.perms.Get(ctx)
	f.clock.Advance(10 * time.Minute)
	f.backend.SetError(&f.backend.CodesErr, errors.Internal("connection reset"))

	set := f.perms.Get(ctx)
	assert.Equal(t, []string{"/users:read", "/wiki"}, set.Codes())
	assert.Equal(t, 0, f.signOuts)
}

func TestPermissionFailureWithoutCacheIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.backend.SetError(&f.backend.CodesErr, errors.Internal("connection reset"))

	set := f.perms.Get(context.Background())
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, 0, f.signOuts)
}

func TestPermissionLateFetchDoesNotRepopulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 取数期间收到失效通知
	f.backend.BeforeCodes = func() { f.caches.Invalidate("u1") }
	first := f.perms.Get(ctx)
	assert.Equal(t, 2, first.Len(), "caller still receives the fetched set")

	_, cached := f.caches.Permissions.Stale("u1")
	assert.False(t, cached, "late result must not be cached after invalidation")

	f.backend.BeforeCodes = nil
	f.perms.Get(ctx)
	assert.Equal(t, 2, f.backend.Calls("FetchPermissionCodes"))
}

func TestPermissionWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.Clear()

	assert.Equal(t, 0, f.perms.Get(context.Background()).Len())
	assert.Equal(t, 0, f.backend.Calls("FetchPermissionCodes"))
}

func TestProfileCaching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.profiles.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, backend.RoleAdmin, p.Role)

	_, err = f.profiles.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.Calls("FetchProfile"))

	f.caches.Invalidate("u1")
	_, err = f.profiles.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.Calls("FetchProfile"))
}

func TestProfileNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.profiles.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrProfileNotFound))

	_, err = f.profiles.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrProfileNotFound))
	assert.Equal(t, 2, f.backend.Calls("FetchProfile"))
}

func TestProfileUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.backend.SetError(&f.backend.ProfileErr, errors.Internal("boom"))

	_, err := f.profiles.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, 502, errors.GetCode(err))
	assert.False(t, errors.IsAuthFailure(err))
}

func TestProfileRequiresSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.Clear()

	_, err := f.profiles.Get(context.Background(), "u1")
	assert.True(t, errors.Is(err, errors.ErrUnauthenticated))
}
