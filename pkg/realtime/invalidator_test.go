package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    int
	subs     []*subscription
	failNext int
}

func (f *fakeTransport) String() string { return "fake" }

func (f *fakeTransport) Subscribe(ctx context.Context, target Target) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("join timeout")
	}
	var once sync.Once
	var sub *subscription
	sub = newSubscription(func() error {
		once.Do(func() { sub.finish(ErrChannelClosed) })
		return nil
	})
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) Last() *subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

type recordingEvictor struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingEvictor) Invalidate(userID string) {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
}

func (r *recordingEvictor) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func waitState(t *testing.T, inv *Invalidator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return inv.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never reached %s", want)
}

func TestInvalidatorEvictsOnRelevantChanges(t *testing.T) {
	transport := &fakeTransport{}
	evictor := &recordingEvictor{}
	inv := NewInvalidator(transport, evictor, WithBackoff(10*time.Millisecond))
	defer inv.Stop()

	events := make(chan Event, 4)
	inv.OnPermissionsUpdated(func(ev Event) { events <- ev })

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)

	sub := transport.Last()
	sub.changes <- backend.Change{Table: backend.TableProfiles, Event: backend.EventUpdate, Record: map[string]any{"id": "u2"}}
	sub.changes <- backend.Change{Table: backend.TableProfiles, Event: backend.EventInsert, Record: map[string]any{"id": "u1"}}
	sub.changes <- backend.Change{Table: "wiki_articles", Event: backend.EventUpdate}
	sub.changes <- backend.Change{Table: backend.TableRolePermissions, Event: backend.EventDelete}
	sub.changes <- backend.Change{Table: backend.TableProfiles, Event: backend.EventUpdate, Record: map[string]any{"id": "u1"}}

	for range 2 {
		select {
		case ev := <-events:
			assert.Equal(t, EventPermissionsUpdated, ev.Name)
			assert.Equal(t, "u1", ev.UserID)
		case <-time.After(2 * time.Second):
			t.Fatal("permissions-updated not emitted")
		}
	}
	assert.Equal(t, 2, evictor.Count())
}

func TestInvalidatorEnsureIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	inv := NewInvalidator(transport, &recordingEvictor{})
	defer inv.Stop()

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)
	inv.Ensure("u1", "token")
	inv.Ensure("u1", "token")

	assert.Equal(t, 1, transport.Calls())
}

func TestInvalidatorReconnectsAfterBackoff(t *testing.T) {
	transport := &fakeTransport{}
	inv := NewInvalidator(transport, &recordingEvictor{}, WithBackoff(20*time.Millisecond))
	defer inv.Stop()

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)

	_ = transport.Last().Close()
	require.Eventually(t, func() bool { return transport.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, inv, Connected)
}

func TestInvalidatorRetriesFailedJoin(t *testing.T) {
	transport := &fakeTransport{failNext: 2}
	inv := NewInvalidator(transport, &recordingEvictor{}, WithBackoff(5*time.Millisecond))
	defer inv.Stop()

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)
	assert.Equal(t, 3, transport.Calls())
}

func TestStopCancelsPendingRetry(t *testing.T) {
	transport := &fakeTransport{}
	inv := NewInvalidator(transport, &recordingEvictor{}, WithBackoff(time.Hour))

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)

	_ = transport.Last().Close()
	waitState(t, inv, Errored)

	stopped := make(chan struct{})
	go func() {
		inv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on pending backoff")
	}
	assert.Equal(t, Disconnected, inv.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.Calls(), "no reconnect after stop")
}

func TestEnsureReplacesErroredTask(t *testing.T) {
	transport := &fakeTransport{}
	inv := NewInvalidator(transport, &recordingEvictor{}, WithBackoff(time.Hour))
	defer inv.Stop()

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)
	_ = transport.Last().Close()
	waitState(t, inv, Errored)

	inv.Ensure("u1", "token")
	waitState(t, inv, Connected)
	assert.Equal(t, 2, transport.Calls())
}

func TestRelevant(t *testing.T) {
	assert.True(t, Relevant(backend.Change{Table: backend.TableRolePermissions, Event: backend.EventInsert}, "u1"))
	assert.True(t, Relevant(backend.Change{Table: backend.TableProfiles, Event: backend.EventUpdate, OldRecord: map[string]any{"id": "u1"}}, "u1"))
	assert.False(t, Relevant(backend.Change{Table: backend.TableProfiles, Event: backend.EventUpdate}, ""))
	assert.False(t, Relevant(backend.Change{Table: backend.TableProfiles, Event: backend.EventDelete, Record: map[string]any{"id": "u1"}}, "u1"))
}
