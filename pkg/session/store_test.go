package session

import (
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFailsClosed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStoreWithClock(func() time.Time { return now })

	assert.Nil(t, s.Get(), "no session")

	s.Set(&backend.Session{UserID: "u1", ExpiresAt: now.Add(time.Minute)})
	assert.Nil(t, s.Get(), "empty token")

	s.Set(&backend.Session{UserID: "u1", AccessToken: "t", ExpiresAt: now.Add(time.Minute)})
	require.NotNil(t, s.Get())
	assert.Equal(t, "u1", s.UserID())

	now = now.Add(2 * time.Minute)
	assert.Nil(t, s.Get(), "expired")
	assert.True(t, s.Expired())
	require.NotNil(t, s.Peek(), "peek still sees the expired session")

	s.Clear()
	assert.Nil(t, s.Peek())
	assert.False(t, s.Expired())
}

func TestSetCopiesSession(t *testing.T) {
	s := NewStore()
	sess := &backend.Session{UserID: "u1", AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)}
	s.Set(sess)
	sess.AccessToken = "mutated"

	assert.Equal(t, "a", s.Get().AccessToken)
}
