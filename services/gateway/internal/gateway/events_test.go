package gateway

import (
	"bufio"
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEvents_StreamsUntilClosed(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	events := make(chan realtime.Event, 2)
	events <- realtime.Event{
		Name:   "permissions-updated",
		UserID: "admin-1",
		Change: backend.Change{Table: "cms_role_permissions"},
	}
	close(events)

	err := writeEvents(w, events, time.Hour, func() bool { return true })
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, ":connected\n\n"))
	assert.Contains(t, out, "event: permissions-updated\n")
	assert.Contains(t, out, `"userId":"admin-1"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestWriteEvents_KeepaliveEndsWhenSessionGone(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	var ticks atomic.Int32
	alive := func() bool { return ticks.Add(1) < 3 }

	done := make(chan error, 1)
	go func() { done <- writeEvents(w, make(chan realtime.Event), 5*time.Millisecond, alive) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writeEvents 未在会话失效后返回")
	}
	assert.Equal(t, 2, strings.Count(buf.String(), ":keepalive\n\n"))
}
