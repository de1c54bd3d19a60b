package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phxServer struct {
	t      *testing.T
	status string
	joined chan map[string]any
}

func (s *phxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(s.t, "/realtime/v1/websocket", r.URL.Path)
	assert.Equal(s.t, "anon", r.URL.Query().Get("apikey"))

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var join phxMessage
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	var payload map[string]any
	_ = json.Unmarshal(join.Payload, &payload)
	s.joined <- payload

	reply, _ := json.Marshal(map[string]any{"status": s.status, "response": map[string]any{}})
	_ = conn.WriteJSON(phxMessage{Topic: join.Topic, Event: phxReply, Payload: reply, Ref: join.Ref})
	if s.status != "ok" {
		return
	}

	change, _ := json.Marshal(map[string]any{
		"ids": []int{1},
		"data": map[string]any{
			"schema": "public",
			"table":  backend.TableProfiles,
			"type":   backend.EventUpdate,
			"record": map[string]any{"id": "u1", "role": "editor"},
		},
	})
	_ = conn.WriteJSON(phxMessage{Topic: "realtime:other", Event: pgChanges, Payload: change})
	_ = conn.WriteJSON(phxMessage{Topic: join.Topic, Event: pgChanges, Payload: change})
	_ = conn.WriteJSON(phxMessage{Topic: join.Topic, Event: phxClose, Payload: json.RawMessage("{}")})

	// 等待客户端关闭
	_, _, _ = conn.ReadMessage()
}

func TestPhoenixSubscribe(t *testing.T) {
	srv := &phxServer{t: t, status: "ok", joined: make(chan map[string]any, 1)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	transport := NewPhoenixTransport(PhoenixConfig{BaseURL: ts.URL, APIKey: "anon", JoinTimeout: time.Second})
	sub, err := transport.Subscribe(context.Background(), Target{UserID: "u1", AccessToken: "jwt"})
	require.NoError(t, err)
	defer sub.Close()

	payload := <-srv.joined
	assert.Equal(t, "jwt", payload["access_token"])
	cfg := payload["config"].(map[string]any)
	changes := cfg["postgres_changes"].([]any)
	require.Len(t, changes, 2)
	assert.Equal(t, backend.TableRolePermissions, changes[0].(map[string]any)["table"])
	assert.Equal(t, "id=eq.u1", changes[1].(map[string]any)["filter"])

	select {
	case ch, ok := <-sub.Changes():
		require.True(t, ok)
		assert.Equal(t, backend.TableProfiles, ch.Table)
		assert.Equal(t, "u1", ch.RecordID())
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok, "phx_close ends the subscription")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.ErrorIs(t, sub.Err(), ErrChannelClosed)
}

func TestPhoenixJoinRejected(t *testing.T) {
	srv := &phxServer{t: t, status: "error", joined: make(chan map[string]any, 1)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	transport := NewPhoenixTransport(PhoenixConfig{BaseURL: ts.URL, APIKey: "anon", JoinTimeout: time.Second})
	_, err := transport.Subscribe(context.Background(), Target{UserID: "u1", AccessToken: "jwt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join rejected")
}

func TestPhoenixEndpoint(t *testing.T) {
	transport := NewPhoenixTransport(PhoenixConfig{BaseURL: "https://demo.supabase.co/", APIKey: "k"})
	endpoint, err := transport.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://demo.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0", endpoint)
}
