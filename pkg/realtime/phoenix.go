package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/gorilla/websocket"
)

// phoenix 协议事件
const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	pgChanges    = "postgres_changes"
)

// PhoenixConfig Supabase Realtime 连接参数
type PhoenixConfig struct {
	// BaseURL BaaS 地址，如 https://xyz.supabase.co
	BaseURL     string
	APIKey      string
	Channel     string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
}

// PhoenixTransport 基于 Supabase Realtime websocket 的订阅
type PhoenixTransport struct {
	cfg    PhoenixConfig
	dialer *websocket.Dialer
}

// NewPhoenixTransport 创建传输
func NewPhoenixTransport(cfg PhoenixConfig) *PhoenixTransport {
	if cfg.Channel == "" {
		cfg.Channel = "permissions-sync"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &PhoenixTransport{cfg: cfg, dialer: websocket.DefaultDialer}
}

// String 传输名
func (t *PhoenixTransport) String() string { return "phoenix" }

// Endpoint websocket 地址
func (t *PhoenixTransport) Endpoint() (string, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", t.cfg.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type pgChangePayload struct {
	Data struct {
		Schema    string         `json:"schema"`
		Table     string         `json:"table"`
		Type      string         `json:"type"`
		Record    map[string]any `json:"record"`
		OldRecord map[string]any `json:"old_record"`
	} `json:"data"`
}

// JoinPayload 订阅配置：权限分配表全部事件，当前用户资料的 UPDATE
func JoinPayload(target Target) map[string]any {
	return map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]any{
				{"event": "*", "schema": "public", "table": backend.TableRolePermissions},
				{"event": backend.EventUpdate, "schema": "public", "table": backend.TableProfiles, "filter": "id=eq." + target.UserID},
			},
		},
		"access_token": target.AccessToken,
	}
}

// Subscribe 建立连接并加入频道
func (t *PhoenixTransport) Subscribe(ctx context.Context, target Target) (Subscription, error) {
	endpoint, err := t.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("realtime endpoint: %w", err)
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	topic := "realtime:" + t.cfg.Channel
	c := &phxConn{conn: conn}

	joinRef := c.nextRef()
	payload, _ := json.Marshal(JoinPayload(target))
	if err := c.write(phxMessage{Topic: topic, Event: phxJoin, Payload: payload, Ref: &joinRef, JoinRef: &joinRef}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join channel: %w", err)
	}

	if err := t.awaitJoin(conn, topic, joinRef); err != nil {
		_ = conn.Close()
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	var closeOnce sync.Once
	sub := newSubscription(func() error {
		var err error
		closeOnce.Do(func() {
			cancel()
			err = conn.Close()
		})
		return err
	})

	go t.heartbeat(readCtx, c)
	go t.read(readCtx, conn, topic, sub)

	return sub, nil
}

// awaitJoin 等待 phx_reply
func (t *PhoenixTransport) awaitJoin(conn *websocket.Conn, topic, ref string) error {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.JoinTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}
		if msg.Topic != topic || msg.Event != phxReply || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply phxReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
		}
		return nil
	}
}

func (t *PhoenixTransport) heartbeat(ctx context.Context, c *phxConn) {
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ref := c.nextRef()
			if err := c.write(phxMessage{Topic: "phoenix", Event: phxHeartbeat, Payload: json.RawMessage("{}"), Ref: &ref}); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (t *PhoenixTransport) read(ctx context.Context, conn *websocket.Conn, topic string, sub *subscription) {
	var err error
	defer func() { sub.finish(err) }()

	for {
		var msg phxMessage
		if err = conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return
		}
		if msg.Topic != topic {
			continue
		}

		switch msg.Event {
		case phxError:
			err = fmt.Errorf("realtime channel error: %s", string(msg.Payload))
			return
		case phxClose:
			err = ErrChannelClosed
			return
		case pgChanges:
			var p pgChangePayload
			if jsonErr := json.Unmarshal(msg.Payload, &p); jsonErr != nil {
				continue
			}
			ch := backend.Change{
				Table:     p.Data.Table,
				Event:     p.Data.Type,
				Record:    p.Data.Record,
				OldRecord: p.Data.OldRecord,
			}
			if !sub.deliver(ctx, ch) {
				err = ctx.Err()
				return
			}
		}
	}
}

// phxConn 串行化写入
type phxConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	ref  atomic.Int64
}

func (c *phxConn) nextRef() string {
	return strconv.FormatInt(c.ref.Add(1), 10)
}

func (c *phxConn) write(msg phxMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}
