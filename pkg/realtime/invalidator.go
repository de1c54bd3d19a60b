package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultBackoff 断线重连间隔
const DefaultBackoff = 5 * time.Second

// EventPermissionsUpdated 权限变更后发出的本地事件
const EventPermissionsUpdated = "permissions-updated"

// State 订阅状态
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Errored
)

// String 状态名
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "disconnected"
	}
}

// Evictor 缓存驱逐
type Evictor interface {
	Invalidate(userID string)
}

// Event 权限变更事件
type Event struct {
	Name   string         `json:"event"`
	UserID string         `json:"userId"`
	Change backend.Change `json:"change"`
}

// Handler 事件处理函数
type Handler func(Event)

// Invalidator 维护单个会话的实时订阅，收到相关通知时驱逐缓存
type Invalidator struct {
	transport Transport
	evictor   Evictor
	backoff   time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	state    State
	task     uint64
	userID   string
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[uint64]Handler
	nextID   uint64
}

// Option 选项
type Option func(*Invalidator)

// WithBackoff 设置重连间隔
func WithBackoff(d time.Duration) Option {
	return func(i *Invalidator) {
		if d > 0 {
			i.backoff = d
		}
	}
}

// NewInvalidator 创建失效器
func NewInvalidator(transport Transport, evictor Evictor, opts ...Option) *Invalidator {
	i := &Invalidator{
		transport: transport,
		evictor:   evictor,
		backoff:   DefaultBackoff,
		handlers:  make(map[uint64]Handler),
		log:       logger.Named("realtime"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// State 当前状态
func (i *Invalidator) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// OnPermissionsUpdated 注册事件处理，返回取消函数
func (i *Invalidator) OnPermissionsUpdated(h Handler) func() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.nextID++
	id := i.nextID
	i.handlers[id] = h
	return func() {
		i.mu.Lock()
		delete(i.handlers, id)
		i.mu.Unlock()
	}
}

// Ensure 确保存在该用户的订阅
//
// 同一用户已处于 Connecting 或 Connected 时不做任何事；等待重连中的任务会被替换
func (i *Invalidator) Ensure(userID, accessToken string) {
	i.mu.Lock()
	if i.userID == userID && (i.state == Connecting || i.state == Connected) {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	i.Restart(userID, accessToken)
}

// Restart 以新的凭证重建订阅
func (i *Invalidator) Restart(userID, accessToken string) {
	i.Stop()

	i.mu.Lock()
	defer i.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	i.task++
	i.userID = userID
	i.cancel = cancel
	i.done = make(chan struct{})
	i.setStateLocked(Connecting)

	go i.run(ctx, i.task, Target{UserID: userID, AccessToken: accessToken}, i.done)
}

// Stop 取消订阅及等待中的重连
func (i *Invalidator) Stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.task++
	i.userID = ""
	if i.state != Disconnected {
		i.setStateLocked(Disconnected)
	}
	i.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (i *Invalidator) setStateLocked(s State) {
	i.state = s
	metrics.RealtimeTransitions.WithLabelValues(s.String()).Inc()
}

// transition 仅当任务仍为当前任务时更新状态
func (i *Invalidator) transition(task uint64, s State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if task != i.task {
		return false
	}
	i.setStateLocked(s)
	return true
}

func (i *Invalidator) run(ctx context.Context, task uint64, target Target, done chan struct{}) {
	defer close(done)

	log := i.log.With(zap.String("user_id", target.UserID), zap.String("transport", i.transport.String()))

	for {
		if !i.transition(task, Connecting) {
			return
		}

		sub, err := i.transport.Subscribe(ctx, target)
		if err == nil {
			if !i.transition(task, Connected) {
				_ = sub.Close()
				return
			}
			log.Info("权限变更订阅已建立")
			err = i.consume(ctx, sub, target.UserID)
			_ = sub.Close()
		}

		if ctx.Err() != nil {
			return
		}

		if !i.transition(task, Errored) {
			return
		}
		log.Warn("权限变更订阅中断，稍后重连", zap.Error(err), zap.Duration("backoff", i.backoff))

		timer := time.NewTimer(i.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (i *Invalidator) consume(ctx context.Context, sub Subscription, userID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-sub.Changes():
			if !ok {
				return sub.Err()
			}
			if !Relevant(ch, userID) {
				continue
			}
			i.evictor.Invalidate(userID)
			metrics.RealtimeInvalidations.WithLabelValues(ch.Table).Inc()
			i.log.Debug("收到权限变更，缓存已失效",
				zap.String("user_id", userID),
				zap.String("table", ch.Table),
				zap.String("event", ch.Event),
			)
			i.emit(Event{Name: EventPermissionsUpdated, UserID: userID, Change: ch})
		}
	}
}

func (i *Invalidator) emit(ev Event) {
	i.mu.Lock()
	handlers := make([]Handler, 0, len(i.handlers))
	for _, h := range i.handlers {
		handlers = append(handlers, h)
	}
	i.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
