package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cmsadmin/pkg/auth"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout 会话闲置超时
	DefaultIdleTimeout = 2 * time.Hour
	// anonymousGrace 未登录会话的保留时间
	anonymousGrace = 5 * time.Minute
)

// ProviderFactory 为新会话创建认证提供者，opts 由会话表追加
type ProviderFactory func(opts ...auth.ProviderOption) *auth.Provider

type sessionEntry struct {
	provider *auth.Provider
	lastSeen time.Time
}

// Sessions 会话ID到认证提供者的映射
type Sessions struct {
	factory ProviderFactory
	idle    time.Duration
	now     func() time.Time
	log     *zap.Logger

	mu    sync.Mutex
	items map[string]*sessionEntry
}

// NewSessions 创建会话表
func NewSessions(factory ProviderFactory, idle time.Duration) *Sessions {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sessions{
		factory: factory,
		idle:    idle,
		now:     time.Now,
		log:     logger.Named("sessions"),
		items:   make(map[string]*sessionEntry),
	}
}

// Create 新建会话，会话被强制登出后自动移除
func (s *Sessions) Create() (string, *auth.Provider) {
	id := uuid.NewString()
	p := s.factory(auth.WithSignOutHook(func(userID string) {
		// 钩子可能在实时任务中触发，Close 会等待该任务退出
		go s.Remove(id)
		s.log.Info("强制登出，移除会话", zap.String("user_id", userID))
	}))

	s.mu.Lock()
	s.items[id] = &sessionEntry{provider: p, lastSeen: s.now()}
	n := len(s.items)
	s.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	return id, p
}

// Resolve 查找会话并刷新活跃时间
func (s *Sessions) Resolve(id string) *auth.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil
	}
	e.lastSeen = s.now()
	return e.provider
}

// Remove 移除会话并释放资源
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	e, ok := s.items[id]
	delete(s.items, id)
	n := len(s.items)
	s.mu.Unlock()

	if ok {
		e.provider.Close()
		metrics.ActiveSessions.Set(float64(n))
	}
}

// Len 会话数
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep 清理闲置或已失去登录态的会话，返回清理数量
func (s *Sessions) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var dead []*sessionEntry
	for id, e := range s.items {
		idle := now.Sub(e.lastSeen)
		anonymous := e.provider.Sessions().Peek() == nil
		if idle > s.idle || (anonymous && idle > anonymousGrace) {
			dead = append(dead, e)
			delete(s.items, id)
		}
	}
	n := len(s.items)
	s.mu.Unlock()

	// Close 会等待实时任务退出，不能持锁
	for _, e := range dead {
		e.provider.Close()
	}
	if len(dead) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		s.log.Info("已清理闲置会话", zap.Int("count", len(dead)), zap.Int("remaining", n))
	}
	return len(dead)
}

// Run 周期性清理，ctx 结束时返回
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// CloseAll 关闭全部会话，进程退出时调用
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	items := s.items
	s.items = make(map[string]*sessionEntry)
	s.mu.Unlock()

	for _, e := range items {
		e.provider.Close()
	}
	metrics.ActiveSessions.Set(0)
}
