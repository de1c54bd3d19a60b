package session

import (
	"sync"
	"time"

	"github.com/cmsadmin/pkg/backend"
)

// Store 管理会话的当前认证会话
type Store struct {
	mu   sync.RWMutex
	sess *backend.Session
	now  func() time.Time
}

// NewStore 创建会话存储
func NewStore() *Store {
	return &Store{now: time.Now}
}

// NewStoreWithClock 使用指定时钟创建会话存储
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

// Get 获取有效会话，无会话、令牌为空或已过期时返回 nil
func (s *Store) Get() *backend.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sess == nil || s.sess.AccessToken == "" || s.sess.Expired(s.now()) {
		return nil
	}
	cp := *s.sess
	return &cp
}

// Peek 获取原始会话（可能已过期）
func (s *Store) Peek() *backend.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sess == nil {
		return nil
	}
	cp := *s.sess
	return &cp
}

// Expired 持有的会话是否已过期
func (s *Store) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess != nil && s.sess.Expired(s.now())
}

// UserID 当前有效会话的用户ID
func (s *Store) UserID() string {
	if sess := s.Get(); sess != nil {
		return sess.UserID
	}
	return ""
}

// Set 登录或刷新后写入会话
func (s *Store) Set(sess *backend.Session) {
	var cp *backend.Session
	if sess != nil {
		v := *sess
		cp = &v
	}

	s.mu.Lock()
	s.sess = cp
	s.mu.Unlock()
}

// Replace 刷新令牌后替换会话
func (s *Store) Replace(sess *backend.Session) {
	s.Set(sess)
}

// Clear 登出时清空
func (s *Store) Clear() {
	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()
}
