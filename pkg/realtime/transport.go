package realtime

import (
	"context"
	"errors"

	"github.com/cmsadmin/pkg/backend"
)

// ErrChannelClosed 通道被对端关闭
var ErrChannelClosed = errors.New("realtime: channel closed")

// Target 订阅目标
type Target struct {
	UserID      string
	AccessToken string
}

// Subscription 一次成功建立的订阅
type Subscription interface {
	// Changes 变更通知，通道失败或关闭时关闭
	Changes() <-chan backend.Change
	// Err Changes 关闭后的原因
	Err() error
	Close() error
}

// Transport 建立订阅，返回时订阅已被服务端确认
type Transport interface {
	Subscribe(ctx context.Context, target Target) (Subscription, error)
	String() string
}

// Relevant 通知是否影响该用户的权限
//
// 权限分配表的任何事件都相关；资料表仅当前用户的 UPDATE 相关
func Relevant(ch backend.Change, userID string) bool {
	switch ch.Table {
	case backend.TableRolePermissions:
		return true
	case backend.TableProfiles:
		return ch.Event == backend.EventUpdate && userID != "" && ch.RecordID() == userID
	default:
		return false
	}
}

// subscription 各传输共用的订阅实现
type subscription struct {
	changes chan backend.Change
	done    chan struct{}
	err     error
	closeFn func() error
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{
		changes: make(chan backend.Change, 16),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *subscription) Changes() <-chan backend.Change { return s.changes }

func (s *subscription) Err() error {
	<-s.done
	return s.err
}

func (s *subscription) Close() error { return s.closeFn() }

// deliver 投递通知，订阅关闭时放弃
func (s *subscription) deliver(ctx context.Context, ch backend.Change) bool {
	select {
	case s.changes <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish 读循环退出时调用一次
func (s *subscription) finish(err error) {
	if err == nil {
		err = ErrChannelClosed
	}
	s.err = err
	close(s.done)
	close(s.changes)
}
