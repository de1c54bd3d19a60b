package access

import (
	"context"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/metrics"
	"github.com/cmsadmin/pkg/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AuthFailureFunc 上游返回 401/403 时调用，负责强制登出
type AuthFailureFunc func(ctx context.Context)

// PermissionResolver 带缓存的权限编码查询
type PermissionResolver struct {
	backend       backend.Backend
	sessions      *session.Store
	caches        *Caches
	group         singleflight.Group
	onAuthFailure AuthFailureFunc
	log           *zap.Logger
}

// NewPermissionResolver 创建权限查询器
func NewPermissionResolver(b backend.Backend, sessions *session.Store, caches *Caches, onAuthFailure AuthFailureFunc) *PermissionResolver {
	return &PermissionResolver{
		backend:       b,
		sessions:      sessions,
		caches:        caches,
		onAuthFailure: onAuthFailure,
		log:           logger.Named("access.permission"),
	}
}

// Get 获取当前会话用户的权限集合，从不返回错误
//
// 上游失败时：401/403 强制登出并返回空集合；有任意年龄的缓存则返回缓存；否则返回空集合
func (r *PermissionResolver) Get(ctx context.Context) PermissionSet {
	sess := r.sessions.Get()
	if sess == nil {
		return PermissionSet{}
	}
	userID := sess.UserID

	if set, ok := r.caches.Permissions.Fresh(userID); ok {
		metrics.CacheLookups.WithLabelValues("permission", "hit").Inc()
		return set
	}
	metrics.CacheLookups.WithLabelValues("permission", "miss").Inc()

	stamp := r.caches.Permissions.Stamp(userID)
	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		codes, err := r.backend.FetchPermissionCodes(ctx, sess.AccessToken)
		if err != nil {
			return nil, err
		}
		set := NewPermissionSet(codes)
		if !r.caches.Permissions.SetIfCurrent(userID, stamp, set) {
			r.log.Debug("权限缓存已失效，丢弃迟到结果", zap.String("user_id", userID))
		}
		return set, nil
	})
	if err == nil {
		return v.(PermissionSet)
	}

	if errors.IsAuthFailure(err) {
		metrics.UpstreamFailures.WithLabelValues("permission", "auth").Inc()
		r.log.Warn("权限查询认证失败，强制登出", zap.String("user_id", userID), zap.Error(err))
		if r.onAuthFailure != nil {
			r.onAuthFailure(ctx)
		}
		return PermissionSet{}
	}

	metrics.UpstreamFailures.WithLabelValues("permission", "other").Inc()
	if set, ok := r.caches.Permissions.Stale(userID); ok {
		metrics.CacheLookups.WithLabelValues("permission", "stale").Inc()
		r.log.Warn("权限查询失败，使用缓存", zap.String("user_id", userID), zap.Error(err))
		return set
	}

	r.log.Error("权限查询失败", zap.String("user_id", userID), zap.Error(err))
	return PermissionSet{}
}
