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

// ProfileResolver 带缓存的用户资料查询
type ProfileResolver struct {
	backend  backend.Backend
	sessions *session.Store
	caches   *Caches
	group    singleflight.Group
	log      *zap.Logger
}

// NewProfileResolver 创建资料查询器
func NewProfileResolver(b backend.Backend, sessions *session.Store, caches *Caches) *ProfileResolver {
	return &ProfileResolver{
		backend:  b,
		sessions: sessions,
		caches:   caches,
		log:      logger.Named("access.profile"),
	}
}

// Get 获取用户资料
//
// 失败时返回 ErrProfileNotFound、认证失败原样返回，其余包装为 502；失败结果不缓存
func (r *ProfileResolver) Get(ctx context.Context, userID string) (*backend.Profile, error) {
	if p, ok := r.caches.Profiles.Fresh(userID); ok {
		metrics.CacheLookups.WithLabelValues("profile", "hit").Inc()
		cp := *p
		return &cp, nil
	}
	metrics.CacheLookups.WithLabelValues("profile", "miss").Inc()

	sess := r.sessions.Get()
	if sess == nil {
		return nil, errors.ErrUnauthenticated
	}

	stamp := r.caches.Profiles.Stamp(userID)
	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		p, err := r.backend.FetchProfile(ctx, sess.AccessToken, userID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, errors.ErrProfileNotFound
		}
		if !r.caches.Profiles.SetIfCurrent(userID, stamp, p) {
			r.log.Debug("资料缓存已失效，丢弃迟到结果", zap.String("user_id", userID))
		}
		return p, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrProfileNotFound), errors.IsNotFound(err):
			return nil, errors.ErrProfileNotFound
		case errors.IsAuthFailure(err):
			metrics.UpstreamFailures.WithLabelValues("profile", "auth").Inc()
			return nil, err
		default:
			metrics.UpstreamFailures.WithLabelValues("profile", "other").Inc()
			return nil, errors.Upstream(err, "获取用户资料失败")
		}
	}

	cp := *v.(*backend.Profile)
	return &cp, nil
}
