package access

import (
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/cache"
)

// DefaultTTL 缓存新鲜期
const DefaultTTL = 30 * time.Second

// Caches 一个管理会话内的资料与权限缓存，登出时整体丢弃
type Caches struct {
	Profiles    *cache.TTL[*backend.Profile]
	Permissions *cache.TTL[PermissionSet]
}

// NewCaches 创建缓存
func NewCaches(ttl time.Duration, opts ...cache.Option) *Caches {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Caches{
		Profiles:    cache.New[*backend.Profile](ttl, opts...),
		Permissions: cache.New[PermissionSet](ttl, opts...),
	}
}

// Invalidate 同时驱逐用户的资料与权限缓存
func (c *Caches) Invalidate(userID string) {
	c.Profiles.Delete(userID)
	c.Permissions.Delete(userID)
}

// Clear 清空全部缓存
func (c *Caches) Clear() {
	c.Profiles.Clear()
	c.Permissions.Clear()
}

// Close 释放缓存
func (c *Caches) Close() {
	c.Profiles.Close()
	c.Permissions.Close()
}
