package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cmsadmin/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go-micro.dev/v5/registry"
	"go.uber.org/zap"
)

const (
	// Redis key 前缀，完整 key 为 registry:service:<name>:<node>
	servicePrefix = "registry:service:"
	// DefaultTTL 节点存活时间，心跳间隔为其三分之一
	DefaultTTL = 30 * time.Second
)

// RedisRegistry 基于 Redis 的服务注册中心，每个节点一个带过期时间的 key
type RedisRegistry struct {
	client *redis.Client
	log    *zap.Logger

	mu        sync.Mutex
	heartbeat map[string]context.CancelFunc // node key -> 心跳取消
}

// NewRedisRegistry 创建基于 Redis 的注册中心
func NewRedisRegistry(client *redis.Client) registry.Registry {
	return &RedisRegistry{
		client:    client,
		log:       logger.Named("registry"),
		heartbeat: make(map[string]context.CancelFunc),
	}
}

// Init 初始化
func (r *RedisRegistry) Init(opts ...registry.Option) error {
	return nil
}

// Options 获取选项
func (r *RedisRegistry) Options() registry.Options {
	return registry.Options{}
}

func nodeKey(service, node string) string {
	return servicePrefix + service + ":" + node
}

// Register 注册服务节点并启动心跳保活
func (r *RedisRegistry) Register(s *registry.Service, opts ...registry.RegisterOption) error {
	if s == nil || len(s.Nodes) == 0 {
		return fmt.Errorf("service or nodes cannot be empty")
	}

	var options registry.RegisterOptions
	for _, o := range opts {
		o(&options)
	}
	ttl := options.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ctx := context.Background()
	for _, node := range s.Nodes {
		entry := &registry.Service{
			Name:      s.Name,
			Version:   s.Version,
			Metadata:  s.Metadata,
			Endpoints: s.Endpoints,
			Nodes:     []*registry.Node{node},
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal service: %w", err)
		}

		key := nodeKey(s.Name, node.Id)
		if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("register node %s: %w", node.Id, err)
		}
		r.startHeartbeat(key, data, ttl)

		r.log.Debug("服务已注册",
			zap.String("key", key),
			zap.String("service", s.Name),
			zap.String("address", node.Address),
		)
	}
	return nil
}

// Deregister 注销服务节点
func (r *RedisRegistry) Deregister(s *registry.Service, opts ...registry.DeregisterOption) error {
	if s == nil {
		return fmt.Errorf("service cannot be nil")
	}

	keys := make([]string, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		key := nodeKey(s.Name, node.Id)
		r.stopHeartbeat(key)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(context.Background(), keys...).Err()
}

// GetService 获取服务及其全部存活节点
func (r *RedisRegistry) GetService(name string, opts ...registry.GetOption) ([]*registry.Service, error) {
	entries, err := r.load(context.Background(), servicePrefix+name+":*")
	if err != nil {
		return nil, err
	}

	var merged *registry.Service
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if merged == nil {
			merged = &registry.Service{Name: e.Name, Version: e.Version, Metadata: e.Metadata, Endpoints: e.Endpoints}
		}
		mergeNodes(merged, e.Nodes)
	}
	if merged == nil {
		return nil, registry.ErrNotFound
	}
	return []*registry.Service{merged}, nil
}

// ListServices 列出所有服务
func (r *RedisRegistry) ListServices(opts ...registry.ListOption) ([]*registry.Service, error) {
	entries, err := r.load(context.Background(), servicePrefix+"*")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	services := make([]*registry.Service, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		services = append(services, &registry.Service{Name: e.Name, Version: e.Version})
	}
	return services, nil
}

// load 扫描匹配的节点 key
func (r *RedisRegistry) load(ctx context.Context, pattern string) ([]*registry.Service, error) {
	var (
		cursor  uint64
		entries []*registry.Service
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan registry: %w", err)
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, servicePrefix) {
				continue
			}
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				// 扫描与读取之间过期
				continue
			}
			var svc registry.Service
			if err := json.Unmarshal(data, &svc); err != nil {
				r.log.Warn("服务信息反序列化失败", zap.String("key", key), zap.Error(err))
				continue
			}
			entries = append(entries, &svc)
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

// Watch 不支持变更通知
func (r *RedisRegistry) Watch(opts ...registry.WatchOption) (registry.Watcher, error) {
	return newStoppedWatcher(), nil
}

// String 返回注册中心名称
func (r *RedisRegistry) String() string {
	return KindRedis
}

// startHeartbeat 周期性续期节点 key
func (r *RedisRegistry) startHeartbeat(key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if prev, ok := r.heartbeat[key]; ok {
		prev()
	}
	r.heartbeat[key] = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil && ctx.Err() == nil {
					r.log.Warn("服务心跳失败", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
}

// stopHeartbeat 停止心跳
func (r *RedisRegistry) stopHeartbeat(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.heartbeat[key]; ok {
		cancel()
		delete(r.heartbeat, key)
	}
}
