package registry

import (
	"fmt"

	"github.com/cmsadmin/pkg/config"
	"github.com/redis/go-redis/v9"
	"go-micro.dev/v5/registry"
)

// 注册中心类型
const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// 节点元数据键
const (
	MetaBackend  = "backend"
	MetaRealtime = "realtime"
	MetaVersion  = "version"
)

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string            // 服务名称
	Version  string            // 服务版本
	NodeID   string            // 节点ID
	Address  string            // 服务地址
	Metadata map[string]string // 节点元数据
}

// BuildService 构建服务注册信息
func BuildService(cfg *ServiceConfig) *registry.Service {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = cfg.Name + "-1"
	}

	meta := make(map[string]string, len(cfg.Metadata)+1)
	for k, v := range cfg.Metadata {
		meta[k] = v
	}
	meta[MetaVersion] = cfg.Version

	return &registry.Service{
		Name:    cfg.Name,
		Version: cfg.Version,
		Nodes: []*registry.Node{
			{
				Id:       nodeID,
				Address:  cfg.Address,
				Metadata: meta,
			},
		},
	}
}

// New 按配置创建注册中心，redis 类型需要客户端
func New(cfg *config.RegistryConfig, client *redis.Client) (registry.Registry, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemoryRegistry(), nil
	case KindRedis:
		if client == nil {
			return nil, fmt.Errorf("redis registry requires a redis client")
		}
		return NewRedisRegistry(client), nil
	default:
		return nil, fmt.Errorf("unsupported registry kind: %s", cfg.Kind)
	}
}

// mergeNodes 合并同名服务的节点，按节点ID去重
func mergeNodes(dst *registry.Service, nodes []*registry.Node) {
	for _, n := range nodes {
		replaced := false
		for i, existing := range dst.Nodes {
			if existing.Id == n.Id {
				dst.Nodes[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Nodes = append(dst.Nodes, n)
		}
	}
}

// stoppedWatcher 不产生事件，Stop 后 Next 返回 ErrWatcherStopped
type stoppedWatcher struct {
	exit chan struct{}
}

func newStoppedWatcher() *stoppedWatcher {
	return &stoppedWatcher{exit: make(chan struct{})}
}

func (w *stoppedWatcher) Next() (*registry.Result, error) {
	<-w.exit
	return nil, registry.ErrWatcherStopped
}

func (w *stoppedWatcher) Stop() {
	select {
	case <-w.exit:
	default:
		close(w.exit)
	}
}
