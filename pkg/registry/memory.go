package registry

import (
	"sync"

	"go-micro.dev/v5/registry"
)

// MemoryRegistry 进程内注册中心，单实例部署使用
type MemoryRegistry struct {
	services map[string]*registry.Service
	mu       sync.RWMutex
}

// NewMemoryRegistry 创建内存注册中心
func NewMemoryRegistry() registry.Registry {
	return &MemoryRegistry{
		services: make(map[string]*registry.Service),
	}
}

// Init 初始化
func (r *MemoryRegistry) Init(opts ...registry.Option) error {
	return nil
}

// Options 获取选项
func (r *MemoryRegistry) Options() registry.Options {
	return registry.Options{}
}

// Register 注册服务节点
func (r *MemoryRegistry) Register(s *registry.Service, opts ...registry.RegisterOption) error {
	if s == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.services[s.Name]
	if !ok {
		existing = &registry.Service{Name: s.Name, Version: s.Version, Metadata: s.Metadata, Endpoints: s.Endpoints}
		r.services[s.Name] = existing
	}
	mergeNodes(existing, s.Nodes)
	return nil
}

// Deregister 注销服务节点，节点全部注销后移除服务
func (r *MemoryRegistry) Deregister(s *registry.Service, opts ...registry.DeregisterOption) error {
	if s == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.services[s.Name]
	if !ok {
		return nil
	}
	remove := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		remove[n.Id] = struct{}{}
	}
	kept := existing.Nodes[:0]
	for _, n := range existing.Nodes {
		if _, drop := remove[n.Id]; !drop {
			kept = append(kept, n)
		}
	}
	existing.Nodes = kept
	if len(existing.Nodes) == 0 {
		delete(r.services, s.Name)
	}
	return nil
}

// GetService 获取服务
func (r *MemoryRegistry) GetService(name string, opts ...registry.GetOption) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.services[name]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *s
	cp.Nodes = append([]*registry.Node(nil), s.Nodes...)
	return []*registry.Service{&cp}, nil
}

// ListServices 列出所有服务
func (r *MemoryRegistry) ListServices(opts ...registry.ListOption) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*registry.Service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, &registry.Service{Name: s.Name, Version: s.Version})
	}
	return services, nil
}

// Watch 不支持变更通知
func (r *MemoryRegistry) Watch(opts ...registry.WatchOption) (registry.Watcher, error) {
	return newStoppedWatcher(), nil
}

// String 返回注册中心名称
func (r *MemoryRegistry) String() string {
	return KindMemory
}
