package lifecycle

import (
	"time"

	pkgRegistry "github.com/cmsadmin/pkg/registry"
	"github.com/gofiber/fiber/v2"
	"go-micro.dev/v5/registry"
)

// Builder 服务构建器 - 链式调用创建服务
type Builder struct {
	opts    *ServiceOptions
	app     *fiber.App
	meta    map[string]string
	version string
	onStart []Hook
	onReady []Hook
	onStop  []Hook
}

// NewBuilder 创建服务构建器
func NewBuilder(name string) *Builder {
	return &Builder{
		opts: &ServiceOptions{
			Name:   name,
			NodeID: name + "-1",
		},
		version: "v1.0.0",
	}
}

// WithNodeID 设置节点ID
func (b *Builder) WithNodeID(nodeID string) *Builder {
	if nodeID != "" {
		b.opts.NodeID = nodeID
	}
	return b
}

// WithVersion 设置注册的版本
func (b *Builder) WithVersion(version string) *Builder {
	if version != "" {
		b.version = version
	}
	return b
}

// WithAddress 设置服务地址
func (b *Builder) WithAddress(addr string) *Builder {
	b.opts.Address = addr
	return b
}

// WithRegistry 设置服务注册中心
func (b *Builder) WithRegistry(reg registry.Registry) *Builder {
	b.opts.Registry = reg
	return b
}

// WithMetadata 节点元数据
func (b *Builder) WithMetadata(key, value string) *Builder {
	if b.meta == nil {
		b.meta = make(map[string]string)
	}
	b.meta[key] = value
	return b
}

// WithShutdownTimeout 设置优雅关闭等待时间
func (b *Builder) WithShutdownTimeout(d time.Duration) *Builder {
	b.opts.ShutdownTimeout = d
	return b
}

// WithApp 设置Fiber应用
func (b *Builder) WithApp(app *fiber.App) *Builder {
	b.app = app
	return b
}

// OnStart 添加启动钩子
func (b *Builder) OnStart(fn Hook) *Builder {
	b.onStart = append(b.onStart, fn)
	return b
}

// OnReady 添加就绪钩子
func (b *Builder) OnReady(fn Hook) *Builder {
	b.onReady = append(b.onReady, fn)
	return b
}

// OnStop 添加停止钩子
func (b *Builder) OnStop(fn Hook) *Builder {
	b.onStop = append(b.onStop, fn)
	return b
}

// Build 构建服务，设置了注册中心时自动生成注册信息
func (b *Builder) Build() *Service {
	if b.opts.Registry != nil && b.opts.Service == nil && b.opts.Name != "" {
		b.opts.Service = pkgRegistry.BuildService(&pkgRegistry.ServiceConfig{
			Name:     b.opts.Name,
			Version:  b.version,
			NodeID:   b.opts.NodeID,
			Address:  b.opts.Address,
			Metadata: b.meta,
		})
	}

	svc := NewService(b.opts)
	if b.app != nil {
		svc.SetApp(b.app)
	}
	for _, fn := range b.onStart {
		svc.OnStart(fn)
	}
	for _, fn := range b.onReady {
		svc.OnReady(fn)
	}
	for _, fn := range b.onStop {
		svc.OnStop(fn)
	}
	return svc
}
