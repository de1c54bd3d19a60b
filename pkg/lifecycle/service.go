package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cmsadmin/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"go-micro.dev/v5/registry"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout 优雅关闭等待时间
const DefaultShutdownTimeout = 10 * time.Second

// State 服务状态
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Hook 生命周期钩子
type Hook func(ctx context.Context) error

// ServiceOptions 服务配置选项
type ServiceOptions struct {
	Name            string            // 服务名称
	NodeID          string            // 节点ID
	Address         string            // 服务地址
	Registry        registry.Registry // 服务注册中心
	Service         *registry.Service // 服务注册信息
	ShutdownTimeout time.Duration
}

// Service 服务包装器：启动钩子、注册、监听、就绪钩子、信号退出、优雅关闭
type Service struct {
	opts *ServiceOptions
	app  *fiber.App
	log  *zap.Logger

	onStart []Hook
	onReady []Hook
	onStop  []Hook

	mu       sync.RWMutex
	state    State
	listener net.Listener
	stopOnce sync.Once
}

// NewService 创建服务
func NewService(opts *ServiceOptions) *Service {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Service{
		opts:  opts,
		log:   logger.Named("lifecycle").With(zap.String("service", opts.Name)),
		state: StateCreated,
	}
}

// SetApp 设置Fiber应用
func (s *Service) SetApp(app *fiber.App) {
	s.app = app
}

// OnStart 注册启动钩子，监听端口之前执行
func (s *Service) OnStart(fn Hook) {
	s.onStart = append(s.onStart, fn)
}

// OnReady 注册就绪钩子，端口已监听后执行
func (s *Service) OnReady(fn Hook) {
	s.onReady = append(s.onReady, fn)
}

// OnStop 注册停止钩子
func (s *Service) OnStop(fn Hook) {
	s.onStop = append(s.onStop, fn)
}

// State 当前状态
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Addr 实际监听地址，未监听时为空
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("服务状态变更", zap.String("state", string(st)))
}

// Run 运行服务，直到 ctx 结束或收到 SIGINT/SIGTERM
func (s *Service) Run(ctx context.Context) error {
	if s.app == nil {
		return fmt.Errorf("fiber app not set")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.setState(StateStarting)
	for _, fn := range s.onStart {
		if err := fn(ctx); err != nil {
			s.setState(StateStopped)
			return fmt.Errorf("start hook: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("listen %s: %w", s.opts.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.Listener(ln); err != nil {
			errCh <- err
		}
	}()

	if s.opts.Registry != nil && s.opts.Service != nil {
		if err := s.opts.Registry.Register(s.opts.Service); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("register service: %w", err)
		}
	}

	for _, fn := range s.onReady {
		if err := fn(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("ready hook: %w", err)
		}
	}

	s.setState(StateReady)
	s.log.Info("服务启动", zap.String("address", ln.Addr().String()))

	select {
	case <-ctx.Done():
		s.log.Info("收到退出信号，正在关闭服务...")
	case err := <-errCh:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown 优雅关闭服务，可重复调用
func (s *Service) Shutdown() error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		s.setState(StateStopping)

		// 先注销，避免新流量进入
		if s.opts.Registry != nil && s.opts.Service != nil {
			if err := s.opts.Registry.Deregister(s.opts.Service); err != nil {
				s.log.Error("注销服务失败", zap.Error(err))
			}
		}

		if s.app != nil && s.Addr() != "" {
			if err := s.app.ShutdownWithTimeout(s.opts.ShutdownTimeout); err != nil {
				s.log.Error("关闭HTTP服务失败", zap.Error(err))
				shutdownErr = err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		for _, fn := range s.onStop {
			if err := fn(ctx); err != nil {
				s.log.Error("停止钩子执行失败", zap.Error(err))
			}
		}

		s.setState(StateStopped)
		s.log.Info("服务已关闭")
	})
	return shutdownErr
}
