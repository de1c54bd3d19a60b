package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cmsadmin/pkg/auth"
	"github.com/cmsadmin/pkg/baas"
	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/config"
	"github.com/cmsadmin/pkg/database"
	"github.com/cmsadmin/pkg/lifecycle"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/menu"
	"github.com/cmsadmin/pkg/middleware"
	"github.com/cmsadmin/pkg/realtime"
	pkgRegistry "github.com/cmsadmin/pkg/registry"
	"github.com/cmsadmin/pkg/store"
	"github.com/cmsadmin/services/gateway/internal/gateway"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "cms-admin-gateway"

// 登录限流：每秒补充 5 个令牌，突发 10 次
const (
	loginRate  = 5
	loginBurst = 10
)

// resources 进程级资源，退出时释放
type resources struct {
	redis *redis.Client
	mini  *miniredis.Miniredis
	db    *gorm.DB
	store *store.Store
}

func (r *resources) close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.mini != nil {
		r.mini.Close()
	}
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// 初始化日志
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatal("服务运行失败", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	res := &resources{}

	// redis 同时服务注册中心与 redis 实时通道
	if cfg.Registry.Kind == pkgRegistry.KindRedis || cfg.Realtime.Driver == config.RealtimeRedis {
		client, mini, err := database.OpenRedis(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
		res.redis, res.mini = client, mini
		logger.Info("Redis 已连接", zap.String("mode", cfg.Redis.Mode))
	}

	b, err := openBackend(cfg, res)
	if err != nil {
		res.close()
		return err
	}

	sections, err := loadSections(cfg.Menu.SectionsFile)
	if err != nil {
		res.close()
		return err
	}
	builder := menu.NewBuilder(sections)
	transport := newTransport(cfg, res.redis)

	factory := func(extra ...auth.ProviderOption) *auth.Provider {
		opts := []auth.ProviderOption{
			auth.WithCacheTTL(cfg.Access.CacheTTL),
			auth.WithMenuBuilder(builder),
		}
		if transport != nil {
			opts = append(opts, auth.WithTransport(transport, cfg.Realtime.ReconnectDelay))
		}
		return auth.NewProvider(b, append(opts, extra...)...)
	}
	sessions := gateway.NewSessions(factory, gateway.DefaultIdleTimeout)
	limiter := middleware.NewRateLimiter(loginRate, loginBurst)

	reg, err := pkgRegistry.New(&cfg.Registry, res.redis)
	if err != nil {
		limiter.Stop()
		res.close()
		return err
	}

	version := cfg.App.Version
	var svc *lifecycle.Service
	app := gateway.NewServer(gateway.Options{
		Name:         serviceName,
		Version:      version,
		Backend:      cfg.Backend.Mode,
		Sessions:     sessions,
		Store:        res.store,
		LoginLimiter: limiter,
		AllowOrigins: cfg.Server.AllowOrigins,
		SecureCookie: !config.IsDev(),
		ReadTimeout:  time.Duration(cfg.Server.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.HTTP.WriteTimeout) * time.Second,
		Health: func() string {
			if svc == nil {
				return string(lifecycle.StateCreated)
			}
			return string(svc.State())
		},
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	transportName := config.RealtimeNone
	if transport != nil {
		transportName = transport.String()
	}

	svc = lifecycle.NewBuilder(serviceName).
		WithVersion(version).
		WithAddress(cfg.Server.HTTP.Addr()).
		WithRegistry(reg).
		WithMetadata(pkgRegistry.MetaBackend, cfg.Backend.Mode).
		WithMetadata(pkgRegistry.MetaRealtime, transportName).
		WithApp(app).
		OnReady(func(ctx context.Context) error {
			go sessions.Run(sweepCtx, cfg.Server.SessionSweep)
			if res.store != nil {
				go purgeRevoked(sweepCtx, res.store, cfg.Server.SessionSweep)
			}
			logger.Info("管理网关已就绪",
				zap.String("addr", cfg.Server.HTTP.Addr()),
				zap.String("backend", cfg.Backend.Mode),
				zap.String("realtime", transportName),
			)
			return nil
		}).
		OnStop(func(ctx context.Context) error {
			stopSweep()
			sessions.CloseAll()
			limiter.Stop()
			res.close()
			logger.Info("管理网关资源已释放")
			return nil
		}).
		Build()

	return svc.Run(context.Background())
}

// openBackend 按模式创建后端，自建模式下执行迁移并写入初始管理员
func openBackend(cfg *config.Config, res *resources) (backend.Backend, error) {
	switch cfg.Backend.Mode {
	case config.BackendBaaS, "":
		if cfg.BaaS.URL == "" {
			return nil, fmt.Errorf("baas.url 未配置")
		}
		return baas.New(&cfg.BaaS), nil

	case config.BackendStore:
		db, err := database.Open(&cfg.Database)
		if err != nil {
			return nil, err
		}
		res.db = db

		opts := []store.Option{store.WithNotifyChannel(cfg.Realtime.Channel)}
		if cfg.Realtime.Driver == config.RealtimeRedis && res.redis != nil {
			client, channel := res.redis, cfg.Realtime.Channel
			opts = append(opts, store.WithNotifier(func(ctx context.Context, ch backend.Change) error {
				return realtime.Publish(ctx, client, channel, ch)
			}))
		}

		st, err := store.New(db, auth.NewJWTManager(&cfg.JWT), opts...)
		if err != nil {
			return nil, err
		}
		ctx := context.Background()
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		if err := st.SeedAdmin(ctx, cfg.Backend.SeedAdminEmail, cfg.Backend.SeedAdminPassword); err != nil {
			return nil, fmt.Errorf("写入初始管理员失败: %w", err)
		}
		res.store = st
		return st, nil

	default:
		return nil, fmt.Errorf("unsupported backend mode: %s", cfg.Backend.Mode)
	}
}

// newTransport 实时通道，none 或依赖缺失时返回 nil
func newTransport(cfg *config.Config, client *redis.Client) realtime.Transport {
	rt := cfg.Realtime
	switch rt.Driver {
	case config.RealtimePhoenix:
		if cfg.Backend.Mode == config.BackendStore {
			logger.Warn("自建模式不支持 phoenix 实时通道，已禁用")
			return nil
		}
		return realtime.NewPhoenixTransport(realtime.PhoenixConfig{
			BaseURL:     cfg.BaaS.URL,
			APIKey:      cfg.BaaS.AnonKey,
			Channel:     rt.Channel,
			Heartbeat:   rt.Heartbeat,
			JoinTimeout: rt.JoinTimeout,
		})
	case config.RealtimeRedis:
		if client == nil {
			return nil
		}
		return realtime.NewRedisTransport(client, rt.Channel)
	case config.RealtimePostgres:
		return realtime.NewPostgresTransport(cfg.Database.PostgresURL(), rt.Channel)
	default:
		return nil
	}
}

// loadSections 读取栏目配置，未配置时使用内置栏目
func loadSections(path string) ([]menu.Section, error) {
	if path == "" {
		return menu.DefaultSections(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warn("栏目配置不存在，使用内置栏目", zap.String("path", path))
		return menu.DefaultSections(), nil
	}
	sections, err := menu.LoadSections(path)
	if err != nil {
		return nil, fmt.Errorf("加载栏目配置失败: %w", err)
	}
	return sections, nil
}

// purgeRevoked 定期清理过期的令牌注销记录
func purgeRevoked(ctx context.Context, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := st.PurgeRevoked(ctx, now); err != nil {
				logger.Warn("清理注销记录失败", zap.Error(err))
			} else if n > 0 {
				logger.Debug("已清理注销记录", zap.Int64("count", n))
			}
		}
	}
}
