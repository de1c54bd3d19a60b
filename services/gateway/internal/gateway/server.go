// Package gateway 后台权限网关的 HTTP 接口
package gateway

import (
	"time"

	"github.com/cmsadmin/pkg/middleware"
	"github.com/cmsadmin/pkg/router"
	"github.com/cmsadmin/pkg/store"
	"github.com/gofiber/fiber/v2"
)

// Options 网关依赖
type Options struct {
	Name         string
	Version      string
	Backend      string
	Sessions     *Sessions
	Store        *store.Store // 仅自建模式
	Health       func() string
	LoginLimiter *middleware.RateLimiter
	AllowOrigins []string
	SecureCookie bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer 组装 fiber 应用
func NewServer(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               opts.Name,
		ErrorHandler:          middleware.ErrorHandler,
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
	})

	app.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Cors(opts.AllowOrigins...),
		middleware.Session(opts.Sessions),
		middleware.AccessLog(),
	)

	mws := router.Middlewares{
		"auth": middleware.RequireAuth(),
	}
	if opts.LoginLimiter != nil {
		mws["login"] = opts.LoginLimiter.Middleware()
	}

	controllers := []router.Registrar{
		&SystemController{opts: opts},
		&AuthController{sessions: opts.Sessions, secureCookie: opts.SecureCookie},
		&AccessController{keepalive: defaultKeepalive},
	}
	if opts.Store != nil {
		controllers = append(controllers, &RBACController{store: opts.Store})
	}
	router.Register(app, mws, controllers...)

	return app
}
