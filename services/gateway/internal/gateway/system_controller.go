package gateway

import (
	"github.com/cmsadmin/pkg/metrics"
	"github.com/cmsadmin/pkg/response"
	"github.com/cmsadmin/pkg/router"
	"github.com/gofiber/fiber/v2"
)

// SystemController 健康检查与指标
type SystemController struct {
	opts Options
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Backend  string `json:"backend"`
	Sessions int    `json:"sessions"`
}

// Prefix 路由前缀
func (ctl *SystemController) Prefix() string { return "" }

// Routes 路由
func (ctl *SystemController) Routes(router.Middlewares) []router.Route {
	metricsHandler := metrics.Handler()
	return []router.Route{
		{Method: fiber.MethodGet, Path: "/health", Handler: ctl.health},
		{Method: fiber.MethodGet, Path: "/metrics", Handler: func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		}},
	}
}

func (ctl *SystemController) health(c *fiber.Ctx) error {
	status := "ok"
	if ctl.opts.Health != nil {
		status = ctl.opts.Health()
	}
	return response.Success(c, HealthStatus{
		Status:   status,
		Version:  ctl.opts.Version,
		Backend:  ctl.opts.Backend,
		Sessions: ctl.opts.Sessions.Len(),
	})
}
