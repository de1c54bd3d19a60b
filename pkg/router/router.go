package router

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Route 路由配置
type Route struct {
	Method      string          // HTTP方法
	Path        string          // 路径(相对路径或以/开头的绝对路径)
	Handler     fiber.Handler   // 处理函数
	Middlewares []fiber.Handler // 路由级中间件
}

// Middlewares 命名中间件，如 "session"、"store"
type Middlewares map[string]fiber.Handler

// With 按名称取中间件，未注册的名称被忽略
func (m Middlewares) With(names ...string) []fiber.Handler {
	handlers := make([]fiber.Handler, 0, len(names))
	for _, name := range names {
		if h, ok := m[name]; ok && h != nil {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// Registrar 路由注册器接口
type Registrar interface {
	// Prefix 返回路由前缀
	Prefix() string
	// Routes 返回路由配置列表
	Routes(middlewares Middlewares) []Route
}

// Register 注册控制器路由
func Register(app fiber.Router, middlewares Middlewares, controllers ...Registrar) {
	for _, ctrl := range controllers {
		prefix := ctrl.Prefix()
		g := app.Group(prefix)

		for _, route := range ctrl.Routes(middlewares) {
			handlers := buildHandlers(route)
			if prefix != "" && strings.HasPrefix(route.Path, "/") && !strings.HasPrefix(route.Path, prefix) {
				// 绝对路径,直接注册到app
				app.Add(route.Method, route.Path, handlers...)
				continue
			}
			g.Add(route.Method, route.Path, handlers...)
		}
	}
}

// buildHandlers 构建处理器链(中间件 + 处理函数)
func buildHandlers(route Route) []fiber.Handler {
	handlers := make([]fiber.Handler, 0, len(route.Middlewares)+1)
	handlers = append(handlers, route.Middlewares...)
	return append(handlers, route.Handler)
}
