package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmsadmin/pkg/access"
	"github.com/cmsadmin/pkg/middleware"
	"github.com/cmsadmin/pkg/realtime"
	"github.com/cmsadmin/pkg/response"
	"github.com/cmsadmin/pkg/router"
	"github.com/gofiber/fiber/v2"
)

const defaultKeepalive = 15 * time.Second

// AccessController 访问判定、菜单、权限变更事件流
type AccessController struct {
	keepalive time.Duration
}

// Prefix 路由前缀
func (ctl *AccessController) Prefix() string { return "" }

// Routes 路由
func (ctl *AccessController) Routes(mws router.Middlewares) []router.Route {
	return []router.Route{
		{Method: fiber.MethodPost, Path: "/access/can", Handler: ctl.can},
		{Method: fiber.MethodGet, Path: "/menu/resources", Handler: ctl.menu, Middlewares: mws.With("auth")},
		{Method: fiber.MethodGet, Path: "/events", Handler: ctl.events, Middlewares: mws.With("auth")},
	}
}

// can 未认证时同样返回判定结果，不报错
func (ctl *AccessController) can(c *fiber.Ctx) error {
	var req access.CanRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "请求参数错误")
	}

	p := middleware.GetProvider(c)
	if p == nil {
		return response.Success(c, access.Deny(access.ReasonUnauthenticated))
	}
	return response.Success(c, p.Can(c.UserContext(), req))
}

func (ctl *AccessController) menu(c *fiber.Ctx) error {
	return response.Success(c, middleware.GetProvider(c).Menu(c.UserContext()))
}

// events 以 SSE 推送 permissions-updated，会话登出后结束
func (ctl *AccessController) events(c *fiber.Ctx) error {
	p := middleware.GetProvider(c)

	ch := make(chan realtime.Event, 16)
	cancel := p.OnPermissionsUpdated(func(ev realtime.Event) {
		select {
		case ch <- ev:
		default:
		}
	})

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	keepalive := ctl.keepalive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		alive := func() bool { return p.UserID() != "" }
		_ = writeEvents(w, ch, keepalive, alive)
	})
	return nil
}

// writeEvents 写出事件直到通道关闭、写失败或 alive 返回 false
func writeEvents(w *bufio.Writer, events <-chan realtime.Event, keepalive time.Duration, alive func() bool) error {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	// 首个注释让客户端立即收到响应头
	if _, err := fmt.Fprint(w, ":connected\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: %s\n", ev.Name)
			fmt.Fprintf(w, "data: %s\n\n", data)
		case <-ticker.C:
			if !alive() {
				return nil
			}
			fmt.Fprint(w, ":keepalive\n\n")
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
