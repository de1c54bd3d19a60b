package middleware

import (
	"sync"
	"time"

	"github.com/cmsadmin/pkg/access"
	"github.com/cmsadmin/pkg/auth"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/response"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 会话标识的请求头与 Cookie 名
const (
	SessionHeader = "X-Session-ID"
	SessionCookie = "cms_session"
	RequestHeader = "X-Request-ID"
)

const (
	localProvider  = "provider"
	localSessionID = "sessionId"
	localRequestID = "requestId"
)

// SessionResolver 按会话ID查找认证提供者，不存在时返回 nil
type SessionResolver interface {
	Resolve(sessionID string) *auth.Provider
}

// Session 解析会话，只写入上下文，不拒绝请求
func Session(resolver SessionResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(SessionHeader)
		if id == "" {
			id = c.Cookies(SessionCookie)
		}
		if id != "" {
			if p := resolver.Resolve(id); p != nil {
				c.Locals(localSessionID, id)
				c.Locals(localProvider, p)
			}
		}
		return c.Next()
	}
}

// RequireAuth 要求已登录会话
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := GetProvider(c)
		if p == nil || p.UserID() == "" {
			return response.Unauthorized(c, errors.ErrUnauthenticated.Message)
		}
		return c.Next()
	}
}

// RequireAccess 按访问控制判定拦截，拒绝原因原样返回
func RequireAccess(action, resource string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := GetProvider(c)
		if p == nil {
			return response.Unauthorized(c, errors.ErrUnauthenticated.Message)
		}
		decision := p.Can(c.UserContext(), access.CanRequest{
			Action:   action,
			Resource: access.ByName(resource),
		})
		if !decision.Allowed {
			if decision.Reason == access.ReasonUnauthenticated {
				return response.Unauthorized(c, decision.Reason)
			}
			return response.Forbidden(c, decision.Reason)
		}
		return c.Next()
	}
}

// Recovery 恢复中间件
func Recovery() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("path", c.Path()),
					zap.String("method", c.Method()),
					zap.String("request_id", GetRequestID(c)),
				)
				err = response.ServerError(c, errors.ErrInternalServer.Message)
			}
		}()
		return c.Next()
	}
}

// Cors 跨域中间件，allowOrigins 为空时回显请求来源
func Cors(allowOrigins ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[o] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				c.Set("Access-Control-Allow-Origin", origin)
				c.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
				c.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+SessionHeader+", "+RequestHeader)
				c.Set("Access-Control-Expose-Headers", SessionHeader+", "+RequestHeader)
				c.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// RequestID 请求ID中间件
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals(localRequestID, requestID)
		c.Set(RequestHeader, requestID)
		return c.Next()
	}
}

// AccessLog 请求日志
func AccessLog() fiber.Handler {
	log := logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", GetRequestID(c)),
		}
		if p := GetProvider(c); p != nil {
			fields = append(fields, zap.String("user_id", p.UserID()))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Debug("请求完成", fields...)
		return err
	}
}

// RateLimiter 令牌桶限流
type RateLimiter struct {
	tokens chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// NewRateLimiter 创建限流器，rate 为每秒补充的令牌数
func NewRateLimiter(rate, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	rl := &RateLimiter{
		tokens: make(chan struct{}, burst),
		stop:   make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		rl.tokens <- struct{}{}
	}
	go rl.refill(time.Second / time.Duration(rate))
	return rl
}

func (rl *RateLimiter) refill(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Stop 停止补充令牌
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware 限流中间件
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		select {
		case <-rl.tokens:
			return c.Next()
		default:
			return c.Status(fiber.StatusTooManyRequests).JSON(response.Response{
				Code:    fiber.StatusTooManyRequests,
				Message: "请求过于频繁，请稍后重试",
			})
		}
	}
}

// ErrorHandler fiber 统一错误处理
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(response.Response{Code: fe.Code, Message: fe.Message})
	}
	if errors.GetCode(err) >= 500 {
		logger.Error("请求处理失败",
			zap.String("path", c.Path()),
			zap.String("request_id", GetRequestID(c)),
			zap.Error(err),
		)
	}
	return response.FromError(c, err)
}

// GetProvider 从上下文获取认证提供者
func GetProvider(c *fiber.Ctx) *auth.Provider {
	p, _ := c.Locals(localProvider).(*auth.Provider)
	return p
}

// GetSessionID 从上下文获取会话ID
func GetSessionID(c *fiber.Ctx) string {
	id, _ := c.Locals(localSessionID).(string)
	return id
}

// GetRequestID 从上下文获取请求ID
func GetRequestID(c *fiber.Ctx) string {
	id, _ := c.Locals(localRequestID).(string)
	return id
}
