package gateway

import (
	"time"

	"github.com/cmsadmin/pkg/auth"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/middleware"
	"github.com/cmsadmin/pkg/response"
	"github.com/cmsadmin/pkg/router"
	"github.com/gofiber/fiber/v2"
)

// AuthController 登录、登出、身份
type AuthController struct {
	sessions     *Sessions
	secureCookie bool
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse 登录成功返回会话ID
type LoginResponse struct {
	auth.LoginResult
	SessionID string `json:"sessionId"`
}

// Prefix 路由前缀
func (ctl *AuthController) Prefix() string { return "/auth" }

// Routes 路由
func (ctl *AuthController) Routes(mws router.Middlewares) []router.Route {
	return []router.Route{
		{Method: fiber.MethodPost, Path: "login", Handler: ctl.login, Middlewares: mws.With("login")},
		{Method: fiber.MethodPost, Path: "register", Handler: ctl.register, Middlewares: mws.With("login")},
		{Method: fiber.MethodPost, Path: "logout", Handler: ctl.logout},
		{Method: fiber.MethodGet, Path: "check", Handler: ctl.check},
		{Method: fiber.MethodPost, Path: "refresh", Handler: ctl.refresh},
		{Method: fiber.MethodGet, Path: "identity", Handler: ctl.identity, Middlewares: mws.With("auth")},
		{Method: fiber.MethodGet, Path: "permissions", Handler: ctl.permissions, Middlewares: mws.With("auth")},
	}
}

func (ctl *AuthController) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil || req.Email == "" || req.Password == "" {
		return response.BadRequest(c, "邮箱和密码不能为空")
	}

	id, p := middleware.GetSessionID(c), middleware.GetProvider(c)
	created := false
	if p == nil {
		id, p = ctl.sessions.Create()
		created = true
	}

	res := p.Login(c.UserContext(), req.Email, req.Password)
	if !res.Success {
		if created {
			ctl.sessions.Remove(id)
		}
		return c.Status(fiber.StatusUnauthorized).JSON(response.Response{
			Code:    response.CodeUnauthorized,
			Message: res.Error.Message,
			Data:    res,
		})
	}

	ctl.setCookie(c, id, time.Now().Add(DefaultIdleTimeout))
	c.Set(middleware.SessionHeader, id)
	return response.Success(c, LoginResponse{LoginResult: res, SessionID: id})
}

// register 注册不建立会话，匿名请求借用临时会话
func (ctl *AuthController) register(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil || req.Email == "" || req.Password == "" {
		return response.BadRequest(c, "邮箱和密码不能为空")
	}

	p := middleware.GetProvider(c)
	if p == nil {
		var id string
		id, p = ctl.sessions.Create()
		defer ctl.sessions.Remove(id)
	}

	res := p.Register(c.UserContext(), req.Email, req.Password)
	if !res.Success {
		return c.Status(fiber.StatusBadRequest).JSON(response.Response{
			Code:    response.CodeError,
			Message: res.Error.Message,
			Data:    res,
		})
	}
	return response.Success(c, res)
}

func (ctl *AuthController) logout(c *fiber.Ctx) error {
	p := middleware.GetProvider(c)
	if p == nil {
		return response.Success(c, auth.LogoutResult{Success: true, RedirectTo: auth.LoginPath})
	}

	res := p.Logout(c.UserContext())
	ctl.sessions.Remove(middleware.GetSessionID(c))
	ctl.setCookie(c, "", time.Unix(0, 0))
	return response.Success(c, res)
}

func (ctl *AuthController) check(c *fiber.Ctx) error {
	p := middleware.GetProvider(c)
	if p == nil {
		return response.Success(c, auth.CheckResult{RedirectTo: auth.LoginPath})
	}
	return response.Success(c, p.Check(c.UserContext()))
}

func (ctl *AuthController) refresh(c *fiber.Ctx) error {
	p := middleware.GetProvider(c)
	if p == nil {
		return response.Unauthorized(c, errors.ErrUnauthenticated.Message)
	}

	if err := p.Refresh(c.UserContext()); err != nil {
		res := p.OnError(err)
		if !res.Logout {
			return err
		}
		ctl.sessions.Remove(middleware.GetSessionID(c))
		return c.Status(fiber.StatusUnauthorized).JSON(response.Response{
			Code:    response.CodeUnauthorized,
			Message: errors.GetMessage(err),
			Data:    res,
		})
	}
	return response.Success(c, p.Check(c.UserContext()))
}

func (ctl *AuthController) identity(c *fiber.Ctx) error {
	id := middleware.GetProvider(c).Identity(c.UserContext())
	if id == nil {
		return response.Unauthorized(c, errors.ErrUnauthenticated.Message)
	}
	return response.Success(c, id)
}

func (ctl *AuthController) permissions(c *fiber.Ctx) error {
	return response.Success(c, middleware.GetProvider(c).Permissions(c.UserContext()))
}

func (ctl *AuthController) setCookie(c *fiber.Ctx, id string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     middleware.SessionCookie,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   ctl.secureCookie,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
