// Package baas 托管 BaaS（Supabase 兼容）后端实现
package baas

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/config"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second

	permissionCodesRPC = "app_get_my_permission_codes"
	profileColumns     = "id,role,nickname,avatar_url,email"
)

// Client BaaS 客户端
type Client struct {
	baseURL string
	anonKey string
	timeout time.Duration
	http    *fasthttp.Client
	log     *zap.Logger
	now     func() time.Time
}

var (
	_ backend.Backend   = (*Client)(nil)
	_ backend.Registrar = (*Client)(nil)
)

// New 创建客户端
func New(cfg *config.BaaSConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		anonKey: cfg.AnonKey,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "cmsadmin",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		log: logger.Named("baas"),
		now: time.Now,
	}
}

// tokenResponse 认证接口返回
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         backend.User `json:"user"`
}

// SignIn 邮箱密码登录
func (c *Client) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/token",
		query:  map[string]string{"grant_type": "password"},
		body:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		// 凭证错误时认证服务返回 400 invalid_grant
		if errors.GetCode(err) == 400 {
			return nil, errors.Wrap(err, errors.ErrInvalidCredential.Code, errors.ErrInvalidCredential.Message)
		}
		return nil, err
	}
	return c.session(&resp), nil
}

// SignUp 注册账号，是否需要邮件确认由认证服务决定
func (c *Client) SignUp(ctx context.Context, email, password string) error {
	return c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/signup",
		body:   map[string]string{"email": email, "password": password},
	}, nil)
}

// SignOut 注销令牌，令牌已失效视为成功
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/logout",
		token:  accessToken,
	}, nil)
	if err != nil && (errors.IsAuthFailure(err) || errors.IsNotFound(err)) {
		return nil
	}
	return err
}

// Refresh 刷新令牌
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*backend.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/auth/v1/token",
		query:  map[string]string{"grant_type": "refresh_token"},
		body:   map[string]string{"refresh_token": refreshToken},
	}, &resp)
	if err != nil {
		if errors.GetCode(err) == 400 {
			return nil, errors.Wrap(err, errors.ErrTokenInvalid.Code, errors.ErrTokenInvalid.Message)
		}
		return nil, err
	}
	return c.session(&resp), nil
}

// GetUser 令牌对应的用户
func (c *Client) GetUser(ctx context.Context, accessToken string) (*backend.User, error) {
	var user backend.User
	if err := c.do(ctx, request{
		method: fasthttp.MethodGet,
		path:   "/auth/v1/user",
		token:  accessToken,
	}, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.ErrUnauthenticated
	}
	return &user, nil
}

// FetchProfile 查询用户资料
func (c *Client) FetchProfile(ctx context.Context, accessToken, userID string) (*backend.Profile, error) {
	var rows []backend.Profile
	if err := c.do(ctx, request{
		method: fasthttp.MethodGet,
		path:   "/rest/v1/" + backend.TableProfiles,
		token:  accessToken,
		query: map[string]string{
			"select": profileColumns,
			"id":     "eq." + userID,
			"limit":  "1",
		},
	}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FetchPermissionCodes 调用权限编码函数
func (c *Client) FetchPermissionCodes(ctx context.Context, accessToken string) ([]string, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/rest/v1/rpc/" + permissionCodesRPC,
		token:  accessToken,
		body:   struct{}{},
	}, &raw); err != nil {
		return nil, err
	}
	return decodeCodes(raw)
}

// decodeCodes 兼容字符串数组与 {"code": ...} 对象数组
func decodeCodes(raw []json.RawMessage) ([]string, error) {
	codes := make([]string, 0, len(raw))
	for _, item := range raw {
		var code string
		if err := json.Unmarshal(item, &code); err == nil {
			codes = append(codes, code)
			continue
		}
		var obj struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, errors.Upstream(err, "权限编码格式错误")
		}
		codes = append(codes, obj.Code)
	}
	return codes, nil
}

// FetchPermissionCatalog 查询以 / 开头的权限目录
func (c *Client) FetchPermissionCatalog(ctx context.Context, accessToken string) ([]backend.CatalogEntry, error) {
	var rows []backend.CatalogEntry
	if err := c.do(ctx, request{
		method: fasthttp.MethodGet,
		path:   "/rest/v1/" + backend.TablePermissions,
		token:  accessToken,
		query: map[string]string{
			"select": "*",
			"code":   "like./*",
			"order":  "id",
		},
	}, &rows); err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, r := range rows {
		if strings.HasPrefix(r.Code, "/") {
			out = append(out, r)
		}
	}
	return out, nil
}

// InsertAuditLog 写入审计日志
func (c *Client) InsertAuditLog(ctx context.Context, accessToken string, entry *backend.AuditEntry) error {
	return c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/rest/v1/" + backend.TableAuditLogs,
		token:  accessToken,
		body:   entry,
		prefer: "return=minimal",
	}, nil)
}

// session 由认证返回构建会话，过期时间依次取 expires_at、令牌 exp、expires_in
func (c *Client) session(resp *tokenResponse) *backend.Session {
	s := &backend.Session{
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	switch {
	case resp.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	default:
		if exp, ok := tokenExpiry(resp.AccessToken); ok {
			s.ExpiresAt = exp
		} else if resp.ExpiresIn > 0 {
			s.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		}
	}

	if s.UserID == "" {
		if sub, ok := tokenSubject(resp.AccessToken); ok {
			s.UserID = sub
		}
	}
	return s
}

// tokenExpiry 读取令牌 exp，不校验签名
func tokenExpiry(token string) (time.Time, bool) {
	claims, ok := unverifiedClaims(token)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func tokenSubject(token string) (string, bool) {
	claims, ok := unverifiedClaims(token)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

func unverifiedClaims(token string) (*jwt.RegisteredClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// request 单次请求
type request struct {
	method string
	path   string
	token  string
	query  map[string]string
	body   any
	prefer string
}

// errorBody 认证服务与 REST 服务的错误体字段并集
type errorBody struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Code             any    `json:"code"`
}

func (e *errorBody) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// do 发送请求并解析响应
func (c *Client) do(ctx context.Context, r request, out any) error {
	if err := ctx.Err(); err != nil {
		return errors.Upstream(err, "请求已取消")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + r.path)
	for k, v := range r.query {
		req.URI().QueryArgs().Add(k, v)
	}
	req.Header.SetMethod(r.method)
	req.Header.Set("apikey", c.anonKey)
	token := r.token
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return errors.Wrap(err, 400, "请求体序列化失败")
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		c.log.Warn("请求失败", zap.String("method", r.method), zap.String("path", r.path), zap.Error(err))
		return errors.Upstream(err, "")
	}

	status := resp.StatusCode()
	body := resp.Body()
	if status >= 200 && status < 300 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Upstream(err, "响应解析失败")
		}
		return nil
	}

	return c.statusError(r, status, body)
}

// statusError 按状态码构建错误，5xx 统一为 502
func (c *Client) statusError(r request, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.text()
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}

	c.log.Debug("上游返回错误",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", status),
		zap.String("message", msg),
	)

	cause := fmt.Errorf("%s %s: %d %s", r.method, r.path, status, msg)
	if status >= 500 {
		return errors.Upstream(cause, "")
	}
	return errors.Wrap(cause, status, msg)
}
