// Package auth 后台会话的认证与授权入口
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cmsadmin/pkg/access"
	"github.com/cmsadmin/pkg/audit"
	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/cache"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/logger"
	"github.com/cmsadmin/pkg/menu"
	"github.com/cmsadmin/pkg/realtime"
	"github.com/cmsadmin/pkg/session"
	"go.uber.org/zap"
)

const (
	LoginPath = "/login"
	HomePath  = "/"

	loginErrorName    = "LoginError"
	logoutErrorName   = "LogoutError"
	registerErrorName = "RegisterError"
)

// ErrorInfo 返回给前端的错误
type ErrorInfo struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// LoginResult 登录结果
type LoginResult struct {
	Success    bool       `json:"success"`
	RedirectTo string     `json:"redirectTo,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// LogoutResult 登出结果
type LogoutResult struct {
	Success    bool       `json:"success"`
	RedirectTo string     `json:"redirectTo,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// CheckResult 认证检查结果
type CheckResult struct {
	Authenticated bool   `json:"authenticated"`
	RedirectTo    string `json:"redirectTo,omitempty"`
}

// OnErrorResult 请求错误的处理建议
type OnErrorResult struct {
	Logout     bool   `json:"logout,omitempty"`
	RedirectTo string `json:"redirectTo,omitempty"`
	Error      error  `json:"-"`
}

// Identity 当前用户身份
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Email  string `json:"email,omitempty"`
}

// ProviderOption 选项
type ProviderOption func(*providerOptions)

type providerOptions struct {
	cacheTTL  time.Duration
	clock     func() time.Time
	transport realtime.Transport
	backoff   time.Duration
	builder   *menu.Builder
	onSignOut func(userID string)
}

// WithCacheTTL 缓存新鲜期
func WithCacheTTL(ttl time.Duration) ProviderOption {
	return func(o *providerOptions) { o.cacheTTL = ttl }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) ProviderOption {
	return func(o *providerOptions) { o.clock = now }
}

// WithTransport 启用实时失效，nil 表示不订阅
func WithTransport(t realtime.Transport, backoff time.Duration) ProviderOption {
	return func(o *providerOptions) {
		o.transport = t
		o.backoff = backoff
	}
}

// WithMenuBuilder 指定菜单生成器
func WithMenuBuilder(b *menu.Builder) ProviderOption {
	return func(o *providerOptions) { o.builder = b }
}

// WithSignOutHook 会话被强制登出后调用
func WithSignOutHook(fn func(userID string)) ProviderOption {
	return func(o *providerOptions) { o.onSignOut = fn }
}

// Provider 单个后台会话的认证提供者
//
// 会话、缓存、解析器、实时订阅均为本会话私有，Close 后不可再用
type Provider struct {
	backend     backend.Backend
	sessions    *session.Store
	caches      *access.Caches
	profiles    *access.ProfileResolver
	permissions *access.PermissionResolver
	gate        *access.Gate
	menu        *menu.Loader
	invalidator *realtime.Invalidator
	audit       *audit.Logger
	onSignOut   func(userID string)
	now         func() time.Time
	log         *zap.Logger

	// 串行化登录、登出、刷新
	mu sync.Mutex
}

// NewProvider 创建认证提供者
func NewProvider(b backend.Backend, opts ...ProviderOption) *Provider {
	o := providerOptions{cacheTTL: access.DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		backend:   b,
		sessions:  session.NewStoreWithClock(o.clock),
		caches:    access.NewCaches(o.cacheTTL, cache.WithClock(o.clock)),
		onSignOut: o.onSignOut,
		now:       o.clock,
		log:       logger.Named("auth"),
	}
	p.profiles = access.NewProfileResolver(b, p.sessions, p.caches)
	p.permissions = access.NewPermissionResolver(b, p.sessions, p.caches, p.forceSignOut)
	p.gate = access.NewGate(p.permissions)
	p.audit = audit.New(b, p.sessions)

	builder := o.builder
	if builder == nil {
		builder = menu.NewBuilder(nil)
	}
	p.menu = menu.NewLoader(builder, p.fetchCatalog)

	if o.transport != nil {
		p.invalidator = realtime.NewInvalidator(o.transport, p.caches, realtime.WithBackoff(o.backoff))
	}
	return p
}

// Sessions 会话存储
func (p *Provider) Sessions() *session.Store { return p.sessions }

// Caches 缓存
func (p *Provider) Caches() *access.Caches { return p.caches }

// Gate 访问控制
func (p *Provider) Gate() *access.Gate { return p.gate }

// Audit 审计日志记录器
func (p *Provider) Audit() *audit.Logger { return p.audit }

// Realtime 实时失效器，未启用时为 nil
func (p *Provider) Realtime() *realtime.Invalidator { return p.invalidator }

// UserID 当前有效会话的用户
func (p *Provider) UserID() string { return p.sessions.UserID() }

// Login 登录并校验管理员角色
func (p *Provider) Login(ctx context.Context, email, password string) LoginResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.backend.SignIn(ctx, email, password)
	if err != nil {
		p.log.Info("登录失败", zap.String("email", email), zap.Error(err))
		return LoginResult{Error: &ErrorInfo{Message: errors.GetMessage(err), Name: loginErrorName}}
	}
	if sess == nil || sess.UserID == "" {
		return LoginResult{Error: &ErrorInfo{Message: "登录失败", Name: loginErrorName}}
	}

	p.caches.Clear()
	p.sessions.Set(sess)

	if _, err := p.ensureAdminRole(ctx, sess.UserID); err != nil {
		// 资料查询失败同样视为未通过
		_ = p.signOutLocked(ctx)
		return LoginResult{Error: &ErrorInfo{Message: errors.GetMessage(err), Name: loginErrorName}}
	}

	p.startRealtime(sess)
	p.log.Info("登录成功", zap.String("user_id", sess.UserID))
	return LoginResult{Success: true, RedirectTo: HomePath}
}

// Register 自助注册，成功后跳转登录页，不改变当前会话
//
// 后端未实现 backend.Registrar 时返回失败
func (p *Provider) Register(ctx context.Context, email, password string) LoginResult {
	r, ok := p.backend.(backend.Registrar)
	if !ok {
		return LoginResult{Error: &ErrorInfo{Message: "当前后端不支持注册", Name: registerErrorName}}
	}
	if err := r.SignUp(ctx, email, password); err != nil {
		p.log.Info("注册失败", zap.String("email", email), zap.Error(err))
		return LoginResult{Error: &ErrorInfo{Message: errors.GetMessage(err), Name: registerErrorName}}
	}
	p.log.Info("注册成功", zap.String("email", email))
	return LoginResult{Success: true, RedirectTo: LoginPath}
}

// ensureAdminRole 仅 admin、super_admin 可持有会话，其余角色强制登出
func (p *Provider) ensureAdminRole(ctx context.Context, userID string) (*backend.Profile, error) {
	profile, err := p.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !profile.IsAdmin() {
		p.log.Warn("非管理员角色被拒绝", zap.String("user_id", userID), zap.String("role", profile.Role))
		_ = p.signOutLocked(ctx)
		return nil, errors.ErrNotAdmin
	}
	return profile, nil
}

// Logout 登出，清理缓存与订阅
func (p *Provider) Logout(ctx context.Context) LogoutResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.signOutLocked(ctx); err != nil {
		return LogoutResult{Error: &ErrorInfo{Message: errors.GetMessage(err), Name: logoutErrorName}}
	}
	return LogoutResult{Success: true, RedirectTo: LoginPath}
}

// signOutLocked 清理本会话状态并注销令牌，本地状态总是被清除
func (p *Provider) signOutLocked(ctx context.Context) error {
	raw := p.sessions.Peek()

	p.caches.Clear()
	if p.invalidator != nil {
		p.invalidator.Stop()
	}
	p.sessions.Clear()

	if raw == nil || raw.AccessToken == "" {
		return nil
	}
	if err := p.backend.SignOut(ctx, raw.AccessToken); err != nil {
		p.log.Warn("注销令牌失败", zap.String("user_id", raw.UserID), zap.Error(err))
		return err
	}
	return nil
}

// forceSignOut 上游认证失败时由权限解析器调用
func (p *Provider) forceSignOut(ctx context.Context) {
	p.mu.Lock()
	userID := p.sessions.UserID()
	_ = p.signOutLocked(ctx)
	p.mu.Unlock()

	p.log.Warn("会话已被强制登出", zap.String("user_id", userID))
	if p.onSignOut != nil {
		p.onSignOut(userID)
	}
}

// Check 校验会话，必要时强制登出
func (p *Provider) Check(ctx context.Context) CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	unauthenticated := CheckResult{RedirectTo: LoginPath}

	raw := p.sessions.Peek()
	if raw == nil || raw.AccessToken == "" {
		return unauthenticated
	}

	if raw.Expired(p.now()) {
		p.log.Info("会话已过期", zap.String("user_id", raw.UserID))
		_ = p.signOutLocked(ctx)
		return unauthenticated
	}

	user, err := p.backend.GetUser(ctx, raw.AccessToken)
	if err != nil || user == nil || user.ID == "" {
		p.log.Info("令牌校验失败", zap.String("user_id", raw.UserID), zap.Error(err))
		_ = p.signOutLocked(ctx)
		return unauthenticated
	}

	if _, err := p.ensureAdminRole(ctx, user.ID); err != nil {
		return unauthenticated
	}

	if p.invalidator != nil {
		p.invalidator.Ensure(user.ID, raw.AccessToken)
	}
	return CheckResult{Authenticated: true}
}

// OnError 401/403 要求登出并跳转登录页
func (p *Provider) OnError(err error) OnErrorResult {
	if errors.IsAuthFailure(err) {
		return OnErrorResult{Logout: true, RedirectTo: LoginPath, Error: err}
	}
	return OnErrorResult{Error: err}
}

// Permissions 当前用户的权限集合
func (p *Provider) Permissions(ctx context.Context) access.PermissionSet {
	return p.permissions.Get(ctx)
}

// Identity 当前用户身份，未认证时返回 nil
func (p *Provider) Identity(ctx context.Context) *Identity {
	sess := p.sessions.Get()
	if sess == nil {
		return nil
	}

	user, err := p.backend.GetUser(ctx, sess.AccessToken)
	if err != nil || user == nil {
		return nil
	}

	profile, err := p.profiles.Get(ctx, user.ID)
	if err != nil {
		p.log.Debug("资料查询失败，使用认证信息", zap.String("user_id", user.ID), zap.Error(err))
		return &Identity{ID: user.ID, Name: firstNonEmpty(user.Email, user.ID), Email: user.Email}
	}

	return &Identity{
		ID:     user.ID,
		Name:   firstNonEmpty(profile.Nickname, user.Email, user.ID),
		Avatar: profile.AvatarURL,
		Email:  firstNonEmpty(profile.Email, user.Email),
	}
}

// Can 判定当前会话能否执行动作，未认证时拒绝
func (p *Provider) Can(ctx context.Context, req access.CanRequest) access.Decision {
	if p.sessions.Get() == nil {
		return access.Deny(access.ReasonUnauthenticated)
	}
	return p.gate.Can(ctx, req)
}

// Menu 当前用户可导航的资源
func (p *Provider) Menu(ctx context.Context) []menu.Resource {
	if p.sessions.Get() == nil {
		return []menu.Resource{}
	}
	perms := p.permissions.Get(ctx)
	return menu.Navigable(ctx, p.gate, p.menu.Load(ctx, perms))
}

// fetchCatalog 菜单使用的目录查询
func (p *Provider) fetchCatalog(ctx context.Context) ([]backend.CatalogEntry, error) {
	sess := p.sessions.Get()
	if sess == nil {
		return nil, errors.ErrUnauthenticated
	}
	return p.backend.FetchPermissionCatalog(ctx, sess.AccessToken)
}

// Refresh 刷新令牌，替换会话并以新令牌重建订阅
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := p.sessions.Peek()
	if raw == nil || raw.RefreshToken == "" {
		return errors.ErrUnauthenticated
	}

	next, err := p.backend.Refresh(ctx, raw.RefreshToken)
	if err != nil {
		if errors.IsAuthFailure(err) {
			_ = p.signOutLocked(ctx)
		}
		return err
	}
	if next.UserID == "" {
		next.UserID = raw.UserID
	}
	if next.Email == "" {
		next.Email = raw.Email
	}

	p.sessions.Replace(next)
	if p.invalidator != nil && p.invalidator.State() != realtime.Disconnected {
		p.invalidator.Restart(next.UserID, next.AccessToken)
	}
	p.log.Debug("令牌已刷新", zap.String("user_id", next.UserID))
	return nil
}

// OnPermissionsUpdated 注册权限变更事件处理，返回取消函数
func (p *Provider) OnPermissionsUpdated(h realtime.Handler) func() {
	if p.invalidator == nil {
		return func() {}
	}
	return p.invalidator.OnPermissionsUpdated(h)
}

// InvalidateCache 手动驱逐当前用户缓存
func (p *Provider) InvalidateCache() {
	if uid := p.sessions.UserID(); uid != "" {
		p.caches.Invalidate(uid)
	}
}

// Close 释放会话资源，不注销令牌
func (p *Provider) Close() {
	if p.invalidator != nil {
		p.invalidator.Stop()
	}
	p.caches.Close()
}

func (p *Provider) startRealtime(sess *backend.Session) {
	if p.invalidator != nil {
		p.invalidator.Ensure(sess.UserID, sess.AccessToken)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
