// Package backendtest 提供可编排的内存 Backend，供各包测试使用
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/errors"
)

// Backend 内存实现，所有字段在调用前配置
type Backend struct {
	mu sync.Mutex

	accounts map[string]account // email -> account
	tokens   map[string]string  // access token -> user id
	profiles map[string]*backend.Profile
	codes    map[string][]string
	catalog  []backend.CatalogEntry
	audit    []backend.AuditEntry
	calls    map[string]int
	seq      int

	// TokenTTL 签发令牌的有效期
	TokenTTL time.Duration

	// 注入的错误
	SignInErr  error
	SignUpErr  error
	SignOutErr error
	GetUserErr error
	ProfileErr error
	CodesErr   error
	CatalogErr error
	AuditErr   error

	// BeforeCodes 在 FetchPermissionCodes 返回前调用，用于制造并发交错
	BeforeCodes func()
}

type account struct {
	id       string
	password string
}

// New 创建空后端
func New() *Backend {
	return &Backend{
		accounts: make(map[string]account),
		tokens:   make(map[string]string),
		profiles: make(map[string]*backend.Profile),
		codes:    make(map[string][]string),
		calls:    make(map[string]int),
		TokenTTL: time.Hour,
	}
}

// AddUser 添加账号及资料
func (b *Backend) AddUser(id, email, password, role string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[email] = account{id: id, password: password}
	b.profiles[id] = &backend.Profile{ID: id, Role: role, Email: email}
}

// SetProfile 覆盖资料，nil 表示删除
func (b *Backend) SetProfile(id string, p *backend.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == nil {
		delete(b.profiles, id)
		return
	}
	b.profiles[id] = p
}

// SetCodes 设置用户权限编码
func (b *Backend) SetCodes(userID string, codes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[userID] = codes
}

// SetCatalog 设置权限目录
func (b *Backend) SetCatalog(entries ...backend.CatalogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog = entries
}

// SetError 线程安全地设置错误字段
func (b *Backend) SetError(field *error, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*field = err
}

// IssueToken 直接签发令牌，不经过登录
func (b *Backend) IssueToken(userID string) *backend.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issue(userID)
}

func (b *Backend) issue(userID string) *backend.Session {
	b.seq++
	token := fmt.Sprintf("token-%s-%d", userID, b.seq)
	b.tokens[token] = userID
	return &backend.Session{
		UserID:       userID,
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		ExpiresAt:    time.Now().Add(b.TokenTTL),
	}
}

// Calls 方法调用次数
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// AuditEntries 已写入的审计日志
func (b *Backend) AuditEntries() []backend.AuditEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.AuditEntry(nil), b.audit...)
}

func (b *Backend) userFor(token string) (string, error) {
	id, ok := b.tokens[token]
	if !ok {
		return "", errors.ErrTokenInvalid
	}
	return id, nil
}

// SignIn 登录
func (b *Backend) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignIn"]++

	if b.SignInErr != nil {
		return nil, b.SignInErr
	}
	acc, ok := b.accounts[email]
	if !ok || acc.password != password {
		return nil, errors.ErrInvalidCredential
	}
	sess := b.issue(acc.id)
	sess.Email = email
	return sess, nil
}

// SignUp 注册普通用户
func (b *Backend) SignUp(ctx context.Context, email, password string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignUp"]++

	if b.SignUpErr != nil {
		return b.SignUpErr
	}
	if _, ok := b.accounts[email]; ok {
		return errors.BadRequest("邮箱已存在")
	}
	b.seq++
	id := fmt.Sprintf("user-%d", b.seq)
	b.accounts[email] = account{id: id, password: password}
	b.profiles[id] = &backend.Profile{ID: id, Role: backend.RoleUser, Email: email}
	return nil
}

// SignOut 注销令牌
func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SignOut"]++

	if b.SignOutErr != nil {
		return b.SignOutErr
	}
	delete(b.tokens, accessToken)
	return nil
}

// Refresh 刷新令牌
func (b *Backend) Refresh(ctx context.Context, refreshToken string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["Refresh"]++

	const prefix = "refresh-"
	if len(refreshToken) <= len(prefix) {
		return nil, errors.ErrTokenInvalid
	}
	id, err := b.userFor(refreshToken[len(prefix):])
	if err != nil {
		return nil, err
	}
	return b.issue(id), nil
}

// GetUser 校验令牌
func (b *Backend) GetUser(ctx context.Context, accessToken string) (*backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetUser"]++

	if b.GetUserErr != nil {
		return nil, b.GetUserErr
	}
	id, err := b.userFor(accessToken)
	if err != nil {
		return nil, err
	}
	u := &backend.User{ID: id}
	if p, ok := b.profiles[id]; ok {
		u.Email = p.Email
	}
	return u, nil
}

// FetchProfile 查询资料
func (b *Backend) FetchProfile(ctx context.Context, accessToken, userID string) (*backend.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["FetchProfile"]++

	if b.ProfileErr != nil {
		return nil, b.ProfileErr
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// FetchPermissionCodes 查询权限编码
func (b *Backend) FetchPermissionCodes(ctx context.Context, accessToken string) ([]string, error) {
	b.mu.Lock()
	b.calls["FetchPermissionCodes"]++
	hook := b.BeforeCodes
	err := b.CodesErr
	var codes []string
	if err == nil {
		var id string
		id, err = b.userFor(accessToken)
		if err == nil {
			codes = append([]string(nil), b.codes[id]...)
		}
	}
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return codes, err
}

// FetchPermissionCatalog 查询权限目录
func (b *Backend) FetchPermissionCatalog(ctx context.Context, accessToken string) ([]backend.CatalogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["FetchPermissionCatalog"]++

	if b.CatalogErr != nil {
		return nil, b.CatalogErr
	}
	return append([]backend.CatalogEntry(nil), b.catalog...), nil
}

// InsertAuditLog 写入审计日志
func (b *Backend) InsertAuditLog(ctx context.Context, accessToken string, entry *backend.AuditEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["InsertAuditLog"]++

	if b.AuditErr != nil {
		return b.AuditErr
	}
	b.audit = append(b.audit, *entry)
	return nil
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Registrar = (*Backend)(nil)
)
