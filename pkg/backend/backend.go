// Package backend 定义后台访问子系统依赖的外部服务接口
// 托管 BaaS（pkg/baas）与自建存储（pkg/store）各自实现 Backend
package backend

import (
	"context"
	"fmt"
	"time"
)

// 表名
const (
	TableProfiles        = "profiles"
	TableRolePermissions = "cms_role_permissions"
	TablePermissions     = "cms_permissions"
	TableAuditLogs       = "audit_logs"
)

// 事件类型
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// 资料角色
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Wildcard 通配权限编码
const Wildcard = "*"

// Session 认证会话
type Session struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired 令牌是否已过期
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// User 认证用户
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Profile 用户资料
type Profile struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url"`
	Email     string `json:"email"`
}

// IsAdmin 是否为管理员角色
func (p *Profile) IsAdmin() bool {
	return p != nil && (p.Role == RoleAdmin || p.Role == RoleSuperAdmin)
}

// CatalogEntry 权限目录项（cms_permissions）
type CatalogEntry struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// AuditEntry 审计日志
type AuditEntry struct {
	OperatorID   string `json:"operator_id"`
	Action       string `json:"action"`
	Resource     string `json:"resource"`
	TargetID     string `json:"target_id"`
	PreviousData any    `json:"previous_data"`
	NewData      any    `json:"new_data"`
}

// Change 数据变更通知
type Change struct {
	Table     string         `json:"table"`
	Event     string         `json:"event"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// RecordID 变更记录的 id 字段
func (c Change) RecordID() string {
	for _, rec := range []map[string]any{c.Record, c.OldRecord} {
		if rec == nil {
			continue
		}
		if id, ok := rec["id"]; ok && id != nil {
			return fmt.Sprint(id)
		}
	}
	return ""
}

// Backend 认证与数据访问
//
// 返回的错误为 *errors.AppError，Code 取 HTTP 状态码，401/403 视为认证失败
type Backend interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	GetUser(ctx context.Context, accessToken string) (*User, error)

	// FetchProfile 无记录时返回 (nil, nil)
	FetchProfile(ctx context.Context, accessToken, userID string) (*Profile, error)
	FetchPermissionCodes(ctx context.Context, accessToken string) ([]string, error)
	// FetchPermissionCatalog 返回以 / 开头的编码，按 id 排序
	FetchPermissionCatalog(ctx context.Context, accessToken string) ([]CatalogEntry, error)
	InsertAuditLog(ctx context.Context, accessToken string, entry *AuditEntry) error
}

// Registrar 支持自助注册的后端
//
// 注册只创建账号，不建立会话；新账号默认为普通用户，需另行授权才能登录后台
type Registrar interface {
	SignUp(ctx context.Context, email, password string) error
}
