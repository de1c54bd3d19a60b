package store

import (
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/dal"
)

// Profile 用户资料
type Profile struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Role      string    `gorm:"size:32;default:user;not null" json:"role"`
	Nickname  string    `gorm:"size:64" json:"nickname"`
	AvatarURL string    `gorm:"size:255" json:"avatar_url"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 表名
func (Profile) TableName() string {
	return backend.TableProfiles
}

func (p *Profile) toBackend() *backend.Profile {
	return &backend.Profile{
		ID:        p.ID,
		Role:      p.Role,
		Nickname:  p.Nickname,
		AvatarURL: p.AvatarURL,
		Email:     p.Email,
	}
}

// Credential 登录凭证，与 profiles 分表存放
type Credential struct {
	UserID       string    `gorm:"primaryKey;size:36"`
	PasswordHash string    `gorm:"size:100;not null"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName 表名
func (Credential) TableName() string {
	return "auth_credentials"
}

// RevokedToken 已注销的令牌
type RevokedToken struct {
	JTI       string    `gorm:"primaryKey;size:36"`
	ExpiresAt time.Time `gorm:"index"`
}

// TableName 表名
func (RevokedToken) TableName() string {
	return "auth_revoked_tokens"
}

// Permission 权限目录
type Permission struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string    `gorm:"size:100;uniqueIndex;not null" json:"code"`
	Name      string    `gorm:"size:50;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 表名
func (Permission) TableName() string {
	return backend.TablePermissions
}

// Role 后台角色
type Role struct {
	dal.Model
	Name        string `gorm:"size:50;not null" json:"name"`
	Code        string `gorm:"size:50;uniqueIndex;not null" json:"code"`
	Description string `gorm:"size:255" json:"description"`
}

// TableName 表名
func (Role) TableName() string {
	return "cms_roles"
}

// AuditLog 审计日志
type AuditLog struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OperatorID   string    `gorm:"size:36;index;not null" json:"operator_id"`
	Action       string    `gorm:"size:16;not null" json:"action"`
	Resource     string    `gorm:"size:64;index" json:"resource"`
	TargetID     string    `gorm:"size:64" json:"target_id"`
	PreviousData any       `gorm:"type:text;serializer:json" json:"previous_data"`
	NewData      any       `gorm:"type:text;serializer:json" json:"new_data"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 表名
func (AuditLog) TableName() string {
	return backend.TableAuditLogs
}
