package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/menu"
	"github.com/cmsadmin/pkg/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// defaultCatalog 初始权限目录
var defaultCatalog = []Permission{
	{Code: menu.CodeDashboard, Name: "仪表盘"},
	{Code: menu.CodeReports, Name: "举报管理"},
	{Code: menu.CodePosts, Name: "帖子管理"},
	{Code: menu.CodeComments, Name: "评论管理"},
	{Code: menu.CodeUsers, Name: "用户管理"},
	{Code: menu.CodeUserResources, Name: "用户资源"},
	{Code: menu.CodeRechargeRecords, Name: "充值记录"},
	{Code: menu.CodeRechargeOptions, Name: "充值配置"},
	{Code: menu.CodeCaseOps, Name: "案件运营"},
	{Code: menu.CodeTags, Name: "标签管理"},
	{Code: menu.CodeWiki, Name: "知识库"},
	{Code: menu.CodeSystemRoles, Name: "角色管理"},
	{Code: menu.CodeSystemMessages, Name: "系统消息"},
	{Code: menu.CodeAuditLogs, Name: "审计日志"},
	{Code: menu.CodeLibraryBooks, Name: "书库"},
	{Code: menu.CodeLibraryBookContents, Name: "书库内容"},
}

// Migrate 建表、写入初始目录，postgres 下安装变更通知触发器
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&Profile{}, &Credential{}, &RevokedToken{}, &Permission{}, &Role{}, &AuditLog{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	if err := s.SeedCatalog(ctx); err != nil {
		return err
	}

	if s.db.Dialector.Name() == "postgres" && s.notifyChannel != "" {
		for _, stmt := range realtime.NotifyTriggerSQL(s.notifyChannel) {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to install notify trigger: %w", err)
			}
		}
		s.log.Info("变更通知触发器已安装", zap.String("channel", s.notifyChannel))
	}
	return nil
}

// SeedCatalog 写入缺失的目录项，已存在的编码保持不变
func (s *Store) SeedCatalog(ctx context.Context) error {
	rows := make([]Permission, len(defaultCatalog))
	copy(rows, defaultCatalog)

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to seed permission catalog: %w", err)
	}
	return nil
}

// SeedAdmin 邮箱不存在时创建超级管理员
func (s *Store) SeedAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	exists, err := s.profiles.Exists(ctx, map[string]any{"email": strings.ToLower(email)})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	p, err := s.CreateUser(ctx, &CreateUserRequest{
		Email:    email,
		Password: password,
		Role:     backend.RoleSuperAdmin,
		Nickname: "超级管理员",
	})
	if err != nil {
		return err
	}
	s.log.Info("已创建超级管理员", zap.String("user_id", p.ID))
	return nil
}
