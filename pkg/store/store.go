// Package store 自建后端：gorm 存储资料与目录，Casbin 保存角色授权，JWT 签发令牌
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cmsadmin/pkg/auth"
	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/dal"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Notifier 发布数据变更
type Notifier func(ctx context.Context, change backend.Change) error

// Option 存储选项
type Option func(*Store)

// WithNotifier 数据变更时发布通知
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notify = n }
}

// WithBcryptCost 密码哈希强度
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.bcryptCost = cost }
}

// WithNotifyChannel postgres 触发器使用的通知频道
func WithNotifyChannel(channel string) Option {
	return func(s *Store) { s.notifyChannel = channel }
}

// Store 自建后端
type Store struct {
	db            *gorm.DB
	policy        *Policy
	jwt           *auth.JWTManager
	notify        Notifier
	notifyChannel string
	bcryptCost    int
	log           *zap.Logger

	profiles    *dal.BaseRepository[Profile]
	credentials *dal.BaseRepository[Credential]
	revoked     *dal.BaseRepository[RevokedToken]
	permissions *dal.BaseRepository[Permission]
	roles       *dal.BaseRepository[Role]
	auditLogs   *dal.BaseRepository[AuditLog]
}

var (
	_ backend.Backend   = (*Store)(nil)
	_ backend.Registrar = (*Store)(nil)
)

// New 创建自建后端，调用方需先执行 Migrate
func New(db *gorm.DB, jwt *auth.JWTManager, opts ...Option) (*Store, error) {
	s := &Store{
		db:          db,
		jwt:         jwt,
		bcryptCost:  bcrypt.DefaultCost,
		log:         logger.Named("store"),
		profiles:    dal.NewRepository[Profile](db),
		credentials: dal.NewRepository[Credential](db),
		revoked:     dal.NewRepository[RevokedToken](db),
		permissions: dal.NewRepository[Permission](db),
		roles:       dal.NewRepository[Role](db),
		auditLogs:   dal.NewRepository[AuditLog](db),
	}
	for _, opt := range opts {
		opt(s)
	}

	policy, err := NewPolicy(db)
	if err != nil {
		return nil, err
	}
	s.policy = policy
	return s, nil
}

// Policy 角色授权
func (s *Store) Policy() *Policy {
	return s.policy
}

// SignIn 邮箱密码登录
func (s *Store) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	profile, err := s.profiles.FindOne(ctx, map[string]any{"email": strings.TrimSpace(strings.ToLower(email))})
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询用户失败")
	}
	if profile == nil {
		return nil, errors.ErrInvalidCredential
	}

	cred, err := s.credentials.FindOne(ctx, map[string]any{"user_id": profile.ID})
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询凭证失败")
	}
	if cred == nil || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return nil, errors.ErrInvalidCredential
	}

	return s.issue(profile)
}

func (s *Store) issue(profile *Profile) (*backend.Session, error) {
	pair, err := s.jwt.GenerateTokens(profile.ID, profile.Email)
	if err != nil {
		return nil, errors.Wrap(err, 500, "签发令牌失败")
	}
	return &backend.Session{
		UserID:       profile.ID,
		Email:        profile.Email,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}, nil
}

// SignOut 注销访问令牌，无效令牌视为已注销
func (s *Store) SignOut(ctx context.Context, accessToken string) error {
	claims, err := s.jwt.ParseToken(accessToken, auth.KindAccess)
	if err != nil {
		return nil
	}
	return s.revoke(ctx, claims)
}

func (s *Store) revoke(ctx context.Context, claims *auth.Claims) error {
	entry := &RevokedToken{JTI: claims.ID}
	if claims.ExpiresAt != nil {
		entry.ExpiresAt = claims.ExpiresAt.Time
	}
	if err := s.revoked.Save(ctx, entry); err != nil {
		return errors.Wrap(err, 500, "注销令牌失败")
	}
	return nil
}

// Refresh 以刷新令牌换发新令牌，旧刷新令牌作废
func (s *Store) Refresh(ctx context.Context, refreshToken string) (*backend.Session, error) {
	claims, err := s.verify(ctx, refreshToken, auth.KindRefresh)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询用户失败")
	}
	if profile == nil {
		return nil, errors.ErrTokenInvalid
	}

	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}
	return s.issue(profile)
}

// verify 解析令牌并检查是否已注销
func (s *Store) verify(ctx context.Context, token, kind string) (*auth.Claims, error) {
	claims, err := s.jwt.ParseToken(token, kind)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoked.Exists(ctx, map[string]any{"jti": claims.ID})
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询令牌状态失败")
	}
	if revoked {
		return nil, errors.ErrTokenInvalid
	}
	return claims, nil
}

// GetUser 令牌对应的用户
func (s *Store) GetUser(ctx context.Context, accessToken string) (*backend.User, error) {
	claims, err := s.verify(ctx, accessToken, auth.KindAccess)
	if err != nil {
		return nil, err
	}
	return &backend.User{ID: claims.UserID, Email: claims.Email}, nil
}

// FetchProfile 查询用户资料
func (s *Store) FetchProfile(ctx context.Context, accessToken, userID string) (*backend.Profile, error) {
	if _, err := s.verify(ctx, accessToken, auth.KindAccess); err != nil {
		return nil, err
	}

	p, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询用户资料失败")
	}
	if p == nil {
		return nil, nil
	}
	return p.toBackend(), nil
}

// FetchPermissionCodes 当前用户的权限编码，超级管理员为通配
func (s *Store) FetchPermissionCodes(ctx context.Context, accessToken string) ([]string, error) {
	claims, err := s.verify(ctx, accessToken, auth.KindAccess)
	if err != nil {
		return nil, err
	}

	p, err := s.profiles.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询用户资料失败")
	}
	if p == nil {
		return []string{}, nil
	}
	if p.Role == backend.RoleSuperAdmin {
		return []string{backend.Wildcard}, nil
	}

	codes, err := s.policy.CodesForUser(claims.UserID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询权限失败")
	}
	return codes, nil
}

// FetchPermissionCatalog 以 / 开头的权限目录
func (s *Store) FetchPermissionCatalog(ctx context.Context, accessToken string) ([]backend.CatalogEntry, error) {
	if _, err := s.verify(ctx, accessToken, auth.KindAccess); err != nil {
		return nil, err
	}

	rows, err := s.permissions.FindAll(ctx, nil,
		dal.WithWhere("code LIKE ?", "/%"),
		dal.WithOrder("id"),
	)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询权限目录失败")
	}

	out := make([]backend.CatalogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, backend.CatalogEntry{ID: r.ID, Code: r.Code, Name: r.Name})
	}
	return out, nil
}

// InsertAuditLog 写入审计日志，操作人必须是令牌持有者
func (s *Store) InsertAuditLog(ctx context.Context, accessToken string, entry *backend.AuditEntry) error {
	claims, err := s.verify(ctx, accessToken, auth.KindAccess)
	if err != nil {
		return err
	}
	if entry.OperatorID != claims.UserID {
		return errors.Forbidden("操作人与当前用户不一致")
	}

	row := &AuditLog{
		OperatorID:   entry.OperatorID,
		Action:       entry.Action,
		Resource:     entry.Resource,
		TargetID:     entry.TargetID,
		PreviousData: entry.PreviousData,
		NewData:      entry.NewData,
	}
	if err := s.auditLogs.Create(ctx, row); err != nil {
		return errors.Wrap(err, 500, "写入审计日志失败")
	}
	return nil
}

// AuditLogs 最近的审计日志
func (s *Store) AuditLogs(ctx context.Context, limit int) ([]AuditLog, error) {
	return s.auditLogs.FindAll(ctx, nil, dal.WithOrder("id DESC"), func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	})
}

// PurgeRevoked 删除已过期的注销记录
func (s *Store) PurgeRevoked(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&RevokedToken{})
	return res.RowsAffected, res.Error
}

// publish 发布变更，失败只记录日志
func (s *Store) publish(ctx context.Context, change backend.Change) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, change); err != nil {
		s.log.Warn("变更通知发布失败", zap.String("table", change.Table), zap.Error(err))
	}
}
