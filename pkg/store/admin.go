package store

import (
	"context"
	"strings"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// CreateUserRequest 创建用户请求
type CreateUserRequest struct {
	Email    string
	Password string
	Role     string
	Nickname string
}

// CreateUser 创建用户资料与登录凭证
func (s *Store) CreateUser(ctx context.Context, req *CreateUserRequest) (*backend.Profile, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		return nil, errors.BadRequest("邮箱和密码不能为空")
	}

	exists, err := s.profiles.Exists(ctx, map[string]any{"email": email})
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询用户失败")
	}
	if exists {
		return nil, errors.BadRequest("邮箱已存在")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, 500, "密码加密失败")
	}

	role := req.Role
	if role == "" {
		role = backend.RoleUser
	}
	if !ValidProfileRole(role) {
		return nil, errors.BadRequest("未知的用户角色")
	}
	profile := &Profile{
		ID:       uuid.NewString(),
		Role:     role,
		Nickname: req.Nickname,
		Email:    email,
	}

	err = s.profiles.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.profiles.WithTx(tx).Create(ctx, profile); err != nil {
			return err
		}
		return s.credentials.WithTx(tx).Create(ctx, &Credential{UserID: profile.ID, PasswordHash: string(hash)})
	})
	if err != nil {
		return nil, errors.Wrap(err, 500, "创建用户失败")
	}

	s.log.Info("用户已创建", zap.String("user_id", profile.ID), zap.String("role", role))
	return profile.toBackend(), nil
}

// SignUp 自助注册，账号角色为普通用户
func (s *Store) SignUp(ctx context.Context, email, password string) error {
	_, err := s.CreateUser(ctx, &CreateUserRequest{Email: email, Password: password, Role: backend.RoleUser})
	return err
}

// SetPassword 重置密码
func (s *Store) SetPassword(ctx context.Context, userID, password string) error {
	if password == "" {
		return errors.BadRequest("密码不能为空")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return errors.Wrap(err, 500, "密码加密失败")
	}
	return s.credentials.Save(ctx, &Credential{UserID: userID, PasswordHash: string(hash)})
}

// ValidProfileRole 资料角色是否为已知取值
func ValidProfileRole(role string) bool {
	switch role {
	case backend.RoleUser, backend.RoleAdmin, backend.RoleSuperAdmin:
		return true
	}
	return false
}

// UpdateProfileRole 修改用户资料中的角色并发布变更，返回修改前的角色
func (s *Store) UpdateProfileRole(ctx context.Context, userID, role string) (string, error) {
	if !ValidProfileRole(role) {
		return "", errors.BadRequest("未知的用户角色")
	}

	profile, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, 500, "查询用户失败")
	}
	if profile == nil {
		return "", errors.ErrProfileNotFound
	}

	if err := s.profiles.UpdateFields(ctx, userID, map[string]any{"role": role}); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errors.ErrProfileNotFound
		}
		return "", errors.Wrap(err, 500, "更新用户角色失败")
	}

	s.publish(ctx, backend.Change{
		Table:  backend.TableProfiles,
		Event:  backend.EventUpdate,
		Record: map[string]any{"id": userID, "role": role},
	})
	return profile.Role, nil
}

// CreateRole 创建后台角色
func (s *Store) CreateRole(ctx context.Context, code, name string) (*Role, error) {
	exists, err := s.roles.Exists(ctx, map[string]any{"code": code})
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询角色失败")
	}
	if exists {
		return nil, errors.BadRequest("角色编码已存在")
	}

	role := &Role{Code: code, Name: name}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, errors.Wrap(err, 500, "创建角色失败")
	}
	return role, nil
}

// GetRole 查询角色
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	role, err := s.roles.FindByID(ctx, roleID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询角色失败")
	}
	if role == nil {
		return nil, errors.NotFound("角色")
	}
	return role, nil
}

// RolePermissions 角色的权限编码
func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	codes, err := s.policy.RoleCodes(roleID)
	if err != nil {
		return nil, errors.Wrap(err, 500, "查询角色权限失败")
	}
	return codes, nil
}

// SetRolePermissions 覆盖角色权限并发布变更，返回修改前的编码
//
// 编码必须存在于权限目录中
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, codes []string) ([]string, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	if len(codes) > 0 {
		known, err := s.permissions.Count(ctx, map[string]any{"code": codes})
		if err != nil {
			return nil, errors.Wrap(err, 500, "查询权限目录失败")
		}
		if int(known) != len(uniqueCodes(codes)) {
			return nil, errors.BadRequest("包含未知的权限编码")
		}
	}

	previous, err := s.policy.SetRolePermissions(roleID, codes)
	if err != nil {
		return nil, errors.Wrap(err, 500, "更新角色权限失败")
	}

	s.publish(ctx, backend.Change{
		Table:  backend.TableRolePermissions,
		Event:  backend.EventUpdate,
		Record: map[string]any{"role_id": roleID},
	})
	return previous, nil
}

// AssignRole 为用户绑定后台角色并发布变更，返回原角色ID，0 表示此前未绑定
func (s *Store) AssignRole(ctx context.Context, userID string, roleID int64) (int64, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return 0, err
	}
	exists, err := s.profiles.Exists(ctx, map[string]any{"id": userID})
	if err != nil {
		return 0, errors.Wrap(err, 500, "查询用户失败")
	}
	if !exists {
		return 0, errors.ErrProfileNotFound
	}

	previous, err := s.policy.SetUserRole(userID, roleID)
	if err != nil {
		return 0, errors.Wrap(err, 500, "绑定角色失败")
	}

	s.publish(ctx, backend.Change{
		Table:  backend.TableRolePermissions,
		Event:  backend.EventInsert,
		Record: map[string]any{"role_id": roleID, "user_id": userID},
	})
	return previous, nil
}

func uniqueCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
