package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

// policyModel 角色持有权限编码，用户继承角色
const policyModel = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj
`

func userSubject(userID string) string {
	return "user:" + userID
}

func roleSubject(roleID int64) string {
	return fmt.Sprintf("role:%d", roleID)
}

// policyRevisionID 版本表只有一行
const policyRevisionID = 1

// PolicyRevision 授权版本，每次写入策略后递增
//
// 多个网关节点共享同一数据库，读取前比较版本号，落后时重新加载策略
type PolicyRevision struct {
	ID        int64     `gorm:"primaryKey"`
	Revision  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName 表名
func (PolicyRevision) TableName() string { return "cms_policy_revisions" }

// Policy 基于 Casbin 的角色权限
type Policy struct {
	mu       sync.Mutex
	db       *gorm.DB
	enforcer *casbin.Enforcer
	revision int64
}

// NewPolicy 创建策略，规则保存在 casbin_rule 表
func NewPolicy(db *gorm.DB) (*Policy, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin adapter: %w", err)
	}

	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	if err := db.AutoMigrate(&PolicyRevision{}); err != nil {
		return nil, fmt.Errorf("failed to migrate policy revision: %w", err)
	}
	row := PolicyRevision{ID: policyRevisionID}
	if err := db.Where(PolicyRevision{ID: policyRevisionID}).FirstOrCreate(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to init policy revision: %w", err)
	}

	p := &Policy{db: db, enforcer: enforcer, revision: -1}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.syncLocked(); err != nil {
		return nil, fmt.Errorf("failed to load casbin policy: %w", err)
	}
	return p, nil
}

func (p *Policy) storedRevision() (int64, error) {
	var row PolicyRevision
	err := p.db.Select("revision").Where("id = ?", policyRevisionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Revision, err
}

// syncLocked 其他节点写入过策略时重新加载
func (p *Policy) syncLocked() error {
	rev, err := p.storedRevision()
	if err != nil {
		return err
	}
	if rev == p.revision {
		return nil
	}
	if err := p.enforcer.LoadPolicy(); err != nil {
		return err
	}
	p.revision = rev
	return nil
}

// bumpLocked 写入策略后递增版本
func (p *Policy) bumpLocked() error {
	err := p.db.Model(&PolicyRevision{}).
		Where("id = ?", policyRevisionID).
		UpdateColumn("revision", gorm.Expr("revision + 1")).Error
	if err != nil {
		return err
	}
	rev, err := p.storedRevision()
	if err != nil {
		return err
	}
	// 期间有其他节点写入，内存中的策略不完整
	if rev != p.revision+1 {
		if err := p.enforcer.LoadPolicy(); err != nil {
			return err
		}
	}
	p.revision = rev
	return nil
}

// CodesForUser 用户经由角色持有的权限编码
func (p *Policy) CodesForUser(userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncLocked(); err != nil {
		return nil, err
	}
	roles, err := p.enforcer.GetRolesForUser(userSubject(userID))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	codes := make([]string, 0)
	for _, role := range roles {
		policies, _ := p.enforcer.GetFilteredPolicy(0, role)
		for _, rule := range policies {
			if len(rule) < 2 {
				continue
			}
			if _, ok := seen[rule[1]]; ok {
				continue
			}
			seen[rule[1]] = struct{}{}
			codes = append(codes, rule[1])
		}
	}
	return codes, nil
}

// Allowed 用户是否持有编码
func (p *Policy) Allowed(userID, code string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncLocked(); err != nil {
		return false, err
	}
	return p.enforcer.Enforce(userSubject(userID), code)
}

// RoleCodes 角色的权限编码
func (p *Policy) RoleCodes(roleID int64) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncLocked(); err != nil {
		return nil, err
	}
	return p.roleCodesLocked(roleID), nil
}

func (p *Policy) roleCodesLocked(roleID int64) []string {
	policies, _ := p.enforcer.GetFilteredPolicy(0, roleSubject(roleID))
	codes := make([]string, 0, len(policies))
	for _, rule := range policies {
		if len(rule) >= 2 {
			codes = append(codes, rule[1])
		}
	}
	return codes
}

// SetRolePermissions 覆盖角色的权限编码，返回修改前的编码
func (p *Policy) SetRolePermissions(roleID int64, codes []string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncLocked(); err != nil {
		return nil, err
	}
	previous := p.roleCodesLocked(roleID)

	role := roleSubject(roleID)
	if _, err := p.enforcer.DeletePermissionsForUser(role); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(codes))
	rules := make([][]string, 0, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup || code == "" {
			continue
		}
		seen[code] = struct{}{}
		rules = append(rules, []string{role, code})
	}
	if len(rules) > 0 {
		if _, err := p.enforcer.AddPolicies(rules); err != nil {
			return nil, err
		}
	}
	return previous, p.bumpLocked()
}

// SetUserRole 设置用户角色(1对1)，返回原角色，0 表示此前未绑定
func (p *Policy) SetUserRole(userID string, roleID int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.syncLocked(); err != nil {
		return 0, err
	}
	user := userSubject(userID)

	var previous int64
	roles, _ := p.enforcer.GetRolesForUser(user)
	for _, r := range roles {
		if _, err := fmt.Sscanf(r, "role:%d", &previous); err == nil {
			break
		}
	}

	if _, err := p.enforcer.DeleteRolesForUser(user); err != nil {
		return 0, err
	}
	if _, err := p.enforcer.AddGroupingPolicy(user, roleSubject(roleID)); err != nil {
		return 0, err
	}
	return previous, p.bumpLocked()
}
