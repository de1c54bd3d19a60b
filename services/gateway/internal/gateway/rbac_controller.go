package gateway

import (
	"github.com/cmsadmin/pkg/audit"
	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/errors"
	"github.com/cmsadmin/pkg/middleware"
	"github.com/cmsadmin/pkg/response"
	"github.com/cmsadmin/pkg/router"
	"github.com/cmsadmin/pkg/store"
	"github.com/gofiber/fiber/v2"
)

// RBACController 自建模式下的角色授权管理
type RBACController struct {
	store *store.Store
}

type rolePermissionsRequest struct {
	Codes []string `json:"codes"`
}

type userRoleRequest struct {
	Role string `json:"role"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"roleId"`
}

// RolePermissions 角色的权限编码
type RolePermissions struct {
	RoleID int64    `json:"roleId"`
	Codes  []string `json:"codes"`
}

// Prefix 路由前缀
func (ctl *RBACController) Prefix() string { return "/rbac" }

// Routes 路由
func (ctl *RBACController) Routes(mws router.Middlewares) []router.Route {
	guard := func(action, resource string) []fiber.Handler {
		return append(mws.With("auth"), middleware.RequireAccess(action, resource))
	}
	return []router.Route{
		{Method: fiber.MethodGet, Path: "roles/:id/permissions", Handler: ctl.rolePermissions, Middlewares: guard("show", "cms_roles")},
		{Method: fiber.MethodPut, Path: "roles/:id/permissions", Handler: ctl.setRolePermissions, Middlewares: guard("edit", "cms_roles")},
		{Method: fiber.MethodPost, Path: "users/:id/roles", Handler: ctl.assignRole, Middlewares: guard("edit", "cms_roles")},
		{Method: fiber.MethodPut, Path: "users/:id/role", Handler: ctl.updateProfileRole, Middlewares: guard("edit", "profiles")},
		{Method: fiber.MethodGet, Path: "audit-logs", Handler: ctl.auditLogs, Middlewares: guard("list", "audit_logs")},
	}
}

func roleID(c *fiber.Ctx) (int64, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, errors.BadRequest("角色ID无效")
	}
	return int64(id), nil
}

func (ctl *RBACController) rolePermissions(c *fiber.Ctx) error {
	id, err := roleID(c)
	if err != nil {
		return err
	}
	codes, err := ctl.store.RolePermissions(c.UserContext(), id)
	if err != nil {
		return err
	}
	return response.Success(c, RolePermissions{RoleID: id, Codes: codes})
}

func (ctl *RBACController) setRolePermissions(c *fiber.Ctx) error {
	id, err := roleID(c)
	if err != nil {
		return err
	}
	var req rolePermissionsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "请求参数错误")
	}

	ctx := c.UserContext()
	previous, err := ctl.store.SetRolePermissions(ctx, id, req.Codes)
	if err != nil {
		return err
	}

	middleware.GetProvider(c).Audit().LogAction(ctx, audit.ActionUpdate, backend.TableRolePermissions, id,
		map[string]any{"codes": previous},
		map[string]any{"codes": req.Codes},
	)
	return response.Success(c, RolePermissions{RoleID: id, Codes: req.Codes})
}

func (ctl *RBACController) assignRole(c *fiber.Ctx) error {
	var req assignRoleRequest
	if err := c.BodyParser(&req); err != nil || req.RoleID <= 0 {
		return response.BadRequest(c, "角色ID无效")
	}
	userID := c.Params("id")

	ctx := c.UserContext()
	previous, err := ctl.store.AssignRole(ctx, userID, req.RoleID)
	if err != nil {
		return err
	}

	action, before := audit.ActionCreate, map[string]any(nil)
	if previous > 0 {
		action, before = audit.ActionUpdate, map[string]any{"user_id": userID, "role_id": previous}
	}
	middleware.GetProvider(c).Audit().LogAction(ctx, action, backend.TableRolePermissions, userID,
		before,
		map[string]any{"user_id": userID, "role_id": req.RoleID},
	)
	return response.SuccessWithMessage(c, "角色已分配", nil)
}

func (ctl *RBACController) updateProfileRole(c *fiber.Ctx) error {
	var req userRoleRequest
	if err := c.BodyParser(&req); err != nil || req.Role == "" {
		return response.BadRequest(c, "角色不能为空")
	}
	if !store.ValidProfileRole(req.Role) {
		return response.BadRequest(c, "未知的用户角色")
	}
	userID := c.Params("id")

	ctx := c.UserContext()
	p := middleware.GetProvider(c)
	// 只有通配权限持有者可以授予超级管理员
	if req.Role == backend.RoleSuperAdmin && !p.Permissions(ctx).IsWildcard() {
		return response.Forbidden(c, "无权授予超级管理员")
	}

	previous, err := ctl.store.UpdateProfileRole(ctx, userID, req.Role)
	if err != nil {
		return err
	}

	p.Audit().LogAction(ctx, audit.ActionUpdate, backend.TableProfiles, userID,
		map[string]any{"role": previous},
		map[string]any{"role": req.Role},
	)
	return response.SuccessWithMessage(c, "角色已更新", nil)
}

func (ctl *RBACController) auditLogs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	logs, err := ctl.store.AuditLogs(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return response.Success(c, logs)
}
