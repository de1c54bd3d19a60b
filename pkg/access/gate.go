package access

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/cmsadmin/pkg/metrics"
)

// 拒绝原因
const (
	ReasonInvalidResource = "Invalid resource"
	ReasonAccessDenied    = "Access Denied"
	ReasonHardDelete      = "普通管理员无法执行物理删除"
	ReasonUnauthenticated = "Unauthenticated"
)

// DashboardCode 所有已登录用户都可访问的编码
const DashboardCode = "/dashboard"

// actionSuffixes 动作到权限后缀，未列出的动作以自身为后缀
var actionSuffixes = map[string][]string{
	"list":   {"read"},
	"show":   {"read"},
	"export": {"read"},
	"create": {"write"},
	"edit":   {"write"},
	"clone":  {"write"},
	"import": {"write"},
	"delete": {"delete", "write"},
}

// SuffixesFor 动作对应的细粒度后缀
func SuffixesFor(action string) []string {
	if s, ok := actionSuffixes[action]; ok {
		return s
	}
	return []string{action}
}

// Params 附加参数
type Params struct {
	HardDelete bool `json:"hardDelete,omitempty"`
}

// UnmarshalJSON 接受 {"meta":{"hardDelete":true}}，兼容扁平的 {"hardDelete":true}
//
// 两处任一为 true 即视为物理删除
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw struct {
		HardDelete bool `json:"hardDelete"`
		Meta       struct {
			HardDelete bool `json:"hardDelete"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.HardDelete = raw.HardDelete || raw.Meta.HardDelete
	return nil
}

// CanRequest 访问判定请求
type CanRequest struct {
	Action   string      `json:"action"`
	Resource ResourceRef `json:"resource"`
	Params   Params      `json:"params"`
}

// Decision 判定结果
type Decision struct {
	Allowed bool   `json:"can"`
	Reason  string `json:"reason,omitempty"`
}

// Allow 允许
func Allow() Decision { return Decision{Allowed: true} }

// Deny 拒绝
func Deny(reason string) Decision { return Decision{Reason: reason} }

// PermissionSource 权限集合来源
type PermissionSource interface {
	Get(ctx context.Context) PermissionSet
}

// Gate 访问控制
type Gate struct {
	source PermissionSource
}

// NewGate 创建访问控制
func NewGate(source PermissionSource) *Gate {
	return &Gate{source: source}
}

// Can 判定当前会话能否对资源执行动作
func (g *Gate) Can(ctx context.Context, req CanRequest) Decision {
	d := Evaluate(g.source.Get(ctx), req)
	metrics.Decisions.WithLabelValues(req.Action, strconv.FormatBool(d.Allowed)).Inc()
	return d
}

// Evaluate 依据权限集合判定
func Evaluate(perms PermissionSet, req CanRequest) Decision {
	if perms.IsWildcard() {
		return Allow()
	}

	code, ok := Normalize(req.Resource)
	if !ok {
		return Deny(ReasonInvalidResource)
	}

	if req.Action == "delete" && req.Params.HardDelete {
		return Deny(ReasonHardDelete)
	}

	if code == DashboardCode {
		return Allow()
	}

	if perms.Has(code) {
		return Allow()
	}

	for _, suffix := range SuffixesFor(req.Action) {
		if perms.Has(code + ":" + suffix) {
			return Allow()
		}
	}

	return Deny(ReasonAccessDenied)
}
