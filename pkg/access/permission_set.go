package access

import (
	"encoding/json"

	"github.com/cmsadmin/pkg/backend"
)

// PermissionSet 用户持有的权限编码集合，零值为空集合
type PermissionSet struct {
	codes map[string]struct{}
	list  []string
}

// NewPermissionSet 由编码列表构建，去重并保持顺序
func NewPermissionSet(codes []string) PermissionSet {
	set := PermissionSet{codes: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		if code == "" {
			continue
		}
		if _, ok := set.codes[code]; ok {
			continue
		}
		set.codes[code] = struct{}{}
		set.list = append(set.list, code)
	}
	return set
}

// Has 是否持有编码
func (p PermissionSet) Has(code string) bool {
	_, ok := p.codes[code]
	return ok
}

// IsWildcard 是否持有通配权限
func (p PermissionSet) IsWildcard() bool {
	return p.Has(backend.Wildcard)
}

// Codes 编码列表
func (p PermissionSet) Codes() []string {
	return append([]string(nil), p.list...)
}

// Len 编码数量
func (p PermissionSet) Len() int {
	return len(p.list)
}

// MarshalJSON 序列化为编码数组
func (p PermissionSet) MarshalJSON() ([]byte, error) {
	if p.list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.list)
}
