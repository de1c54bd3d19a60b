package access

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ResourceToPermission 数据资源名到权限编码
var ResourceToPermission = map[string]string{
	"coin_transactions": "/recharge-records",
	"recharge_options":  "/recharge-options",
	"case_metadata":     "/case-ops",
	"library_books":     "/library-books",
	"user_resources":    "/user-resources",
	"profiles":          "/users",
	"wiki_articles":     "/wiki",
	"cms_roles":         "/system/roles",
	"audit_logs":        "/audit-logs",
	"cms_notifications": "/system/messages",
}

// Descriptor 结构化资源引用
type Descriptor struct {
	Name         string `json:"name"`
	OriginalCode string `json:"originalCode,omitempty"`
}

// ResourceRef 资源引用：名称或结构化描述，二选一
type ResourceRef struct {
	name       string
	descriptor *Descriptor
}

// ByName 以名称或编码引用资源
func ByName(name string) ResourceRef {
	return ResourceRef{name: name}
}

// ByDescriptor 以结构化描述引用资源
func ByDescriptor(d Descriptor) ResourceRef {
	return ResourceRef{descriptor: &d}
}

// Descriptor 返回结构化描述
func (r ResourceRef) Descriptor() (Descriptor, bool) {
	if r.descriptor == nil {
		return Descriptor{}, false
	}
	return *r.descriptor, true
}

// String 原始标识
func (r ResourceRef) String() string {
	if r.descriptor != nil {
		if r.descriptor.Name != "" {
			return r.descriptor.Name
		}
		return r.descriptor.OriginalCode
	}
	return r.name
}

// UnmarshalJSON 接受字符串或 {"name","meta":{"originalCode"}} 对象
func (r *ResourceRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*r = ByName(name)
		return nil
	}

	var raw struct {
		Name         string `json:"name"`
		OriginalCode string `json:"originalCode"`
		Meta         struct {
			OriginalCode string `json:"originalCode"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	code := raw.OriginalCode
	if code == "" {
		code = raw.Meta.OriginalCode
	}
	*r = ByDescriptor(Descriptor{Name: raw.Name, OriginalCode: code})
	return nil
}

// MarshalJSON 序列化
func (r ResourceRef) MarshalJSON() ([]byte, error) {
	if r.descriptor != nil {
		return json.Marshal(r.descriptor)
	}
	return json.Marshal(r.name)
}

// Normalize 将资源引用规范化为权限编码，无法得到编码时返回 false
//
// 名称优先走映射表；结构化描述依次取映射后的名称、原始编码、名称
func Normalize(ref ResourceRef) (string, bool) {
	var target string
	if d := ref.descriptor; d != nil {
		switch {
		case ResourceToPermission[d.Name] != "":
			target = ResourceToPermission[d.Name]
		case d.OriginalCode != "":
			target = d.OriginalCode
		default:
			target = d.Name
		}
	} else {
		target = ref.name
		if mapped, ok := ResourceToPermission[target]; ok {
			target = mapped
		}
	}

	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return target, true
}
