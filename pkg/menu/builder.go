package menu

import (
	"context"
	"strings"
	"sync"

	"github.com/cmsadmin/pkg/access"
	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/logger"
	"go.uber.org/zap"
)

// Meta 资源元信息
type Meta struct {
	Label        string `json:"label"`
	Icon         string `json:"icon,omitempty"`
	OriginalCode string `json:"originalCode"`
}

// Resource 可导航资源
type Resource struct {
	Name   string `json:"name"`
	List   string `json:"list,omitempty"`
	Create string `json:"create,omitempty"`
	Edit   string `json:"edit,omitempty"`
	Show   string `json:"show,omitempty"`
	Meta   Meta   `json:"meta"`
}

// Descriptor 用于访问判定的资源引用
func (r Resource) Descriptor() access.ResourceRef {
	return access.ByDescriptor(access.Descriptor{Name: r.Name, OriginalCode: r.Meta.OriginalCode})
}

// override 目录缺失时补充的固定资源
type override struct {
	name          string
	code          string
	label         string
	createAndEdit bool
}

var overrides = []override{
	{name: "audit_logs", code: CodeAuditLogs, label: "Audit Logs"},
	{name: "library_books", code: CodeLibraryBooks, label: "Library Books", createAndEdit: true},
	{name: "recharge_options", code: CodeRechargeOptions, label: "充值配置", createAndEdit: true},
}

// Builder 由权限目录与栏目表生成菜单
type Builder struct {
	sections []Section
	byCode   map[string]Section
}

// NewBuilder 创建菜单生成器，sections 为空时使用内置栏目表
func NewBuilder(sections []Section) *Builder {
	if len(sections) == 0 {
		sections = DefaultSections()
	}
	b := &Builder{
		sections: sections,
		byCode:   make(map[string]Section, len(sections)),
	}
	for _, s := range sections {
		b.byCode[s.Code] = s
	}
	return b
}

// Build 生成资源列表
//
// 目录中的编码按目录顺序输出；通配权限持有者额外获得目录缺失的全部栏目；
// 最后补充 audit_logs、library_books、recharge_options 三个固定资源
func (b *Builder) Build(catalog []backend.CatalogEntry, perms access.PermissionSet) []Resource {
	labels := make(map[string]string, len(catalog))
	codes := make([]string, 0, len(catalog)+len(b.sections))
	for _, entry := range catalog {
		if !strings.HasPrefix(entry.Code, "/") {
			continue
		}
		if _, seen := labels[entry.Code]; seen {
			continue
		}
		labels[entry.Code] = entry.Name
		codes = append(codes, entry.Code)
	}

	if perms.IsWildcard() {
		for _, s := range b.sections {
			if _, ok := labels[s.Code]; !ok {
				codes = append(codes, s.Code)
			}
		}
	}

	resources := make([]Resource, 0, len(codes)+len(overrides))
	names := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		r := b.resource(code, labels[code])
		resources = append(resources, r)
		names[r.Name] = struct{}{}
	}

	for _, o := range overrides {
		if _, ok := names[o.name]; ok {
			continue
		}
		r := Resource{
			Name: o.name,
			List: o.code,
			Meta: Meta{Label: o.label, Icon: b.byCode[o.code].Icon, OriginalCode: o.code},
		}
		if o.createAndEdit {
			r.Create = o.code + "/create"
			r.Edit = o.code + "/edit/:id"
		}
		resources = append(resources, r)
		names[o.name] = struct{}{}
	}

	return resources
}

// resource 单个编码的资源，未配置的编码得到仅含列表页的占位资源
func (b *Builder) resource(code, label string) Resource {
	s := b.byCode[code]

	name := s.Resource
	if name == "" {
		name = strings.TrimPrefix(code, "/")
	}
	if code == CodeDashboard {
		name = "dashboard"
	}
	if label == "" {
		label = code
	}

	r := Resource{
		Name: name,
		List: code,
		Meta: Meta{Label: label, Icon: s.Icon, OriginalCode: code},
	}
	if s.ListPath != "" {
		r.List = s.ListPath
	}
	if s.Create {
		r.Create = code + "/create"
	}
	if s.Edit {
		r.Edit = code + "/edit/:id"
	}
	if s.Show {
		r.Show = code + "/show/:id"
	}
	return r
}

// Authorizer 访问判定
type Authorizer interface {
	Can(ctx context.Context, req access.CanRequest) access.Decision
}

// Navigable 过滤出允许 list 的资源
func Navigable(ctx context.Context, gate Authorizer, resources []Resource) []Resource {
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if gate.Can(ctx, access.CanRequest{Action: "list", Resource: r.Descriptor()}).Allowed {
			out = append(out, r)
		}
	}
	return out
}

// CatalogFetcher 拉取权限目录
type CatalogFetcher func(ctx context.Context) ([]backend.CatalogEntry, error)

// Loader 拉取目录并生成菜单，拉取失败时使用上次成功的目录
type Loader struct {
	builder *Builder
	fetch   CatalogFetcher
	log     *zap.Logger

	mu   sync.Mutex
	last []backend.CatalogEntry
}

// NewLoader 创建加载器
func NewLoader(builder *Builder, fetch CatalogFetcher) *Loader {
	return &Loader{
		builder: builder,
		fetch:   fetch,
		log:     logger.Named("menu"),
	}
}

// Load 生成菜单
func (l *Loader) Load(ctx context.Context, perms access.PermissionSet) []Resource {
	catalog, err := l.fetch(ctx)

	l.mu.Lock()
	if err != nil {
		l.log.Warn("权限目录拉取失败，使用上次结果", zap.Error(err), zap.Int("cached", len(l.last)))
		catalog = l.last
	} else {
		l.last = catalog
	}
	l.mu.Unlock()

	return l.builder.Build(catalog, perms)
}
