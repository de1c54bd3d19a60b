package menu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// 权限编码
const (
	CodeDashboard           = "/dashboard"
	CodeReports             = "/reports"
	CodePosts               = "/content/posts"
	CodeComments            = "/content/comments"
	CodeUsers               = "/users"
	CodeUserResources       = "/user-resources"
	CodeRechargeRecords     = "/recharge-records"
	CodeRechargeOptions     = "/recharge-options"
	CodeCaseOps             = "/case-ops"
	CodeTags                = "/tags"
	CodeWiki                = "/wiki"
	CodeSystemRoles         = "/system/roles"
	CodeSystemMessages      = "/system/messages"
	CodeAuditLogs           = "/audit-logs"
	CodeLibraryBooks        = "/library-books"
	CodeLibraryBookContents = "/library-book-contents"
)

// Section 栏目能力
type Section struct {
	Code     string `yaml:"code" json:"code"`
	Resource string `yaml:"resource" json:"resource,omitempty"`
	ListPath string `yaml:"listPath" json:"listPath,omitempty"`
	Create   bool   `yaml:"create" json:"create,omitempty"`
	Edit     bool   `yaml:"edit" json:"edit,omitempty"`
	Show     bool   `yaml:"show" json:"show,omitempty"`
	Icon     string `yaml:"icon" json:"icon,omitempty"`
}

// DefaultSections 内置栏目表
func DefaultSections() []Section {
	return []Section{
		{Code: CodeDashboard, ListPath: "/", Icon: "dashboard"},
		{Code: CodeReports, Resource: "reports", Show: true, Icon: "safety-certificate"},
		{Code: CodePosts, Resource: "posts", Create: true, Edit: true, Show: true, Icon: "file-text"},
		{Code: CodeComments, Resource: "comments", Edit: true, Icon: "message"},
		{Code: CodeUsers, Resource: "profiles", Edit: true, Icon: "user"},
		{Code: CodeUserResources, Resource: "user_resources", Icon: "cloud-server"},
		{Code: CodeRechargeRecords, Resource: "coin_transactions", Icon: "pay-circle"},
		{Code: CodeRechargeOptions, Resource: "recharge_options", Create: true, Edit: true, Icon: "wallet"},
		{Code: CodeCaseOps, Resource: "case_metadata", Edit: true, Icon: "safety-certificate"},
		{Code: CodeTags, Resource: "tags", Icon: "tags"},
		{Code: CodeWiki, Resource: "wiki_articles", Create: true, Edit: true, Show: true, Icon: "book"},
		{Code: CodeSystemRoles, Resource: "cms_roles", Create: true, Edit: true, Icon: "safety-certificate"},
		{Code: CodeSystemMessages, Resource: "cms_notifications", Create: true, Icon: "notification"},
		{Code: CodeAuditLogs, Resource: "audit_logs", Icon: "history"},
		{Code: CodeLibraryBooks, Resource: "library_books", Create: true, Edit: true, Icon: "read"},
		{Code: CodeLibraryBookContents, Resource: "library_book_contents", Icon: "profile"},
	}
}

type sectionsFile struct {
	Sections []Section `yaml:"sections"`
}

// LoadSections 从 YAML 文件加载栏目表
func LoadSections(path string) ([]Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sections file: %w", err)
	}
	return ParseSections(data)
}

// ParseSections 解析栏目表
func ParseSections(data []byte) ([]Section, error) {
	var f sectionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sections: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Sections))
	for i, s := range f.Sections {
		if len(s.Code) < 2 || s.Code[0] != '/' {
			return nil, fmt.Errorf("section %d: invalid code %q", i, s.Code)
		}
		if _, dup := seen[s.Code]; dup {
			return nil, fmt.Errorf("section %d: duplicate code %q", i, s.Code)
		}
		seen[s.Code] = struct{}{}
	}
	return f.Sections, nil
}
