package menu

import (
	"context"
	"errors"
	"testing"

	"github.com/cmsadmin/pkg/access"
	"github.com/cmsadmin/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPerms access.PermissionSet

func (s staticPerms) Get(context.Context) access.PermissionSet { return access.PermissionSet(s) }

func perms(codes ...string) access.PermissionSet {
	return access.NewPermissionSet(codes)
}

func names(resources []Resource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Name)
	}
	return out
}

func find(t *testing.T, resources []Resource, name string) Resource {
	t.Helper()
	for _, r := range resources {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("resource %q not found in %v", name, names(resources))
	return Resource{}
}

func TestBuild_CatalogOrderAndRoutes(t *testing.T) {
	b := NewBuilder(nil)
	catalog := []backend.CatalogEntry{
		{ID: 1, Code: CodeWiki, Name: "知识库"},
		{ID: 2, Code: CodeUsers, Name: "用户管理"},
	}

	got := b.Build(catalog, perms(CodeWiki))

	assert.Equal(t, []string{"wiki_articles", "profiles", "audit_logs", "library_books", "recharge_options"}, names(got))

	wiki := got[0]
	assert.Equal(t, CodeWiki, wiki.List)
	assert.Equal(t, "/wiki/create", wiki.Create)
	assert.Equal(t, "/wiki/edit/:id", wiki.Edit)
	assert.Equal(t, "/wiki/show/:id", wiki.Show)
	assert.Equal(t, Meta{Label: "知识库", Icon: "book", OriginalCode: CodeWiki}, wiki.Meta)

	users := got[1]
	assert.Empty(t, users.Create)
	assert.Equal(t, "/users/edit/:id", users.Edit)
	assert.Empty(t, users.Show)

	audit := find(t, got, "audit_logs")
	assert.Equal(t, CodeAuditLogs, audit.List)
	assert.Empty(t, audit.Create)
	assert.Equal(t, "Audit Logs", audit.Meta.Label)

	books := find(t, got, "library_books")
	assert.Equal(t, "/library-books/create", books.Create)
	assert.Equal(t, "/library-books/edit/:id", books.Edit)

	recharge := find(t, got, "recharge_options")
	assert.Equal(t, "充值配置", recharge.Meta.Label)
}

func TestBuild_WildcardAddsMissingSections(t *testing.T) {
	b := NewBuilder(nil)
	catalog := []backend.CatalogEntry{{ID: 1, Code: CodeWiki, Name: "Wiki"}}

	got := b.Build(catalog, perms(backend.Wildcard))

	require.Len(t, got, len(DefaultSections()))
	assert.Equal(t, "wiki_articles", got[0].Name)

	books := find(t, got, "library_books")
	assert.Equal(t, CodeLibraryBooks, books.Meta.OriginalCode)
	assert.Equal(t, CodeLibraryBooks, books.Meta.Label)

	seen := make(map[string]int)
	for _, r := range got {
		seen[r.Name]++
	}
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestBuild_WithoutWildcardSkipsMissingSections(t *testing.T) {
	b := NewBuilder(nil)
	got := b.Build([]backend.CatalogEntry{{Code: CodeWiki, Name: "Wiki"}}, perms(CodeWiki, CodeLibraryBookContents))

	for _, r := range got {
		assert.NotEqual(t, "library_book_contents", r.Name)
	}
}

func TestBuild_Dashboard(t *testing.T) {
	b := NewBuilder(nil)
	got := b.Build([]backend.CatalogEntry{{Code: CodeDashboard, Name: "仪表盘"}}, perms())

	dash := got[0]
	assert.Equal(t, "dashboard", dash.Name)
	assert.Equal(t, "/", dash.List)
	assert.Equal(t, CodeDashboard, dash.Meta.OriginalCode)
}

func TestBuild_UnconfiguredCodeGetsPlaceholder(t *testing.T) {
	b := NewBuilder(nil)
	got := b.Build([]backend.CatalogEntry{{Code: "/ops/jobs"}}, perms())

	r := got[0]
	assert.Equal(t, "ops/jobs", r.Name)
	assert.Equal(t, "/ops/jobs", r.List)
	assert.Empty(t, r.Create)
	assert.Empty(t, r.Edit)
	assert.Empty(t, r.Show)
	assert.Equal(t, "/ops/jobs", r.Meta.Label)
}

func TestBuild_SkipsInvalidAndDuplicateCodes(t *testing.T) {
	b := NewBuilder(nil)
	catalog := []backend.CatalogEntry{
		{Code: "wiki"},
		{Code: CodeTags, Name: "标签"},
		{Code: CodeTags, Name: "重复"},
	}

	got := b.Build(catalog, perms())

	assert.Equal(t, []string{"tags", "audit_logs", "library_books", "recharge_options"}, names(got))
	assert.Equal(t, "标签", got[0].Meta.Label)
}

func TestBuild_CatalogEntryReplacesOverride(t *testing.T) {
	b := NewBuilder(nil)
	got := b.Build([]backend.CatalogEntry{{Code: CodeAuditLogs, Name: "操作日志"}}, perms())

	assert.Equal(t, []string{"audit_logs", "library_books", "recharge_options"}, names(got))
	assert.Equal(t, "操作日志", got[0].Meta.Label)
}

func TestNavigable(t *testing.T) {
	b := NewBuilder(nil)
	catalog := []backend.CatalogEntry{
		{Code: CodeDashboard, Name: "仪表盘"},
		{Code: CodePosts, Name: "帖子"},
		{Code: CodeWiki, Name: "知识库"},
		{Code: CodeUsers, Name: "用户"},
	}
	held := perms(CodePosts, CodeWiki+":read", CodeAuditLogs)

	got := Navigable(context.Background(), access.NewGate(staticPerms(held)), b.Build(catalog, held))

	assert.Equal(t, []string{"dashboard", "posts", "wiki_articles", "audit_logs"}, names(got))
}

func TestNavigable_Wildcard(t *testing.T) {
	b := NewBuilder(nil)
	held := perms(backend.Wildcard)
	all := b.Build(nil, held)

	got := Navigable(context.Background(), access.NewGate(staticPerms(held)), all)

	assert.Len(t, got, len(all))
}

func TestLoader_FallsBackToLastCatalog(t *testing.T) {
	var fail bool
	fetch := func(context.Context) ([]backend.CatalogEntry, error) {
		if fail {
			return nil, errors.New("upstream down")
		}
		return []backend.CatalogEntry{{Code: CodeWiki, Name: "知识库"}}, nil
	}
	l := NewLoader(NewBuilder(nil), fetch)
	ctx := context.Background()

	first := l.Load(ctx, perms(CodeWiki))
	require.Equal(t, "wiki_articles", first[0].Name)

	fail = true
	second := l.Load(ctx, perms(CodeWiki))
	assert.Equal(t, first, second)
}

func TestLoader_FirstFailureBuildsFromEmptyCatalog(t *testing.T) {
	fetch := func(context.Context) ([]backend.CatalogEntry, error) {
		return nil, errors.New("upstream down")
	}
	l := NewLoader(NewBuilder(nil), fetch)

	got := l.Load(context.Background(), perms(CodeWiki))

	assert.Equal(t, []string{"audit_logs", "library_books", "recharge_options"}, names(got))
}
